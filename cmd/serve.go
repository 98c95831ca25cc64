package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/eltag/internal/server"
	"github.com/conneroisu/eltag/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:     "serve [dir]...",
	Aliases: []string{"s"},
	Short:   "Serve the mappings over HTTP",
	Long: `Serve the mapping file as a JSON API and stream store changes to
WebSocket clients on /ws. With --watch, the given directories (default ".")
are also watched and re-tagged as they change.

Routes:
  GET /health
  GET /api/mappings?kind=&tag=&file=&id=&attr=name=value&sort=&limit=
  GET /api/mappings/{id}
  GET /api/files, GET /api/files/{path}
  GET /api/stats
  GET /api/preview/{path}?mode=tag
  GET /ws

Examples:
  eltag serve
  eltag serve --watch src --port 9000`,
	RunE: runServe,
}

var serveWatch bool

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 7420, "Port to serve on")
	serveCmd.Flags().String("host", "localhost", "Host to bind to")
	serveCmd.Flags().BoolVarP(&serveWatch, "watch", "w", false, "Watch and re-tag files while serving")

	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	roots := args
	if len(roots) == 0 {
		roots = []string{"."}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(server.Options{
		Host:           a.cfg.Server.Host,
		Port:           a.cfg.Server.Port,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		Root:           roots[0],
	}, a.pipeline, a.logger)

	var fw *watcher.FileWatcher
	if serveWatch {
		if fw, err = a.newWatcher(roots); err != nil {
			return err
		}
	}

	a.cache.Start(ctx)
	defer a.cache.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if fw != nil {
		if err := fw.Start(gctx); err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			err := fw.Stop()
			fw.Wait()
			return err
		})
	}

	err = g.Wait()
	if ferr := a.store.Flush(context.Background()); ferr != nil && err == nil {
		err = ferr
	}
	return err
}
