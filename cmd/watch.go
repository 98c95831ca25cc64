package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conneroisu/eltag/internal/pipeline"
	"github.com/conneroisu/eltag/internal/watcher"
)

var watchCmd = &cobra.Command{
	Use:     "watch [path]...",
	Aliases: []string{"w"},
	Short:   "Tag files as they change",
	Long: `Watch directories (default ".") or single files and tag every supported
file that is created or modified. Deleted files have their mappings removed. Changes are
debounced (pipeline.debounce) and failures are logged without stopping the
watcher.

Examples:
  eltag watch               # Tag the current directory, then watch it
  eltag watch src --initial=false`,
	RunE: runWatch,
}

var watchInitial bool

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().BoolVar(&watchInitial, "initial", true, "Tag every file once before watching")
}

func runWatch(cmd *cobra.Command, args []string) error {
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

	if watchInitial {
		if err := a.initialPass(ctx, roots); err != nil {
			return err
		}
	}

	fw, err := a.newWatcher(roots)
	if err != nil {
		return err
	}
	if err := fw.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	a.cache.Start(ctx)
	defer a.cache.Stop()

	a.logger.Info(ctx, "Watching for changes", "dirs", len(fw.WatchList()))
	<-ctx.Done()
	a.logger.Info(context.Background(), "Stopping watcher")
	err = fw.Stop()
	fw.Wait()
	return errors.Join(err, a.store.Flush(context.Background()))
}

// initialPass tags every root once. Per-file failures are logged.
func (a *app) initialPass(ctx context.Context, roots []string) error {
	for _, root := range roots {
		res, err := a.pipeline.ProcessProject(ctx, root, pipeline.ProjectOptions{Mode: pipeline.ModeTag})
		if err != nil {
			return err
		}
		for _, f := range res.Files {
			if f != nil && f.Err != nil {
				a.logger.Warn(ctx, f.Err, "Initial tagging failed", "file", f.Path)
			}
		}
	}
	return nil
}

// newWatcher watches directory roots recursively and file roots on their
// own, routing supported changes to the pipeline.
func (a *app) newWatcher(roots []string) (*watcher.FileWatcher, error) {
	fw, err := watcher.NewFileWatcher(a.cfg.Pipeline.Debounce, a.logger)
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	fw.AddFilter(watcher.ExtensionFilter(a.pipeline.Extensions()...))
	fw.AddFilter(a.pipeline.Supports)
	fw.AddFilter(watcher.NoGeneratedFilter)
	fw.AddFilter(watcher.NoTempFilter)
	fw.SkipDirs(a.watchSkipDirs())
	fw.AddHandler(watcher.PipelineHandler(a.pipeline, a.logger))

	for _, root := range roots {
		add := fw.AddRecursive
		if info, err := os.Stat(root); err == nil && !info.IsDir() {
			add = fw.AddPath
		}
		if err := add(root); err != nil {
			_ = fw.Stop()
			return nil, fmt.Errorf("watch %s: %w", root, err)
		}
	}
	return fw, nil
}

func (a *app) watchSkipDirs() []string {
	skip := []string{".eltag", ".eltag-backups"}
	if len(a.cfg.Pipeline.Exclude) > 0 {
		return append(skip, a.cfg.Pipeline.Exclude...)
	}
	return append(skip, pipeline.DefaultExclude...)
}
