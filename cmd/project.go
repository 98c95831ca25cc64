package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/conneroisu/eltag/internal/pipeline"
	"github.com/conneroisu/eltag/internal/types"
)

var projectCmd = &cobra.Command{
	Use:   "project [root]",
	Short: "Process every supported file under a directory",
	Long: `Discover every .templ, .jsx and .tsx file under root (default ".") and
process them in parallel. The mapping file is written once at the end of
the run. Per-file failures are reported and do not stop the run unless
--fail-fast is set.

Examples:
  eltag project                          # Tag the current directory
  eltag project src --mode retag         # Rewrite every identifier
  eltag project src --out build/tagged   # Write tagged copies, leave src alone
  eltag project --exclude "**/*.stories.tsx" -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProject,
}

var _ pflag.Value = (*pipeline.Mode)(nil)

var (
	projectMode     = pipeline.ModeTag
	projectOut      string
	projectWorkers  int
	projectFailFast bool
	projectDryRun   bool
	projectInclude  []string
	projectExclude  []string
	projectOutput   string
)

func init() {
	rootCmd.AddCommand(projectCmd)

	projectCmd.Flags().VarP(&projectMode, "mode", "m", "Processing mode (tag, retag, strip)")
	projectCmd.Flags().StringVar(&projectOut, "out", "", "Write processed files to a mirror tree under this directory")
	projectCmd.Flags().IntVarP(&projectWorkers, "workers", "w", 0, "Parallel workers (default from config)")
	projectCmd.Flags().BoolVar(&projectFailFast, "fail-fast", false, "Stop at the first failing file")
	projectCmd.Flags().BoolVarP(&projectDryRun, "dry-run", "n", false, "Compute results without writing files or mappings")
	projectCmd.Flags().StringSliceVar(&projectInclude, "include", nil, "Extensions to process (default .templ, .jsx, .tsx)")
	projectCmd.Flags().StringSliceVar(&projectExclude, "exclude", nil, "Glob patterns to skip, relative to root")
	projectCmd.Flags().StringVarP(&projectOutput, "output", "o", "table", "Output format (table, json, yaml)")
}

func runProject(cmd *cobra.Command, args []string) error {
	if err := validateOutputFormat(projectOutput); err != nil {
		return err
	}
	root := "."
	if len(args) == 1 {
		root = args[0]
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := a.pipeline.ProcessProject(ctx, root, pipeline.ProjectOptions{
		OutputDir: projectOut,
		Mode:      projectMode,
		DryRun:    projectDryRun,
		FailFast:  projectFailFast || a.cfg.Pipeline.FailFast,
		Workers:   projectWorkers,
		Include:   projectInclude,
		Exclude:   projectExclude,
	})
	if res != nil {
		if werr := writeOutput(cmd.OutOrStdout(), projectOutput, res, func(tw *tabwriter.Writer) {
			printProjectResult(tw, res)
		}); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	if res.Canceled {
		return fmt.Errorf("run %s canceled", res.RunID)
	}
	if n := res.Stats.FilesFailed; n > 0 {
		return fmt.Errorf("%d of %d file(s) failed", n, res.Stats.FilesScanned)
	}
	return nil
}

func printProjectResult(tw *tabwriter.Writer, res *pipeline.ProjectResult) {
	printFileResults(tw, res.Files)
	fmt.Fprintln(tw)

	s := res.Stats
	fmt.Fprintf(tw, "Run\t%s\n", res.RunID)
	fmt.Fprintf(tw, "Files\t%d scanned, %d modified, %d unchanged, %d failed, %d skipped\n",
		s.FilesScanned, s.FilesModified, s.FilesUnchanged, s.FilesFailed, s.FilesSkipped)

	kinds := make([]string, 0, len(s.ByKind))
	for k := range s.ByKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	fmt.Fprintf(tw, "Elements\t%d", s.Elements)
	for _, k := range kinds {
		fmt.Fprintf(tw, ", %s %d", k, s.ByKind[types.ElementKind(k)])
	}
	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "Identifiers\t%d added, %d updated, %d removed\n", s.Added, s.Updated, s.Removed)
	if !res.DryRun {
		fmt.Fprintf(tw, "Mappings\t%d added, %d updated, %d moved, %d removed, %d unchanged\n",
			res.Store.Added, res.Store.Updated, res.Store.Moved, res.Store.Removed, res.Store.Unchanged)
	}
	fmt.Fprintf(tw, "Duration\t%s\n", res.Duration.Round(time.Millisecond))
}
