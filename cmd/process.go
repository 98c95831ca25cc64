package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/conneroisu/eltag/internal/pipeline"
)

type processFlags struct {
	dryRun bool
	print  bool
	output string
}

func newModeCommand(mode pipeline.Mode, short, long string) *cobra.Command {
	flags := &processFlags{}
	cmd := &cobra.Command{
		Use:   string(mode) + " <path>...",
		Short: short,
		Long:  long,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd, mode, flags, args)
		},
	}
	cmd.Flags().BoolVarP(&flags.dryRun, "dry-run", "n", false, "Show what would change without writing files or mappings")
	cmd.Flags().BoolVarP(&flags.print, "print", "p", false, "With --dry-run, print the rewritten source of each file")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "table", "Output format (table, json, yaml)")
	return cmd
}

func init() {
	rootCmd.AddCommand(
		newModeCommand(pipeline.ModeTag, "Add identifiers to elements that lack one",
			`Add the identifier attribute to every taggable element that does not carry
a valid one yet. Existing identifiers are kept and recorded.

Directories are processed like "eltag project".

Examples:
  eltag tag src/components/Card.jsx
  eltag tag --dry-run --print src/views/header.templ
  eltag tag src/`),
		newModeCommand(pipeline.ModeRetag, "Rewrite every identifier",
			`Rewrite the identifier of every taggable element. Identifiers already
recorded in the mapping file for the same element are reused; unmapped
identifiers are replaced.

Examples:
  eltag retag src/components/Card.jsx
  eltag retag -o json src/`),
		newModeCommand(pipeline.ModeStrip, "Remove identifiers and their mappings",
			`Remove the identifier attribute from every element and drop the file's
entries from the mapping file.

Examples:
  eltag strip src/components/Card.jsx
  eltag strip --dry-run src/`),
	)
}

func runMode(cmd *cobra.Command, mode pipeline.Mode, flags *processFlags, args []string) error {
	if err := validateOutputFormat(flags.output); err != nil {
		return err
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var results []*pipeline.FileResult
	var failed int
	for _, path := range args {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		if info.IsDir() {
			res, err := a.pipeline.ProcessProject(ctx, path, pipeline.ProjectOptions{
				Mode:     mode,
				DryRun:   flags.dryRun,
				FailFast: a.cfg.Pipeline.FailFast,
			})
			if res != nil {
				results = append(results, res.Files...)
				failed += res.Stats.FilesFailed
			}
			if err != nil {
				return err
			}
			continue
		}

		var res *pipeline.FileResult
		if flags.dryRun {
			var src []byte
			res, src, err = a.pipeline.PreviewFile(ctx, path, mode)
			if err == nil && flags.print {
				fmt.Fprintf(out, "--- %s\n%s", path, src)
			}
		} else {
			res, err = a.pipeline.ProcessFile(ctx, path, mode)
		}
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			failed++
			a.logger.Error(ctx, err, "Processing failed", "file", path)
		}
	}

	if err := writeOutput(out, flags.output, results, func(tw *tabwriter.Writer) {
		printFileResults(tw, results)
	}); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d file(s) failed", failed)
	}
	return nil
}

func printFileResults(w io.Writer, results []*pipeline.FileResult) {
	fmt.Fprintln(w, "FILE\tSTATE\tELEMENTS\tADDED\tUPDATED\tREMOVED")
	for _, r := range results {
		if r == nil {
			continue
		}
		state := string(r.State)
		if r.Err != nil {
			state = "failed: " + r.Err.Error()
		}
		added, updated, removed := r.Counts()
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n", r.Path, state, r.Elements, added, updated, removed)
	}
}
