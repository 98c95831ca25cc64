package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/conneroisu/eltag/internal/mapping"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the mapping file",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the mapping file",
	Long: `Load the mapping file and report entries that would be dropped: unsafe or
duplicate identifiers, unknown kinds and invalid positions. With
--check-files, also report recorded files that no longer exist.

The command exits non-zero when any problem is found.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List backups of the mapping file",
	Args:  cobra.NoArgs,
	RunE:  runBackups,
}

var (
	statsOutput        string
	validateCheckFiles bool
	backupsOutput      string
)

func init() {
	rootCmd.AddCommand(statsCmd, validateCmd, backupsCmd)

	statsCmd.Flags().StringVarP(&statsOutput, "output", "o", "table", "Output format (table, json, yaml)")
	validateCmd.Flags().BoolVar(&validateCheckFiles, "check-files", false, "Report recorded files missing from disk")
	backupsCmd.Flags().StringVarP(&backupsOutput, "output", "o", "table", "Output format (table, json, yaml)")
}

func runStats(cmd *cobra.Command, args []string) error {
	if err := validateOutputFormat(statsOutput); err != nil {
		return err
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	stats := a.store.Stats()

	return writeOutput(cmd.OutOrStdout(), statsOutput, stats, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "Mapping file\t%s\n", a.store.Path())
		fmt.Fprintf(tw, "Files\t%d\n", stats.TotalFiles)
		fmt.Fprintf(tw, "Elements\t%d\n", stats.TotalElements)
		for _, k := range sortedKeys(stats.ByKind) {
			fmt.Fprintf(tw, "  %s\t%d\n", k, stats.ByKind[k])
		}
		for _, ext := range sortedKeys(stats.ByExtension) {
			fmt.Fprintf(tw, "  %s\t%d\n", ext, stats.ByExtension[ext])
		}
		if !stats.LastUpdated.IsZero() {
			fmt.Fprintf(tw, "Last updated\t%s\n", stats.LastUpdated.Format(time.RFC3339))
		}
	})
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func runValidate(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	// newApp already loaded the file; load again to collect the warnings.
	doc, warnings, err := a.store.Load()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	problems := len(warnings)
	for _, w := range warnings {
		fmt.Fprintln(out, "invalid:", w.String())
	}
	if validateCheckFiles {
		for _, path := range a.store.Files() {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Fprintf(out, "missing: %s (%d mappings)\n", path, len(doc.Files[path]))
				problems++
			}
		}
	}

	if problems > 0 {
		return fmt.Errorf("%s: %d problem(s) found", a.store.Path(), problems)
	}
	fmt.Fprintf(out, "%s: %d mappings in %d files, no problems found\n",
		a.store.Path(), doc.Stats.TotalElements, doc.Stats.TotalFiles)
	return nil
}

func runBackups(cmd *cobra.Command, args []string) error {
	if err := validateOutputFormat(backupsOutput); err != nil {
		return err
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	backups, err := a.store.Backups()
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}
	if backups == nil {
		backups = []mapping.BackupInfo{}
	}

	return writeOutput(cmd.OutOrStdout(), backupsOutput, backups, func(tw *tabwriter.Writer) {
		if len(backups) == 0 {
			fmt.Fprintln(tw, "No backups found.")
			return
		}
		fmt.Fprintln(tw, "CREATED\tSIZE\tPATH")
		for _, b := range backups {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", b.CreatedAt.Format(time.RFC3339), b.Size, b.Path)
		}
	})
}
