package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/conneroisu/eltag/internal/mapping"
	"github.com/conneroisu/eltag/internal/types"
)

var queryCmd = &cobra.Command{
	Use:     "query",
	Aliases: []string{"q"},
	Short:   "Search the mapping file",
	Long: `Search recorded elements. Filters combine with AND; regex variants take
precedence over exact matches.

Examples:
  eltag query --tag button
  eltag query --kind component --file-regex "^src/forms/"
  eltag query --attr type=submit -o json
  eltag query --id "^Card-" --sort line --limit 10`,
	Args: cobra.NoArgs,
	RunE: runQuery,
}

var (
	queryFilter        mapping.Filter
	queryKinds         []string
	queryAttrs         map[string]string
	queryAttrRegex     map[string]string
	queryCreatedAfter  string
	queryCreatedBefore string
	querySort          string
	queryOutput        string
)

func init() {
	rootCmd.AddCommand(queryCmd)

	f := queryCmd.Flags()
	f.StringVar(&queryFilter.FilePath, "file", "", "Exact file path")
	f.StringVar(&queryFilter.FilePathRegex, "file-regex", "", "File path pattern")
	f.StringSliceVarP(&queryKinds, "kind", "k", nil, "Element kinds (dom, component, fragment, text)")
	f.StringVarP(&queryFilter.TagName, "tag", "t", "", "Exact tag name")
	f.StringVar(&queryFilter.TagRegex, "tag-regex", "", "Tag name pattern")
	f.StringVar(&queryFilter.IDPattern, "id", "", "Identifier pattern")
	f.StringToStringVar(&queryAttrs, "attr", nil, "Attribute values, name=value")
	f.StringToStringVar(&queryAttrRegex, "attr-regex", nil, "Attribute patterns, name=pattern")
	f.StringVar(&queryFilter.Content, "content", "", "Text content substring")
	f.StringVar(&queryFilter.ContentRegex, "content-regex", "", "Text content pattern")
	f.StringVar(&queryCreatedAfter, "created-after", "", "Only mappings created after this RFC3339 time")
	f.StringVar(&queryCreatedBefore, "created-before", "", "Only mappings created before this RFC3339 time")
	f.StringVar(&querySort, "sort", "", "Sort field (id, file, tag, kind, line, created, updated)")
	f.BoolVar(&queryFilter.Desc, "desc", false, "Sort descending")
	f.IntVar(&queryFilter.Offset, "offset", 0, "Skip this many matches")
	f.IntVar(&queryFilter.Limit, "limit", 0, "Return at most this many matches (0 for all)")
	f.StringVarP(&queryOutput, "output", "o", "table", "Output format (table, json, yaml)")
}

func buildQueryFilter() (mapping.Filter, error) {
	filter := queryFilter
	filter.Attributes = queryAttrs
	filter.AttributeRegex = queryAttrRegex
	filter.SortBy = mapping.SortField(querySort)
	filter.Kinds = nil
	for _, k := range queryKinds {
		kind := types.ElementKind(strings.ToLower(strings.TrimSpace(k)))
		if !kind.Valid() {
			return filter, fmt.Errorf("unknown kind %q", k)
		}
		filter.Kinds = append(filter.Kinds, kind)
	}
	var err error
	if filter.CreatedAfter, err = parseTimeFlag("created-after", queryCreatedAfter); err != nil {
		return filter, err
	}
	if filter.CreatedBefore, err = parseTimeFlag("created-before", queryCreatedBefore); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseTimeFlag(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	if err := validateOutputFormat(queryOutput); err != nil {
		return err
	}
	filter, err := buildQueryFilter()
	if err != nil {
		return err
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	res, err := a.store.Query(filter)
	if err != nil {
		return err
	}

	return writeOutput(cmd.OutOrStdout(), queryOutput, res, func(tw *tabwriter.Writer) {
		if res.Total == 0 {
			fmt.Fprintln(tw, "No mappings found.")
			return
		}
		fmt.Fprintln(tw, "ID\tKIND\tTAG\tFILE\tLINE")
		for _, m := range res.Mappings {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", m.ID, m.Kind, m.TagName, m.FilePath, m.Line)
		}
		if len(res.Mappings) < res.Total {
			fmt.Fprintf(tw, "\n%d of %d shown\n", len(res.Mappings), res.Total)
		}
	})
}
