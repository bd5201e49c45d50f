package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/refdata/internal/model"
	"github.com/sells-group/refdata/internal/source"
)

var ingestSourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List configured sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		catalog, err := source.Open(cfg.Ingest.SourcesFile)
		if err != nil {
			return err
		}

		var category *model.Category
		if c, _ := cmd.Flags().GetString("category"); c != "" {
			cat, err := model.ParseCategory(c)
			if err != nil {
				return err
			}
			category = &cat
		}

		sources, err := catalog.Select(nil, category)
		if err != nil {
			return err
		}
		formatSources(cmd.OutOrStdout(), sources)
		return nil
	},
}

func init() {
	ingestSourcesCmd.Flags().String("category", "", "only list sources of this category")
	ingestCmd.AddCommand(ingestSourcesCmd)
}

// formatSources writes a tabular representation of the catalog to out.
func formatSources(out io.Writer, sources []*source.Source) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCATEGORY\tCADENCE\tKIND\tHOST\tTARGETS")
	_, _ = fmt.Fprintln(w, "--\t--------\t-------\t----\t----\t-------")

	for _, s := range sources {
		targets := len(s.Targets)
		if targets == 0 {
			targets = 1
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			s.ID,
			s.Category,
			s.Cadence,
			s.Kind,
			s.Host(),
			targets,
		)
	}
	_ = w.Flush()
}
