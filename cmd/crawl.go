package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCrawlCmd() *cobra.Command {
	var store bool
	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Extracts the banners and CSS of one page",
		Long: `Fetches the page, parses its carousel banners and gathers its CSS.
The extraction is printed as JSON. With --store the result is persisted as a
new collection and the collection is printed instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var out any
			if store {
				collection, err := a.Ingest().Crawl(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("crawl and store: %w", err)
				}
				a.Logger().Info("collection stored",
					zap.String("collection_id", collection.ID),
					zap.Int("banners", collection.BannerCount),
				)
				out = collection
			} else {
				extraction, err := a.Extractor().Extract(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("crawl: %w", err)
				}
				out = extraction
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&store, "store", false, "persist the extraction as a collection")
	return cmd
}
