package ingest

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crowdwarn/crowdwarn/internal/conf"
	"github.com/crowdwarn/crowdwarn/internal/pipeline"
	"github.com/crowdwarn/crowdwarn/internal/sources"
)

// Command creates the command that runs one source once, outside the scheduler.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "ingest <" + sources.ForumName + "|" + sources.GDACSName + ">",
		Short:     "Run one ingestion source once and store what it collects",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{sources.ForumName, sources.GDACSName},
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.New(settings)
			if err != nil {
				return err
			}
			defer p.Close()

			src, err := p.Source(args[0])
			if err != nil {
				return err
			}
			items, err := src.Run(cmd.Context())
			if err != nil {
				return err
			}
			saved, err := p.Store.SaveRawItems(cmd.Context(), items)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: collected %d, new %d\n", src.Name(), len(items), saved)
			return nil
		},
	}
	return cmd
}
