package classify

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crowdwarn/crowdwarn/internal/conf"
	"github.com/crowdwarn/crowdwarn/internal/pipeline"
)

// Command creates the command that runs the classifier stage on its own.
func Command(settings *conf.Settings) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify unprocessed raw items",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.New(settings)
			if err != nil {
				return err
			}
			defer p.Close()

			if !once {
				return p.Stage.Run(cmd.Context())
			}
			res, err := p.Stage.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d, skipped %d, failed %d\n", res.Processed, res.Skipped, res.Failed)
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run one classification cycle and exit")
	return cmd
}
