package translate

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crowdwarn/crowdwarn/internal/conf"
	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/pipeline"
)

// Command creates the command that runs the translation stage on its own.
func Command(settings *conf.Settings) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "translate",
		Short: "Translate raw items ahead of classification",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !settings.Translation.Enabled {
				return errors.Newf("translation is disabled, set translation.enabled").
					Component("translate").
					Category(errors.CategoryConfiguration).
					Build()
			}
			p, err := pipeline.New(settings)
			if err != nil {
				return err
			}
			defer p.Close()

			if !once {
				return p.Translation.Run(cmd.Context())
			}
			res, err := p.Translation.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "translated %d, skipped %d, failed %d\n", res.Processed, res.Skipped, res.Failed)
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run one translation cycle and exit")
	return cmd
}
