package dispatch

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crowdwarn/crowdwarn/internal/conf"
	"github.com/crowdwarn/crowdwarn/internal/pipeline"
)

// Command creates the command that runs the notification dispatcher on its own.
func Command(settings *conf.Settings) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Send unsent disaster findings to subscribers",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.New(settings)
			if err != nil {
				return err
			}
			defer p.Close()

			p.ConnectMQTT(cmd.Context())
			if !once {
				return p.Dispatcher.Run(cmd.Context())
			}
			report, err := p.Dispatcher.Dispatch(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "findings %d, delivered %d, failed %d\n",
				report.Findings, report.Delivered, report.Failed)
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run one dispatch cycle and exit")
	return cmd
}
