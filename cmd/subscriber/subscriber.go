package subscriber

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crowdwarn/crowdwarn/internal/conf"
	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/subscription"
)

// Command creates the subscriber management command group.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscriber",
		Short: "Manage notification subscribers",
	}
	cmd.AddCommand(addCommand(settings), removeCommand(settings), listCommand(settings))
	return cmd
}

func addCommand(settings *conf.Settings) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "add <email>",
		Short: "Subscribe an address; the password is read from stdin unless --password is set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(settings, func(svc *subscription.Service) error {
				pw, err := readPassword(cmd, password)
				if err != nil {
					return err
				}
				out, err := svc.RegisterOrLogin(cmd.Context(), args[0], pw)
				if err != nil {
					return err
				}
				switch out {
				case subscription.OutcomeRegistered:
					fmt.Fprintf(cmd.OutOrStdout(), "subscribed %s\n", args[0])
				case subscription.OutcomeLoggedIn:
					fmt.Fprintf(cmd.OutOrStdout(), "%s is already subscribed\n", args[0])
				default:
					return subscription.ErrInvalidCredentials
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Subscriber password")
	return cmd
}

func removeCommand(settings *conf.Settings) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "remove <email>",
		Short: "Unsubscribe an address; the password is read from stdin unless --password is set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(settings, func(svc *subscription.Service) error {
				pw, err := readPassword(cmd, password)
				if err != nil {
					return err
				}
				if err := svc.Unsubscribe(cmd.Context(), args[0], pw); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unsubscribed %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Subscriber password")
	return cmd
}

func listCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List subscribed addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := datastore.Open(settings, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			subs, err := store.ListSubscribers(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range subs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.Email, s.CreatedAt.Format("2006-01-02"))
			}
			return nil
		},
	}
}

func withService(settings *conf.Settings, fn func(*subscription.Service) error) error {
	store, err := datastore.Open(settings, nil)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(subscription.New(store))
}

// readPassword returns flag, or the first line of the command's stdin.
func readPassword(cmd *cobra.Command, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
