package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/crowdwarn/crowdwarn/cmd/classify"
	configcmd "github.com/crowdwarn/crowdwarn/cmd/config"
	"github.com/crowdwarn/crowdwarn/cmd/db"
	"github.com/crowdwarn/crowdwarn/cmd/dispatch"
	"github.com/crowdwarn/crowdwarn/cmd/ingest"
	"github.com/crowdwarn/crowdwarn/cmd/serve"
	"github.com/crowdwarn/crowdwarn/cmd/subscriber"
	"github.com/crowdwarn/crowdwarn/cmd/translate"
	"github.com/crowdwarn/crowdwarn/internal/buildinfo"
	"github.com/crowdwarn/crowdwarn/internal/conf"
	"github.com/crowdwarn/crowdwarn/internal/logger"
	"github.com/crowdwarn/crowdwarn/internal/telemetry"
)

// RootCommand creates and returns the root command. settings is filled from
// the config file, the environment and flags before any sub-command runs.
func RootCommand(info *buildinfo.Context) *cobra.Command {
	settings := &conf.Settings{}
	var (
		configPath string
		central    *logger.CentralLogger
		flush      = func() {}
	)

	rootCmd := &cobra.Command{
		Use:           "crowdwarn",
		Short:         "Crowd-sourced disaster warning pipeline",
		Version:       info.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, &configPath); err != nil {
		panic(err)
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), info.String())
		},
	}
	configCmd := configcmd.Command()

	rootCmd.AddCommand(
		serve.Command(settings),
		translate.Command(settings),
		classify.Command(settings),
		dispatch.Command(settings),
		ingest.Command(settings),
		subscriber.Command(settings),
		db.Command(settings),
		configCmd,
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// config and version work without a loadable configuration
		if cmd == versionCmd || cmd.HasParent() && cmd.Parent() == configCmd {
			return nil
		}

		loaded, err := conf.LoadFile(configPath)
		if err != nil {
			return err
		}
		*settings = *loaded

		central, err = initLogging(settings)
		if err != nil {
			return err
		}

		flush, err = telemetry.Init(settings, info)
		if err != nil {
			logger.Global().Module("main").Warn("error reporting disabled", logger.Error(err))
		}
		return nil
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		flush()
		if central != nil {
			return central.Close()
		}
		return nil
	}

	return rootCmd
}

// initLogging installs the configured central logger. --debug lowers every
// output to debug.
func initLogging(settings *conf.Settings) (*logger.CentralLogger, error) {
	cfg := settings.Logging
	if settings.Debug {
		cfg.DefaultLevel = "debug"
		if cfg.Console != nil {
			console := *cfg.Console
			console.Level = "debug"
			cfg.Console = &console
		}
	}
	central, err := logger.NewCentralLogger(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)
	return central, nil
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, configPath *string) error {
	rootCmd.PersistentFlags().StringVarP(configPath, "config", "c", "", "Path to config.yaml (default: search ./, ~/.config/crowdwarn, /etc/crowdwarn)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")

	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
