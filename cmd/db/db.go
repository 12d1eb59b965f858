// Package db provides database maintenance commands.
package db

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/driver/mysql"

	"github.com/crowdwarn/crowdwarn/internal/conf"
	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/errors"
)

const maxBatchSize = 10000

// exportConfig holds the target of an export.
type exportConfig struct {
	SQLitePath string

	MySQLDSN      string
	MySQLHost     string
	MySQLPort     int
	MySQLUser     string
	MySQLPass     string
	MySQLDatabase string

	BatchSize  int
	SkipVerify bool
}

// Command creates the db command group.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database maintenance",
	}
	cmd.AddCommand(exportCommand(settings))
	return cmd
}

func exportCommand(settings *conf.Settings) *cobra.Command {
	cfg := exportConfig{}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy the configured database into another SQLite or MySQL database",
		Long: `Copies every table of the configured database into a target database.
The target schema is created when missing. Rows already present in the
target are skipped, so an interrupted export can be run again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, settings, &cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.SQLitePath, "to-sqlite", "", "Target SQLite database file")
	f.StringVar(&cfg.MySQLDSN, "mysql-dsn", "", "Target MySQL DSN (overrides the individual mysql flags)")
	f.StringVar(&cfg.MySQLHost, "mysql-host", "localhost", "Target MySQL host")
	f.IntVar(&cfg.MySQLPort, "mysql-port", 3306, "Target MySQL port")
	f.StringVar(&cfg.MySQLUser, "mysql-user", "", "Target MySQL username")
	f.StringVar(&cfg.MySQLPass, "mysql-password", "", "Target MySQL password")
	f.StringVar(&cfg.MySQLDatabase, "mysql-database", "", "Target MySQL database name")
	f.IntVar(&cfg.BatchSize, "batch-size", datastore.DefaultExportBatchSize, "Rows per insert batch")
	f.BoolVar(&cfg.SkipVerify, "skip-verify", false, "Skip the row count check after the export")
	cmd.MarkFlagsMutuallyExclusive("to-sqlite", "mysql-dsn")
	cmd.MarkFlagsMutuallyExclusive("to-sqlite", "mysql-database")

	return cmd
}

func (c *exportConfig) validate() error {
	switch {
	case c.BatchSize < 1 || c.BatchSize > maxBatchSize:
		return configError(fmt.Sprintf("--batch-size must be between 1 and %d", maxBatchSize), "batch-size")
	case c.SQLitePath == "" && c.MySQLDSN == "" && c.MySQLDatabase == "":
		return configError("a target is required: --to-sqlite, --mysql-dsn or --mysql-database", "target")
	case c.MySQLDSN == "" && c.MySQLDatabase != "" && c.MySQLUser == "":
		return configError("--mysql-user is required with --mysql-database", "mysql-user")
	}
	return nil
}

func (c *exportConfig) openTarget() (*datastore.Store, error) {
	if c.SQLitePath != "" {
		return datastore.OpenSQLite(c.SQLitePath)
	}
	dsn := c.MySQLDSN
	if dsn == "" {
		dsn = datastore.MySQLDSN(c.MySQLUser, c.MySQLPass, c.MySQLHost, c.MySQLPort, c.MySQLDatabase)
	}
	return datastore.OpenDialector(mysql.Open(dsn))
}

func runExport(cmd *cobra.Command, settings *conf.Settings, cfg *exportConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if settings.Database.Type != "mysql" && cfg.SQLitePath != "" && cfg.SQLitePath == settings.Database.SQLite.Path {
		return configError("target is the configured database", "to-sqlite")
	}

	src, err := datastore.Open(settings, nil)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := cfg.openTarget()
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	out := cmd.OutOrStdout()
	stats, err := datastore.Export(cmd.Context(), src, dst, datastore.ExportOptions{BatchSize: cfg.BatchSize})
	printStats(out, stats)
	if err != nil {
		return err
	}
	if n := stats.Failed(); n > 0 {
		return errors.Newf("%d rows could not be exported", n).
			Component("db-export").
			Category(errors.CategoryDatabase).
			Build()
	}

	if cfg.SkipVerify {
		return nil
	}
	short, err := datastore.VerifyCounts(cmd.Context(), src, dst)
	if err != nil {
		return err
	}
	for _, t := range short {
		fmt.Fprintf(out, "%s: target has %d of %d rows\n", t.Name, t.Copied, t.Source)
	}
	if len(short) > 0 {
		return errors.Newf("verification failed for %d tables", len(short)).
			Component("db-export").
			Category(errors.CategoryDatabase).
			Build()
	}
	fmt.Fprintln(out, "verification passed")
	return nil
}

func printStats(w io.Writer, stats datastore.ExportStats) {
	fmt.Fprintf(w, "%-12s %8s %8s %8s %8s\n", "table", "copied", "skipped", "failed", "time")
	var copied, skipped, failed int64
	for _, t := range stats.Tables {
		fmt.Fprintf(w, "%-12s %8d %8d %8d %8s\n",
			t.Name, t.Copied, t.Skipped, t.Failed, t.Duration.Round(time.Millisecond))
		copied += t.Copied
		skipped += t.Skipped
		failed += t.Failed
	}
	fmt.Fprintf(w, "%-12s %8d %8d %8d %8s\n", "total", copied, skipped, failed,
		stats.Duration.Round(time.Millisecond))
}

func configError(msg, flag string) error {
	return errors.Newf("%s", msg).
		Component("db-export").
		Category(errors.CategoryConfiguration).
		Context("flag", flag).
		Build()
}
