// Command migrate inspects and moves the snowpatch schema version, including rollbacks that
// "snowpatch migrate" does not offer.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/chrissnell/snowpatch/internal/database"
	"github.com/chrissnell/snowpatch/internal/log"
	"github.com/chrissnell/snowpatch/pkg/migrate"
)

var (
	driver   string
	dsn      string
	dir      string
	table    string
	debug    bool
	migrator *migrate.Migrator
	conn     *sql.DB
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Manage the snowpatch schema version",
	SilenceUsage: true,
	Example: `  migrate up --dsn data/snow_patches.db
  migrate down 1 --dsn data/snow_patches.db
  migrate status --driver postgres --dsn postgres://snow@localhost/snow`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := log.Init(log.Options{Debug: debug}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if dsn == "" {
			return fmt.Errorf("--dsn is required")
		}

		provider, err := newProvider()
		if err != nil {
			return err
		}

		// database/sql knows the postgres driver as pgx
		sqlDriver := driver
		if sqlDriver == database.DriverPostgres {
			sqlDriver = "pgx"
		}
		conn, err = sql.Open(sqlDriver, dsn)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		if err := conn.PingContext(cmd.Context()); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}

		migrator = migrate.NewMigrator(conn, provider, log.GetSugaredLogger())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if conn != nil {
			conn.Close()
		}
		log.Sync()
	},
}

// newProvider reads migrations from --dir when given, else the ones built into the binary
func newProvider() (*migrate.FileProvider, error) {
	if dir != "" {
		return migrate.NewFileProvider(dir, table, driver), nil
	}
	return database.MigrationProvider(driver)
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := migrator.MigrateUp(cmd.Context()); err != nil {
			return err
		}
		return printVersion(cmd)
	},
}

var downCmd = &cobra.Command{
	Use:   "down VERSION",
	Short: "Roll back every migration above VERSION",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		if err := migrator.MigrateDown(cmd.Context(), target); err != nil {
			return err
		}
		return printVersion(cmd)
	},
}

var toCmd = &cobra.Command{
	Use:   "to VERSION",
	Short: "Migrate up or down to VERSION",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		if err := migrator.MigrateTo(cmd.Context(), target); err != nil {
			return err
		}
		return printVersion(cmd)
	},
}

var forceCmd = &cobra.Command{
	Use:   "force VERSION",
	Short: "Record VERSION as applied without running any SQL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		if err := migrator.Force(cmd.Context(), target); err != nil {
			return err
		}
		return printVersion(cmd)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied and pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := migrator.Status(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Current version: %d (latest %d)\n\n", st.Current, st.Latest)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tNAME\tSTATE")
		for _, m := range st.Applied {
			fmt.Fprintf(w, "%d\t%s\tapplied\n", m.Version, m.Name)
		}
		for _, m := range st.Pending {
			fmt.Fprintf(w, "%d\t%s\tpending\n", m.Version, m.Name)
		}
		return w.Flush()
	},
}

func printVersion(cmd *cobra.Command) error {
	v, err := migrator.CurrentVersion(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Schema version: %d\n", v)
	return nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&driver, "driver", database.DriverSQLite, "Database driver: sqlite or postgres")
	flags.StringVar(&dsn, "dsn", "", "Database connection string")
	flags.StringVar(&dir, "dir", "", "Read migrations from this directory instead of the built-in set")
	flags.StringVar(&table, "table", database.MigrationTable, "Migration table name, used with --dir")
	flags.BoolVar(&debug, "debug", false, "Turn on debugging output")

	rootCmd.AddCommand(upCmd, downCmd, toCmd, forceCmd, statusCmd)
}
