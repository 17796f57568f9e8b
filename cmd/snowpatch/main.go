package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/chrissnell/snowpatch/internal/app"
	"github.com/chrissnell/snowpatch/internal/log"
	"github.com/chrissnell/snowpatch/pkg/config"
)

const version = "1.0-" + runtime.GOOS + "/" + runtime.GOARCH

var (
	cfgFile   string
	debug     bool
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp loads the configuration and opens the store. The caller must defer a.Close().
func newApp(ctx context.Context, migrate bool) (*app.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	a := app.New(cfg, log.GetSugaredLogger())
	if err := a.Open(ctx, migrate); err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}
	return a, nil
}

// commandContext is cancelled when the user interrupts a batch
func commandContext() (context.Context, context.CancelFunc) {
	return app.SignalContext(context.Background())
}

var rootCmd = &cobra.Command{
	Use:           "snowpatch",
	Short:         "Track Sentinel-2 snow cover over fixed areas of interest",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := log.Init(log.Options{Debug: debug, Format: logFormat}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Sync()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Printf("Schema for %s is up to date\n", a.DB.Driver())
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Store the configured areas of interest",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		aois, err := a.SeedAOIs(cmd.Context())
		if err != nil {
			return err
		}
		for _, area := range aois {
			fmt.Printf("%-20s %9.4f %9.4f %5.1f km\n", area.Name, area.CenterLat, area.CenterLon, area.SizeKm)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("snowpatch %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML configuration file (defaults and environment when empty)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Turn on debugging output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log encoding: console or json (default depends on --debug)")

	rootCmd.AddCommand(migrateCmd, seedCmd, versionCmd)
	rootCmd.AddCommand(discoverCmd, downloadCmd, processCmd)
	rootCmd.AddCommand(trendsCmd, statusCmd, serveCmd)
}
