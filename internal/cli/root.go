// Package cli provides the command-line interface for replexport.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/replexport/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	// Global config and logger, set up before any command runs
	cfg      config.Config
	logger   *slog.Logger
	closeLog func() error
	runID    string
)

// rootCmd exports every Repl of the authenticated account.
var rootCmd = &cobra.Command{
	Use:   "replexport",
	Short: "Export all your Repls from Replit",
	Long: `replexport downloads every Repl of your Replit account as a zip archive,
extracts it into the output directory and writes a repl.metadata.json and a
.env file (without platform variables) next to the sources.

Progress is saved after every page, so an interrupted export continues where
it stopped when run again with the same save file.

Examples:
  replexport -o ./repls -a "$REPLIT_SID"
  replexport -o ./repls -c 5 -m 50
  replexport -o ./repls -f "node_modules/,**/__pycache__/"
  replexport --config export.yaml`,
	Version:       Version,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		// A missing .env is fine.
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cmd.Context())
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		level := cfg.LogLevel
		if verbose {
			level = slog.LevelDebug
		}
		logger, closeLog = config.SetupLogger(config.LoggerOptions{File: cfg.LogFile, Level: level})
		logger, runID = config.WithRunID(logger)
		slog.SetDefault(logger)
		return nil
	},
	RunE: runExport,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	err := rootCmd.Execute()
	if closeLog != nil {
		if closeErr := closeLog(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", closeErr)
		}
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	addExportFlags(rootCmd)

	rootCmd.AddCommand(versionCmd)
}
