package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/raphaelgruber/replexport/internal/archive"
	"github.com/raphaelgruber/replexport/internal/catalog"
	"github.com/raphaelgruber/replexport/internal/client"
	"github.com/raphaelgruber/replexport/internal/config"
	"github.com/raphaelgruber/replexport/internal/export"
	"github.com/raphaelgruber/replexport/internal/metrics"
	"github.com/raphaelgruber/replexport/internal/resilience"
	"github.com/raphaelgruber/replexport/internal/state"
	"github.com/raphaelgruber/replexport/internal/tracing"
	"github.com/raphaelgruber/replexport/internal/transfer"
)

var (
	exportOutput      string
	exportAuth        string
	exportLoad        string
	exportConcurrent  int
	exportMax         int
	exportFilter      []string
	exportConfigFile  string
	exportMetricsFile string
)

// restartHint is shown after a fatal error.
const restartHint = "The export stopped early. Run the same command again to resume from the last saved page."

func addExportFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&exportOutput, "output", "o", "", "directory to save Repls to (required)")
	flags.StringVarP(&exportAuth, "auth", "a", "", "Replit session cookie (connect.sid); defaults to $REPLIT_SID or a prompt")
	flags.StringVarP(&exportLoad, "load", "l", state.DefaultPath, "save file to continue from")
	flags.IntVarP(&exportConcurrent, "concurrent", "c", export.DefaultPageSize, "maximum concurrent downloads (page size)")
	flags.IntVarP(&exportMax, "max", "m", 0, "maximum number of Repls to download (0 = all)")
	flags.StringSliceVarP(&exportFilter, "filter", "f", archive.DefaultExcludes, "paths to remove from every Repl (globs, comma-separated)")
	flags.StringVar(&exportConfigFile, "config", "", "YAML file with export options")
	flags.StringVar(&exportMetricsFile, "metrics-file", "", "write Prometheus metrics to this file when done")
}

// exportSettings are the effective options after merging the options file
// under the command-line flags.
type exportSettings struct {
	Output      string
	Load        string
	Concurrent  int
	Max         int
	Filter      []string
	MetricsFile string
	RateLimit   config.RateLimitOptions
	Retry       config.RetryOptions
}

// resolveSettings applies file options for every flag the user did not set.
func resolveSettings(flags *pflag.FlagSet, file config.Options) (exportSettings, error) {
	s := exportSettings{
		Output:      exportOutput,
		Load:        exportLoad,
		Concurrent:  exportConcurrent,
		Max:         exportMax,
		Filter:      exportFilter,
		MetricsFile: exportMetricsFile,
		RateLimit:   file.RateLimit,
		Retry:       file.Retry,
	}

	if !flags.Changed("output") && file.Output != "" {
		s.Output = file.Output
	}
	if !flags.Changed("load") && file.Load != "" {
		s.Load = file.Load
	}
	if !flags.Changed("concurrent") && file.Concurrent > 0 {
		s.Concurrent = file.Concurrent
	}
	if !flags.Changed("max") && file.Max > 0 {
		s.Max = file.Max
	}
	if !flags.Changed("filter") && file.Filter != nil {
		s.Filter = file.Filter
	}
	if !flags.Changed("metrics-file") && file.MetricsFile != "" {
		s.MetricsFile = file.MetricsFile
	}

	switch {
	case s.Output == "":
		return s, errors.New(`required flag "output" not set`)
	case s.Concurrent <= 0:
		return s, fmt.Errorf("concurrent must be positive (got %d)", s.Concurrent)
	case s.Max < 0:
		return s, fmt.Errorf("max must not be negative (got %d)", s.Max)
	}

	filter := make([]string, 0, len(s.Filter))
	for _, f := range s.Filter {
		if f = strings.TrimSpace(f); f != "" {
			filter = append(filter, f)
		}
	}
	s.Filter = filter
	return s, nil
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()

	var fileOpts config.Options
	if exportConfigFile != "" {
		var err error
		if fileOpts, err = config.LoadOptions(fs, exportConfigFile); err != nil {
			return err
		}
	}
	settings, err := resolveSettings(cmd.Flags(), fileOpts)
	if err != nil {
		return err
	}

	output, err := filepath.Abs(settings.Output)
	if err != nil {
		return fmt.Errorf("resolve output directory: %w", err)
	}
	saveFile, err := filepath.Abs(settings.Load)
	if err != nil {
		return fmt.Errorf("resolve save file: %w", err)
	}

	sessionID, err := resolveSessionID(exportAuth, cfg.SessionID)
	if err != nil {
		return err
	}

	shutdownTracing, err := tracing.Init(ctx, cfg.OTLPEndpoint, Version, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	collector := metrics.NewCollector()
	api, err := client.New(client.Config{
		BaseURL:   cfg.BaseURL,
		SessionID: sessionID,
		RateLimit: resilience.RateLimitConfig{
			Ceiling:        settings.RateLimit.Ceiling,
			Default:        settings.RateLimit.Default,
			ClampToCeiling: settings.RateLimit.Clamp,
		},
		Retry: resilience.RetryConfig{
			MaxAttempts: settings.Retry.MaxAttempts,
			Step:        settings.Retry.Step,
		},
		Metrics: collector,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	exporter, err := export.New(export.Config{
		Catalog:    catalog.New(api, nil, logger),
		Downloader: transfer.NewDownloader(api, collector, logger),
		Processor:  archive.NewProcessor(fs, collector, logger),
		Store:      state.NewStore(fs, logger),
		Fs:         fs,
		OutputDir:  output,
		StatePath:  saveFile,
		PageSize:   settings.Concurrent,
		MaxItems:   settings.Max,
		Excludes:   settings.Filter,
		Metrics:    collector,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	logger.Info("starting export",
		"version", Version,
		"output", output,
		"save_file", saveFile,
		"concurrent", settings.Concurrent,
		"max", settings.Max,
	)

	summary, runErr := exporter.Run(ctx)

	if settings.MetricsFile != "" {
		if err := collector.WriteTextfile(settings.MetricsFile); err != nil {
			logger.Warn("failed to write metrics file", "path", settings.MetricsFile, "error", err)
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprint(out, renderSummary(defaultTheme, summary, collector.Snapshot(), runErr == nil))
	if runErr != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), defaultTheme.hintStyle().Render(hintFor(runErr)))
		return runErr
	}
	return nil
}

// hintFor picks the guidance printed after a fatal error.
func hintFor(err error) string {
	if catalog.IsAuthentication(err) {
		return "The session cookie was rejected. Copy a fresh connect.sid cookie from replit.com and try again."
	}
	return restartHint
}
