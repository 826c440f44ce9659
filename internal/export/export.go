// Package export drives a full export run: it pages through the catalog,
// downloads and post-processes each page, and checkpoints after every page.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/raphaelgruber/replexport/internal/archive"
	"github.com/raphaelgruber/replexport/internal/catalog"
	"github.com/raphaelgruber/replexport/internal/client"
	"github.com/raphaelgruber/replexport/internal/metrics"
	"github.com/raphaelgruber/replexport/internal/state"
	"github.com/raphaelgruber/replexport/internal/transfer"
)

// DefaultPageSize is the number of items fetched, and downloaded
// concurrently, per page.
const DefaultPageSize = 15

// Catalog lists items page by page.
type Catalog interface {
	FetchIdentity(ctx context.Context) (int64, error)
	FetchNextPage(ctx context.Context, pageSize int) ([]catalog.Repl, error)
	Cursor() *string
	SetCursor(cursor *string)
}

// Downloader downloads a batch of archives.
type Downloader interface {
	DownloadBatch(ctx context.Context, items []catalog.Repl, sinks []transfer.Sink) (transfer.BatchResult, error)
}

// Processor post-processes one downloaded archive.
type Processor interface {
	Process(ctx context.Context, item catalog.Repl, archivePath, destDir string, excludes []string) error
}

// StateStore loads and saves checkpoints.
type StateStore interface {
	Load(path string) (*state.State, error)
	Save(path string, st state.State) error
}

// Config wires an Exporter.
type Config struct {
	Catalog    Catalog
	Downloader Downloader
	Processor  Processor
	Store      StateStore
	Fs         afero.Fs

	// OutputDir receives one folder per item.
	OutputDir string

	// StatePath is the checkpoint file.
	StatePath string

	// PageSize bounds both the page size and the download concurrency.
	PageSize int

	// MaxItems caps the number of items fetched. Zero means no cap.
	MaxItems int

	// Excludes are glob patterns removed from every extracted folder.
	Excludes []string

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Summary reports the result of a run.
type Summary struct {
	// Processed counts items fetched from the catalog.
	Processed int

	// Exported counts items downloaded and post-processed.
	Exported int

	// Failed lists the ids of items that failed in either stage.
	Failed []string

	// Reasons maps each failed id to a short cause.
	Reasons map[string]string

	// Pages counts non-empty pages handled.
	Pages int
}

// Exporter runs the page loop.
type Exporter struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg and creates an Exporter.
func New(cfg Config) (*Exporter, error) {
	switch {
	case cfg.Catalog == nil:
		return nil, errors.New("export: catalog is required")
	case cfg.Downloader == nil:
		return nil, errors.New("export: downloader is required")
	case cfg.Processor == nil:
		return nil, errors.New("export: processor is required")
	case cfg.Store == nil:
		return nil, errors.New("export: state store is required")
	case cfg.Fs == nil:
		return nil, errors.New("export: filesystem is required")
	case cfg.OutputDir == "":
		return nil, errors.New("export: output directory is required")
	case cfg.MaxItems < 0:
		return nil, fmt.Errorf("export: max items must not be negative (got %d)", cfg.MaxItems)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.StatePath == "" {
		cfg.StatePath = state.DefaultPath
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{cfg: cfg, logger: logger}, nil
}

// Run exports pages until the catalog is exhausted or the item cap is
// reached. Item failures are collected in the summary; any other error ends
// the run, leaving the last saved checkpoint in place.
func (e *Exporter) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	loaded, err := e.cfg.Store.Load(e.cfg.StatePath)
	if err != nil {
		return summary, fmt.Errorf("load checkpoint: %w", err)
	}

	identity, err := e.cfg.Catalog.FetchIdentity(ctx)
	if err != nil {
		return summary, err
	}

	st, discarded := state.Reconcile(loaded, identity)
	if discarded {
		e.logger.Warn("ignoring checkpoint of another account", "saved_user", loaded.User, "user", identity)
	}
	e.cfg.Catalog.SetCursor(st.CursorPtr())

	if err := e.cfg.Fs.MkdirAll(e.cfg.OutputDir, 0o755); err != nil {
		return summary, fmt.Errorf("create output directory: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		size := e.cfg.PageSize
		if e.cfg.MaxItems > 0 {
			remaining := e.cfg.MaxItems - summary.Processed
			if remaining <= 0 {
				e.logger.Info("item cap reached", "max", e.cfg.MaxItems)
				break
			}
			size = min(size, remaining)
		}

		items, err := e.cfg.Catalog.FetchNextPage(ctx, size)
		if err != nil {
			return summary, err
		}
		if len(items) > size {
			items = items[:size]
		}
		if len(items) == 0 {
			break
		}

		e.logger.Info("downloading page", "items", len(items), "finished", summary.Processed)
		failed, reasons, err := e.exportPage(ctx, items)
		if err != nil {
			return summary, err
		}
		// An interrupted page is downloaded again on resume.
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		summary.Pages++
		summary.Processed += len(items)
		summary.Exported += len(items) - len(failed)
		summary.Failed = append(summary.Failed, failed...)
		for id, reason := range reasons {
			if summary.Reasons == nil {
				summary.Reasons = make(map[string]string)
			}
			summary.Reasons[id] = reason
		}

		st.Cursor = ""
		if cursor := e.cfg.Catalog.Cursor(); cursor != nil {
			st.Cursor = *cursor
		}
		if err := e.checkpoint(st); err != nil {
			return summary, err
		}
	}

	return summary, nil
}

// exportPage downloads items, then post-processes every successful download
// concurrently. It returns the ids that failed either stage in page order,
// along with the cause of each failure.
func (e *Exporter) exportPage(ctx context.Context, items []catalog.Repl) ([]string, map[string]string, error) {
	jobs := make([]archive.Job, len(items))
	sinks := make([]transfer.Sink, len(items))
	for i, item := range items {
		jobs[i] = archive.NewJob(e.cfg.OutputDir, item)
		sinks[i] = jobs[i].Sink(e.cfg.Fs)
	}

	result, err := e.cfg.Downloader.DownloadBatch(ctx, items, sinks)
	if err != nil {
		return nil, nil, err
	}
	e.logger.Info("page downloaded", "succeeded", len(result.Succeeded()), "failed", len(result.Failed))

	errs := make([]error, len(items))
	var wg sync.WaitGroup
	for i, outcome := range result.Outcomes {
		if outcome.Err != nil {
			errs[i] = outcome.Err
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := jobs[i]
			if err := e.cfg.Processor.Process(ctx, job.Item, job.ArchivePath, job.Dir, e.cfg.Excludes); err != nil {
				e.logger.Error("post-processing failed", "id", job.Item.ID, "slug", job.Item.Slug, "error", err)
				errs[i] = err
			}
		}(i)
	}
	wg.Wait()

	var failed []string
	var reasons map[string]string
	for i, err := range errs {
		if err == nil {
			continue
		}
		if reasons == nil {
			reasons = make(map[string]string)
		}
		failed = append(failed, items[i].ID)
		reasons[items[i].ID] = failureReason(err)
	}
	return failed, reasons, nil
}

// failureReason classifies a per-item error for the run summary.
func failureReason(err error) string {
	switch {
	case transfer.IsInvalidContentType(err):
		return "not an archive (is the session cookie still valid?)"
	case client.IsStatus(err, http.StatusNotFound):
		return "archive not found"
	case archive.IsExtraction(err):
		return "extraction failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "interrupted"
	default:
		return "error"
	}
}

func (e *Exporter) checkpoint(st state.State) error {
	start := time.Now()
	if err := e.cfg.Store.Save(e.cfg.StatePath, st); err != nil {
		e.cfg.Metrics.RecordFailure(metrics.OpCheckpoint)
		return fmt.Errorf("save checkpoint: %w", err)
	}
	e.cfg.Metrics.RecordTiming(metrics.OpCheckpoint, time.Since(start))
	e.logger.Debug("checkpoint saved", "path", e.cfg.StatePath, "cursor", st.Cursor)
	return nil
}
