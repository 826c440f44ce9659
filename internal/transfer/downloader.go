// Package transfer downloads project archives concurrently into sinks.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/replexport/internal/catalog"
	"github.com/raphaelgruber/replexport/internal/client"
	"github.com/raphaelgruber/replexport/internal/metrics"
)

// archiveContentTypes are the media types accepted for an archive response.
var archiveContentTypes = map[string]bool{
	"application/zip":              true,
	"application/x-zip-compressed": true,
	"application/x-zip":            true,
	"application/octet-stream":     true,
}

// Requester performs authenticated requests. *client.Client implements it.
type Requester interface {
	Request(ctx context.Context, method, path string, opts client.RequestOptions) (*http.Response, error)
}

var _ Requester = (*client.Client)(nil)

// Outcome is the result of downloading one item. Err is nil on success.
type Outcome struct {
	ID  string
	Err error
}

// BatchResult holds one Outcome per item in input order.
type BatchResult struct {
	Outcomes []Outcome
	Failed   []string
}

// Succeeded returns the ids of items whose download completed.
func (r BatchResult) Succeeded() []string {
	ids := make([]string, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.Err == nil {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// Downloader fetches archives through a Requester.
type Downloader struct {
	http    Requester
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewDownloader creates a Downloader. metrics may be nil.
func NewDownloader(requester Requester, collector *metrics.Collector, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{http: requester, metrics: collector, logger: logger}
}

// DownloadBatch downloads items[i] into sinks[i] concurrently and waits for
// all of them. Individual failures are recorded in the result and never
// cancel the other downloads. The only error is a length mismatch.
func (d *Downloader) DownloadBatch(ctx context.Context, items []catalog.Repl, sinks []Sink) (BatchResult, error) {
	if len(items) != len(sinks) {
		return BatchResult{}, fmt.Errorf("transfer: %d items but %d sinks", len(items), len(sinks))
	}

	outcomes := make([]Outcome, len(items))
	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := d.Download(ctx, items[i], sinks[i])
			if err != nil {
				d.logger.Error("download failed", "id", items[i].ID, "slug", items[i].Slug, "error", err)
			}
			outcomes[i] = Outcome{ID: items[i].ID, Err: err}
		}(i)
	}
	wg.Wait()

	result := BatchResult{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Err != nil {
			result.Failed = append(result.Failed, o.ID)
		}
	}

	d.logger.Info("batch downloaded", "items", len(items), "failed", len(result.Failed))
	return result, nil
}

// Download streams the archive of item into sink and resolves the sink. A
// sink that is already resolved is not downloaded again.
func (d *Downloader) Download(ctx context.Context, item catalog.Repl, sink Sink) (err error) {
	switch sink.State() {
	case SinkSucceeded:
		return nil
	case SinkFailed:
		return fmt.Errorf("%w: %w", ErrSinkTerminal, sink.Err())
	}

	start := time.Now()
	var written int64
	defer func() {
		if err != nil {
			sink.Fail(err)
		}
		d.metrics.RecordTransfer(metrics.OpDownload, time.Since(start), written, err)
	}()

	path, err := d.archivePath(ctx, item)
	if err != nil {
		return err
	}

	resp, err := d.http.Request(ctx, http.MethodGet, path, client.RequestOptions{})
	if err != nil {
		return fmt.Errorf("download %s: %w", item.ID, err)
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if !isArchiveContentType(contentType) {
		return &InvalidContentTypeError{ID: item.ID, URL: path, ContentType: contentType}
	}

	written, err = io.Copy(sink, resp.Body)
	if err != nil {
		return fmt.Errorf("download %s: write archive: %w", item.ID, err)
	}
	if err := sink.Finish(); err != nil {
		return fmt.Errorf("download %s: %w", item.ID, err)
	}

	d.logger.Debug("archive downloaded", "id", item.ID, "slug", item.Slug, "bytes", written)
	return nil
}

// archivePath returns the archive path of item. Without a known owner the
// project page is located through the id redirect.
func (d *Downloader) archivePath(ctx context.Context, item catalog.Repl) (string, error) {
	if owner := item.Owner(); owner != "" {
		return "/@" + url.PathEscape(owner) + "/" + url.PathEscape(item.Slug) + ".zip", nil
	}

	resp, err := d.http.Request(ctx, http.MethodGet, "/replid/"+url.PathEscape(item.ID), client.RequestOptions{
		NoRedirect:   true,
		AcceptStatus: isRedirect,
	})
	if err != nil {
		return "", fmt.Errorf("resolve archive url for %s: %w", item.ID, err)
	}
	_ = resp.Body.Close()

	location, err := resp.Location()
	if err != nil {
		if errors.Is(err, http.ErrNoLocation) {
			return "", fmt.Errorf("resolve archive url for %s: redirect has no location", item.ID)
		}
		return "", fmt.Errorf("resolve archive url for %s: %w", item.ID, err)
	}
	location.Path = strings.TrimSuffix(location.Path, "/") + ".zip"
	location.RawPath = ""
	return location.String(), nil
}

func isRedirect(status int) bool {
	return status >= 300 && status <= 399
}

func isArchiveContentType(value string) bool {
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return false
	}
	return archiveContentTypes[strings.ToLower(mediaType)]
}
