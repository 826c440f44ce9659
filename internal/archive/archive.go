// Package archive turns downloaded project archives into export folders:
// it extracts them, removes excluded paths and writes the metadata and
// environment sidecars.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"

	"github.com/raphaelgruber/replexport/internal/catalog"
	"github.com/raphaelgruber/replexport/internal/metrics"
)

const (
	// MetadataFile is the sidecar holding the project record.
	MetadataFile = "repl.metadata.json"

	// EnvFile receives the user's environment variables.
	EnvFile = ".env"

	// EnvCachePath is where the platform caches the project environment.
	EnvCachePath = ".cache/replit/env/latest.json"

	extractMode = 0o755
)

// DefaultExcludes are removed from every export unless overridden.
var DefaultExcludes = []string{"node_modules/", ".cargo/", ".cache/typescript/"}

// Processor post-processes downloaded archives on a filesystem.
type Processor struct {
	fs      afero.Fs
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewProcessor creates a Processor. collector may be nil.
func NewProcessor(fsys afero.Fs, collector *metrics.Collector, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{fs: fsys, metrics: collector, logger: logger}
}

// Process extracts archivePath into destDir, deletes the archive, removes
// paths matching excludes and writes the sidecar files. Running it again on
// the same folder leaves existing sidecars untouched.
func (p *Processor) Process(ctx context.Context, item catalog.Repl, archivePath, destDir string, excludes []string) error {
	start := time.Now()

	if err := p.extract(ctx, archivePath, destDir); err != nil {
		p.metrics.RecordFailure(metrics.OpExtract)
		return err
	}
	p.metrics.RecordTiming(metrics.OpExtract, time.Since(start))

	if err := p.exclude(destDir, excludes); err != nil {
		return fmt.Errorf("process %s: %w", item.ID, err)
	}
	if err := p.writeMetadata(item, destDir); err != nil {
		return fmt.Errorf("process %s: %w", item.ID, err)
	}
	if err := p.writeEnv(destDir); err != nil {
		return fmt.Errorf("process %s: %w", item.ID, err)
	}

	p.logger.Info("extracted", "owner", item.Owner(), "slug", item.Slug, "dir", destDir)
	return nil
}

// extract unpacks the archive and removes it, whether or not extraction
// succeeded.
func (p *Processor) extract(ctx context.Context, archivePath, destDir string) (err error) {
	defer func() {
		if rmErr := p.fs.Remove(archivePath); rmErr != nil && !os.IsNotExist(rmErr) {
			p.logger.Warn("failed to remove archive", "path", archivePath, "error", rmErr)
		}
	}()

	f, err := p.fs.Open(archivePath)
	if err != nil {
		return &ExtractionError{Archive: archivePath, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &ExtractionError{Archive: archivePath, Err: err}
	}
	reader, err := zip.NewReader(f, info.Size())
	if err != nil {
		return &ExtractionError{Archive: archivePath, Err: err}
	}

	if err := p.fs.MkdirAll(destDir, extractMode); err != nil {
		return &ExtractionError{Archive: archivePath, Err: err}
	}

	for _, entry := range reader.File {
		if err := ctx.Err(); err != nil {
			return &ExtractionError{Archive: archivePath, Err: err}
		}
		if err := p.extractEntry(entry, destDir); err != nil {
			return &ExtractionError{Archive: archivePath, Entry: entry.Name, Err: err}
		}
	}
	return nil
}

func (p *Processor) extractEntry(entry *zip.File, destDir string) error {
	target, err := entryPath(destDir, entry.Name)
	if err != nil {
		return err
	}

	mode := entry.Mode()
	switch {
	case mode.IsDir():
		return p.fs.MkdirAll(target, extractMode)
	case mode&fs.ModeSymlink != 0:
		p.logger.Debug("skipping symlink in archive", "entry", entry.Name)
		return nil
	}

	if err := p.fs.MkdirAll(filepath.Dir(target), extractMode); err != nil {
		return err
	}

	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := p.fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, extractMode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

// entryPath joins an archive entry name onto destDir and rejects names that
// would land outside of it.
func entryPath(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.FromSlash(name))
	rel, err := filepath.Rel(destDir, target)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes the destination", name)
	}
	return target, nil
}

// exclude removes every path under destDir that matches one of patterns.
// Patterns are relative to destDir; a leading "**/" matches at any depth.
func (p *Processor) exclude(destDir string, patterns []string) error {
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}

		matches, err := p.matchPattern(destDir, pattern)
		if err != nil {
			return fmt.Errorf("exclude %q: %w", pattern, err)
		}
		for _, match := range matches {
			if err := p.fs.RemoveAll(match); err != nil {
				return fmt.Errorf("exclude %q: %w", pattern, err)
			}
			p.logger.Debug("excluded path", "path", match)
		}
	}
	return nil
}

func (p *Processor) matchPattern(destDir, pattern string) ([]string, error) {
	pattern = filepath.FromSlash(strings.TrimSuffix(pattern, "/"))
	anyDepth := strings.HasPrefix(pattern, "**"+string(filepath.Separator))
	if !anyDepth {
		// Glob inside destDir so metacharacters in the output path stay literal.
		rel, err := afero.Glob(afero.NewBasePathFs(p.fs, destDir), pattern)
		if err != nil {
			return nil, err
		}
		matches := make([]string, len(rel))
		for i, m := range rel {
			matches[i] = filepath.Join(destDir, m)
		}
		return matches, nil
	}

	sub := strings.TrimPrefix(pattern, "**"+string(filepath.Separator))
	if _, err := filepath.Match(sub, ""); err != nil {
		return nil, err
	}

	var matches []string
	err := afero.Walk(p.fs, destDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(destDir, path)
		if err != nil || rel == "." {
			return err
		}
		if matched, _ := matchSuffix(sub, rel); matched {
			matches = append(matches, path)
			if info.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	return matches, err
}

// matchSuffix reports whether pattern matches the trailing path segments of
// rel, using as many segments as the pattern has.
func matchSuffix(pattern, rel string) (bool, error) {
	want := strings.Count(pattern, string(filepath.Separator)) + 1
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) < want {
		return false, nil
	}
	return filepath.Match(pattern, filepath.Join(parts[len(parts)-want:]...))
}

func (p *Processor) writeMetadata(item catalog.Repl, destDir string) error {
	path := filepath.Join(destDir, MetadataFile)
	exists, err := afero.Exists(p.fs, path)
	if err != nil || exists {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(item); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return afero.WriteFile(p.fs, path, bytes.TrimRight(buf.Bytes(), "\n"), 0o644)
}

func (p *Processor) writeEnv(destDir string) error {
	cachePath := filepath.Join(destDir, filepath.FromSlash(EnvCachePath))
	data, err := afero.ReadFile(p.fs, cachePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read env cache: %w", err)
	}

	vars, err := parseEnvironment(data)
	if err != nil {
		p.logger.Warn("ignoring malformed env cache", "path", cachePath, "error", err)
		return nil
	}

	envPath := filepath.Join(destDir, EnvFile)
	exists, err := afero.Exists(p.fs, envPath)
	if err != nil || exists {
		return err
	}
	return afero.WriteFile(p.fs, envPath, []byte(formatEnv(Redact(vars))), 0o644)
}
