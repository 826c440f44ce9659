package archive

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/raphaelgruber/replexport/internal/catalog"
	"github.com/raphaelgruber/replexport/internal/transfer"
)

// Job pairs an item with its transient archive path and its export folder.
type Job struct {
	Item        catalog.Repl
	ArchivePath string
	Dir         string
}

// NewJob lays out item under outDir as <outDir>/<id>.zip and
// <outDir>/<slug>/.
func NewJob(outDir string, item catalog.Repl) Job {
	return Job{
		Item:        item,
		ArchivePath: filepath.Join(outDir, item.ID+".zip"),
		Dir:         filepath.Join(outDir, filepath.Base(filepath.Clean("/"+item.Slug))),
	}
}

// Sink returns a FileSink writing the job's archive.
func (j Job) Sink(fsys afero.Fs) *transfer.FileSink {
	return transfer.NewFileSink(fsys, j.ArchivePath)
}

// ExtractionError is returned when an archive cannot be unpacked.
type ExtractionError struct {
	Archive string
	Entry   string
	Err     error
}

func (err *ExtractionError) Error() string {
	if err.Entry != "" {
		return fmt.Sprintf("archive: extract %s: entry %s: %v", err.Archive, err.Entry, err.Err)
	}
	return fmt.Sprintf("archive: extract %s: %v", err.Archive, err.Err)
}

func (err *ExtractionError) Unwrap() error {
	return err.Err
}

// IsExtraction reports whether err is an *ExtractionError.
func IsExtraction(err error) bool {
	var extractErr *ExtractionError
	return errors.As(err, &extractErr)
}
