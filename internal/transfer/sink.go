package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// SinkState is the completion state of a Sink.
type SinkState int

const (
	SinkOpen SinkState = iota
	SinkSucceeded
	SinkFailed
)

func (s SinkState) String() string {
	switch s {
	case SinkOpen:
		return "open"
	case SinkSucceeded:
		return "succeeded"
	case SinkFailed:
		return "failed"
	default:
		return fmt.Sprintf("SinkState(%d)", int(s))
	}
}

// ErrSinkTerminal is returned when writing to, or downloading into, a sink
// that has already failed or finished.
var ErrSinkTerminal = errors.New("transfer: sink already resolved")

// Sink receives one archive stream. Its state moves from SinkOpen to exactly
// one of SinkSucceeded or SinkFailed, and never changes again.
type Sink interface {
	Write(p []byte) (int, error)

	// Finish resolves the sink as succeeded once all bytes are written. It
	// returns an error, and resolves as failed, if the data cannot be
	// committed.
	Finish() error

	// Fail resolves the sink as failed with cause and discards partial data.
	Fail(cause error)

	State() SinkState

	// Err returns the failure cause of a failed sink.
	Err() error
}

// FileSink writes the stream to a file on an afero filesystem. The file is
// created on first write.
type FileSink struct {
	fs   afero.Fs
	path string

	mu    sync.Mutex
	file  afero.File
	once  sync.Once
	state SinkState
	err   error
}

// NewFileSink creates an open sink for path.
func NewFileSink(fs afero.Fs, path string) *FileSink {
	return &FileSink{fs: fs, path: path}
}

func (s *FileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SinkOpen {
		return 0, ErrSinkTerminal
	}
	if err := s.openLocked(); err != nil {
		return 0, err
	}
	return s.file.Write(p)
}

func (s *FileSink) openLocked() error {
	if s.file != nil {
		return nil
	}
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create sink dir: %w", err)
	}
	f, err := s.fs.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create sink file: %w", err)
	}
	s.file = f
	return nil
}

func (s *FileSink) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SinkFailed {
		return fmt.Errorf("%w: %w", ErrSinkTerminal, s.err)
	}

	var finishErr error
	s.once.Do(func() {
		if err := s.openLocked(); err != nil {
			finishErr = err
		} else if err := s.file.Close(); err != nil {
			finishErr = fmt.Errorf("close sink file: %w", err)
		}
		if finishErr != nil {
			s.resolveFailedLocked(finishErr)
			return
		}
		s.state = SinkSucceeded
	})
	return finishErr
}

func (s *FileSink) Fail(cause error) {
	if cause == nil {
		cause = errors.New("transfer: sink failed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.once.Do(func() { s.resolveFailedLocked(cause) })
}

func (s *FileSink) resolveFailedLocked(cause error) {
	if s.file != nil {
		_ = s.file.Close()
		_ = s.fs.Remove(s.path)
	}
	s.state = SinkFailed
	s.err = cause
}

func (s *FileSink) State() SinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *FileSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
