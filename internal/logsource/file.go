package logsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"sync"
	"time"

	"github.com/nxadm/tail"
	"github.com/rs/zerolog"
)

// readGrace is how long Read keeps collecting once lines stop arriving.
const readGrace = 5 * time.Millisecond

var errTailStopped = errors.New("tail stopped")

// FileSource follows a local log file. Rotation and truncation are handled
// by the underlying tail, which resumes from the start of the new file. A
// missing file or a dead tail counts as a failure and is retried; a file
// replaced or shrunk while the tail was down is read from the start.
type FileSource struct {
	path   string
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	t      *tail.Tail
	gate   gate
	offset int64
	// info identifies the file that offset refers to.
	info   os.FileInfo
	opened bool
	closed bool
}

// NewFileSource creates a source for path. Nothing is opened until the
// first Read.
func NewFileSource(path string, opts Options, logger zerolog.Logger) *FileSource {
	opts = opts.withDefaults()
	return &FileSource{
		path:   path,
		opts:   opts,
		gate:   newGate(opts),
		logger: logger.With().Str("log_path", path).Logger(),
	}
}

// Read returns the lines appended since the previous call.
func (s *FileSource) Read(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	now := time.Now()
	if s.t == nil {
		if !s.gate.ready(now) {
			return nil, s.gate.pending()
		}
		if err := s.open(); err != nil {
			s.logger.Debug().Err(err).Int("failures", s.gate.failures+1).Msg("log file not available")
			return nil, s.gate.fail(now, err)
		}
		s.gate.ok()
	}

	lines, err := s.drain(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return lines, ctx.Err()
		}
		s.logger.Warn().Err(err).Msg("log tail died, reopening")
		s.stop()
		return lines, s.gate.fail(now, err)
	}
	return lines, nil
}

func (s *FileSource) open() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", s.path, err)
	}

	cfg := tail.Config{
		Follow:        true,
		ReOpen:        true,
		Poll:          true,
		MustExist:     true,
		CompleteLines: true,
		Logger:        stdlog.New(s.logger, "", 0),
	}
	sameFile := s.info != nil && os.SameFile(s.info, info)
	switch {
	case s.opened && sameFile && info.Size() >= s.offset:
		// Resume where the previous tail stopped.
		cfg.Location = &tail.SeekInfo{Offset: s.offset, Whence: io.SeekStart}
	case s.opened:
		s.logger.Info().
			Bool("replaced", !sameFile).
			Int64("offset", s.offset).
			Msg("log file changed while the tail was down, reading from start")
		s.offset = 0
	case !s.opts.FromStart:
		cfg.Location = &tail.SeekInfo{Offset: info.Size(), Whence: io.SeekStart}
	}

	t, err := tail.TailFile(s.path, cfg)
	if err != nil {
		return fmt.Errorf("tail %s: %w", s.path, err)
	}
	s.t = t
	s.info = info
	s.opened = true
	s.logger.Debug().Msg("log tail opened")
	return nil
}

// drain collects lines until none arrive for readGrace or the batch is full.
func (s *FileSource) drain(ctx context.Context) ([]string, error) {
	var lines []string

	wait := time.NewTimer(readGrace)
	defer wait.Stop()

	for len(lines) < s.opts.MaxBatch {
		select {
		case line, ok := <-s.t.Lines:
			if !ok {
				err := s.t.Err()
				if err == nil {
					err = errTailStopped
				}
				return lines, err
			}
			if line.Err != nil {
				s.logger.Debug().Err(line.Err).Msg("skipping unreadable log line")
				continue
			}
			if line.SeekInfo.Offset < s.offset {
				// The tail moved on to a rotated or truncated file.
				s.refreshIdentity()
			}
			s.offset = line.SeekInfo.Offset
			lines = append(lines, line.Text)
			wait.Reset(readGrace)
		case <-wait.C:
			return lines, nil
		case <-ctx.Done():
			return lines, ctx.Err()
		}
	}
	return lines, nil
}

func (s *FileSource) refreshIdentity() {
	info, err := os.Stat(s.path)
	if err != nil {
		s.info = nil
		return
	}
	s.info = info
}

func (s *FileSource) stop() {
	if s.t == nil {
		return
	}
	s.t.Stop()
	s.t.Cleanup()
	s.t = nil
}

// Close stops the tail. Further reads return ErrClosed.
func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stop()
	return nil
}
