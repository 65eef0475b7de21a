package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"logcorr/core"
	"logcorr/metrics"

	"go.uber.org/zap"
)

// FileReader reads newline-delimited records from a regular file or a named
// pipe. A regular file is read once; a FIFO is reopened whenever its writer
// goes away, until the context is cancelled.
type FileReader struct {
	path     string
	pipeline *Pipeline
	eventCh  chan<- *core.Event
	logger   *zap.SugaredLogger
}

// NewFileReader creates a reader for path.
func NewFileReader(path string, pipeline *Pipeline, eventCh chan<- *core.Event, logger *zap.SugaredLogger) *FileReader {
	if pipeline == nil {
		pipeline = &Pipeline{}
	}
	return &FileReader{path: path, pipeline: pipeline, eventCh: eventCh, logger: logger}
}

// Run reads until EOF of a regular file, or until ctx is cancelled for a FIFO.
// Unlike the network listeners it blocks when the event channel is full.
func (r *FileReader) Run(ctx context.Context) error {
	info, err := os.Stat(r.path)
	if err != nil {
		return fmt.Errorf("input %s: %w", r.path, err)
	}
	fifo := info.Mode()&os.ModeNamedPipe != 0
	r.logger.Infow("Input reader started", "path", r.path, "fifo", fifo)

	for {
		n, err := r.readOnce(ctx)
		if err != nil {
			return err
		}
		r.logger.Debugw("Input drained", "path", r.path, "records", n)
		if !fifo || ctx.Err() != nil {
			return nil
		}
	}
}

func (r *FileReader) readOnce(ctx context.Context) (int, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		return 0, fmt.Errorf("open input %s: %w", r.path, err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			f.Close()
		case <-done:
		}
	}()
	defer f.Close()

	reader := bufio.NewReaderSize(f, 64*1024)
	count := 0
	for {
		line, err := reader.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			if !r.emit(ctx, line) {
				return count, nil
			}
			count++
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil || errors.Is(err, os.ErrClosed) {
				return count, nil
			}
			return count, fmt.Errorf("read input %s: %w", r.path, err)
		}
	}
}

func (r *FileReader) emit(ctx context.Context, line string) bool {
	event, err := r.pipeline.Build(line)
	if err != nil {
		if !errors.Is(err, ErrEmptyRecord) {
			metrics.EventsDropped.WithLabelValues("file", "parse_error").Inc()
			r.logger.Warnw("Failed to parse input record", "path", r.path, "error", err)
		}
		return true
	}
	select {
	case r.eventCh <- event:
		metrics.EventsIngested.WithLabelValues("file").Inc()
		return true
	case <-ctx.Done():
		return false
	}
}
