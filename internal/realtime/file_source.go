package realtime

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileSource replays an NDJSON event log, one frame per line. With Follow set
// it keeps tailing the file as it grows.
type FileSource struct {
	Path   string
	Follow bool
	Logger *zap.Logger
}

func (s *FileSource) Stream(ctx context.Context, emit func(frame []byte)) error {
	path := strings.TrimSpace(s.Path)
	if path == "" {
		return errors.New("event log path is required")
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "file_source"), zap.String("path", path))

	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open event log %s", path)
	}
	defer file.Close()

	var watcher *fsnotify.Watcher
	if s.Follow {
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			return errors.Wrap(err, "create event log watcher")
		}
		defer watcher.Close()
		// watch the directory so truncation and atomic replacement are seen too
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			return errors.Wrapf(err, "watch %s", filepath.Dir(path))
		}
	}

	reader := bufio.NewReader(file)
	var partial []byte
	for {
		chunk, readErr := reader.ReadBytes('\n')
		if len(chunk) > 0 {
			partial = append(partial, chunk...)
			if partial[len(partial)-1] == '\n' {
				if line := bytes.TrimSpace(partial); len(line) > 0 {
					emit(append([]byte(nil), line...))
				}
				partial = partial[:0]
			}
		}
		if readErr == nil {
			continue
		}
		if !errors.Is(readErr, io.EOF) {
			return errors.Wrapf(readErr, "read event log %s", path)
		}
		if !s.Follow {
			if line := bytes.TrimSpace(partial); len(line) > 0 {
				emit(append([]byte(nil), line...))
			}
			return nil
		}
		if err := s.waitForWrite(ctx, watcher, path, logger); err != nil {
			return err
		}
	}
}

func (s *FileSource) waitForWrite(ctx context.Context, watcher *fsnotify.Watcher, path string, logger *zap.Logger) error {
	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("event log watcher closed")
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("event log watcher closed")
			}
			logger.Warn("event log watcher error", zap.Error(err))
		}
	}
}
