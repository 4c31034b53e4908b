package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultFollowPoll = time.Second

// Last returns up to limit trailing lines of path and the offset just past
// the last complete line. A missing file yields no lines and offset zero.
func Last(path string, limit int) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	var ring []string
	if limit > 0 {
		ring = make([]string, 0, limit)
	}
	offset, err := scanLines(file, 0, func(line string) {
		if limit <= 0 {
			return
		}
		if len(ring) == limit {
			copy(ring, ring[1:])
			ring = ring[:limit-1]
		}
		ring = append(ring, line)
	})
	if err != nil {
		return nil, 0, err
	}
	return ring, offset, nil
}

// ReadFrom returns the complete lines written after offset and the offset
// past the last of them. A trailing partial line is left for the next call.
// When the file is shorter than offset it was truncated or replaced, and
// reading restarts from the beginning.
func ReadFrom(path string, offset int64) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, offset, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, offset, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return nil, offset, fmt.Errorf("log path %q is a directory", path)
	}
	if offset < 0 || offset > info.Size() {
		offset = 0
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seek log file: %w", err)
	}
	var lines []string
	next, err := scanLines(file, offset, func(line string) { lines = append(lines, line) })
	if err != nil {
		return nil, offset, err
	}
	return lines, next, nil
}

func scanLines(r io.Reader, offset int64, fn func(string)) (int64, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return offset, nil
			}
			return offset, fmt.Errorf("read log file: %w", err)
		}
		offset += int64(len(line))
		fn(line[:len(line)-1])
	}
}

// Follow emits the last limit lines of path and then every new complete line
// until ctx ends. It wakes on filesystem events for the file and polls at
// interval as a fallback; a zero interval uses one second. Replacing the file,
// as the daemon does when it repoints its current-log symlink, restarts
// reading from the top of the new file.
func Follow(ctx context.Context, path string, limit int, interval time.Duration, emit func(string)) error {
	if interval <= 0 {
		interval = defaultFollowPoll
	}
	lines, offset, err := Last(path, limit)
	if err != nil {
		return err
	}
	for _, line := range lines {
		emit(line)
	}
	identity, _ := os.Stat(path)

	events, errs, closeWatch := watchFile(path)
	defer closeWatch()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-events:
		case <-errs:
		case <-ticker.C:
		}

		if info, err := os.Stat(path); err == nil {
			if identity != nil && !os.SameFile(identity, info) {
				offset = 0
			}
			identity = info
		}
		lines, next, err := ReadFrom(path, offset)
		if err != nil {
			return err
		}
		offset = next
		for _, line := range lines {
			emit(line)
		}
	}
}

// watchFile watches the directory holding path and forwards events for it.
// When the watcher cannot be created the returned channels never fire and
// Follow relies on polling alone.
func watchFile(path string) (<-chan struct{}, <-chan error, func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, func() {}
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, nil, func() {}
	}
	name := filepath.Base(path)
	out := make(chan struct{}, 1)
	errs := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != name {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				select {
				case errs <- err:
				default:
				}
			}
		}
	}()
	return out, errs, func() {
		close(done)
		_ = watcher.Close()
	}
}
