package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"plotkeeper/internal/bus"
	"plotkeeper/internal/logging"
)

// ActivitySource reports whether the user interacted since the last call.
type ActivitySource interface {
	PollForNewActivity(ctx context.Context) (bool, error)
}

// FileActivitySource tails an append-only signal file. Any bytes appended
// since the previous poll count as activity; their content is ignored.
type FileActivitySource struct {
	path string

	mu     sync.Mutex
	file   *os.File
	info   os.FileInfo
	offset int64
}

// NewFileActivitySource returns a source for path. The file is opened lazily
// on the first poll or by Open.
func NewFileActivitySource(path string) *FileActivitySource {
	return &FileActivitySource{path: path}
}

// Path returns the signal file path.
func (s *FileActivitySource) Path() string { return s.path }

// Open creates the signal file if needed and positions the read offset at its
// current end so activity recorded before start is ignored.
func (s *FileActivitySource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked()
}

func (s *FileActivitySource) openLocked() error {
	if s.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create signal directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open signal file: %w", err)
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("seek signal file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat signal file: %w", err)
	}
	s.file = f
	s.info = info
	s.offset = end
	return nil
}

// PollForNewActivity reports whether the file grew since the last poll and
// advances the offset to the current end. A truncated or replaced file resets
// the offset without reporting activity.
func (s *FileActivitySource) PollForNewActivity(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		if err := s.openLocked(); err != nil {
			return false, err
		}
		return false, nil
	}

	onDisk, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.closeLocked()
			return false, s.openLocked()
		}
		return false, fmt.Errorf("stat signal file: %w", err)
	}
	if !os.SameFile(onDisk, s.info) {
		s.closeLocked()
		return false, s.openLocked()
	}

	size := onDisk.Size()
	switch {
	case size < s.offset:
		s.offset = size
		return false, nil
	case size > s.offset:
		s.offset = size
		return true, nil
	default:
		return false, nil
	}
}

// Close releases the file handle.
func (s *FileActivitySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *FileActivitySource) closeLocked() {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
		s.info = nil
	}
}

// ActivityMonitor publishes UserInteracted whenever its source reports new
// activity. It polls on fsnotify events for watchPath and on a fallback ticker.
type ActivityMonitor struct {
	bus       *bus.Bus
	source    ActivitySource
	watchPath string
	interval  time.Duration
	logger    *slog.Logger
	warn      *logging.Throttle

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	events  uint64
}

// NewActivityMonitor constructs a monitor. watchPath may be empty, in which
// case only the fallback ticker drives polling.
func NewActivityMonitor(b *bus.Bus, source ActivitySource, watchPath string, interval time.Duration, logger *slog.Logger) *ActivityMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ActivityMonitor{
		bus:       b,
		source:    source,
		watchPath: watchPath,
		interval:  interval,
		logger:    logging.NewComponentLogger(logger, "activity-monitor"),
		warn:      logging.NewThrottle(time.Minute),
	}
}

// Start launches the monitor loop.
func (m *ActivityMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("activity monitor already running")
	}
	if opener, ok := m.source.(interface{ Open() error }); ok {
		if err := opener.Open(); err != nil {
			m.warnPoll(err)
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go m.loop(runCtx)
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (m *ActivityMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// Events returns how many UserInteracted notifications were published.
func (m *ActivityMonitor) Events() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

func (m *ActivityMonitor) loop(ctx context.Context) {
	defer m.wg.Done()

	events, errs, closeWatch := m.watch()
	defer closeWatch()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(m.watchPath) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				m.Poll(ctx)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.logger.Debug("signal watcher error", logging.Error(err))
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// watch sets up an fsnotify watch on the signal file's directory so a
// replaced file is still observed. On failure both channels are nil and the
// ticker alone drives polling.
func (m *ActivityMonitor) watch() (<-chan fsnotify.Event, <-chan error, func()) {
	noop := func() {}
	if m.watchPath == "" {
		return nil, nil, noop
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Info("file watching unavailable; using polling only",
			logging.Error(err),
			logging.Duration("interval", m.interval),
		)
		return nil, nil, noop
	}
	if err := watcher.Add(filepath.Dir(m.watchPath)); err != nil {
		_ = watcher.Close()
		m.logger.Info("signal directory watch failed; using polling only",
			logging.String("path", m.watchPath),
			logging.Error(err),
		)
		return nil, nil, noop
	}
	return watcher.Events, watcher.Errors, func() { _ = watcher.Close() }
}

// Poll asks the source once and publishes UserInteracted on new activity.
func (m *ActivityMonitor) Poll(ctx context.Context) {
	active, err := m.source.PollForNewActivity(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.warnPoll(err)
		}
		return
	}
	if !active {
		return
	}
	m.mu.Lock()
	m.events++
	m.mu.Unlock()
	m.bus.Publish(bus.Signal(bus.UserInteracted))
}

func (m *ActivityMonitor) warnPoll(err error) {
	allowed, suppressed := m.warn.Allow()
	if !allowed {
		return
	}
	logging.WarnWithContext(m.logger, "activity signal unreadable", "activity_poll_failed",
		logging.String("path", m.watchPath),
		logging.Error(err),
		logging.Int("suppressed", suppressed),
		logging.String(logging.FieldErrorHint, "check permissions on the signal file"),
		logging.String(logging.FieldImpact, "user activity is not detected until the file is readable"),
	)
}
