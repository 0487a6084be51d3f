package log

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lcx/oscroute/config"
)

// LogAppender writes finished log lines to a destination.
type LogAppender interface {
	Write(p []byte) (int, error)
	// Refresh flushes anything buffered.
	Refresh()
}

// WriterAppender writes every line straight to an io.Writer.
type WriterAppender struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterAppender wraps w; writes are serialized.
func NewWriterAppender(w io.Writer) *WriterAppender {
	return &WriterAppender{w: w}
}

// NewConsoleAppender writes to stdout.
func NewConsoleAppender() *WriterAppender {
	return NewWriterAppender(os.Stdout)
}

// Write passes p to the wrapped writer.
func (a *WriterAppender) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.w.Write(p)
}

// Refresh is a no-op; the writer is owned by the caller.
func (a *WriterAppender) Refresh() {}

const (
	_defaultAsyncCacheSize    = 1024
	_defaultAsyncWriteMillSec = 200
	_mb                       = 1 << 20
)

// FileAppender writes log lines to LogPath, rotating by size and once a day
// at FileSplitHour. In async mode lines are queued and flushed in batches by
// a background goroutine; a full queue falls back to a synchronous write so
// no line is lost.
type FileAppender struct {
	mu       sync.Mutex
	cfg      LogCfg
	logger   Logger
	file     *os.File
	w        *bufio.Writer
	size     int64
	openedAt time.Time

	queue chan []byte
	flush chan chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

// NewFileAppender opens cfg.LogPath for appending. Open failures are
// reported on stderr and the appender discards lines until the next rotation.
func NewFileAppender(cfg *LogCfg, logger Logger) *FileAppender {
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	a := &FileAppender{cfg: *cfg, logger: logger}
	a.mu.Lock()
	a.openLocked()
	a.mu.Unlock()
	if cfg.IsAsync {
		a.startAsync()
	}
	return a
}

// NewFileAppenderWithConfigManager builds the appender from the "logger"
// config section and follows its hot reloads.
func NewFileAppenderWithConfigManager(cm config.ConfigManager, logger Logger) *FileAppender {
	cfg := getDefaultCfg()
	if cm != nil {
		if c, err := cm.GetConfig(LoggerConfigName); err == nil {
			if lc, ok := c.(*LogCfg); ok {
				cfg = lc
			}
		}
	}
	return NewFileAppender(cfg, logger)
}

func (a *FileAppender) openLocked() {
	if dir := filepath.Dir(a.cfg.LogPath); dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(a.cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log: open %s failed: %v\n", a.cfg.LogPath, err)
		a.file, a.w, a.size = nil, nil, 0
		return
	}
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	a.file = f
	a.w = bufio.NewWriterSize(f, 32*1024)
	a.size = size
	a.openedAt = time.Now()
}

func (a *FileAppender) closeLocked() {
	if a.file == nil {
		return
	}
	_ = a.w.Flush()
	_ = a.file.Close()
	a.file, a.w = nil, nil
}

func (a *FileAppender) needRotateLocked(now time.Time) bool {
	if a.cfg.FileSplitMB > 0 && a.size >= int64(a.cfg.FileSplitMB)*_mb {
		return true
	}
	if a.openedAt.IsZero() {
		return false
	}
	oy, om, od := a.openedAt.Date()
	ny, nm, nd := now.Date()
	return (oy != ny || om != nm || od != nd) && now.Hour() >= a.cfg.FileSplitHour
}

func (a *FileAppender) rotateLocked(now time.Time) {
	a.closeLocked()
	rotated := fmt.Sprintf("%s.%s", a.cfg.LogPath, now.Format("20060102-150405.000"))
	if err := os.Rename(a.cfg.LogPath, rotated); err != nil {
		fmt.Fprintf(os.Stderr, "log: rotate %s failed: %v\n", a.cfg.LogPath, err)
	}
	a.openLocked()
}

func (a *FileAppender) writeLocked(p []byte) (int, error) {
	now := time.Now()
	if a.file == nil {
		a.openLocked()
	} else if a.needRotateLocked(now) {
		a.rotateLocked(now)
	}
	if a.w == nil {
		return len(p), nil
	}
	n, err := a.w.Write(p)
	a.size += int64(n)
	return n, err
}

// Write appends one line. In sync mode the line is flushed before returning.
func (a *FileAppender) Write(p []byte) (int, error) {
	if a.queue != nil && !a.closed() {
		line := make([]byte, len(p))
		copy(line, p)
		select {
		case a.queue <- line:
			return len(p), nil
		default:
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	n, err := a.writeLocked(p)
	if err == nil && a.w != nil {
		err = a.w.Flush()
	}
	return n, err
}

func (a *FileAppender) closed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// Refresh drains the async queue and flushes the file buffer.
func (a *FileAppender) Refresh() {
	if a.flush != nil {
		ack := make(chan struct{})
		select {
		case a.flush <- ack:
			<-ack
			return
		case <-a.done:
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.w != nil {
		_ = a.w.Flush()
	}
}

func (a *FileAppender) startAsync() {
	size := a.cfg.AsyncCacheSize
	if size <= 0 {
		size = _defaultAsyncCacheSize
	}
	interval := time.Duration(a.cfg.AsyncWriteMillSec) * time.Millisecond
	if interval <= 0 {
		interval = _defaultAsyncWriteMillSec * time.Millisecond
	}

	a.queue = make(chan []byte, size)
	a.flush = make(chan chan struct{})
	a.stop = make(chan struct{})
	a.done = make(chan struct{})

	go a.asyncLoop(interval)
}

func (a *FileAppender) asyncLoop(interval time.Duration) {
	defer close(a.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	drain := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for {
			select {
			case line := <-a.queue:
				_, _ = a.writeLocked(line)
			default:
				if a.w != nil {
					_ = a.w.Flush()
				}
				return
			}
		}
	}

	for {
		select {
		case line := <-a.queue:
			a.mu.Lock()
			_, _ = a.writeLocked(line)
			a.mu.Unlock()
		case <-ticker.C:
			drain()
		case ack := <-a.flush:
			drain()
			close(ack)
		case <-a.stop:
			drain()
			return
		}
	}
}

// Close stops the async writer, if any, and closes the file.
func (a *FileAppender) Close() error {
	if a.stop != nil {
		select {
		case <-a.done:
		default:
			close(a.stop)
			<-a.done
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeLocked()
	return nil
}

// Path returns the file currently written to.
func (a *FileAppender) Path() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.LogPath
}

// OnConfigChanged switches to the new path and rotation settings. Switching
// between sync and async mode takes effect on the next appender rebuild.
func (a *FileAppender) OnConfigChanged(configName string, newConfig, _ config.Config) error {
	if configName != LoggerConfigName {
		return nil
	}
	cfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}

	a.Refresh()

	a.mu.Lock()
	defer a.mu.Unlock()
	pathChanged := cfg.LogPath != a.cfg.LogPath
	async := a.cfg.IsAsync
	a.cfg = *cfg
	a.cfg.IsAsync = async
	if pathChanged {
		a.closeLocked()
		a.openLocked()
	}
	return nil
}

// GetConfigName implements config.ConfigChangeListener.
func (a *FileAppender) GetConfigName() string {
	return LoggerConfigName
}
