// Package watch implements the log-tailing engine. A Watcher tracks files
// matched by glob patterns, polls each one at a fixed interval for newly
// appended lines, and dispatches every complete line to the registered
// handlers in registration order.
//
// # Scheduling
//
// Every tracked file has its own poller goroutine and every watched
// directory pattern has its own rescan goroutine. All of them sleep for the
// configured interval between cycles; there is no filesystem-event wakeup.
// Pollers produce into one bounded queue whose single consumer is either
// the built-in dispatcher or a caller of Watcher.Next.
//
// # Offsets
//
// A newly tracked file is opened at end-of-file, so content present before
// tracking began is never delivered. The exception is a file first seen by
// a directory rescan after the initial scan: it appeared while the watcher
// was running and is read from its beginning. A file's committed offset
// advances only when a line is taken off the queue, so it always equals the
// number of bytes delivered for that file since it was opened.
//
// # Stopping
//
// Stop closes every handle and halts all pollers; it does not stop the
// dispatcher, which keeps draining until the context passed to Start is
// cancelled.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tripwire/logwatch/internal/metrics"
	"github.com/tripwire/logwatch/internal/resolve"
)

const (
	// DefaultInterval is the polling interval used when none is configured.
	DefaultInterval = 60 * time.Second

	// DefaultQueueCapacity is the line queue capacity used when none is
	// configured.
	DefaultQueueCapacity = 1000

	// DefaultMaxLineBytes bounds a single line; longer content is delivered
	// as a record of this size.
	DefaultMaxLineBytes = 1 << 20
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("watch: already started")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("watch: stopped")
)

// Watcher is the watch engine. It is safe for concurrent use.
type Watcher struct {
	logger       *slog.Logger
	metrics      *metrics.Metrics
	interval     time.Duration
	capacity     int
	exclude      []string
	watchNew     bool
	maxLines     int
	maxLineBytes int
	dispatch     bool

	resolver *resolve.Resolver
	table    *table
	queue    *lineQueue
	registry *registry

	// mu guards the lifecycle flags, the directory list and the set of
	// targets that already have a poller.
	mu      sync.Mutex
	started bool
	stopped bool
	dirs    []string
	polled  map[*target]bool

	done     chan struct{}
	ready    chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics records engine activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithQueueCapacity bounds the line queue. Non-positive values are ignored.
func WithQueueCapacity(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.capacity = n
		}
	}
}

// WithExclude sets the exclude patterns subtracted from every resolution.
func WithExclude(patterns ...string) Option {
	return func(w *Watcher) { w.exclude = append(w.exclude, patterns...) }
}

// WithWatchNewFiles makes the watcher rescan the include patterns so files
// created after startup are tracked too.
func WithWatchNewFiles(enabled bool) Option {
	return func(w *Watcher) { w.watchNew = enabled }
}

// WithMaxLinesPerCycle caps the lines one poller forwards per interval.
// Zero, the default, forwards every complete line available.
func WithMaxLinesPerCycle(n int) Option {
	return func(w *Watcher) {
		if n >= 0 {
			w.maxLines = n
		}
	}
}

// WithMaxLineBytes sets the longest line delivered as one record.
func WithMaxLineBytes(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.maxLineBytes = n
		}
	}
}

// WithoutDispatcher leaves the queue to be drained by Next instead of the
// built-in dispatcher.
func WithoutDispatcher() Option {
	return func(w *Watcher) { w.dispatch = false }
}

// New creates a Watcher tracking the files matched by include, minus those
// matched by any exclude pattern. Matched files are opened immediately at
// end-of-file; polling begins when Start is called.
func New(include []string, opts ...Option) *Watcher {
	w := &Watcher{
		logger:       slog.Default(),
		interval:     DefaultInterval,
		capacity:     DefaultQueueCapacity,
		maxLineBytes: DefaultMaxLineBytes,
		dispatch:     true,
		polled:       make(map[*target]bool),
		done:         make(chan struct{}),
		ready:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.resolver = resolve.New(w.logger)
	w.table = newTable(w.logger)
	w.queue = newLineQueue(w.capacity)
	w.registry = newRegistry(w.logger, w.metrics)

	for _, pattern := range include {
		w.AddPath(pattern)
		if w.watchNew {
			w.watchPattern(pattern)
		}
	}
	return w
}

// AddPath tracks every file matched by pattern that is not already tracked
// or excluded. Files are opened at end-of-file. It is a no-op after Stop.
func (w *Watcher) AddPath(pattern string) {
	w.scan(pattern, false)
}

// AddDirectory registers every directory matched by pattern for rescans:
// files created in it later are tracked automatically. Files already in the
// directory are tracked from end-of-file.
func (w *Watcher) AddDirectory(pattern string) {
	dirs := w.resolver.Resolve([]string{pattern}, resolve.Dir)
	if len(dirs) == 0 {
		w.logger.Warn("watch: no directory matched",
			slog.String("pattern", pattern),
		)
	}
	for _, dir := range dirs {
		w.watchPattern(filepath.Join(escapeMeta(dir), "*"))
	}
}

// watchPattern registers a file pattern for rescans and performs its
// initial scan.
func (w *Watcher) watchPattern(pattern string) {
	if w.watching(pattern) {
		return
	}

	w.scan(pattern, false)

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, d := range w.dirs {
		if d == pattern {
			return
		}
	}
	w.dirs = append(w.dirs, pattern)
	if w.started && !w.stopped {
		w.wg.Add(1)
		go w.pollDirectory(pattern)
	}
}

func (w *Watcher) watching(pattern string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, d := range w.dirs {
		if d == pattern {
			return true
		}
	}
	return false
}

// track records a newly added target and starts its poller if the watcher
// is running. A target added while Stop runs has its handle closed here.
func (w *Watcher) track(t *target) {
	w.metrics.SetTracked(w.table.len())
	if !t.isOpen() {
		w.metrics.OpenFailed()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		_ = t.close()
		return
	}
	if w.started {
		w.startPoller(t)
	}
}

func (w *Watcher) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// startPoller launches the poller for t at most once. Callers must hold mu.
func (w *Watcher) startPoller(t *target) {
	if w.polled[t] {
		return
	}
	w.polled[t] = true
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollFile(t)
		w.mu.Lock()
		delete(w.polled, t)
		w.mu.Unlock()
	}()
}

// RegisterHandler appends h to the handler registry. Handlers are evaluated
// in registration order.
func (w *Watcher) RegisterHandler(h Handler) {
	w.registry.register(h)
}

// Start launches the pollers and, unless WithoutDispatcher was given, the
// dispatcher. The dispatcher runs until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true

	for _, t := range w.table.list() {
		w.startPoller(t)
	}
	for _, pattern := range w.dirs {
		w.wg.Add(1)
		go w.pollDirectory(pattern)
	}
	w.mu.Unlock()

	if w.dispatch {
		go w.runDispatcher(ctx)
	}

	w.logger.Info("watch: started",
		slog.Int("files", w.table.len()),
		slog.Int("directories", len(w.Directories())),
		slog.Duration("interval", w.interval),
		slog.Int("queue_capacity", w.capacity),
	)
	close(w.ready)
	return nil
}

// Ready returns a channel closed once Start has launched every poller.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Stop halts every poller and closes every open handle. Pollers exit after
// their current cycle. Stop blocks until they have and is safe to call more
// than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()

		close(w.done)
		w.table.closeAll()
		w.wg.Wait()

		w.logger.Info("watch: stopped")
	})
}

// Close releases the handle of a tracked file. The file's poller drops it
// from the table on its next cycle. Unknown paths are ignored.
func (w *Watcher) Close(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	w.table.close(abs)
}

// Seek repositions the read cursor of every tracked file matched by
// pattern. whence takes the io.Seek* constants; io.SeekCurrent is relative
// to the read cursor. Failures are logged per file.
func (w *Watcher) Seek(pattern string, offset int64, whence int) {
	for _, path := range w.resolver.Resolve([]string{pattern}, resolve.File) {
		t := w.table.get(path)
		if t == nil {
			continue
		}
		pos, err := t.seek(offset, whence)
		if err != nil {
			w.logger.Error("watch: seek file error",
				slog.String("path", path),
				slog.Int64("offset", offset),
				slog.Int("whence", whence),
				slog.Any("error", err),
			)
			continue
		}
		w.logger.Debug("watch: seek",
			slog.String("path", path),
			slog.Int64("position", pos),
		)
	}
}

// Next blocks until a line is available and returns its trimmed text,
// bypassing the handler registry. It returns ctx.Err() if ctx ends first.
func (w *Watcher) Next(ctx context.Context) (string, error) {
	e, err := w.queue.get(ctx)
	if err != nil {
		return "", err
	}
	return w.deliver(e), nil
}

// deliver commits e and returns its text.
func (w *Watcher) deliver(e Entry) string {
	w.table.commit(e.target, e.Len)
	w.metrics.LineDispatched()
	w.metrics.SetQueueDepth(w.queue.len())
	return e.Text()
}

// runDispatcher drains the queue, dispatching each line completely before
// taking the next.
func (w *Watcher) runDispatcher(ctx context.Context) {
	for {
		e, err := w.queue.get(ctx)
		if err != nil {
			return
		}
		text := w.deliver(e)
		w.registry.dispatch(ctx, Line{Path: e.Path, Text: text})
	}
}

// Targets returns the status of every tracked file, sorted by path.
func (w *Watcher) Targets() []TargetStatus {
	return w.table.snapshot()
}

// Directories returns the registered rescan patterns.
func (w *Watcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.dirs))
	copy(out, w.dirs)
	return out
}

// QueueDepth returns the number of lines waiting in the queue.
func (w *Watcher) QueueDepth() int {
	return w.queue.len()
}

// QueueCapacity returns the queue bound.
func (w *Watcher) QueueCapacity() int {
	return w.queue.cap()
}

// escapeMeta quotes glob metacharacters in a literal path.
func escapeMeta(path string) string {
	var b strings.Builder
	for _, r := range path {
		if strings.ContainsRune(`*?[]{}\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
