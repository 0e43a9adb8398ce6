package watch

import (
	"errors"
	"log/slog"
	"time"

	"github.com/tripwire/logwatch/internal/resolve"
)

// pollFile is the per-file poller. It runs until the watcher stops or the
// target's handle is found closed, in which case it removes the target from
// the table.
func (w *Watcher) pollFile(t *target) {
	for {
		select {
		case <-w.done:
			return
		default:
		}

		if !t.isOpen() {
			w.table.remove(t.path, t)
			w.metrics.SetTracked(w.table.len())
			w.logger.Info("watch: stopped tailing file",
				slog.String("path", t.path),
			)
			return
		}

		w.pollOnce(t)

		if !w.sleep() {
			return
		}
	}
}

// pollOnce reads what is currently available from t and queues it.
func (w *Watcher) pollOnce(t *target) {
	res, err := t.read(w.maxLines, w.maxLineBytes)

	if res.truncated {
		w.metrics.Truncated()
		w.logger.Info("watch: file truncated, reading from start",
			slog.String("path", t.path),
		)
	}

	for _, payload := range res.lines {
		w.metrics.LineRead()
		e := Entry{Path: t.path, Payload: payload, Len: len(payload), target: t}
		if !w.queue.put(w.done, e) {
			return
		}
		w.metrics.SetQueueDepth(w.queue.len())
	}

	if err != nil && !errors.Is(err, errClosed) {
		w.metrics.ReadFailed()
		w.logger.Warn("watch: read file error",
			slog.String("path", t.path),
			slog.Any("error", err),
		)
		return
	}

	if res.replaced {
		w.logger.Info("watch: file rotated or removed, closing handle",
			slog.String("path", t.path),
			slog.Int64("unread_bytes", res.unread),
		)
		w.table.close(t.path)
	}
}

// pollDirectory rescans pattern every interval and starts tailing files it
// has not seen yet. The initial scan was done when the pattern was
// registered, so a file first found here appeared after that and is read
// from its beginning. Paths and files tracked before are reopened at
// end-of-file.
func (w *Watcher) pollDirectory(pattern string) {
	defer w.wg.Done()

	for w.sleep() {
		w.scan(pattern, true)
	}
}

// scan resolves pattern minus the exclude set and tracks every new path.
func (w *Watcher) scan(pattern string, fromStart bool) {
	if w.isStopped() {
		return
	}
	for _, path := range w.resolver.Set([]string{pattern}, w.exclude, resolve.File) {
		t, added := w.table.add(path, fromStart)
		if !added {
			continue
		}
		w.logger.Info("watch: discovered file",
			slog.String("path", path),
			slog.String("pattern", pattern),
		)
		w.track(t)
	}
}

// sleep waits for one interval. It returns false if the watcher stopped.
func (w *Watcher) sleep() bool {
	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	select {
	case <-w.done:
		return false
	case <-timer.C:
		return true
	}
}
