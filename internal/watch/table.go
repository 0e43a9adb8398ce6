package watch

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// errClosed is returned by reads against a target whose handle was closed.
var errClosed = errors.New("watch: handle closed")

// target is one tracked file. The table mutex guards membership and the
// committed offset; mu guards the handle and the read cursor, and is the
// only lock ever held across file I/O.
type target struct {
	path     string
	openedAt time.Time

	// offset is the number of bytes delivered off the queue since open.
	// Guarded by table.mu.
	offset int64

	// ident is the file identity at open time; nil if the open failed.
	ident os.FileInfo

	mu     sync.Mutex
	file   *os.File
	cursor int64
}

// TargetStatus is a point-in-time view of a tracked file.
type TargetStatus struct {
	Path     string    `json:"path"`
	Open     bool      `json:"open"`
	Offset   int64     `json:"offset"`
	Cursor   int64     `json:"cursor"`
	OpenedAt time.Time `json:"opened_at"`
}

// openTarget opens path for tailing. With fromStart false the cursor is
// positioned at end-of-file so historical content is never delivered. On
// any failure the returned target has a nil handle and the error is
// reported to the caller for logging.
func openTarget(path string, fromStart bool) (*target, error) {
	t := &target{path: path, openedAt: time.Now()}

	f, err := os.Open(path)
	if err != nil {
		return t, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return t, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return t, fmt.Errorf("not a readable regular file: mode %s", info.Mode())
	}
	if !fromStart {
		pos, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return t, err
		}
		t.cursor = pos
	}
	t.ident = info
	t.file = f
	return t, nil
}

// isOpen reports whether the target still holds a handle.
func (t *target) isOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file != nil
}

// close releases the handle. Closing an already closed target is a no-op.
func (t *target) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// seek repositions the read cursor. whence follows io.Seek* semantics with
// io.SeekCurrent relative to the read cursor. Positions past end-of-file
// are clamped to the current size.
func (t *target) seek(offset int64, whence int) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return 0, errClosed
	}
	if whence == io.SeekCurrent {
		offset += t.cursor
		whence = io.SeekStart
	}
	pos, err := t.file.Seek(offset, whence)
	if err != nil {
		return 0, err
	}
	info, err := t.file.Stat()
	if err != nil {
		return 0, err
	}
	if size := info.Size(); pos > size {
		pos = size
	}
	t.cursor = pos
	return pos, nil
}

// readResult is the outcome of a single poll cycle against a target.
type readResult struct {
	lines     []string
	truncated bool
	// replaced is set when path no longer names the open file (rotated away
	// or deleted) and every complete line of the old file has been read.
	replaced bool
	// unread is the size of a trailing partial line left in a replaced file.
	unread int64
}

// read returns up to max complete lines (0 means all available) starting at
// the cursor. A trailing line without a newline is left unread so it is
// delivered whole once it is terminated; a line reaching maxLine bytes is
// returned as a complete record.
func (t *target) read(max, maxLine int) (readResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res readResult
	if t.file == nil {
		return res, errClosed
	}

	info, err := t.file.Stat()
	if err != nil {
		return res, err
	}
	size := info.Size()
	if size < t.cursor {
		t.cursor = 0
		res.truncated = true
	}

	drained := true
	if size > t.cursor {
		drained = false
		r := bufio.NewReader(io.NewSectionReader(t.file, t.cursor, size-t.cursor))
		for max == 0 || len(res.lines) < max {
			line, err := readLine(r, maxLine)
			if line != nil {
				t.cursor += int64(len(line))
				res.lines = append(res.lines, string(line))
			}
			if err == io.EOF {
				drained = true
				break
			}
			if err != nil {
				return res, err
			}
		}
	}

	if drained {
		cur, err := os.Stat(t.path)
		if err != nil || !os.SameFile(info, cur) {
			res.replaced = true
			res.unread = size - t.cursor
		}
	}
	return res, nil
}

// readLine returns the next newline-terminated line including the newline,
// or nil with io.EOF when only a partial line remains.
func readLine(r *bufio.Reader, maxLine int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			if len(buf) >= maxLine {
				return buf, nil
			}
		case err == io.EOF:
			if len(buf) >= maxLine {
				return buf, nil
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

// status snapshots the handle state of the target. offset is passed in
// because it is guarded by the table lock, not the target lock.
func (t *target) status(offset int64) TargetStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TargetStatus{
		Path:     t.path,
		Open:     t.file != nil,
		Offset:   offset,
		Cursor:   t.cursor,
		OpenedAt: t.openedAt,
	}
}

// table is the file handle table: every tracked path mapped to its target.
// Entries are inserted fully populated so pollers never observe a handle
// without its cursor and offset.
type table struct {
	logger *slog.Logger

	mu      sync.Mutex
	targets map[string]*target
	// seen records every path ever added with the identity of the file last
	// opened there (nil if no open succeeded). Entries are never dropped.
	seen map[string]os.FileInfo
}

func newTable(logger *slog.Logger) *table {
	return &table{
		logger:  logger,
		targets: make(map[string]*target),
		seen:    make(map[string]os.FileInfo),
	}
}

// contains reports whether path is tracked.
func (tb *table) contains(path string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	_, ok := tb.targets[path]
	return ok
}

// add opens path and inserts it. It returns the target and true when the
// path was not already tracked. The file is opened outside the lock; if a
// concurrent add wins the race the redundant handle is closed.
//
// fromStart is honoured only for content that was never tracked: a path
// whose earlier open failed, or a file already tracked under any path, is
// opened at end-of-file.
func (tb *table) add(path string, fromStart bool) (*target, bool) {
	tb.mu.Lock()
	_, tracked := tb.targets[path]
	ident, seen := tb.seen[path]
	tb.mu.Unlock()
	if tracked {
		return nil, false
	}
	if seen && ident == nil {
		fromStart = false
	}

	t, err := openTarget(path, fromStart)
	if err != nil {
		tb.logger.Warn("watch: open file error",
			slog.String("path", path),
			slog.Any("error", err),
		)
	}
	if fromStart && t.ident != nil && tb.known(t.ident) {
		if _, err := t.seek(0, io.SeekEnd); err != nil {
			tb.logger.Warn("watch: seek file error",
				slog.String("path", path),
				slog.Any("error", err),
			)
			_ = t.close()
		}
	}

	tb.mu.Lock()
	if _, ok := tb.targets[path]; ok {
		tb.mu.Unlock()
		_ = t.close()
		return nil, false
	}
	tb.targets[path] = t
	if t.ident != nil || !seen {
		tb.seen[path] = t.ident
	}
	tb.mu.Unlock()
	return t, true
}

// known reports whether info is the same file as one tracked before.
func (tb *table) known(info os.FileInfo) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for _, prev := range tb.seen {
		if prev != nil && os.SameFile(prev, info) {
			return true
		}
	}
	return false
}

// get returns the target for path, or nil.
func (tb *table) get(path string) *target {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.targets[path]
}

// remove drops path from the table if it still maps to t.
func (tb *table) remove(path string, t *target) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if cur, ok := tb.targets[path]; ok && cur == t {
		delete(tb.targets, path)
	}
}

// commit advances the delivered-bytes offset of t. The entry carries the
// target it was read from, so a commit never lands on a newer target that
// reuses the same path.
func (tb *table) commit(t *target, n int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	t.offset += int64(n)
}

// close releases the handle for path and leaves the entry in place; the
// path's poller removes it on its next cycle.
func (tb *table) close(path string) {
	t := tb.get(path)
	if t == nil {
		return
	}
	if err := t.close(); err != nil {
		tb.logger.Warn("watch: close file error",
			slog.String("path", path),
			slog.Any("error", err),
		)
	}
}

// closeAll releases every handle.
func (tb *table) closeAll() {
	for _, t := range tb.list() {
		tb.close(t.path)
	}
}

// list returns the tracked targets sorted by path.
func (tb *table) list() []*target {
	tb.mu.Lock()
	out := make([]*target, 0, len(tb.targets))
	for _, t := range tb.targets {
		out = append(out, t)
	}
	tb.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// snapshot returns the status of every tracked target. The table lock is
// released before any target lock is taken, since a poller may hold its
// target lock across a read.
func (tb *table) snapshot() []TargetStatus {
	type entry struct {
		t      *target
		offset int64
	}
	tb.mu.Lock()
	entries := make([]entry, 0, len(tb.targets))
	for _, t := range tb.targets {
		entries = append(entries, entry{t, t.offset})
	}
	tb.mu.Unlock()

	out := make([]TargetStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.t.status(e.offset))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// len returns the number of tracked targets.
func (tb *table) len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.targets)
}
