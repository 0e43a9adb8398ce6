package watch

import (
	"context"
	"strings"
)

// Entry is one line read from a tracked file and awaiting delivery.
type Entry struct {
	// Path is the absolute path of the file the line was read from.
	Path string
	// Payload is the raw line including its trailing newline.
	Payload string
	// Len is the byte length of Payload, committed to the file's offset on
	// delivery.
	Len int

	target *target
}

// Text returns the payload with surrounding whitespace removed.
func (e Entry) Text() string {
	return strings.TrimSpace(e.Payload)
}

// lineQueue is the bounded FIFO between the file pollers and the consumer.
type lineQueue struct {
	ch chan Entry
}

func newLineQueue(capacity int) *lineQueue {
	return &lineQueue{ch: make(chan Entry, capacity)}
}

// put blocks while the queue is full. It gives up only when done is closed
// and reports whether the entry was queued; an entry that was never queued
// was never committed, so no progress is lost.
func (q *lineQueue) put(done <-chan struct{}, e Entry) bool {
	select {
	case q.ch <- e:
		return true
	case <-done:
		return false
	}
}

// get blocks until an entry is available or ctx is done.
func (q *lineQueue) get(ctx context.Context) (Entry, error) {
	select {
	case e := <-q.ch:
		return e, nil
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

func (q *lineQueue) len() int { return len(q.ch) }

func (q *lineQueue) cap() int { return cap(q.ch) }
