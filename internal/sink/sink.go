// Package sink provides the downstream destinations logwatch forwards
// matched lines to: a hash-chained JSON lines archive, a WAL-mode SQLite
// table, and a batched PostgreSQL writer.
//
// Sinks never feed anything back into the watch engine; offsets are not
// persisted.
package sink

import (
	"context"
	"time"
)

// Record is one forwarded line.
type Record struct {
	// ID uniquely identifies the record so downstream replays can be
	// deduplicated.
	ID string `json:"id"`
	// Path is the file the line was read from.
	Path string `json:"path"`
	// Text is the trimmed line.
	Text string `json:"line"`
	// ReceivedAt is when the line was dispatched.
	ReceivedAt time.Time `json:"received_at"`
}

// Sink accepts forwarded records. Implementations must be safe for
// concurrent use.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}
