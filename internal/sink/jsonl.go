package sink

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// GenesisHash is the prev_hash of the first entry of an archive.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// archiveEntry is the wire format for one archive line. EventHash is the
// SHA-256 of the JSON encoding of the other fields.
type archiveEntry struct {
	Seq       int64  `json:"seq"`
	Record    Record `json:"record"`
	PrevHash  string `json:"prev_hash"`
	EventHash string `json:"event_hash,omitempty"`
}

// JSONL is an append-only archive of forwarded lines, one JSON object per
// line, each entry chained to the previous one by hash so that edits or
// deletions are detectable with VerifyJSONL.
type JSONL struct {
	mu       sync.Mutex
	file     *os.File
	seq      int64
	prevHash string
}

// OpenJSONL opens (or creates) the archive at path. Existing entries are
// verified and the chain continues from the last one.
func OpenJSONL(path string) (*JSONL, error) {
	seq, prevHash, err := scanArchive(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("sink: open archive %q: %w", path, err)
	}
	return &JSONL{file: f, seq: seq, prevHash: prevHash}, nil
}

// Write appends rec as the next entry of the chain.
func (j *JSONL) Write(_ context.Context, rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	e := archiveEntry{Seq: j.seq + 1, Record: rec, PrevHash: j.prevHash}
	hash, err := entryHash(e)
	if err != nil {
		return err
	}
	e.EventHash = hash

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("sink: marshal archive entry: %w", err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("sink: write archive entry: %w", err)
	}

	j.seq = e.Seq
	j.prevHash = hash
	return nil
}

// Seq returns the sequence number of the last entry written.
func (j *JSONL) Seq() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Close closes the archive file.
func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// VerifyJSONL checks the hash chain of the archive at path and returns the
// number of entries.
func VerifyJSONL(path string) (int64, error) {
	seq, _, err := scanArchive(path)
	return seq, err
}

// scanArchive walks an existing archive and returns the last seq and hash.
// A missing file is an empty archive.
func scanArchive(path string) (int64, string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, GenesisHash, nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("sink: open archive for reading %q: %w", path, err)
	}
	defer f.Close()

	seq, prevHash := int64(0), GenesisHash
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e archiveEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return 0, "", fmt.Errorf("sink: malformed archive entry after seq %d: %w", seq, err)
		}
		if e.Seq != seq+1 {
			return 0, "", fmt.Errorf("sink: archive seq gap: expected %d, got %d", seq+1, e.Seq)
		}
		if e.PrevHash != prevHash {
			return 0, "", fmt.Errorf("sink: archive chain break at seq %d", e.Seq)
		}
		stored := e.EventHash
		e.EventHash = ""
		computed, err := entryHash(e)
		if err != nil {
			return 0, "", err
		}
		if computed != stored {
			return 0, "", fmt.Errorf("sink: archive hash mismatch at seq %d", e.Seq)
		}
		seq, prevHash = e.Seq, stored
	}
	if err := scanner.Err(); err != nil {
		return 0, "", fmt.Errorf("sink: scan archive %q: %w", path, err)
	}
	return seq, prevHash, nil
}

// entryHash hashes e with EventHash cleared.
func entryHash(e archiveEntry) (string, error) {
	e.EventHash = ""
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("sink: marshal archive entry: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
