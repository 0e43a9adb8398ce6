package watch

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

func TestLineQueue_FIFO(t *testing.T) {
	q := newLineQueue(3)
	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		if !q.put(done, Entry{Payload: strconv.Itoa(i)}) {
			t.Fatalf("put %d: not queued", i)
		}
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		e, err := q.get(ctx)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if e.Payload != strconv.Itoa(i) {
			t.Errorf("get %d = %q, want %q", i, e.Payload, strconv.Itoa(i))
		}
	}
}

func TestLineQueue_PutBlocksWhenFull(t *testing.T) {
	q := newLineQueue(2)
	done := make(chan struct{})
	q.put(done, Entry{Payload: "a"})
	q.put(done, Entry{Payload: "b"})

	queued := make(chan bool, 1)
	go func() { queued <- q.put(done, Entry{Payload: "c"}) }()

	select {
	case <-queued:
		t.Fatal("put returned while queue was full")
	case <-time.After(50 * time.Millisecond):
	}
	if n := q.len(); n != 2 {
		t.Errorf("len = %d, want capacity 2", n)
	}

	if _, err := q.get(context.Background()); err != nil {
		t.Fatalf("get: %v", err)
	}
	select {
	case ok := <-queued:
		if !ok {
			t.Error("blocked put was not queued once space freed")
		}
	case <-time.After(time.Second):
		t.Fatal("blocked put never completed")
	}
	if n := q.len(); n != 2 {
		t.Errorf("len = %d, want 2", n)
	}
}

func TestLineQueue_PutGivesUpOnDone(t *testing.T) {
	q := newLineQueue(1)
	done := make(chan struct{})
	q.put(done, Entry{Payload: "a"})

	result := make(chan bool, 1)
	go func() { result <- q.put(done, Entry{Payload: "b"}) }()
	close(done)

	select {
	case ok := <-result:
		if ok {
			t.Error("put reported queued after done with a full queue")
		}
	case <-time.After(time.Second):
		t.Fatal("put did not return after done")
	}
}

func TestLineQueue_GetHonoursContext(t *testing.T) {
	q := newLineQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.get(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("get on empty queue = %v, want deadline exceeded", err)
	}
}

func TestEntry_Text(t *testing.T) {
	e := Entry{Payload: "  hello world \r\n"}
	if got := e.Text(); got != "hello world" {
		t.Errorf("Text = %q, want %q", got, "hello world")
	}
}
