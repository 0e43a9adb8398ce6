package handler_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tripwire/logwatch/internal/config"
	"github.com/tripwire/logwatch/internal/handler"
	"github.com/tripwire/logwatch/internal/sink"
	"github.com/tripwire/logwatch/internal/watch"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runActions(t *testing.T, r *handler.Rule, l watch.Line) {
	t.Helper()
	for i, a := range r.Actions() {
		if err := a(context.Background(), l); err != nil {
			t.Fatalf("action %d: %v", i, err)
		}
	}
}

func TestRegexp(t *testing.T) {
	p, err := handler.Regexp(`^ERROR\b`)
	if err != nil {
		t.Fatalf("Regexp: %v", err)
	}
	if !p("ERROR disk full") {
		t.Error("expected match for ERROR line")
	}
	if p("INFO ERROR later") {
		t.Error("unexpected match for anchored pattern")
	}

	if _, err := handler.Regexp(`(`); err == nil {
		t.Error("expected error for invalid expression")
	}
}

func TestContains(t *testing.T) {
	p := handler.Contains("timeout")
	if !p("request timeout after 5s") || p("ok") {
		t.Error("Contains predicate mismatch")
	}
}

func TestRule_NilPredicateMatchesAll(t *testing.T) {
	r := &handler.Rule{RuleName: "all"}
	if !r.Match("anything") {
		t.Error("nil predicate should match")
	}
	if r.Name() != "all" {
		t.Errorf("Name = %q", r.Name())
	}
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	a := handler.Writer(&buf)
	_ = a(context.Background(), watch.Line{Path: "/x", Text: "one"})
	_ = a(context.Background(), watch.Line{Path: "/x", Text: "two"})
	if got := buf.String(); got != "one\ntwo\n" {
		t.Errorf("buffer = %q", got)
	}
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	a := handler.Log(logger, "errors")
	if err := a(context.Background(), watch.Line{Path: "/var/log/a.log", Text: "boom"}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{`"handler":"errors"`, `"path":"/var/log/a.log"`, `"line":"boom"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %s", out, want)
		}
	}
}

func TestFromConfig_PredicatesAndStdout(t *testing.T) {
	var buf bytes.Buffer
	cfgs := []config.HandlerConfig{
		{Name: "errors", Match: "ERROR", Actions: []config.ActionConfig{{Type: "stdout"}}},
		{Name: "timeouts", Contains: "timeout", Actions: []config.ActionConfig{{Type: "log"}}},
		{Name: "everything", Actions: []config.ActionConfig{{Type: "log"}}},
	}

	b, err := handler.FromConfig(context.Background(), cfgs, noopLogger(), &buf)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	defer b.Close()

	if len(b.Rules) != 3 {
		t.Fatalf("got %d rules, want 3", len(b.Rules))
	}
	if len(b.Sinks) != 0 {
		t.Errorf("got %d sinks, want 0", len(b.Sinks))
	}

	errs, timeouts, all := b.Rules[0], b.Rules[1], b.Rules[2]
	if !errs.Match("ERROR x") || errs.Match("INFO x") {
		t.Error("regexp rule mismatch")
	}
	if !timeouts.Match("a timeout") || timeouts.Match("fine") {
		t.Error("contains rule mismatch")
	}
	if !all.Match("") {
		t.Error("match-all rule mismatch")
	}

	runActions(t, errs, watch.Line{Path: "/x", Text: "ERROR x"})
	if buf.String() != "ERROR x\n" {
		t.Errorf("stdout = %q", buf.String())
	}
}

func TestFromConfig_SharedSinks(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "archive.jsonl")
	db := filepath.Join(dir, "lines.db")

	cfgs := []config.HandlerConfig{
		{Name: "a", Actions: []config.ActionConfig{{Type: "jsonl", Path: archive}, {Type: "sqlite", Path: db}}},
		{Name: "b", Actions: []config.ActionConfig{{Type: "jsonl", Path: archive}}},
	}
	b, err := handler.FromConfig(context.Background(), cfgs, noopLogger(), io.Discard)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if len(b.Sinks) != 2 {
		t.Fatalf("got %d sinks, want 2 (jsonl shared)", len(b.Sinks))
	}

	line := watch.Line{Path: "/var/log/app.log", Text: "hello"}
	runActions(t, b.Rules[0], line)
	runActions(t, b.Rules[1], line)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	n, err := sink.VerifyJSONL(archive)
	if err != nil {
		t.Fatalf("VerifyJSONL: %v", err)
	}
	if n != 2 {
		t.Errorf("archive has %d entries, want 2", n)
	}

	s, err := sink.OpenSQLite(db)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()
	if d := s.Depth(); d != 1 {
		t.Errorf("sqlite depth = %d, want 1", d)
	}
}

func TestFromConfig_InvalidRegexp(t *testing.T) {
	cfgs := []config.HandlerConfig{
		{Name: "bad", Match: "(", Actions: []config.ActionConfig{{Type: "log"}}},
	}
	if _, err := handler.FromConfig(context.Background(), cfgs, noopLogger(), io.Discard); err == nil {
		t.Fatal("expected error for invalid regexp")
	}
}

func TestSink_RecordFields(t *testing.T) {
	s := &memSink{}
	a := handler.Sink(s)
	if err := a(context.Background(), watch.Line{Path: "/p", Text: "t"}); err != nil {
		t.Fatal(err)
	}
	if len(s.recs) != 1 {
		t.Fatalf("got %d records", len(s.recs))
	}
	r := s.recs[0]
	if r.ID == "" || r.Path != "/p" || r.Text != "t" || r.ReceivedAt.IsZero() {
		t.Errorf("record = %+v", r)
	}
}

type memSink struct{ recs []sink.Record }

func (m *memSink) Write(_ context.Context, r sink.Record) error {
	m.recs = append(m.recs, r)
	return nil
}

func (m *memSink) Close() error { return nil }

func TestRateLimit(t *testing.T) {
	a := handler.RateLimit(1000, 2)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := a(ctx, watch.Line{Text: "x"}); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("4 lines at 1000/s took %v", elapsed)
	}

	slow := handler.RateLimit(0.001, 1)
	_ = slow(ctx, watch.Line{})
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := slow(cctx, watch.Line{}); err == nil {
		t.Error("expected error when the limiter cannot admit before the deadline")
	}
}

func TestFromConfig_RateLimitPrepended(t *testing.T) {
	cfgs := []config.HandlerConfig{
		{Name: "limited", RateLimit: 10, Burst: 1, Actions: []config.ActionConfig{{Type: "log"}}},
	}
	b, err := handler.FromConfig(context.Background(), cfgs, noopLogger(), io.Discard)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	defer b.Close()
	if n := len(b.Rules[0].Actions()); n != 2 {
		t.Errorf("got %d actions, want 2 (limiter + log)", n)
	}
}
