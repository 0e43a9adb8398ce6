package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "logwatch ") {
		t.Errorf("output = %q", out)
	}
}

func TestResolveCommand(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.log", "b.log", "c.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	out, err := execute(t, "resolve",
		"--include", filepath.Join(dir, "*"),
		"--exclude", filepath.Join(dir, "*.txt"),
	)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	lines := strings.Fields(out)
	if len(lines) != 2 {
		t.Fatalf("got %v, want two paths", lines)
	}
	if filepath.Base(lines[0]) != "a.log" || filepath.Base(lines[1]) != "b.log" {
		t.Errorf("paths = %v", lines)
	}
}

func TestResolveCommand_RequiresInclude(t *testing.T) {
	if _, err := execute(t, "resolve"); err == nil {
		t.Error("expected error without --include")
	}
}

func TestRun_MissingConfig(t *testing.T) {
	err := run(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "app.log")
	if err := os.WriteFile(logPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := "interval: 1\ninclude: " + logPath + "\nlog_level: error\n" +
		"handlers:\n  - name: all\n    actions:\n      - type: jsonl\n        path: " + filepath.Join(dir, "out.jsonl") + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfgPath) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestResolveCommand_Explain(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.log", "c.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	exclude := filepath.Join(dir, "*.txt")

	out, err := execute(t, "resolve", "--explain",
		"--include", filepath.Join(dir, "*"),
		"--exclude", exclude,
	)
	if err != nil {
		t.Fatalf("resolve --explain: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %q, want two lines", lines)
	}
	if !strings.HasSuffix(lines[0], "a.log\tincluded") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "c.txt\texcluded by "+exclude) {
		t.Errorf("line 1 = %q", lines[1])
	}
}
