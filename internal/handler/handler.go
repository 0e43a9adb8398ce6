// Package handler provides the concrete predicates and actions logwatch
// registers with the watch engine, and builds them from configuration.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tripwire/logwatch/internal/config"
	"github.com/tripwire/logwatch/internal/sink"
	"github.com/tripwire/logwatch/internal/watch"
)

// Predicate decides whether a trimmed line is handled.
type Predicate func(text string) bool

// MatchAll matches every line.
func MatchAll(string) bool { return true }

// Regexp returns a predicate matching lines that contain a match of expr.
func Regexp(expr string) (Predicate, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("handler: compile %q: %w", expr, err)
	}
	return re.MatchString, nil
}

// Contains returns a predicate matching lines containing substr.
func Contains(substr string) Predicate {
	return func(text string) bool { return strings.Contains(text, substr) }
}

// Rule is a named handler. It implements watch.Handler and watch.Named.
type Rule struct {
	RuleName  string
	Predicate Predicate
	Funcs     []watch.Action
}

// Name implements watch.Named.
func (r *Rule) Name() string { return r.RuleName }

// Match implements watch.Handler. A nil predicate matches everything.
func (r *Rule) Match(text string) bool {
	if r.Predicate == nil {
		return true
	}
	return r.Predicate(text)
}

// Actions implements watch.Handler.
func (r *Rule) Actions() []watch.Action { return r.Funcs }

// Log returns an action that logs each line at info level.
func Log(logger *slog.Logger, rule string) watch.Action {
	return func(ctx context.Context, l watch.Line) error {
		logger.LogAttrs(ctx, slog.LevelInfo, "handler: line matched",
			slog.String("handler", rule),
			slog.String("path", l.Path),
			slog.String("line", l.Text),
		)
		return nil
	}
}

// Writer returns an action that writes each line, newline-terminated, to w.
// Writes are serialised so several rules may share one writer.
func Writer(w io.Writer) watch.Action {
	var mu sync.Mutex
	return func(_ context.Context, l watch.Line) error {
		mu.Lock()
		defer mu.Unlock()
		_, err := io.WriteString(w, l.Text+"\n")
		return err
	}
}

// RateLimit returns an action that blocks until a token is available from
// a limiter allowing perSecond lines with the given burst. Placed first in
// a rule's actions it throttles the whole rule; it fails only when ctx ends.
func RateLimit(perSecond float64, burst int) watch.Action {
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(ctx context.Context, _ watch.Line) error {
		return limiter.Wait(ctx)
	}
}

// Sink returns an action that forwards each line to s as a Record with a
// fresh UUID.
func Sink(s sink.Sink) watch.Action {
	return func(ctx context.Context, l watch.Line) error {
		return s.Write(ctx, sink.Record{
			ID:         uuid.NewString(),
			Path:       l.Path,
			Text:       l.Text,
			ReceivedAt: time.Now().UTC(),
		})
	}
}

// Built is the result of FromConfig: the rules to register, in
// configuration order, and the sinks they write to.
type Built struct {
	Rules []*Rule
	Sinks []sink.Sink
}

// Close closes every sink and returns the joined errors.
func (b *Built) Close() error {
	var errs []error
	for _, s := range b.Sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds the configured handlers. Actions naming the same sink
// (type and path, or DSN) share one instance. stdout receives "stdout"
// actions. On error every sink opened so far is closed.
func FromConfig(ctx context.Context, cfgs []config.HandlerConfig, logger *slog.Logger, stdout io.Writer) (*Built, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if stdout == nil {
		stdout = os.Stdout
	}

	b := &Built{}
	sinks := make(map[string]sink.Sink)
	out := Writer(stdout)

	openSink := func(a config.ActionConfig) (sink.Sink, error) {
		key := a.Type + ":" + a.Path
		if a.Type == "postgres" {
			key = a.Type + ":" + a.DSN
		}
		if s, ok := sinks[key]; ok {
			return s, nil
		}

		var (
			s   sink.Sink
			err error
		)
		switch a.Type {
		case "jsonl":
			s, err = sink.OpenJSONL(a.Path)
		case "sqlite":
			s, err = sink.OpenSQLite(a.Path)
		case "postgres":
			s, err = sink.OpenPostgres(ctx, a.DSN, sink.PostgresOptions{
				BatchSize:     a.BatchSize,
				FlushInterval: a.FlushInterval,
				Logger:        logger,
			})
		default:
			return nil, fmt.Errorf("handler: unknown sink type %q", a.Type)
		}
		if err != nil {
			return nil, err
		}
		sinks[key] = s
		b.Sinks = append(b.Sinks, s)
		return s, nil
	}

	for _, hc := range cfgs {
		rule := &Rule{RuleName: hc.Name}
		switch {
		case hc.Match != "":
			p, err := Regexp(hc.Match)
			if err != nil {
				_ = b.Close()
				return nil, fmt.Errorf("handler %q: %w", hc.Name, err)
			}
			rule.Predicate = p
		case hc.Contains != "":
			rule.Predicate = Contains(hc.Contains)
		default:
			rule.Predicate = MatchAll
		}
		if hc.RateLimit > 0 {
			rule.Funcs = append(rule.Funcs, RateLimit(hc.RateLimit, hc.Burst))
		}

		for _, a := range hc.Actions {
			switch a.Type {
			case "log":
				rule.Funcs = append(rule.Funcs, Log(logger, hc.Name))
			case "stdout":
				rule.Funcs = append(rule.Funcs, out)
			default:
				s, err := openSink(a)
				if err != nil {
					_ = b.Close()
					return nil, fmt.Errorf("handler %q: %w", hc.Name, err)
				}
				rule.Funcs = append(rule.Funcs, Sink(s))
			}
		}
		b.Rules = append(b.Rules, rule)
	}
	return b, nil
}
