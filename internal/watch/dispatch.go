package watch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"

	"github.com/tripwire/logwatch/internal/metrics"
)

// Line is what handler actions receive.
type Line struct {
	// Path is the absolute path of the file the line was read from.
	Path string
	// Text is the line with surrounding whitespace removed.
	Text string
}

// Action is invoked for every line its handler matches. A returned error is
// logged and counted; it does not stop the remaining actions.
type Action func(ctx context.Context, line Line) error

// Handler pairs a predicate with the ordered actions run for matching lines.
// Implementations must be safe to call from the dispatcher goroutine.
type Handler interface {
	// Match reports whether the trimmed line text should be handled.
	Match(text string) bool
	// Actions returns the actions to invoke, in order.
	Actions() []Action
}

// Named is implemented by handlers that carry a name for logs and metrics.
type Named interface {
	Name() string
}

// funcHandler adapts a predicate function and actions into a Handler.
type funcHandler struct {
	match   func(string) bool
	actions []Action
}

// NewHandler returns a Handler built from a predicate and actions. A nil
// predicate matches every line.
func NewHandler(match func(string) bool, actions ...Action) Handler {
	return &funcHandler{match: match, actions: actions}
}

func (h *funcHandler) Match(text string) bool {
	if h.match == nil {
		return true
	}
	return h.match(text)
}

func (h *funcHandler) Actions() []Action { return h.actions }

// registry holds handlers in registration order. It is append-only.
type registry struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	handlers []Handler
}

func newRegistry(logger *slog.Logger, m *metrics.Metrics) *registry {
	return &registry{logger: logger, metrics: m}
}

func (r *registry) register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

func (r *registry) snapshot() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, len(r.handlers))
	copy(out, r.handlers)
	return out
}

// dispatch evaluates every handler against line in registration order and
// runs the actions of each match, in order, before returning.
func (r *registry) dispatch(ctx context.Context, line Line) {
	for i, h := range r.snapshot() {
		name := handlerName(h, i)
		if !r.match(h, name, line) {
			continue
		}
		r.metrics.HandlerMatched(name)
		for j, action := range h.Actions() {
			if err := r.invoke(ctx, action, line); err != nil {
				r.metrics.ActionFailed(name)
				r.logger.Warn("watch: handler action error",
					slog.String("handler", name),
					slog.Int("action", j),
					slog.String("path", line.Path),
					slog.Any("error", err),
				)
			}
		}
	}
}

// match evaluates the predicate, treating a panic as no match.
func (r *registry) match(h Handler, name string, line Line) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("watch: handler predicate panic",
				slog.String("handler", name),
				slog.String("panic", fmt.Sprint(p)),
				slog.String("stacktrace", stack()),
			)
			ok = false
		}
	}()
	return h.Match(line.Text)
}

// invoke runs one action, converting a panic into an error.
func (r *registry) invoke(ctx context.Context, action Action, line Line) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, stack())
		}
	}()
	return action(ctx, line)
}

func handlerName(h Handler, i int) string {
	if n, ok := h.(Named); ok && n.Name() != "" {
		return n.Name()
	}
	return "handler[" + strconv.Itoa(i) + "]"
}

func stack() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
