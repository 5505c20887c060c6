// Package loading tracks in-flight network work behind one busy indicator.
//
// Every call site acquires a scope with Begin and releases it with End, or
// uses Do/Run which release on every exit path including panics.
package loading

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Token identifies one Begin call. Tokens are single-use.
type Token uint64

// State is a snapshot of the busy indicator.
type State struct {
	Count   int    `json:"count"`
	Message string `json:"message"`
}

func (s State) IsLoading() bool {
	return s.Count > 0
}

type scope struct {
	token   Token
	message string
}

type Coordinator struct {
	mu      sync.Mutex
	next    Token
	pending []scope
	message string

	gauge  prometheus.Gauge
	logger *slog.Logger
}

type Option func(*Coordinator)

// WithGauge mirrors the outstanding count into g.
func WithGauge(g prometheus.Gauge) Option {
	return func(c *Coordinator) { c.gauge = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func New(opts ...Option) *Coordinator {
	c := &Coordinator{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin opens a scope and makes message the active one.
func (c *Coordinator) Begin(message string) Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.next++
	t := c.next
	c.pending = append(c.pending, scope{token: t, message: message})
	c.message = message
	c.publish()
	c.logger.Debug("loading begin", "token", uint64(t), "count", len(c.pending), "message", message)
	return t
}

// End closes the scope opened by t. Unknown or already ended tokens are ignored.
func (c *Coordinator) End(t Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, s := range c.pending {
		if s.token == t {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	c.pending = append(c.pending[:idx], c.pending[idx+1:]...)
	if n := len(c.pending); n > 0 {
		c.message = c.pending[n-1].message
	}
	c.publish()
	c.logger.Debug("loading end", "token", uint64(t), "count", len(c.pending))
}

func (c *Coordinator) publish() {
	if c.gauge != nil {
		c.gauge.Set(float64(len(c.pending)))
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{Count: len(c.pending), Message: c.message}
}

func (c *Coordinator) IsLoading() bool {
	return c.State().IsLoading()
}

// Do runs fn inside one scope.
func (c *Coordinator) Do(ctx context.Context, message string, fn func(context.Context) error) error {
	_, err := Run(ctx, c, message, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Run runs fn inside one scope of c and returns its result. A nil
// coordinator runs fn unscoped.
func Run[T any](ctx context.Context, c *Coordinator, message string, fn func(context.Context) (T, error)) (T, error) {
	if c == nil {
		return fn(ctx)
	}
	t := c.Begin(message)
	defer c.End(t)
	return fn(ctx)
}
