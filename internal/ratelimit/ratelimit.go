// Package ratelimit enforces per-category sliding-window budgets on outward
// actions.
//
// Check and Record are separate so that budget is only charged for actions
// that actually succeeded. Callers that need check-act-record to be atomic
// hold Lock for the category across all three steps.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fentz26/gatekeep/internal/clock"
)

// Policy is a budget of MaxPerWindow actions per Window.
type Policy struct {
	MaxPerWindow int           `yaml:"max_per_window" json:"max_per_window"`
	Window       time.Duration `yaml:"window" json:"window"`
}

// DefaultPolicy applies to categories without an explicit policy.
var DefaultPolicy = Policy{MaxPerWindow: 10, Window: time.Hour}

// DefaultPolicies returns the built-in category budgets.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		"email":  {MaxPerWindow: 10, Window: time.Hour},
		"social": {MaxPerWindow: 5, Window: 24 * time.Hour},
	}
}

// DefaultCategories maps action types onto shared budgets.
func DefaultCategories() map[string]string {
	return map[string]string{
		"email_send":  "email",
		"email_reply": "email",
		"social_post": "social",
	}
}

// WindowStore holds admission timestamps per category.
type WindowStore interface {
	// Window drops entries at or before cutoff and reports what remains.
	Window(ctx context.Context, category string, cutoff time.Time) (count int, oldest time.Time, err error)
	// Add appends an admission at time at. ttl bounds how long it must be kept.
	Add(ctx context.Context, category string, at time.Time, ttl time.Duration) error
}

// Limiter evaluates budgets against a WindowStore.
type Limiter struct {
	store      WindowStore
	policies   map[string]Policy
	fallback   Policy
	categories map[string]string
	clock      clock.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPolicy sets the budget for one category.
func WithPolicy(category string, p Policy) Option {
	return func(l *Limiter) { l.policies[category] = p }
}

// WithFallback sets the budget for categories without a policy.
func WithFallback(p Policy) Option {
	return func(l *Limiter) { l.fallback = p }
}

// WithCategory maps an action type onto a category.
func WithCategory(actionType, category string) Option {
	return func(l *Limiter) { l.categories[actionType] = category }
}

func WithClock(c clock.Clock) Option { return func(l *Limiter) { l.clock = c } }

// New creates a Limiter with the default policies and category mapping,
// adjusted by opts.
func New(store WindowStore, opts ...Option) *Limiter {
	l := &Limiter{
		store:      store,
		policies:   DefaultPolicies(),
		fallback:   DefaultPolicy,
		categories: DefaultCategories(),
		clock:      clock.Real{},
		locks:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CategoryFor returns the budget category of an action type. Unmapped
// action types are their own category.
func (l *Limiter) CategoryFor(actionType string) string {
	if c, ok := l.categories[actionType]; ok {
		return c
	}
	return actionType
}

// Policy returns the budget for category.
func (l *Limiter) Policy(category string) Policy {
	if p, ok := l.policies[category]; ok {
		return p
	}
	return l.fallback
}

// Check reports whether one more action fits in category's window. When it
// does not, retryAfter is the whole number of seconds until the oldest
// admission leaves the window, never less than 1.
func (l *Limiter) Check(ctx context.Context, category string) (allowed bool, retryAfter int, err error) {
	p := l.Policy(category)
	now := l.clock.Now()
	count, oldest, err := l.store.Window(ctx, category, now.Add(-p.Window))
	if err != nil {
		return false, 0, fmt.Errorf("rate window %s: %w", category, err)
	}
	if count < p.MaxPerWindow {
		return true, 0, nil
	}
	wait := oldest.Add(p.Window).Sub(now).Seconds()
	retryAfter = int(math.Ceil(wait))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}

// Record charges one action against category at the current time.
func (l *Limiter) Record(ctx context.Context, category string) error {
	p := l.Policy(category)
	if err := l.store.Add(ctx, category, l.clock.Now(), p.Window); err != nil {
		return fmt.Errorf("rate record %s: %w", category, err)
	}
	return nil
}

// Count returns the admissions currently inside category's window.
func (l *Limiter) Count(ctx context.Context, category string) (int, error) {
	p := l.Policy(category)
	n, _, err := l.store.Window(ctx, category, l.clock.Now().Add(-p.Window))
	return n, err
}

// Lock acquires the critical section for category and returns its release.
func (l *Limiter) Lock(category string) (unlock func()) {
	l.mu.Lock()
	m, ok := l.locks[category]
	if !ok {
		m = &sync.Mutex{}
		l.locks[category] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
