package watcher

import (
	"fmt"
	"time"

	"github.com/fentz26/gatekeep/internal/models"
)

// MaxFetchTimeout is the longest a single fetch may be allowed to run.
const MaxFetchTimeout = 5 * time.Minute

// Config tunes one watcher loop.
type Config struct {
	// Interval between successful polls.
	Interval time.Duration `yaml:"interval" json:"interval"`
	// FetchTimeout bounds one FetchSince call.
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
	// BackoffInitial is the first retry delay after a failure; it doubles
	// on each consecutive failure up to BackoffMax.
	BackoffInitial time.Duration `yaml:"backoff_initial" json:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max" json:"backoff_max"`
	// DegradedAfter consecutive failures mark the loop degraded.
	DegradedAfter int `yaml:"degraded_after" json:"degraded_after"`
	// MaxAuthFailures consecutive credential failures stop the loop.
	MaxAuthFailures int `yaml:"max_auth_failures" json:"max_auth_failures"`
	// EntryStage is where new items land: inbox or needs_action.
	EntryStage models.Stage `yaml:"entry_stage" json:"entry_stage"`
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		Interval:        time.Minute,
		FetchTimeout:    30 * time.Second,
		BackoffInitial:  time.Second,
		BackoffMax:      time.Minute,
		DegradedAfter:   5,
		MaxAuthFailures: 3,
		EntryStage:      models.StageNeedsAction,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = d.BackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = d.DegradedAfter
	}
	if c.MaxAuthFailures <= 0 {
		c.MaxAuthFailures = d.MaxAuthFailures
	}
	if c.EntryStage == "" {
		c.EntryStage = d.EntryStage
	}
	return c
}

// Validate checks c after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.FetchTimeout > MaxFetchTimeout {
		return fmt.Errorf("fetch_timeout %s exceeds %s", c.FetchTimeout, MaxFetchTimeout)
	}
	if c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("backoff_max %s is below backoff_initial %s", c.BackoffMax, c.BackoffInitial)
	}
	if c.EntryStage != models.StageInbox && c.EntryStage != models.StageNeedsAction {
		return fmt.Errorf("entry_stage must be inbox or needs_action, got %q", c.EntryStage)
	}
	return nil
}
