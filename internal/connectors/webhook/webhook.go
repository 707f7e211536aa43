// Package webhook delivers actions as JSON POSTs to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/fentz26/gatekeep/internal/connectors"
)

// Config describes the endpoint and which actions it accepts.
type Config struct {
	URL         string        `yaml:"url" json:"url"`
	ActionTypes []string      `yaml:"action_types" json:"action_types"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	// PerSecond paces requests; zero means 1 per second.
	PerSecond float64           `yaml:"per_second" json:"per_second"`
	Headers   map[string]string `yaml:"headers" json:"headers"`
}

// Executor posts {"action_type", "params"} and expects a 2xx reply. A JSON
// reply with an "id" field becomes the result's ExternalID.
type Executor struct {
	cfg     Config
	allowed map[string]bool
	client  *http.Client
	limiter *rate.Limiter
}

// New creates an Executor. client may be nil.
func New(cfg Config, client *http.Client) (*Executor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = 1
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	e := &Executor{
		cfg:     cfg,
		allowed: make(map[string]bool, len(cfg.ActionTypes)),
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.PerSecond), 1),
	}
	for _, a := range cfg.ActionTypes {
		e.allowed[a] = true
	}
	return e, nil
}

func (e *Executor) Name() string { return "webhook" }

func (e *Executor) Supports(actionType string) bool { return e.allowed[actionType] }

func (e *Executor) Execute(ctx context.Context, actionType string, params map[string]any) (*connectors.Result, error) {
	if !e.Supports(actionType) {
		return nil, fmt.Errorf("action not allowed: %s", actionType)
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("webhook pacing: %w", err)
	}

	body, err := json.Marshal(map[string]any{"action_type": actionType, "params": params})
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &connectors.Result{Success: false, Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))}, nil
	}

	var reply struct {
		ID     string `json:"id"`
		Detail string `json:"detail"`
	}
	_ = json.Unmarshal(raw, &reply)
	return &connectors.Result{Success: true, Detail: reply.Detail, ExternalID: reply.ID}, nil
}
