// Package connectors defines the boundary through which approved actions
// reach the outside world.
package connectors

import (
	"context"
	"fmt"
	"strings"
)

// Result is what an executor reports for one action.
type Result struct {
	Success    bool   `json:"success"`
	Detail     string `json:"detail,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

// Executor performs outward actions.
type Executor interface {
	// Name returns the executor identifier.
	Name() string

	// Supports reports whether actionType can be executed here.
	Supports(actionType string) bool

	// Execute performs the action. A nil error with Success false means the
	// remote side refused; an error means the outcome is unknown or failed.
	Execute(ctx context.Context, actionType string, params map[string]any) (*Result, error)
}

// Registry routes an action to the first executor that supports it.
type Registry struct {
	executors []Executor
}

// NewRegistry returns a Registry consulting executors in order.
func NewRegistry(executors ...Executor) *Registry {
	return &Registry{executors: executors}
}

// Register appends e.
func (r *Registry) Register(e Executor) {
	r.executors = append(r.executors, e)
}

func (r *Registry) Name() string {
	names := make([]string, len(r.executors))
	for i, e := range r.executors {
		names[i] = e.Name()
	}
	return "registry(" + strings.Join(names, ",") + ")"
}

func (r *Registry) Supports(actionType string) bool {
	return r.lookup(actionType) != nil
}

func (r *Registry) Execute(ctx context.Context, actionType string, params map[string]any) (*Result, error) {
	e := r.lookup(actionType)
	if e == nil {
		return nil, fmt.Errorf("no executor for action type %q", actionType)
	}
	return e.Execute(ctx, actionType, params)
}

func (r *Registry) lookup(actionType string) Executor {
	for _, e := range r.executors {
		if e.Supports(actionType) {
			return e
		}
	}
	return nil
}
