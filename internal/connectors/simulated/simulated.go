// Package simulated is an executor that performs nothing and remembers what
// it was asked to do.
package simulated

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/fentz26/gatekeep/internal/connectors"
)

// Call is one recorded Execute invocation.
type Call struct {
	ActionType string
	Params     map[string]any
}

// Executor accepts an allowlist of action types. An empty allowlist accepts
// every action type.
type Executor struct {
	allowed map[string]bool

	mu    sync.Mutex
	calls []Call
	fail  error
}

// New returns an Executor for actionTypes.
func New(actionTypes ...string) *Executor {
	e := &Executor{allowed: make(map[string]bool, len(actionTypes))}
	for _, a := range actionTypes {
		e.allowed[a] = true
	}
	return e
}

func (e *Executor) Name() string { return "simulated" }

func (e *Executor) Supports(actionType string) bool {
	return len(e.allowed) == 0 || e.allowed[actionType]
}

// FailWith makes subsequent calls return err. A nil err restores success.
func (e *Executor) FailWith(err error) {
	e.mu.Lock()
	e.fail = err
	e.mu.Unlock()
}

func (e *Executor) Execute(ctx context.Context, actionType string, params map[string]any) (*connectors.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !e.Supports(actionType) {
		return nil, fmt.Errorf("action not allowed: %s", actionType)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make(map[string]any, len(params))
	for k, v := range params {
		cp[k] = v
	}
	e.calls = append(e.calls, Call{ActionType: actionType, Params: cp})
	if e.fail != nil {
		return nil, e.fail
	}
	return &connectors.Result{Success: true, Detail: "simulated", ExternalID: "sim-" + uuid.NewString()}, nil
}

// Calls returns a copy of the recorded calls.
func (e *Executor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}
