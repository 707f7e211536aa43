// Package source defines where ingested items come from.
package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/fentz26/gatekeep/internal/classify"
	"github.com/fentz26/gatekeep/internal/models"
)

// Batch is the result of one fetch. Next is the checkpoint to persist once
// every item in the batch has been handled.
type Batch struct {
	Items []models.RawItem
	Next  string
}

// Source is an external feed polled by a watcher loop.
type Source interface {
	Name() string
	// FetchSince returns the items after checkpoint. An empty checkpoint
	// means from the beginning. Calling it again with the same checkpoint
	// must return the same items.
	FetchSince(ctx context.Context, checkpoint string) (Batch, error)
}

// Transient wraps err as a retryable source failure.
func Transient(name string, err error) error {
	return &models.SourceError{Source: name, Kind: models.SourceTransient, Err: err}
}

// Auth wraps err as a credential failure.
func Auth(name string, err error) error {
	return &models.SourceError{Source: name, Kind: models.SourceAuth, Err: err}
}

// Terminal wraps err as a failure that retrying cannot fix.
func Terminal(name string, err error) error {
	return &models.SourceError{Source: name, Kind: models.SourceTerminal, Err: err}
}

// Filter selects which fetched items are ingested.
type Filter struct {
	// Include keeps only items containing at least one of these substrings.
	Include []string `yaml:"include" json:"include,omitempty"`
	// Exclude drops items containing any of these substrings.
	Exclude []string `yaml:"exclude" json:"exclude,omitempty"`
	// Expr is a CEL boolean over text, metadata and source_id.
	Expr string `yaml:"expr" json:"expr,omitempty"`
}

// Filtered applies a Filter to another Source. Items that are filtered out
// are dropped but the checkpoint still advances past them.
type Filtered struct {
	inner   Source
	include []string
	exclude []string
	prg     cel.Program
}

var _ Source = (*Filtered)(nil)

// NewFiltered compiles f and wraps src.
func NewFiltered(src Source, f Filter) (*Filtered, error) {
	out := &Filtered{inner: src, include: foldAll(f.Include), exclude: foldAll(f.Exclude)}
	if strings.TrimSpace(f.Expr) == "" {
		return out, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("text", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("source_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("filter env: %w", err)
	}
	ast, issues := env.Compile(f.Expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile filter %q: %w", f.Expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("filter %q must be boolean, got %s", f.Expr, ast.OutputType())
	}
	prg, err := env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("filter program: %w", err)
	}
	out.prg = prg
	return out, nil
}

func (f *Filtered) Name() string { return f.inner.Name() }

func (f *Filtered) FetchSince(ctx context.Context, checkpoint string) (Batch, error) {
	b, err := f.inner.FetchSince(ctx, checkpoint)
	if err != nil {
		return b, err
	}
	kept := b.Items[:0:0]
	for _, it := range b.Items {
		ok, err := f.Keep(it)
		if err != nil {
			return Batch{}, Terminal(f.Name(), err)
		}
		if ok {
			kept = append(kept, it)
		}
	}
	return Batch{Items: kept, Next: b.Next}, nil
}

// Keep reports whether it passes the filter.
func (f *Filtered) Keep(it models.RawItem) (bool, error) {
	hay := classify.Fold(haystack(it))
	for _, s := range f.exclude {
		if strings.Contains(hay, s) {
			return false, nil
		}
	}
	if len(f.include) > 0 && !containsAny(hay, f.include) {
		return false, nil
	}
	if f.prg == nil {
		return true, nil
	}

	md := it.Metadata
	if md == nil {
		md = map[string]string{}
	}
	val, _, err := f.prg.Eval(map[string]any{"text": it.Text, "metadata": md, "source_id": it.SourceID})
	if err != nil {
		return false, fmt.Errorf("evaluate filter: %w", err)
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter returned %T, want bool", val.Value())
	}
	return b, nil
}

func haystack(it models.RawItem) string {
	var sb strings.Builder
	sb.WriteString(it.Text)
	for _, v := range it.Metadata {
		sb.WriteByte('\n')
		sb.WriteString(v)
	}
	return sb.String()
}

func foldAll(ss []string) []string {
	var out []string
	for _, s := range ss {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, classify.Fold(s))
		}
	}
	return out
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
