package source

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/gatekeep/internal/models"
)

type staticSource struct {
	items []models.RawItem
	err   error
}

func (s *staticSource) Name() string { return "static" }

func (s *staticSource) FetchSince(context.Context, string) (Batch, error) {
	return Batch{Items: s.items, Next: "cp-2"}, s.err
}

func items() []models.RawItem {
	return []models.RawItem{
		{SourceID: "1", Text: "URGENT invoice overdue", Metadata: map[string]string{"from": "billing@vendor.com"}},
		{SourceID: "2", Text: "weekly newsletter", Metadata: map[string]string{"from": "news@list.example"}},
		{SourceID: "3", Text: "meeting tomorrow", Metadata: map[string]string{"from": "boss@corp.example"}},
	}
}

func ids(b Batch) []string {
	out := make([]string, len(b.Items))
	for i, it := range b.Items {
		out[i] = it.SourceID
	}
	return out
}

func TestFiltered_Exclude(t *testing.T) {
	f, err := NewFiltered(&staticSource{items: items()}, Filter{Exclude: []string{"NEWS@list.example"}})
	require.NoError(t, err)

	b, err := f.FetchSince(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3"}, ids(b))
	assert.Equal(t, "cp-2", b.Next, "checkpoint advances past dropped items")
}

func TestFiltered_Include(t *testing.T) {
	f, err := NewFiltered(&staticSource{items: items()}, Filter{Include: []string{"invoice", "meeting"}})
	require.NoError(t, err)

	b, err := f.FetchSince(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3"}, ids(b))
}

func TestFiltered_Expr(t *testing.T) {
	f, err := NewFiltered(&staticSource{items: items()}, Filter{
		Expr: `metadata["from"].endsWith("corp.example") || text.contains("URGENT")`,
	})
	require.NoError(t, err)

	b, err := f.FetchSince(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3"}, ids(b))
}

func TestFiltered_ExprMissingKeyIsTerminal(t *testing.T) {
	f, err := NewFiltered(&staticSource{items: items()}, Filter{Expr: `metadata["subject"] == "x"`})
	require.NoError(t, err)

	_, err = f.FetchSince(context.Background(), "")
	require.ErrorIs(t, err, models.ErrSource)
	var se *models.SourceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, models.SourceTerminal, se.Kind)
}

func TestNewFiltered_RejectsBadExpr(t *testing.T) {
	_, err := NewFiltered(&staticSource{}, Filter{Expr: `text +`})
	assert.Error(t, err)

	_, err = NewFiltered(&staticSource{}, Filter{Expr: `text`})
	assert.ErrorContains(t, err, "boolean")
}

func TestFiltered_PassesErrorsThrough(t *testing.T) {
	inner := &staticSource{err: Transient("static", errors.New("timeout"))}
	f, err := NewFiltered(inner, Filter{})
	require.NoError(t, err)

	_, err = f.FetchSince(context.Background(), "")
	var se *models.SourceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, models.SourceTransient, se.Kind)
}

func TestErrorHelpers(t *testing.T) {
	base := errors.New("boom")
	for kind, err := range map[models.SourceErrorKind]error{
		models.SourceTransient: Transient("s", base),
		models.SourceAuth:      Auth("s", base),
		models.SourceTerminal:  Terminal("s", base),
	} {
		var se *models.SourceError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, kind, se.Kind)
		assert.ErrorIs(t, err, base)
	}
}
