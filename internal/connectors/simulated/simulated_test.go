package simulated

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_RecordsCalls(t *testing.T) {
	e := New("email_send")
	ctx := context.Background()

	res, err := e.Execute(ctx, "email_send", map[string]any{"to": "a@example.com"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.ExternalID)

	_, err = e.Execute(ctx, "social_post", nil)
	assert.Error(t, err)

	calls := e.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "a@example.com", calls[0].Params["to"])
}

func TestExecute_FailWith(t *testing.T) {
	e := New()
	boom := errors.New("smtp down")
	e.FailWith(boom)

	_, err := e.Execute(context.Background(), "anything", nil)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, e.Calls(), 1)

	e.FailWith(nil)
	res, err := e.Execute(context.Background(), "anything", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestExecute_CancelledContext(t *testing.T) {
	e := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Execute(ctx, "x", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, e.Calls())
}
