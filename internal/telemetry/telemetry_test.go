package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreCollected(t *testing.T) {
	m, reader, err := NewWithReader()
	require.NoError(t, err)
	ctx := context.Background()

	m.ItemAdmitted(ctx, "mail")
	m.ItemAdmitted(ctx, "mail")
	m.ItemDuplicate(ctx, "mail")
	m.Transition(ctx, "plan_draft", "pending_approval")
	m.Execution(ctx, "email_send", "success")
	m.GateRejected(ctx, "email_send", "rate_limited")
	m.SourceFailure(ctx, "mail", "transient")

	points, err := Snapshot(ctx, reader)
	require.NoError(t, err)

	assert.EqualValues(t, 2, Sum(points, "gatekeep.items.admitted", map[string]string{"source": "mail"}))
	assert.EqualValues(t, 1, Sum(points, "gatekeep.items.duplicate", nil))
	assert.EqualValues(t, 1, Sum(points, "gatekeep.transitions", map[string]string{"to": "pending_approval"}))
	assert.EqualValues(t, 1, Sum(points, "gatekeep.gate.rejections", map[string]string{"reason": "rate_limited"}))
	assert.EqualValues(t, 0, Sum(points, "gatekeep.executions", map[string]string{"result": "error"}))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ItemAdmitted(context.Background(), "x")
	m.Execution(context.Background(), "x", "y")
}
