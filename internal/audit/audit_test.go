package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/gatekeep/internal/clock"
	"github.com/fentz26/gatekeep/internal/models"
	"github.com/fentz26/gatekeep/internal/store"
)

type failingSink struct{}

func (failingSink) Write(context.Context, *models.AuditEvent) error { return errors.New("disk full") }

func TestRedact(t *testing.T) {
	cases := [][2]string{
		{"john@example.com", "j***@example.com"},
		{"send to a.b+c@mail.example.org please", "send to a***@mail.example.org please"},
		{"two: x@y.io, zed@q.co", "two: x***@y.io, z***@q.co"},
		{"no address here", "no address here"},
		{"@handle is not an email", "@handle is not an email"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc[1], Redact(tc[0]), tc[0])
	}
}

func TestRecord_FillsContextAndRedacts(t *testing.T) {
	var buf bytes.Buffer
	fc := clock.NewFake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	l := New([]Sink{NewJSONLSink(&buf)}, WithClock(fc))

	ctx := WithActor(WithCorrelationID(context.Background(), "corr-1"), "alice")
	ev, err := l.Record(ctx, Entry{
		ActionType: "email_send",
		Target:     "bob@example.com",
		Result:     models.AuditSuccess,
		Duration:   1500 * time.Millisecond,
		Details:    map[string]string{"cc": "carol@example.com"},
		Params:     map[string]any{"to": "bob@example.com", "subject": "Hi"},
	})
	require.NoError(t, err)

	assert.Equal(t, "corr-1", ev.CorrelationID)
	assert.Equal(t, "alice", ev.Actor)
	assert.Equal(t, "b***@example.com", ev.Target)
	assert.Equal(t, "c***@example.com", ev.Details["cc"])
	assert.Len(t, ev.Details["params_hash"], 64)
	assert.EqualValues(t, 1500, ev.DurationMS)
	assert.Equal(t, fc.Now(), ev.Timestamp)

	var decoded models.AuditEvent
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.NotContains(t, buf.String(), "bob@example.com")
}

func TestRecord_DefaultsActorAndCorrelation(t *testing.T) {
	l := New(nil)
	ev, err := l.Record(context.Background(), Entry{ActionType: "item_ingested", Result: models.AuditSuccess})
	require.NoError(t, err)
	assert.Equal(t, SystemActor, ev.Actor)
	assert.NotEmpty(t, ev.CorrelationID)
}

func TestRecord_SinkFailureIsReturned(t *testing.T) {
	var buf bytes.Buffer
	l := New([]Sink{failingSink{}, NewJSONLSink(&buf)})

	ev, err := l.Record(context.Background(), Entry{
		ActionType: "email_send",
		Result:     models.AuditError,
		Err:        errors.New("smtp refused for dan@example.com"),
	})
	require.Error(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "smtp refused for d***@example.com", ev.Error)
	// The healthy sink still received the event.
	assert.NotEmpty(t, buf.String())
}

func TestStoreSink(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer st.Close()

	l := New([]Sink{NewStoreSink(st)})
	ctx := WithCorrelationID(context.Background(), "c")
	_, err = l.Record(ctx, Entry{ActionType: "stage_transition", Result: models.AuditSuccess, RecordID: "r1"})
	require.NoError(t, err)

	events, err := st.ListAudit(ctx, store.AuditFilter{CorrelationID: "c"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "r1", events[0].RecordID)
}

func TestOpenJSONLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	sink, err := OpenJSONLFile(path)
	require.NoError(t, err)
	l := New([]Sink{sink})
	_, err = l.Record(context.Background(), Entry{ActionType: "x", Result: models.AuditSuccess})
	require.NoError(t, err)
	require.NoError(t, sink.Close())
}
