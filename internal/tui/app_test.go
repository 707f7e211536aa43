package tui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/gatekeep/internal/models"
)

// fakeAPI serves a fixed record set and remembers resolutions.
type fakeAPI struct {
	mu       sync.Mutex
	records  []models.Record
	stages   []string
	approved []string
	rejected map[string]string
	actors   []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actors = append(f.actors, r.Header.Get(actorHeader))

	switch {
	case r.URL.Path == "/health":
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	case r.URL.Path == "/records":
		f.stages = append(f.stages, r.URL.Query().Get("stage"))
		_ = json.NewEncoder(w).Encode(f.records)
	case strings.HasSuffix(r.URL.Path, "/approve"):
		id := strings.Split(strings.TrimPrefix(r.URL.Path, "/records/"), "/")[0]
		f.approved = append(f.approved, id)
		_ = json.NewEncoder(w).Encode(models.Record{ID: id, Stage: models.StageApproved})
	case strings.HasSuffix(r.URL.Path, "/reject"):
		id := strings.Split(strings.TrimPrefix(r.URL.Path, "/records/"), "/")[0]
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.rejected[id] = body.Reason
		_ = json.NewEncoder(w).Encode(models.Record{ID: id, Stage: models.StageRejected})
	case strings.HasSuffix(r.URL.Path, "/audit"):
		_ = json.NewEncoder(w).Encode([]models.AuditEvent{{ActionType: "record_created", Result: models.AuditSuccess, Actor: "system"}})
	case strings.HasPrefix(r.URL.Path, "/records/"):
		id := strings.TrimPrefix(r.URL.Path, "/records/")
		for _, rec := range f.records {
			if rec.ID == id {
				_ = json.NewEncoder(w).Encode(rec)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "record not found", "code": "not_found"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestApp(t *testing.T, recs ...models.Record) (*App, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{records: recs, rejected: map[string]string{}}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	a := New(srv.URL, "alice")
	a.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	a.Update(a.fetchRecords()())
	return a, api
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// press sends a key and runs the command it produces, if any.
func press(a *App, s string) tea.Msg {
	_, cmd := a.Update(key(s))
	if cmd == nil {
		return nil
	}
	return cmd()
}

func pending(id, summary string) models.Record {
	return models.Record{ID: id, Kind: models.KindPlan, Stage: models.StagePendingApproval, Priority: models.PriorityHigh, ActionType: "email_send", Summary: summary}
}

func TestApp_LoadsPendingByDefault(t *testing.T) {
	a, api := newTestApp(t, pending("rec-00000001", "reply to invoice"), pending("rec-00000002", "post update"))

	require.Len(t, a.records, 2)
	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"pending_approval"}, api.stages)
	view := a.View()
	assert.Contains(t, view, "reply to invoice")
	assert.Contains(t, view, "PENDING_APPROVAL")
}

func TestApp_ApproveSelected(t *testing.T) {
	a, api := newTestApp(t, pending("rec-1", "first"), pending("rec-2", "second"))

	press(a, "down")
	msg := press(a, "a")
	require.IsType(t, commandResultMsg{}, msg)
	a.Update(msg)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"rec-2"}, api.approved)
	assert.Contains(t, a.message, "Approved rec-2")
	for _, actor := range api.actors {
		assert.Equal(t, "alice", actor)
	}
}

func TestApp_RejectRequiresReason(t *testing.T) {
	a, api := newTestApp(t, pending("rec-1", "first"))

	a.Update(key("x"))
	require.Equal(t, modeReject, a.mode)

	// Letters go to the reason box, not to the list bindings.
	a.Update(key("q"))
	assert.Equal(t, modeReject, a.mode)
	assert.Equal(t, "q", a.reason.Value())
	a.reason.SetValue("  ")
	assert.Nil(t, press(a, "enter"))
	assert.Equal(t, modeReject, a.mode)
	assert.Contains(t, a.message, "reason is required")

	a.reason.SetValue("off brand")
	msg := press(a, "enter")
	require.IsType(t, commandResultMsg{}, msg)
	assert.Equal(t, modeList, a.mode)
	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, "off brand", api.rejected["rec-1"])
}

func TestApp_RejectCancelled(t *testing.T) {
	a, api := newTestApp(t, pending("rec-1", "first"))

	a.Update(key("x"))
	press(a, "esc")
	assert.Equal(t, modeList, a.mode)
	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Empty(t, api.rejected)
}

func TestApp_OnlyPendingCanBeResolved(t *testing.T) {
	rec := pending("rec-1", "already done")
	rec.Stage = models.StageApproved
	a, api := newTestApp(t, rec)

	assert.Nil(t, press(a, "a"))
	assert.Contains(t, a.message, "not pending approval")
	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Empty(t, api.approved)
}

func TestApp_DetailAndFilterCycle(t *testing.T) {
	a, api := newTestApp(t, pending("rec-1", "reply to invoice"))

	msg := press(a, "enter")
	require.IsType(t, detailLoadedMsg{}, msg)
	a.Update(msg)
	assert.Equal(t, modeDetail, a.mode)
	assert.Contains(t, a.viewport.View(), "record_created")

	press(a, "esc")
	assert.Equal(t, modeList, a.mode)

	a.Update(press(a, "tab"))
	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, "approved", api.stages[len(api.stages)-1])
}

func TestClient_ErrorsCarryServerMessage(t *testing.T) {
	api := &fakeAPI{rejected: map[string]string{}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	_, err := NewClient(srv.URL, "bob").GetRecord("missing")
	require.Error(t, err)
	assert.Equal(t, "API error (404): record not found", err.Error())

	ok, err := NewClient(srv.URL, "bob").CheckHealth()
	require.NoError(t, err)
	assert.True(t, ok)
}
