package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_PostsAction(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg-7","detail":"queued"}`))
	}))
	defer srv.Close()

	e, err := New(Config{URL: srv.URL, ActionTypes: []string{"email_send"}, PerSecond: 100, Headers: map[string]string{"X-Token": "secret"}}, srv.Client())
	require.NoError(t, err)

	res, err := e.Execute(context.Background(), "email_send", map[string]any{"to": "a@example.com"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "msg-7", res.ExternalID)
	assert.Equal(t, "queued", res.Detail)
	assert.Equal(t, "email_send", got["action_type"])
}

func TestExecute_Non2xxIsUnsuccessful(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "mailbox full", http.StatusBadGateway)
	}))
	defer srv.Close()

	e, err := New(Config{URL: srv.URL, ActionTypes: []string{"email_send"}, PerSecond: 100}, srv.Client())
	require.NoError(t, err)

	res, err := e.Execute(context.Background(), "email_send", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Detail, "502")
}

func TestExecute_UnsupportedAction(t *testing.T) {
	e, err := New(Config{URL: "http://127.0.0.1:1", ActionTypes: []string{"email_send"}}, nil)
	require.NoError(t, err)
	assert.False(t, e.Supports("social_post"))
	_, err = e.Execute(context.Background(), "social_post", nil)
	assert.Error(t, err)
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}
