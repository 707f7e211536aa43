package dropdir

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/gatekeep/internal/models"
)

func writeItem(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestFetchSince_OrderAndCheckpoint(t *testing.T) {
	dir := t.TempDir()
	writeItem(t, dir, "002.json", `{"source_id":"m-2","text":"second"}`)
	writeItem(t, dir, "001.json", `{"text":"first","metadata":{"from":"a@example.com"}}`)
	writeItem(t, dir, "notes.txt", `ignored`)
	d := New("drop", dir)
	ctx := context.Background()

	b, err := d.FetchSince(ctx, "")
	require.NoError(t, err)
	require.Len(t, b.Items, 2)
	assert.Equal(t, "001", b.Items[0].SourceID)
	assert.Equal(t, "a@example.com", b.Items[0].Metadata["from"])
	assert.False(t, b.Items[0].ReceivedAt.IsZero())
	assert.Equal(t, "m-2", b.Items[1].SourceID)
	assert.Equal(t, "002.json", b.Next)

	again, err := d.FetchSince(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, b.Next, again.Next, "same checkpoint, same batch")

	b, err = d.FetchSince(ctx, "002.json")
	require.NoError(t, err)
	assert.Empty(t, b.Items)
	assert.Equal(t, "002.json", b.Next)

	writeItem(t, dir, "003.json", `{"text":"third"}`)
	b, err = d.FetchSince(ctx, "002.json")
	require.NoError(t, err)
	require.Len(t, b.Items, 1)
	assert.Equal(t, "003.json", b.Next)
}

func TestFetchSince_SkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeItem(t, dir, "a.json", `{not json`)
	writeItem(t, dir, "b.json", `{"text":"   "}`)
	writeItem(t, dir, "c.json", `{"text":"ok"}`)

	b, err := New("drop", dir).FetchSince(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, b.Items, 1)
	assert.Equal(t, "c", b.Items[0].SourceID)
	assert.Equal(t, "c.json", b.Next)
}

func TestFetchSince_MaxBatch(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"1.json", "2.json", "3.json"} {
		writeItem(t, dir, n, `{"text":"x"}`)
	}
	d := New("drop", dir, WithMaxBatch(2))

	b, err := d.FetchSince(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, b.Items, 2)
	assert.Equal(t, "2.json", b.Next)

	b, err = d.FetchSince(context.Background(), b.Next)
	require.NoError(t, err)
	assert.Len(t, b.Items, 1)
}

func TestFetchSince_MissingDirIsTerminal(t *testing.T) {
	_, err := New("drop", filepath.Join(t.TempDir(), "nope")).FetchSince(context.Background(), "")
	var se *models.SourceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, models.SourceTerminal, se.Kind)
	assert.Equal(t, "drop", se.Source)
}
