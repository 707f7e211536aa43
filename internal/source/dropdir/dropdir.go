// Package dropdir is a source that reads one raw item per *.json file from a
// directory. Files are consumed in lexicographic order and the checkpoint is
// the name of the last file handed out.
package dropdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fentz26/gatekeep/internal/models"
	"github.com/fentz26/gatekeep/internal/source"
)

// DefaultMaxBatch caps how many files one fetch returns.
const DefaultMaxBatch = 100

// Dir is a drop-directory source.
type Dir struct {
	name     string
	path     string
	maxBatch int
	log      zerolog.Logger
}

var _ source.Source = (*Dir)(nil)

// Option configures a Dir.
type Option func(*Dir)

func WithMaxBatch(n int) Option          { return func(d *Dir) { d.maxBatch = n } }
func WithLogger(l zerolog.Logger) Option { return func(d *Dir) { d.log = l } }

// New returns a source named name reading from path.
func New(name, path string, opts ...Option) *Dir {
	d := &Dir{name: name, path: path, maxBatch: DefaultMaxBatch, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dir) Name() string { return d.name }

// FetchSince returns items from files named after checkpoint. Files that do
// not decode are skipped and logged; the checkpoint moves past them.
func (d *Dir) FetchSince(ctx context.Context, checkpoint string) (source.Batch, error) {
	entries, err := os.ReadDir(d.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return source.Batch{}, source.Terminal(d.name, fmt.Errorf("drop directory %s does not exist", d.path))
	case errors.Is(err, fs.ErrPermission):
		return source.Batch{}, source.Auth(d.name, err)
	case err != nil:
		return source.Batch{}, source.Transient(d.name, err)
	}

	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasSuffix(n, ".json") || n <= checkpoint {
			continue
		}
		names = append(names, n)
	}
	sort.Strings(names)
	if d.maxBatch > 0 && len(names) > d.maxBatch {
		names = names[:d.maxBatch]
	}

	b := source.Batch{Next: checkpoint}
	for _, n := range names {
		if err := ctx.Err(); err != nil {
			return source.Batch{}, source.Transient(d.name, err)
		}
		it, err := d.read(n)
		if errors.Is(err, fs.ErrPermission) {
			return source.Batch{}, source.Auth(d.name, err)
		}
		if err != nil {
			d.log.Warn().Err(err).Str("file", n).Msg("skipping unreadable item")
		} else {
			b.Items = append(b.Items, it)
		}
		b.Next = n
	}
	return b, nil
}

func (d *Dir) read(name string) (models.RawItem, error) {
	full := filepath.Join(d.path, name)
	data, err := os.ReadFile(full)
	if err != nil {
		return models.RawItem{}, err
	}
	var it models.RawItem
	if err := json.Unmarshal(data, &it); err != nil {
		return models.RawItem{}, fmt.Errorf("decode %s: %w", name, err)
	}
	if strings.TrimSpace(it.Text) == "" {
		return models.RawItem{}, fmt.Errorf("%s: empty text", name)
	}
	if it.SourceID == "" {
		it.SourceID = strings.TrimSuffix(name, ".json")
	}
	if it.ReceivedAt.IsZero() {
		if st, err := os.Stat(full); err == nil {
			it.ReceivedAt = st.ModTime().UTC()
		}
	}
	return it, nil
}
