package watcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fentz26/gatekeep/internal/clock"
	"github.com/fentz26/gatekeep/internal/dedup"
)

// pruneCheckEvery is how often the manager asks the dedup index to prune.
// The index itself limits real prunes to one per day.
const pruneCheckEvery = time.Hour

// Manager runs one goroutine per loop plus the dedup pruner.
type Manager struct {
	dedup *dedup.Index
	clock clock.Clock
	log   zerolog.Logger

	mu    sync.Mutex
	loops []*Loop
	exits map[string]error

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager. ix may be nil to disable pruning.
func NewManager(ix *dedup.Index, c clock.Clock, log zerolog.Logger) *Manager {
	if c == nil {
		c = clock.Real{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dedup:  ix,
		clock:  c,
		log:    log.With().Str("component", "watcher").Logger(),
		exits:  make(map[string]error),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a loop. Loops added after Start are not run.
func (m *Manager) Add(l *Loop) {
	m.mu.Lock()
	m.loops = append(m.loops, l)
	m.mu.Unlock()
}

// Start launches every loop and the pruner.
func (m *Manager) Start() {
	m.mu.Lock()
	loops := append([]*Loop(nil), m.loops...)
	m.mu.Unlock()

	for _, l := range loops {
		m.wg.Add(1)
		go m.run(l)
	}
	if m.dedup != nil {
		m.wg.Add(1)
		go m.pruneLoop()
	}
	m.log.Info().Int("loops", len(loops)).Msg("watchers started")
}

// Stop cancels polling and waits for in-flight cycles to finish.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.log.Info().Msg("watchers stopped")
}

func (m *Manager) run(l *Loop) {
	defer m.wg.Done()
	err := l.Run(m.ctx)
	if err != nil {
		m.log.Error().Err(err).Str("source", l.Name()).Msg("watcher exited")
	}
	m.mu.Lock()
	m.exits[l.Name()] = err
	m.mu.Unlock()
}

func (m *Manager) pruneLoop() {
	defer m.wg.Done()
	for {
		n, ran, err := m.dedup.Prune(m.ctx)
		switch {
		case err != nil:
			m.log.Error().Err(err).Msg("dedup prune failed")
		case ran:
			m.log.Info().Int64("removed", n).Msg("dedup pruned")
		}
		select {
		case <-m.ctx.Done():
			return
		case <-m.clock.After(pruneCheckEvery):
		}
	}
}

// Statuses returns a snapshot of every loop, ordered by source name.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	loops := append([]*Loop(nil), m.loops...)
	m.mu.Unlock()

	out := make([]Status, 0, len(loops))
	for _, l := range loops {
		out = append(out, l.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Exited reports whether the named loop has stopped and the error it
// stopped with.
func (m *Manager) Exited(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	err, ok := m.exits[name]
	return ok, err
}
