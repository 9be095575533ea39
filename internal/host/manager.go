// Package host runs playback sessions for remote clients. Each session owns a
// single-goroutine loop that serializes its commands, timer callbacks and
// client reports.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agleyzer/smilsync/internal/bookmark"
	"github.com/agleyzer/smilsync/internal/parser"
	"github.com/agleyzer/smilsync/internal/playback"
	"github.com/agleyzer/smilsync/internal/probe"
	"github.com/agleyzer/smilsync/internal/timeline"
	"github.com/agleyzer/smilsync/internal/touch"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Document is a loaded timeline and where it came from.
type Document struct {
	ID       string
	Location string
	Timeline *timeline.Timeline
	LoadedAt time.Time
}

// Options configures new sessions.
type Options struct {
	Playback playback.Options
	Touch    touch.Options

	// CommandBuffer is the per-session client command queue length.
	CommandBuffer int

	// TapsPerSecond and TapBurst throttle taps per session. Zero disables it.
	TapsPerSecond float64
	TapBurst      int

	// Prober, when set, checks coverage of reloaded timelines.
	Prober            probe.Prober
	StrictCoverage    bool
	CoverageTolerance float64
}

// Manager owns the current document and the live sessions.
type Manager struct {
	store  bookmark.Store
	opts   Options
	logger *slog.Logger

	doc atomic.Pointer[Document]

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager serving doc.
func NewManager(doc *Document, store bookmark.Store, opts Options, logger *slog.Logger) (*Manager, error) {
	if doc == nil || doc.Timeline == nil {
		return nil, errors.New("document timeline is required")
	}
	if store == nil {
		store = bookmark.NewMemory()
	}
	m := &Manager{
		store:    store,
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
	m.doc.Store(doc)
	return m, nil
}

// Document returns the document new sessions start with.
func (m *Manager) Document() *Document {
	return m.doc.Load()
}

// Reload reloads the document from its location. Live sessions keep the
// timeline they started with.
func (m *Manager) Reload(ctx context.Context) error {
	cur := m.doc.Load()

	tl, err := parser.LoadTimeline(ctx, cur.Location)
	if err != nil {
		return err
	}
	if m.opts.Prober != nil {
		err := probe.Coverage(ctx, m.opts.Prober, tl, cur.Location, m.opts.CoverageTolerance, m.opts.StrictCoverage, m.logger)
		if err != nil {
			return fmt.Errorf("coverage check failed: %w", err)
		}
	}

	m.doc.Store(&Document{
		ID:       cur.ID,
		Location: cur.Location,
		Timeline: tl,
		LoadedAt: time.Now(),
	})
	m.logger.Info("timeline reloaded",
		"location", cur.Location,
		"fragments", tl.Len(),
		"duration", tl.Duration(),
	)
	return nil
}

// Create starts a new session on the current document.
func (m *Manager) Create() (*Session, error) {
	doc := m.doc.Load()
	id := uuid.NewString()

	s, err := newSession(id, doc, bookmark.ForDocument(m.store, doc.ID), m.opts, m.logger.With("session", id))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("session created", "session", id, "document", doc.ID)
	return s, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns the ids of live sessions.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close ends one session.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.Close()
	m.logger.Info("session closed", "session", id)
	return nil
}

// CloseAll ends every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if len(sessions) > 0 {
		m.logger.Info("closed all sessions", "count", len(sessions))
	}
}
