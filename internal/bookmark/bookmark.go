// Package bookmark stores the last playback position of a document.
package bookmark

import (
	"context"
	"sync"
	"time"
)

// Bookmark is a single "last position" record.
type Bookmark struct {
	FragmentID string    `json:"fragment_id"`
	Offset     float64   `json:"offset"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store persists one bookmark per document.
type Store interface {
	Save(ctx context.Context, documentID string, b Bookmark) error
	Load(ctx context.Context, documentID string) (Bookmark, bool, error)
	Delete(ctx context.Context, documentID string) error
}

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	marks map[string]Bookmark
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{marks: make(map[string]Bookmark)}
}

func (m *Memory) Save(_ context.Context, documentID string, b Bookmark) error {
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	m.marks[documentID] = b
	m.mu.Unlock()
	return nil
}

func (m *Memory) Load(_ context.Context, documentID string) (Bookmark, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.marks[documentID]
	return b, ok, nil
}

func (m *Memory) Delete(_ context.Context, documentID string) error {
	m.mu.Lock()
	delete(m.marks, documentID)
	m.mu.Unlock()
	return nil
}

// Scoped binds a Store to one document.
type Scoped struct {
	store      Store
	documentID string
}

// ForDocument returns a view of store restricted to documentID.
func ForDocument(store Store, documentID string) *Scoped {
	return &Scoped{store: store, documentID: documentID}
}

// Save records the bookmark, stamping UpdatedAt.
func (s *Scoped) Save(ctx context.Context, b Bookmark) error {
	b.UpdatedAt = time.Now()
	return s.store.Save(ctx, s.documentID, b)
}

// Load returns the document bookmark, if any.
func (s *Scoped) Load(ctx context.Context) (Bookmark, bool, error) {
	return s.store.Load(ctx, s.documentID)
}

// DocumentID returns the document the view is bound to.
func (s *Scoped) DocumentID() string {
	return s.documentID
}
