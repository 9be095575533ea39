// Package cluster replicates document bookmarks across nodes with Raft.
package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/smilsync/internal/bookmark"
)

func init() {
	// Register types for gob encoding/decoding
	gob.Register(SaveBookmarkCommand{})
	gob.Register(DeleteBookmarkCommand{})
}

// ClusterState is the replicated state: the last bookmark of every document.
type ClusterState struct {
	Bookmarks map[string]bookmark.Bookmark
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandSaveBookmark stores a document bookmark.
	CommandSaveBookmark CommandType = 1
	// CommandDeleteBookmark removes a document bookmark.
	CommandDeleteBookmark CommandType = 2
)

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// SaveBookmarkCommand replaces the bookmark of a document.
type SaveBookmarkCommand struct {
	DocumentID string
	Bookmark   bookmark.Bookmark
}

// DeleteBookmarkCommand removes the bookmark of a document.
type DeleteBookmarkCommand struct {
	DocumentID string
}

// BookmarkFSM implements the raft.FSM interface for bookmark state.
type BookmarkFSM struct {
	mu     sync.RWMutex
	marks  map[string]bookmark.Bookmark
	logger *slog.Logger
}

// NewBookmarkFSM creates an empty BookmarkFSM.
func NewBookmarkFSM(logger *slog.Logger) *BookmarkFSM {
	return &BookmarkFSM{
		marks:  make(map[string]bookmark.Bookmark),
		logger: logger,
	}
}

// Apply applies a Raft log entry to the FSM.
func (f *BookmarkFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Type {
	case CommandSaveBookmark:
		c, ok := cmd.Data.(SaveBookmarkCommand)
		if !ok {
			return fmt.Errorf("invalid save bookmark command data")
		}
		// Replicated entries may arrive out of wall clock order
		if cur, ok := f.marks[c.DocumentID]; ok && cur.UpdatedAt.After(c.Bookmark.UpdatedAt) {
			f.logger.Debug("ignored stale bookmark", "document", c.DocumentID, "fragment", c.Bookmark.FragmentID)
			return nil
		}
		f.marks[c.DocumentID] = c.Bookmark
		f.logger.Debug("saved bookmark", "document", c.DocumentID, "fragment", c.Bookmark.FragmentID, "offset", c.Bookmark.Offset)
		return nil

	case CommandDeleteBookmark:
		c, ok := cmd.Data.(DeleteBookmarkCommand)
		if !ok {
			return fmt.Errorf("invalid delete bookmark command data")
		}
		delete(f.marks, c.DocumentID)
		return nil

	default:
		f.logger.Error("unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *BookmarkFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{state: f.GetState()}, nil
}

// Restore restores the FSM state from a snapshot.
func (f *BookmarkFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state ClusterState
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if state.Bookmarks == nil {
		state.Bookmarks = make(map[string]bookmark.Bookmark)
	}

	f.mu.Lock()
	f.marks = state.Bookmarks
	f.mu.Unlock()

	f.logger.Info("restored FSM state from snapshot", "documents", len(state.Bookmarks))
	return nil
}

// GetState returns a copy of the current FSM state.
func (f *BookmarkFSM) GetState() ClusterState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return ClusterState{Bookmarks: maps.Clone(f.marks)}
}

// Lookup returns the bookmark of one document.
func (f *BookmarkFSM) Lookup(documentID string) (bookmark.Bookmark, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.marks[documentID]
	return b, ok
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state ClusterState
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
