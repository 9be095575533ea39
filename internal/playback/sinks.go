package playback

import (
	"context"

	"github.com/agleyzer/smilsync/internal/bookmark"
)

// AudioSink controls the audio element. Calls are fire-and-forget: the
// controller logs returned errors and keeps its own bookkeeping consistent.
type AudioSink interface {
	Play() error
	Pause() error
	SetSource(ref string) error
	Seek(sec float64) error
	CurrentTime() (float64, error)
	SetRate(rate float64) error
	IsPaused() bool
}

// Highlighter applies the visual state of a fragment.
type Highlighter interface {
	MarkActive(fragmentID string) error
	MarkPaused(fragmentID string) error
	ClearMarks(fragmentID string) error
}

// BookmarkStore keeps the single "last position" of the session's document.
type BookmarkStore interface {
	Save(ctx context.Context, b bookmark.Bookmark) error
	Load(ctx context.Context) (bookmark.Bookmark, bool, error)
}

// Observer receives session events. Callbacks run on the controller's
// execution context and must not call back into the controller.
type Observer interface {
	OnStateChange(from, to State)
	OnFragmentChange(from, to int)
	OnCompleted()
}

// Sinks groups the collaborators driven by a Controller.
// Highlight, Bookmarks and Observers are optional.
type Sinks struct {
	Audio     AudioSink
	Highlight Highlighter
	Bookmarks BookmarkStore
	Observers []Observer
}
