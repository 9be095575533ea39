package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agleyzer/smilsync/internal/bookmark"
	"github.com/agleyzer/smilsync/internal/playback"
	"github.com/agleyzer/smilsync/internal/remote"
	"github.com/agleyzer/smilsync/internal/schedule"
	"github.com/agleyzer/smilsync/internal/touch"
)

const loopCapacity = 64

// ErrRateLimited is returned when a session taps faster than allowed.
var ErrRateLimited = errors.New("too many taps")

// Session is one client's playback of a document.
type Session struct {
	ID        string
	CreatedAt time.Time

	doc     *Document
	loop    *schedule.Loop
	ctrl    *playback.Controller
	router  *touch.Router
	sink    *remote.Sink
	marks   *bookmark.Scoped
	limiter *rate.Limiter
	logger  *slog.Logger

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSession(id string, doc *Document, marks *bookmark.Scoped, opts Options, logger *slog.Logger) (*Session, error) {
	loop := schedule.NewLoop(loopCapacity, logger)
	sink := remote.NewSink(opts.CommandBuffer, logger)

	ctrl, err := playback.New(doc.Timeline, playback.Sinks{
		Audio:     sink,
		Highlight: sink,
		Bookmarks: marks,
		Observers: []playback.Observer{sink},
	}, loop, opts.Playback, logger)
	if err != nil {
		sink.Close()
		return nil, fmt.Errorf("create controller: %w", err)
	}

	limit := rate.Inf
	if opts.TapsPerSecond > 0 {
		limit = rate.Limit(opts.TapsPerSecond)
	}
	burst := opts.TapBurst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        id,
		CreatedAt: time.Now(),
		doc:       doc,
		loop:      loop,
		ctrl:      ctrl,
		router:    touch.NewRouter(ctrl, opts.Touch, logger),
		sink:      sink,
		marks:     marks,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger,
		cancel:    cancel,
	}
	go loop.Run(ctx)
	return s, nil
}

// Document returns the document the session plays.
func (s *Session) Document() *Document {
	return s.doc
}

// Commands returns the queue of commands for the client.
func (s *Session) Commands() <-chan remote.Command {
	return s.sink.Commands()
}

// Done is closed once the session loop has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.loop.Done()
}

// Snapshot returns the session state.
func (s *Session) Snapshot(ctx context.Context) (playback.Session, error) {
	var snap playback.Session
	err := s.loop.Do(ctx, func() { snap = s.ctrl.Snapshot() })
	return snap, err
}

// Play starts the fragment with the given id from its begin. An empty id
// starts the first fragment. It reports false for unknown ids.
func (s *Session) Play(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := s.loop.Do(ctx, func() {
		if id == "" {
			s.ctrl.Play(0, true, -1)
			ok = true
			return
		}
		ok = s.ctrl.PlayID(id)
	})
	return ok, err
}

// Pause pauses playback.
func (s *Session) Pause(ctx context.Context) error {
	return s.loop.Do(ctx, s.ctrl.Pause)
}

// Stop clears the current fragment.
func (s *Session) Stop(ctx context.Context) error {
	return s.loop.Do(ctx, s.ctrl.Stop)
}

// Resume continues from the paused offset or the stored bookmark.
func (s *Session) Resume(ctx context.Context) error {
	return s.loop.Do(ctx, s.ctrl.Resume)
}

// SetRate changes the playback rate.
func (s *Session) SetRate(ctx context.Context, r float64) error {
	var rateErr error
	if err := s.loop.Do(ctx, func() { rateErr = s.ctrl.SetPlaybackRate(r) }); err != nil {
		return err
	}
	return rateErr
}

// Tap routes a client interaction.
func (s *Session) Tap(ctx context.Context, path touch.Path, action touch.Action) (touch.Outcome, error) {
	if !s.limiter.Allow() {
		return "", ErrRateLimited
	}
	var out touch.Outcome
	err := s.loop.Do(ctx, func() { out = s.router.OnInteraction(path.Target(), action) })
	return out, err
}

// Report records a client position report.
func (s *Session) Report(st remote.Status) error {
	return s.loop.Post(func() { s.sink.Report(st) })
}

// Ready handles the client's audio ready notification.
func (s *Session) Ready() error {
	return s.loop.Post(s.ctrl.OnAudioReady)
}

// Bookmark returns the stored bookmark of the session document.
func (s *Session) Bookmark(ctx context.Context) (bookmark.Bookmark, bool, error) {
	return s.marks.Load(ctx)
}

// Close stops the session. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.loop.Do(ctx, s.ctrl.Close); err != nil {
			s.logger.Debug("controller close skipped", "error", err)
		}
		s.cancel()
		<-s.loop.Done()
		s.sink.Close()
	})
}
