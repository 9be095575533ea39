// Package playback implements the fragment playback state machine: it keeps the
// session state, drives the audio sink and schedules the advance to the next
// fragment with a single cancellable timer.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agleyzer/smilsync/internal/bookmark"
	"github.com/agleyzer/smilsync/internal/fragment"
	"github.com/agleyzer/smilsync/internal/schedule"
	"github.com/agleyzer/smilsync/internal/timeline"
)

const persistTimeout = 2 * time.Second

// ErrInvalidRate is returned for playback rates that are not positive.
var ErrInvalidRate = errors.New("playback rate must be positive")

// Options configures a Controller.
type Options struct {
	// SingleFragment stops after every fragment instead of advancing.
	SingleFragment bool

	// PlaybackRate is the audio speed multiplier. Zero means 1.
	PlaybackRate float64

	// Autostart plays the first fragment when the audio sink reports ready.
	Autostart bool
}

// Session is a snapshot of the mutable playback state.
type Session struct {
	CurrentIndex    int     `json:"current_index"`
	State           State   `json:"state"`
	PausedOffset    float64 `json:"paused_offset"`
	PlaybackRate    float64 `json:"playback_rate"`
	OutsideTapCount int     `json:"outside_tap_count"`
	TimerPending    bool    `json:"timer_pending"`
}

// Controller owns a PlaybackSession. It is not safe for concurrent use: every
// method, and the scheduler's callbacks, must run on one execution context
// (see schedule.Loop).
type Controller struct {
	timeline  *timeline.Timeline
	sinks     Sinks
	scheduler schedule.Scheduler
	opts      Options
	logger    *slog.Logger

	session     Session
	pending     schedule.Handle
	loadedRef   string
	appliedRate float64
	closed      bool
}

// New creates a controller in the Idle state.
func New(tl *timeline.Timeline, sinks Sinks, scheduler schedule.Scheduler, opts Options, logger *slog.Logger) (*Controller, error) {
	if tl == nil {
		return nil, errors.New("timeline is required")
	}
	if sinks.Audio == nil {
		return nil, errors.New("audio sink is required")
	}
	if scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if opts.PlaybackRate < 0 {
		return nil, fmt.Errorf("%w, got %v", ErrInvalidRate, opts.PlaybackRate)
	}
	if opts.PlaybackRate == 0 {
		opts.PlaybackRate = 1
	}

	return &Controller{
		timeline:  tl,
		sinks:     sinks,
		scheduler: scheduler,
		opts:      opts,
		logger:    logger,
		session: Session{
			CurrentIndex: -1,
			State:        Idle,
			PausedOffset: -1,
			PlaybackRate: opts.PlaybackRate,
		},
		appliedRate: 1,
	}, nil
}

// Snapshot returns a copy of the session state.
func (c *Controller) Snapshot() Session {
	s := c.session
	s.TimerPending = c.pending != 0
	return s
}

// AudioPaused reports whether the audio sink is paused.
func (c *Controller) AudioPaused() bool {
	return c.sinks.Audio.IsPaused()
}

// Timeline returns the timeline the controller plays.
func (c *Controller) Timeline() *timeline.Timeline {
	return c.timeline
}

// Play starts fragment index. With resetBegin the audio is repositioned to the
// start point and played; without it the audio keeps running untouched. A
// negative beginAt starts at the fragment's own begin. Out of range indices are
// ignored.
func (c *Controller) Play(index int, resetBegin bool, beginAt float64) {
	if c.closed {
		return
	}
	f, err := c.timeline.Get(index)
	if err != nil {
		c.logger.Debug("play ignored", "index", index, "error", err)
		return
	}

	c.cancelPending()

	prev := c.session.CurrentIndex
	if prev >= 0 && prev != index {
		c.clearMarks(prev)
	}

	begin := f.Begin
	if beginAt >= 0 {
		begin = beginAt
	}

	if f.AudioRef != c.loadedRef {
		c.switchSource(f.AudioRef)
	}
	c.applyRate()

	if resetBegin {
		if err := c.sinks.Audio.Seek(begin); err != nil {
			c.logger.Warn("audio seek failed", "fragment", f.ID, "position", begin, "error", err)
		}
		if err := c.sinks.Audio.Play(); err != nil {
			c.logger.Warn("audio play failed", "fragment", f.ID, "error", err)
		}
	}

	c.session.PausedOffset = -1
	c.setIndex(index)
	c.setState(Playing)

	if c.sinks.Highlight != nil {
		if err := c.sinks.Highlight.MarkActive(f.ID); err != nil {
			c.logger.Warn("highlight failed", "fragment", f.ID, "error", err)
		}
	}
	c.persist(f.ID, begin)

	c.scheduleAdvance(f.End - begin)

	c.logger.Debug("playing fragment",
		"index", index,
		"id", f.ID,
		"begin", begin,
		"end", f.End,
		"reset", resetBegin,
	)
}

// PlayID starts the fragment with the given id from its begin.
// It reports false when the id is unknown.
func (c *Controller) PlayID(id string) bool {
	idx := c.timeline.IndexOfID(id)
	if idx < 0 {
		c.logger.Debug("unknown fragment id", "id", id)
		return false
	}
	c.Play(idx, true, -1)
	return true
}

// Pause pauses the playing fragment and records the audio position.
// It does nothing unless the state is Playing.
func (c *Controller) Pause() {
	if c.closed || c.session.State != Playing {
		return
	}
	f, _ := c.timeline.Get(c.session.CurrentIndex)

	c.cancelPending()

	if err := c.sinks.Audio.Pause(); err != nil {
		c.logger.Warn("audio pause failed", "fragment", f.ID, "error", err)
	}

	offset, err := c.sinks.Audio.CurrentTime()
	if err != nil {
		c.logger.Warn("audio position unavailable, using fragment begin", "fragment", f.ID, "error", err)
		offset = f.Begin
	}
	c.session.PausedOffset = offset

	if c.sinks.Highlight != nil {
		if err := c.sinks.Highlight.MarkPaused(f.ID); err != nil {
			c.logger.Warn("highlight failed", "fragment", f.ID, "error", err)
		}
	}
	c.persist(f.ID, offset)
	c.setState(Paused)
}

// Stop clears the current fragment. The audio sink is left alone.
func (c *Controller) Stop() {
	if c.closed {
		return
	}
	c.cancelPending()

	if c.session.CurrentIndex >= 0 {
		c.clearMarks(c.session.CurrentIndex)
	}
	c.session.PausedOffset = -1
	c.setIndex(-1)
	c.setState(Stopped)
}

// Resume continues the current fragment from the paused offset. Without a
// current fragment it restores the stored bookmark, or starts from the top.
func (c *Controller) Resume() {
	if c.closed {
		return
	}
	switch {
	case c.session.CurrentIndex < 0:
		c.restoreBookmark()
	case c.session.State == Playing:
		// already playing
	default:
		c.Play(c.session.CurrentIndex, true, c.session.PausedOffset)
	}
}

// OnAudioReady handles the sink's ready notification.
func (c *Controller) OnAudioReady() {
	if c.opts.Autostart && c.session.State == Idle {
		c.logger.Info("autostarting playback")
		c.Play(0, true, -1)
	}
}

// SetPlaybackRate changes the playback rate. While playing, the audio rate is
// updated at once and the fragment end timer is rescheduled.
func (c *Controller) SetPlaybackRate(rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("%w, got %v", ErrInvalidRate, rate)
	}
	c.session.PlaybackRate = rate
	if c.closed || c.session.State != Playing {
		return nil
	}

	f, _ := c.timeline.Get(c.session.CurrentIndex)
	pos, err := c.sinks.Audio.CurrentTime()
	if err != nil {
		// Keep the old timer rather than guess a position.
		c.logger.Warn("audio position unavailable, rate applies from next fragment", "error", err)
		return nil
	}

	c.cancelPending()
	c.applyRate()
	c.scheduleAdvance(f.End - pos)
	return nil
}

// RegisterOutsideTap counts a tap outside every fragment. It reports true, and
// resets the counter, once threshold taps have accumulated. A threshold of
// zero or less disables counting.
func (c *Controller) RegisterOutsideTap(threshold int) bool {
	if threshold <= 0 {
		return false
	}
	c.session.OutsideTapCount++
	if c.session.OutsideTapCount < threshold {
		return false
	}
	c.session.OutsideTapCount = 0
	return true
}

// ResetOutsideTaps clears the outside tap counter.
func (c *Controller) ResetOutsideTaps() {
	c.session.OutsideTapCount = 0
}

// Close cancels any pending timer. The controller ignores commands afterwards.
func (c *Controller) Close() {
	c.cancelPending()
	c.closed = true
}

// advance runs when the fragment end timer fires.
func (c *Controller) advance() {
	c.pending = 0
	if c.closed || c.session.State != Playing {
		return
	}

	idx := c.session.CurrentIndex
	cur, _ := c.timeline.Get(idx)

	if c.opts.SingleFragment {
		if err := c.sinks.Audio.Pause(); err != nil {
			c.logger.Warn("audio pause failed", "fragment", cur.ID, "error", err)
		}
		if c.sinks.Highlight != nil {
			if err := c.sinks.Highlight.MarkPaused(cur.ID); err != nil {
				c.logger.Warn("highlight failed", "fragment", cur.ID, "error", err)
			}
		}
		// A tap on the same fragment replays it from the top.
		c.session.PausedOffset = -1
		c.setState(Paused)
		return
	}

	next := idx + 1
	if next >= c.timeline.Len() {
		c.clearMarks(idx)
		c.setState(Completed)
		c.logger.Info("reached end of timeline", "fragments", c.timeline.Len())
		for _, o := range c.sinks.Observers {
			o.OnCompleted()
		}
		return
	}

	nf, _ := c.timeline.Get(next)
	c.persist(nf.ID, nf.Begin)

	if sameAudio(cur, nf) {
		c.Play(next, false, -1)
		return
	}
	c.switchSource(nf.AudioRef)
	c.Play(next, true, -1)
}

func sameAudio(a, b fragment.Fragment) bool {
	return a.AudioRef == b.AudioRef
}

func (c *Controller) restoreBookmark() {
	if c.sinks.Bookmarks == nil {
		c.Play(0, true, -1)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	b, ok, err := c.sinks.Bookmarks.Load(ctx)
	if err != nil {
		c.logger.Warn("bookmark load failed, starting from the top", "error", err)
		c.Play(0, true, -1)
		return
	}
	idx := -1
	if ok {
		idx = c.timeline.IndexOfID(b.FragmentID)
	}
	if idx < 0 {
		c.Play(0, true, -1)
		return
	}

	c.logger.Info("resuming from bookmark", "fragment", b.FragmentID, "offset", b.Offset)
	c.Play(idx, true, b.Offset)
}

func (c *Controller) scheduleAdvance(lengthSec float64) {
	delay := time.Duration(lengthSec / c.session.PlaybackRate * float64(time.Second))
	if delay < 0 {
		delay = 0
	}
	c.pending = c.scheduler.Schedule(delay, c.advance)
}

func (c *Controller) cancelPending() {
	if c.pending != 0 {
		c.scheduler.Cancel(c.pending)
		c.pending = 0
	}
}

func (c *Controller) switchSource(ref string) {
	if err := c.sinks.Audio.SetSource(ref); err != nil {
		c.logger.Warn("audio source switch failed", "source", ref, "error", err)
	}
	c.loadedRef = ref
}

func (c *Controller) applyRate() {
	if c.appliedRate == c.session.PlaybackRate {
		return
	}
	if err := c.sinks.Audio.SetRate(c.session.PlaybackRate); err != nil {
		c.logger.Warn("audio rate change failed", "rate", c.session.PlaybackRate, "error", err)
		return
	}
	c.appliedRate = c.session.PlaybackRate
}

func (c *Controller) clearMarks(index int) {
	if c.sinks.Highlight == nil {
		return
	}
	f, err := c.timeline.Get(index)
	if err != nil {
		return
	}
	if err := c.sinks.Highlight.ClearMarks(f.ID); err != nil {
		c.logger.Warn("highlight clear failed", "fragment", f.ID, "error", err)
	}
}

func (c *Controller) persist(id string, offset float64) {
	if c.sinks.Bookmarks == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := c.sinks.Bookmarks.Save(ctx, bookmark.Bookmark{FragmentID: id, Offset: offset}); err != nil {
		c.logger.Warn("bookmark save failed", "fragment", id, "offset", offset, "error", err)
	}
}

func (c *Controller) setState(s State) {
	old := c.session.State
	if old == s {
		return
	}
	c.session.State = s
	for _, o := range c.sinks.Observers {
		o.OnStateChange(old, s)
	}
}

func (c *Controller) setIndex(i int) {
	old := c.session.CurrentIndex
	if old == i {
		return
	}
	c.session.CurrentIndex = i
	for _, o := range c.sinks.Observers {
		o.OnFragmentChange(old, i)
	}
}
