// Package touch routes user interactions to playback commands.
package touch

import (
	"log/slog"

	"github.com/agleyzer/smilsync/internal/playback"
	"github.com/agleyzer/smilsync/internal/timeline"
)

// maxDepth bounds the ancestor walk so a cyclic host tree cannot hang the loop.
const maxDepth = 4096

// Player is the part of playback.Controller the router drives.
type Player interface {
	Timeline() *timeline.Timeline
	Snapshot() playback.Session
	AudioPaused() bool
	Play(index int, resetBegin bool, beginAt float64)
	Pause()
	Stop()
	Resume()
	RegisterOutsideTap(threshold int) bool
	ResetOutsideTaps()
}

// Options configures the outside tap policy.
type Options struct {
	// OutsideTapsThreshold is the number of consecutive outside taps that
	// trigger the outside action. Zero disables outside taps.
	OutsideTapsThreshold int `toml:"outside_taps_threshold" validate:"gte=0"`

	// OutsideTapsCanResume lets the default outside action resume a paused
	// session instead of pausing it again.
	OutsideTapsCanResume bool `toml:"outside_taps_can_resume"`

	// OutsideTapsClear makes the default outside action also clear the
	// current fragment.
	OutsideTapsClear bool `toml:"outside_taps_clear"`

	// IgnoreTapsOnAnchors makes taps that land on a link count as outside.
	IgnoreTapsOnAnchors bool `toml:"ignore_taps_on_anchors"`
}

// Action is an explicit outside action chosen by the host, based on what was
// tapped. A nil Action selects the default policy.
type Action interface {
	outsideAction()
}

// ResumeOrPauseAction is the play button: resume when the audio is paused or
// the timeline has finished, otherwise pause.
type ResumeOrPauseAction struct{}

// JumpToFragmentAction follows an internal link to a fragment id.
type JumpToFragmentAction struct {
	FragmentID string
}

func (ResumeOrPauseAction) outsideAction()  {}
func (JumpToFragmentAction) outsideAction() {}

// Outcome tells the host what an interaction did.
type Outcome string

const (
	OutcomeStarted   Outcome = "started"
	OutcomePaused    Outcome = "paused"
	OutcomeResumed   Outcome = "resumed"
	OutcomeCounted   Outcome = "counted"
	OutcomeOutside   Outcome = "outside_action"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeJumped    Outcome = "jumped"
	OutcomeUnmatched Outcome = "unmatched"
)

// Router classifies interactions and issues playback commands.
type Router struct {
	player Player
	opts   Options
	logger *slog.Logger
}

// NewRouter creates a router for player.
func NewRouter(player Player, opts Options, logger *slog.Logger) *Router {
	return &Router{player: player, opts: opts, logger: logger}
}

// Options returns the router configuration.
func (r *Router) Options() Options {
	return r.opts
}

// ResolveFragment returns the index of the fragment target belongs to, or -1.
func (r *Router) ResolveFragment(target Element) int {
	return ResolveFragment(r.player.Timeline(), target, r.opts.IgnoreTapsOnAnchors)
}

// ResolveFragment walks from target up through its ancestors and returns the
// index of the first element whose id names a fragment. A touched anchor
// resolves to -1 when ignoreAnchors is set, whatever its ancestors are.
func ResolveFragment(tl *timeline.Timeline, target Element, ignoreAnchors bool) int {
	if target == nil {
		return -1
	}
	if ignoreAnchors && target.IsAnchor() {
		return -1
	}
	el := target
	for range maxDepth {
		if id, ok := el.ID(); ok {
			if idx := tl.IndexOfID(id); idx >= 0 {
				return idx
			}
		}
		parent, ok := el.Parent()
		if !ok {
			return -1
		}
		el = parent
	}
	return -1
}

// OnInteraction handles a tap on target. action is the host's choice of
// outside action for this target and only matters for outside taps.
func (r *Router) OnInteraction(target Element, action Action) Outcome {
	touched := r.ResolveFragment(target)
	if touched >= 0 {
		return r.onFragment(touched)
	}

	if r.opts.OutsideTapsThreshold <= 0 {
		return OutcomeIgnored
	}
	if !r.player.RegisterOutsideTap(r.opts.OutsideTapsThreshold) {
		return OutcomeCounted
	}
	return r.runOutside(action)
}

func (r *Router) onFragment(touched int) Outcome {
	r.player.ResetOutsideTaps()

	s := r.player.Snapshot()
	// A finished timeline keeps its last index; a tap on it plays it again.
	if touched != s.CurrentIndex || s.State == playback.Completed {
		r.player.Play(touched, true, -1)
		return OutcomeStarted
	}
	if r.player.AudioPaused() {
		r.player.Play(touched, true, s.PausedOffset)
		return OutcomeResumed
	}
	r.player.Pause()
	return OutcomePaused
}

func (r *Router) runOutside(action Action) Outcome {
	switch a := action.(type) {
	case ResumeOrPauseAction:
		if r.player.AudioPaused() || r.player.Snapshot().State == playback.Completed {
			r.player.Resume()
			return OutcomeResumed
		}
		r.player.Pause()
		return OutcomePaused

	case JumpToFragmentAction:
		idx := r.player.Timeline().IndexOfID(a.FragmentID)
		if idx < 0 {
			r.logger.Debug("jump target is not a fragment", "id", a.FragmentID)
			return OutcomeUnmatched
		}
		r.player.Pause()
		r.player.Play(idx, true, -1)
		return OutcomeJumped

	default:
		if r.opts.OutsideTapsCanResume && r.player.AudioPaused() && r.player.Snapshot().State == playback.Paused {
			r.player.Resume()
			return OutcomeResumed
		}
		r.player.Pause()
		if r.opts.OutsideTapsClear {
			r.player.Stop()
		}
		return OutcomeOutside
	}
}
