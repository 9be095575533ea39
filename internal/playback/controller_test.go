package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/smilsync/internal/bookmark"
	"github.com/agleyzer/smilsync/internal/fragment"
	"github.com/agleyzer/smilsync/internal/schedule"
	"github.com/agleyzer/smilsync/internal/timeline"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAudio records every command and tracks a simple position model.
type fakeAudio struct {
	calls    []string
	position float64
	paused   bool
	failAll  bool
}

func (a *fakeAudio) record(call string) error {
	a.calls = append(a.calls, call)
	if a.failAll {
		return errors.New("sink unavailable")
	}
	return nil
}

func (a *fakeAudio) Play() error {
	a.paused = false
	return a.record("play")
}

func (a *fakeAudio) Pause() error {
	a.paused = true
	return a.record("pause")
}

func (a *fakeAudio) SetSource(ref string) error {
	a.position = 0
	return a.record("source:" + ref)
}

func (a *fakeAudio) Seek(sec float64) error {
	a.position = sec
	return a.record(fmt.Sprintf("seek:%g", sec))
}

func (a *fakeAudio) CurrentTime() (float64, error) {
	if a.failAll {
		return 0, errors.New("sink unavailable")
	}
	return a.position, nil
}

func (a *fakeAudio) SetRate(rate float64) error {
	return a.record(fmt.Sprintf("rate:%g", rate))
}

func (a *fakeAudio) IsPaused() bool {
	return a.paused
}

func (a *fakeAudio) reset() {
	a.calls = nil
}

type fakeHighlight struct {
	marks []string
}

func (h *fakeHighlight) MarkActive(id string) error {
	h.marks = append(h.marks, "active:"+id)
	return nil
}

func (h *fakeHighlight) MarkPaused(id string) error {
	h.marks = append(h.marks, "paused:"+id)
	return nil
}

func (h *fakeHighlight) ClearMarks(id string) error {
	h.marks = append(h.marks, "clear:"+id)
	return nil
}

type failingBookmarks struct{}

func (failingBookmarks) Save(context.Context, bookmark.Bookmark) error {
	return errors.New("storage full")
}

func (failingBookmarks) Load(context.Context) (bookmark.Bookmark, bool, error) {
	return bookmark.Bookmark{}, false, errors.New("storage unavailable")
}

type recordingObserver struct {
	states    []string
	fragments []string
	completed int
}

func (o *recordingObserver) OnStateChange(from, to State) {
	o.states = append(o.states, from.String()+">"+to.String())
}

func (o *recordingObserver) OnFragmentChange(from, to int) {
	o.fragments = append(o.fragments, fmt.Sprintf("%d>%d", from, to))
}

func (o *recordingObserver) OnCompleted() {
	o.completed++
}

type testRig struct {
	ctrl      *Controller
	clock     *schedule.Manual
	audio     *fakeAudio
	highlight *fakeHighlight
	marks     *bookmark.Memory
	observer  *recordingObserver
}

func (r *testRig) bookmark(t *testing.T) bookmark.Bookmark {
	t.Helper()
	b, ok, err := r.marks.Load(context.Background(), "doc")
	if err != nil || !ok {
		t.Fatalf("no bookmark stored (ok=%v, err=%v)", ok, err)
	}
	return b
}

func createTestTimeline(t *testing.T) *timeline.Timeline {
	t.Helper()
	tl, err := timeline.New([]fragment.Fragment{
		{ID: "f0", Begin: 0, End: 2, AudioRef: "a.mp3"},
		{ID: "f1", Begin: 2, End: 2, AudioRef: "a.mp3"},
		{ID: "f2", Begin: 2, End: 5, AudioRef: "a.mp3"},
		{ID: "f3", Begin: 0, End: 4, AudioRef: "b.mp3"},
	})
	if err != nil {
		t.Fatalf("failed to create test timeline: %v", err)
	}
	return tl
}

func createTestRig(t *testing.T, opts Options) *testRig {
	t.Helper()
	r := &testRig{
		clock:     schedule.NewManual(),
		audio:     &fakeAudio{paused: true},
		highlight: &fakeHighlight{},
		marks:     bookmark.NewMemory(),
		observer:  &recordingObserver{},
	}
	ctrl, err := New(createTestTimeline(t), Sinks{
		Audio:     r.audio,
		Highlight: r.highlight,
		Bookmarks: bookmark.ForDocument(r.marks, "doc"),
		Observers: []Observer{r.observer},
	}, r.clock, opts, createTestLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	r.ctrl = ctrl
	return r
}

func TestNew_Validation(t *testing.T) {
	tl := createTestTimeline(t)
	logger := createTestLogger()
	audio := &fakeAudio{}
	clock := schedule.NewManual()

	tests := []struct {
		name    string
		tl      *timeline.Timeline
		sinks   Sinks
		sched   schedule.Scheduler
		opts    Options
		wantErr bool
	}{
		{"valid", tl, Sinks{Audio: audio}, clock, Options{}, false},
		{"missing timeline", nil, Sinks{Audio: audio}, clock, Options{}, true},
		{"missing audio", tl, Sinks{}, clock, Options{}, true},
		{"missing scheduler", tl, Sinks{Audio: audio}, nil, Options{}, true},
		{"negative rate", tl, Sinks{Audio: audio}, clock, Options{PlaybackRate: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.tl, tt.sinks, tt.sched, tt.opts, logger)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestController_InitialState(t *testing.T) {
	r := createTestRig(t, Options{})
	s := r.ctrl.Snapshot()

	if s.State != Idle {
		t.Errorf("State = %v, want idle", s.State)
	}
	if s.CurrentIndex != -1 {
		t.Errorf("CurrentIndex = %d, want -1", s.CurrentIndex)
	}
	if s.PlaybackRate != 1 {
		t.Errorf("PlaybackRate = %v, want 1", s.PlaybackRate)
	}
	if s.TimerPending {
		t.Error("TimerPending should be false")
	}
}

func TestController_PlayFromBegin(t *testing.T) {
	r := createTestRig(t, Options{})

	r.ctrl.Play(2, true, -1)

	s := r.ctrl.Snapshot()
	if s.State != Playing || s.CurrentIndex != 2 {
		t.Fatalf("state = %v index = %d, want playing 2", s.State, s.CurrentIndex)
	}
	if !s.TimerPending {
		t.Error("expected a pending timer")
	}

	want := []string{"source:a.mp3", "seek:2", "play"}
	if strings.Join(r.audio.calls, ",") != strings.Join(want, ",") {
		t.Errorf("audio calls = %v, want %v", r.audio.calls, want)
	}
	if r.highlight.marks[len(r.highlight.marks)-1] != "active:f2" {
		t.Errorf("last mark = %v, want active:f2", r.highlight.marks)
	}

	b := r.bookmark(t)
	if b.FragmentID != "f2" || b.Offset != 2 {
		t.Errorf("bookmark = %+v, want f2@2", b)
	}

	d, ok := r.clock.NextDue()
	if !ok || d != 3*time.Second {
		t.Errorf("timer due in %v, want 3s", d)
	}
}

func TestController_PlayOutOfRangeIsNoop(t *testing.T) {
	r := createTestRig(t, Options{})

	r.ctrl.Play(-1, true, -1)
	r.ctrl.Play(4, true, -1)

	if s := r.ctrl.Snapshot(); s.State != Idle || s.CurrentIndex != -1 {
		t.Errorf("out of range play changed state: %+v", s)
	}
	if len(r.audio.calls) != 0 {
		t.Errorf("audio touched: %v", r.audio.calls)
	}
	if r.clock.Pending() != 0 {
		t.Error("timer scheduled for out of range play")
	}
}

func TestController_PlaySupersedesPendingTimer(t *testing.T) {
	r := createTestRig(t, Options{})

	r.ctrl.Play(0, true, -1)
	r.ctrl.Play(2, true, -1)
	r.ctrl.Play(0, true, -1)

	if r.clock.Pending() != 1 {
		t.Fatalf("Pending() = %d, want exactly one timer", r.clock.Pending())
	}

	// The stale 3s timer of f2 must never fire against f0.
	r.clock.Advance(1500 * time.Millisecond)
	if s := r.ctrl.Snapshot(); s.CurrentIndex != 0 {
		t.Errorf("CurrentIndex = %d, want 0", s.CurrentIndex)
	}
}

func TestController_PlayAppliesRate(t *testing.T) {
	r := createTestRig(t, Options{PlaybackRate: 2})

	r.ctrl.Play(2, true, -1)

	found := false
	for _, c := range r.audio.calls {
		if c == "rate:2" {
			found = true
		}
	}
	if !found {
		t.Errorf("rate not applied, calls = %v", r.audio.calls)
	}

	d, _ := r.clock.NextDue()
	if d != 1500*time.Millisecond {
		t.Errorf("timer due in %v, want 1.5s at rate 2", d)
	}

	// Rate is only pushed when it changes
	r.audio.reset()
	r.ctrl.Play(0, true, -1)
	for _, c := range r.audio.calls {
		if strings.HasPrefix(c, "rate:") {
			t.Errorf("rate pushed again: %v", r.audio.calls)
		}
	}
}

func TestController_AdvanceSameFileIsContinuous(t *testing.T) {
	r := createTestRig(t, Options{})
	r.ctrl.Play(1, true, -1)
	r.audio.reset()

	// f1 is zero-length: its timer fires immediately
	r.clock.Flush()

	s := r.ctrl.Snapshot()
	if s.CurrentIndex != 2 || s.State != Playing {
		t.Fatalf("state = %v index = %d, want playing 2", s.State, s.CurrentIndex)
	}
	if len(r.audio.calls) != 0 {
		t.Errorf("continuous advance touched the audio: %v", r.audio.calls)
	}
}

func TestController_AdvanceAcrossFilesSwitchesSource(t *testing.T) {
	r := createTestRig(t, Options{})
	r.ctrl.Play(2, true, -1)
	r.audio.reset()

	r.clock.Advance(3 * time.Second)

	s := r.ctrl.Snapshot()
	if s.CurrentIndex != 3 {
		t.Fatalf("CurrentIndex = %d, want 3", s.CurrentIndex)
	}

	want := []string{"source:b.mp3", "seek:0", "play"}
	if strings.Join(r.audio.calls, ",") != strings.Join(want, ",") {
		t.Errorf("audio calls = %v, want %v", r.audio.calls, want)
	}
	if r.audio.position != 0 {
		t.Errorf("audio position = %v, want 0", r.audio.position)
	}

	b := r.bookmark(t)
	if b.FragmentID != "f3" || b.Offset != 0 {
		t.Errorf("bookmark = %+v, want f3@0", b)
	}
}

func TestController_ZeroDurationFragmentInSequence(t *testing.T) {
	r := createTestRig(t, Options{})
	r.ctrl.Play(0, true, -1)
	r.highlight.marks = nil
	r.audio.reset()

	r.clock.Advance(2 * time.Second)

	s := r.ctrl.Snapshot()
	if s.CurrentIndex != 2 || s.State != Playing {
		t.Fatalf("state = %v index = %d, want playing 2", s.State, s.CurrentIndex)
	}

	marks := strings.Join(r.highlight.marks, ",")
	if !strings.Contains(marks, "active:f1") || !strings.Contains(marks, "active:f2") {
		t.Errorf("marks = %v, want f1 and f2 highlighted in order", r.highlight.marks)
	}
	if strings.Index(marks, "active:f1") > strings.Index(marks, "active:f2") {
		t.Errorf("f1 highlighted after f2: %v", r.highlight.marks)
	}
	if len(r.audio.calls) != 0 {
		t.Errorf("audio repositioned inside one file: %v", r.audio.calls)
	}
	if got := strings.Join(r.observer.fragments, ","); !strings.HasSuffix(got, "0>1,1>2") {
		t.Errorf("fragment events = %v", r.observer.fragments)
	}

	d, _ := r.clock.NextDue()
	if d != 3*time.Second {
		t.Errorf("f2 timer due in %v, want 3s", d)
	}
}

func TestController_AdvanceOnLastFragmentCompletes(t *testing.T) {
	r := createTestRig(t, Options{})
	r.ctrl.Play(3, true, -1)

	r.clock.Advance(4 * time.Second)

	s := r.ctrl.Snapshot()
	if s.State != Completed {
		t.Fatalf("State = %v, want completed", s.State)
	}
	if r.clock.Pending() != 0 || s.TimerPending {
		t.Error("completed session must not schedule a timer")
	}
	if r.observer.completed != 1 {
		t.Errorf("OnCompleted called %d times, want 1", r.observer.completed)
	}
	if r.highlight.marks[len(r.highlight.marks)-1] != "clear:f3" {
		t.Errorf("marks = %v, want last fragment cleared", r.highlight.marks)
	}

	// Explicit play leaves Completed
	r.ctrl.Play(0, true, -1)
	if s := r.ctrl.Snapshot(); s.State != Playing {
		t.Errorf("State = %v, want playing after restart", s.State)
	}
}

func TestController_PlayThroughWholeTimeline(t *testing.T) {
	r := createTestRig(t, Options{})
	r.ctrl.Play(0, true, -1)

	r.clock.Advance(time.Minute)

	if s := r.ctrl.Snapshot(); s.State != Completed || s.CurrentIndex != 3 {
		t.Errorf("state = %v index = %d, want completed 3", s.State, s.CurrentIndex)
	}
	want := "idle>playing,playing>completed"
	if got := strings.Join(r.observer.states, ","); got != want {
		t.Errorf("state events = %s, want %s", got, want)
	}
}

func TestController_PauseRecordsOffset(t *testing.T) {
	r := createTestRig(t, Options{})
	r.ctrl.Play(2, true, -1)
	r.audio.position = 3.25

	r.ctrl.Pause()

	s := r.ctrl.Snapshot()
	if s.State != Paused {
		t.Fatalf("State = %v, want paused", s.State)
	}
	if s.PausedOffset != 3.25 {
		t.Errorf("PausedOffset = %v, want 3.25", s.PausedOffset)
	}
	if r.clock.Pending() != 0 {
		t.Error("pause must cancel the timer")
	}
	if !r.audio.paused {
		t.Error("audio not paused")
	}
	if r.highlight.marks[len(r.highlight.marks)-1] != "paused:f2" {
		t.Errorf("marks = %v", r.highlight.marks)
	}
	if b := r.bookmark(t); b.FragmentID != "f2" || b.Offset != 3.25 {
		t.Errorf("bookmark = %+v, want f2@3.25", b)
	}

	// Pause is a no-op outside Playing
	r.audio.reset()
	r.ctrl.Pause()
	if len(r.audio.calls) != 0 {
		t.Errorf("second pause touched audio: %v", r.audio.calls)
	}
}

func TestController_ResumeFromPausedOffset(t *testing.T) {
	r := createTestRig(t, Options{})
	r.ctrl.Play(2, true, -1)
	r.audio.position = 4
	r.ctrl.Pause()
	r.audio.reset()

	r.ctrl.Resume()

	if s := r.ctrl.Snapshot(); s.State != Playing || s.PausedOffset != -1 {
		t.Errorf("state = %v offset = %v, want playing with offset consumed", s.State, s.PausedOffset)
	}
	if r.audio.calls[0] != "seek:4" {
		t.Errorf("audio calls = %v, want seek to 4", r.audio.calls)
	}
	if d, _ := r.clock.NextDue(); d != time.Second {
		t.Errorf("timer due in %v, want remaining 1s", d)
	}
}

func TestController_ResumeRestoresBookmark(t *testing.T) {
	r := createTestRig(t, Options{})
	if err := r.marks.Save(context.Background(), "doc", bookmark.Bookmark{FragmentID: "f3", Offset: 1.5}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	r.ctrl.Resume()

	s := r.ctrl.Snapshot()
	if s.CurrentIndex != 3 || s.State != Playing {
		t.Fatalf("state = %v index = %d, want playing 3", s.State, s.CurrentIndex)
	}
	want := []string{"source:b.mp3", "seek:1.5", "play"}
	if strings.Join(r.audio.calls, ",") != strings.Join(want, ",") {
		t.Errorf("audio calls = %v, want %v", r.audio.calls, want)
	}
}

func TestController_ResumeWithoutBookmarkStartsAtTop(t *testing.T) {
	r := createTestRig(t, Options{})
	if err := r.marks.Save(context.Background(), "doc", bookmark.Bookmark{FragmentID: "gone", Offset: 9}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	r.ctrl.Resume()

	if s := r.ctrl.Snapshot(); s.CurrentIndex != 0 {
		t.Errorf("CurrentIndex = %d, want 0 for unknown bookmark id", s.CurrentIndex)
	}
}

func TestController_Stop(t *testing.T) {
	r := createTestRig(t, Options{})
	r.ctrl.Play(2, true, -1)
	r.audio.reset()

	r.ctrl.Stop()

	s := r.ctrl.Snapshot()
	if s.State != Stopped || s.CurrentIndex != -1 {
		t.Errorf("state = %v index = %d, want stopped -1", s.State, s.CurrentIndex)
	}
	if r.clock.Pending() != 0 {
		t.Error("stop must cancel the timer")
	}
	if len(r.audio.calls) != 0 {
		t.Errorf("stop touched the audio: %v", r.audio.calls)
	}
	if r.highlight.marks[len(r.highlight.marks)-1] != "clear:f2" {
		t.Errorf("marks = %v", r.highlight.marks)
	}

	r.ctrl.Play(1, true, -1)
	if s := r.ctrl.Snapshot(); s.State != Playing {
		t.Errorf("State = %v, want playing after stop", s.State)
	}
}

func TestController_SingleFragmentMode(t *testing.T) {
	r := createTestRig(t, Options{SingleFragment: true})
	r.ctrl.Play(0, true, -1)

	r.clock.Advance(10 * time.Second)

	s := r.ctrl.Snapshot()
	if s.CurrentIndex != 0 {
		t.Errorf("CurrentIndex = %d, want 0", s.CurrentIndex)
	}
	if s.State != Paused {
		t.Errorf("State = %v, want paused", s.State)
	}
	if !r.audio.paused {
		t.Error("audio not paused after single fragment")
	}
	if r.clock.Pending() != 0 {
		t.Error("single fragment mode scheduled another timer")
	}
}

func TestController_SetPlaybackRateReschedules(t *testing.T) {
	r := createTestRig(t, Options{})
	r.ctrl.Play(2, true, -1)
	r.audio.position = 3

	if err := r.ctrl.SetPlaybackRate(0); err == nil {
		t.Error("expected error for zero rate")
	}
	if err := r.ctrl.SetPlaybackRate(2); err != nil {
		t.Fatalf("SetPlaybackRate() error = %v", err)
	}

	if d, _ := r.clock.NextDue(); d != time.Second {
		t.Errorf("timer due in %v, want 1s (2s left at rate 2)", d)
	}
	if r.clock.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", r.clock.Pending())
	}
}

func TestController_OutsideTapCounter(t *testing.T) {
	r := createTestRig(t, Options{})

	if r.ctrl.RegisterOutsideTap(0) {
		t.Error("threshold 0 must never trigger")
	}
	if r.ctrl.RegisterOutsideTap(3) || r.ctrl.RegisterOutsideTap(3) {
		t.Error("triggered before threshold")
	}
	if !r.ctrl.RegisterOutsideTap(3) {
		t.Error("third tap did not trigger")
	}
	if r.ctrl.Snapshot().OutsideTapCount != 0 {
		t.Error("counter not reset after trigger")
	}

	r.ctrl.RegisterOutsideTap(3)
	r.ctrl.ResetOutsideTaps()
	if r.ctrl.Snapshot().OutsideTapCount != 0 {
		t.Error("ResetOutsideTaps did not clear counter")
	}
}

func TestController_CollaboratorFailuresKeepStateConsistent(t *testing.T) {
	clock := schedule.NewManual()
	audio := &fakeAudio{failAll: true}
	ctrl, err := New(createTestTimeline(t), Sinks{
		Audio:     audio,
		Bookmarks: failingBookmarks{},
	}, clock, Options{}, createTestLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctrl.Play(0, true, -1)
	if s := ctrl.Snapshot(); s.State != Playing || s.CurrentIndex != 0 {
		t.Fatalf("state = %v index = %d, want playing 0", s.State, s.CurrentIndex)
	}

	ctrl.Pause()
	s := ctrl.Snapshot()
	if s.State != Paused {
		t.Fatalf("State = %v, want paused", s.State)
	}
	if s.PausedOffset != 0 {
		t.Errorf("PausedOffset = %v, want fragment begin fallback 0", s.PausedOffset)
	}

	ctrl.Stop()
	ctrl.Resume()
	if s := ctrl.Snapshot(); s.State != Playing || s.CurrentIndex != 0 {
		t.Errorf("resume after failed bookmark load: state = %v index = %d", s.State, s.CurrentIndex)
	}
}

func TestController_Autostart(t *testing.T) {
	r := createTestRig(t, Options{Autostart: true})
	r.ctrl.OnAudioReady()
	if s := r.ctrl.Snapshot(); s.State != Playing || s.CurrentIndex != 0 {
		t.Errorf("autostart: state = %v index = %d", s.State, s.CurrentIndex)
	}

	r = createTestRig(t, Options{})
	r.ctrl.OnAudioReady()
	if s := r.ctrl.Snapshot(); s.State != Idle {
		t.Errorf("State = %v, want idle without autostart", s.State)
	}
}

func TestController_Close(t *testing.T) {
	r := createTestRig(t, Options{})
	r.ctrl.Play(0, true, -1)
	r.ctrl.Close()

	if r.clock.Pending() != 0 {
		t.Error("Close left a pending timer")
	}
	r.ctrl.Play(1, true, -1)
	if s := r.ctrl.Snapshot(); s.CurrentIndex != 0 {
		t.Errorf("closed controller accepted play: index %d", s.CurrentIndex)
	}
}

func TestState_TextRoundTrip(t *testing.T) {
	for _, s := range []State{Idle, Playing, Paused, Stopped, Completed} {
		b, err := s.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText() error = %v", err)
		}
		var got State
		if err := got.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%s) error = %v", b, err)
		}
		if got != s {
			t.Errorf("round trip %v -> %v", s, got)
		}
	}

	var s State
	if err := s.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("expected error for unknown state")
	}
}
