// Package remote drives a client-side audio player and highlighter over a
// message channel. Commands are queued for a transport to deliver; the client
// reports its actual position back so CurrentTime stays close to the truth.
package remote

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agleyzer/smilsync/internal/playback"
)

var (
	// ErrBackpressure is returned when the client is not draining commands.
	ErrBackpressure = errors.New("command queue full")

	// ErrClosed is returned after the sink has been closed.
	ErrClosed = errors.New("sink closed")
)

// Command types sent to the client.
const (
	CommandSource    = "source"
	CommandSeek      = "seek"
	CommandPlay      = "play"
	CommandPause     = "pause"
	CommandRate      = "rate"
	CommandHighlight = "highlight"
	CommandState     = "state"
	CommandFragment  = "fragment"
	CommandCompleted = "completed"
)

// Highlight marks carried by highlight commands.
const (
	MarkActive = "active"
	MarkPaused = "paused"
	MarkNone   = "none"
)

// Command is one instruction for the client.
type Command struct {
	Seq        uint64   `json:"seq"`
	Type       string   `json:"type"`
	Ref        string   `json:"ref,omitempty"`
	Position   *float64 `json:"position,omitempty"`
	Rate       float64  `json:"rate,omitempty"`
	FragmentID string   `json:"fragment_id,omitempty"`
	Mark       string   `json:"mark,omitempty"`
	State      string   `json:"state,omitempty"`
	Index      *int     `json:"index,omitempty"`
}

// Status is a position report from the client.
type Status struct {
	CurrentTime float64 `json:"current_time"`
	Paused      bool    `json:"paused"`
}

// Sink implements playback.AudioSink, playback.Highlighter and
// playback.Observer on top of a bounded command queue.
type Sink struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	out      chan Command
	closed   bool
	seq      uint64
	position float64
	anchor   time.Time
	paused   bool
	rate     float64
	source   string
}

var (
	_ playback.AudioSink   = (*Sink)(nil)
	_ playback.Highlighter = (*Sink)(nil)
	_ playback.Observer    = (*Sink)(nil)
)

// NewSink creates a sink whose queue holds up to buffer commands.
func NewSink(buffer int, logger *slog.Logger) *Sink {
	if buffer <= 0 {
		buffer = 64
	}
	return &Sink{
		logger: logger,
		now:    time.Now,
		out:    make(chan Command, buffer),
		paused: true,
		rate:   1,
	}
}

// Commands returns the queue a transport drains. It is closed by Close.
func (s *Sink) Commands() <-chan Command {
	return s.out
}

// Close closes the command queue. Further commands fail with ErrClosed.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

// Report records the client's position.
func (s *Sink) Report(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = st.CurrentTime
	s.paused = st.Paused
	s.anchor = s.now()
}

// Source returns the audio reference last sent to the client.
func (s *Sink) Source() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

func (s *Sink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebase()
	s.paused = false
	return s.send(Command{Type: CommandPlay})
}

func (s *Sink) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebase()
	s.paused = true
	return s.send(Command{Type: CommandPause})
}

func (s *Sink) SetSource(ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = ref
	s.position = 0
	s.anchor = s.now()
	return s.send(Command{Type: CommandSource, Ref: ref})
}

func (s *Sink) Seek(sec float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = sec
	s.anchor = s.now()
	return s.send(Command{Type: CommandSeek, Position: &sec})
}

// CurrentTime extrapolates from the last known position.
func (s *Sink) CurrentTime() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.current(), nil
}

func (s *Sink) SetRate(rate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebase()
	s.rate = rate
	return s.send(Command{Type: CommandRate, Rate: rate})
}

func (s *Sink) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Sink) MarkActive(id string) error {
	return s.highlight(id, MarkActive)
}

func (s *Sink) MarkPaused(id string) error {
	return s.highlight(id, MarkPaused)
}

func (s *Sink) ClearMarks(id string) error {
	return s.highlight(id, MarkNone)
}

func (s *Sink) OnStateChange(_, to playback.State) {
	s.notify(Command{Type: CommandState, State: to.String()})
}

func (s *Sink) OnFragmentChange(_, to int) {
	s.notify(Command{Type: CommandFragment, Index: &to})
}

func (s *Sink) OnCompleted() {
	s.notify(Command{Type: CommandCompleted})
}

func (s *Sink) highlight(id, mark string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send(Command{Type: CommandHighlight, FragmentID: id, Mark: mark})
}

func (s *Sink) notify(c Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.send(c); err != nil {
		s.logger.Warn("dropped client event", "type", c.Type, "error", err)
	}
}

// send must be called with mu held.
func (s *Sink) send(c Command) error {
	if s.closed {
		return ErrClosed
	}
	c.Seq = s.seq + 1
	select {
	case s.out <- c:
		s.seq = c.Seq
		return nil
	default:
		return ErrBackpressure
	}
}

func (s *Sink) current() float64 {
	if s.paused || s.anchor.IsZero() {
		return s.position
	}
	return s.position + s.now().Sub(s.anchor).Seconds()*s.rate
}

func (s *Sink) rebase() {
	s.position = s.current()
	s.anchor = s.now()
}
