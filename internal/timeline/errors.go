package timeline

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTimeline matches every validation failure reported by New.
	ErrInvalidTimeline = errors.New("invalid timeline")

	// ErrIndexOutOfRange matches lookups outside [0, Len()).
	ErrIndexOutOfRange = errors.New("fragment index out of range")
)

// NonContiguousError reports a gap or overlap between Index-1 and Index,
// or a file run that does not start at zero.
type NonContiguousError struct {
	Index   int
	ID      string
	Begin   float64
	PrevEnd float64
}

func (e *NonContiguousError) Error() string {
	if e.Index == 0 || e.PrevEnd == 0 {
		return fmt.Sprintf("fragment %d (%q) begins at %.3f, expected 0", e.Index, e.ID, e.Begin)
	}
	return fmt.Sprintf("fragment %d (%q) begins at %.3f but previous fragment ends at %.3f",
		e.Index, e.ID, e.Begin, e.PrevEnd)
}

func (e *NonContiguousError) Is(target error) bool { return target == ErrInvalidTimeline }

// UnsortedError reports a fragment that begins before its predecessor.
type UnsortedError struct {
	Index     int
	ID        string
	Begin     float64
	PrevBegin float64
}

func (e *UnsortedError) Error() string {
	return fmt.Sprintf("fragment %d (%q) begins at %.3f, before previous begin %.3f",
		e.Index, e.ID, e.Begin, e.PrevBegin)
}

func (e *UnsortedError) Is(target error) bool { return target == ErrInvalidTimeline }

// DuplicateIDError reports an id already used by an earlier fragment.
type DuplicateIDError struct {
	Index      int
	ID         string
	FirstIndex int
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("fragment %d: id %q already used by fragment %d", e.Index, e.ID, e.FirstIndex)
}

func (e *DuplicateIDError) Is(target error) bool { return target == ErrInvalidTimeline }

// InvalidFragmentError reports a fragment that is malformed on its own.
type InvalidFragmentError struct {
	Index  int
	ID     string
	Reason string
}

func (e *InvalidFragmentError) Error() string {
	return fmt.Sprintf("fragment %d (%q): %s", e.Index, e.ID, e.Reason)
}

func (e *InvalidFragmentError) Is(target error) bool { return target == ErrInvalidTimeline }

// CoverageError reports a file whose last fragment does not end at the audio duration.
type CoverageError struct {
	AudioRef string
	Index    int
	End      float64
	Duration float64
}

func (e *CoverageError) Error() string {
	return fmt.Sprintf("audio %q: last fragment %d ends at %.3f, audio duration is %.3f",
		e.AudioRef, e.Index, e.End, e.Duration)
}

func (e *CoverageError) Is(target error) bool { return target == ErrInvalidTimeline }

// IndexOutOfRangeError reports a Get outside the timeline.
type IndexOutOfRangeError struct {
	Index  int
	Length int
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("fragment index %d out of range [0, %d)", e.Index, e.Length)
}

func (e *IndexOutOfRangeError) Is(target error) bool { return target == ErrIndexOutOfRange }
