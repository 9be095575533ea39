// Package timeline implements the validated, immutable ordered fragment index.
package timeline

import (
	"errors"
	"math"

	"github.com/agleyzer/smilsync/internal/fragment"
)

// Epsilon is the tolerance, in seconds, used when comparing clip boundaries.
// Clip values are authored with millisecond precision.
const Epsilon = 0.0005

// Timeline is an ordered, validated list of fragments. It is never mutated
// after New returns, so it may be shared between sessions.
type Timeline struct {
	fragments []fragment.Fragment
	index     map[string]int
}

// New validates fragments and builds a Timeline.
//
// Fragments are grouped into runs of consecutive entries sharing an audio file.
// Within a run, fragments must be sorted by begin and contiguous. The first run
// of a file starts at zero; a later run of the same file picks up where the
// previous one ended. Ids must be unique across the whole timeline.
func New(fragments []fragment.Fragment) (*Timeline, error) {
	if len(fragments) == 0 {
		return nil, errors.Join(ErrInvalidTimeline, errors.New("timeline has no fragments"))
	}

	tl := &Timeline{
		fragments: make([]fragment.Fragment, len(fragments)),
		index:     make(map[string]int, len(fragments)),
	}
	copy(tl.fragments, fragments)

	// end of the last fragment seen for each audio file
	fileEnd := make(map[string]float64)

	for i, f := range tl.fragments {
		if err := checkFragment(i, f); err != nil {
			return nil, err
		}

		if first, ok := tl.index[f.ID]; ok {
			return nil, &DuplicateIDError{Index: i, ID: f.ID, FirstIndex: first}
		}
		tl.index[f.ID] = i

		if i == 0 || tl.fragments[i-1].AudioRef != f.AudioRef {
			// New audio file run
			resume := fileEnd[f.AudioRef]
			if math.Abs(f.Begin-resume) > Epsilon {
				return nil, &NonContiguousError{Index: i, ID: f.ID, Begin: f.Begin, PrevEnd: resume}
			}
			fileEnd[f.AudioRef] = f.End
			continue
		}
		fileEnd[f.AudioRef] = f.End

		prev := tl.fragments[i-1]
		if f.Begin < prev.Begin-Epsilon {
			return nil, &UnsortedError{Index: i, ID: f.ID, Begin: f.Begin, PrevBegin: prev.Begin}
		}
		if math.Abs(f.Begin-prev.End) > Epsilon {
			return nil, &NonContiguousError{Index: i, ID: f.ID, Begin: f.Begin, PrevEnd: prev.End}
		}
	}

	return tl, nil
}

func checkFragment(i int, f fragment.Fragment) error {
	switch {
	case f.ID == "":
		return &InvalidFragmentError{Index: i, Reason: "empty id"}
	case f.AudioRef == "":
		return &InvalidFragmentError{Index: i, ID: f.ID, Reason: "empty audio reference"}
	case math.IsNaN(f.Begin) || math.IsNaN(f.End) || math.IsInf(f.End, 0):
		return &InvalidFragmentError{Index: i, ID: f.ID, Reason: "non-finite clip time"}
	case f.Begin < 0:
		return &InvalidFragmentError{Index: i, ID: f.ID, Reason: "negative begin"}
	case f.End < f.Begin:
		return &InvalidFragmentError{Index: i, ID: f.ID, Reason: "end before begin"}
	}
	return nil
}

// Len returns the number of fragments.
func (tl *Timeline) Len() int {
	return len(tl.fragments)
}

// Get returns the fragment at index.
func (tl *Timeline) Get(index int) (fragment.Fragment, error) {
	if index < 0 || index >= len(tl.fragments) {
		return fragment.Fragment{}, &IndexOutOfRangeError{Index: index, Length: len(tl.fragments)}
	}
	return tl.fragments[index], nil
}

// IndexOfID returns the index of the fragment with the given id, or -1.
func (tl *Timeline) IndexOfID(id string) int {
	if i, ok := tl.index[id]; ok {
		return i
	}
	return -1
}

// Fragments returns a copy of the fragment list.
func (tl *Timeline) Fragments() []fragment.Fragment {
	out := make([]fragment.Fragment, len(tl.fragments))
	copy(out, tl.fragments)
	return out
}

// AudioRefs returns the distinct audio files in first-use order.
func (tl *Timeline) AudioRefs() []string {
	seen := make(map[string]bool)
	var refs []string
	for _, f := range tl.fragments {
		if !seen[f.AudioRef] {
			seen[f.AudioRef] = true
			refs = append(refs, f.AudioRef)
		}
	}
	return refs
}

// Duration returns the summed clip length of all fragments, in seconds.
func (tl *Timeline) Duration() float64 {
	var total float64
	for _, f := range tl.fragments {
		total += f.Duration()
	}
	return total
}

// CheckCoverage compares the end of the last fragment of every audio file
// with the known duration of that file. Files missing from durations are
// skipped, since exact durations may only be known once audio loads.
// A negative tolerance selects Epsilon.
func (tl *Timeline) CheckCoverage(durations map[string]float64, tolerance float64) error {
	if tolerance < 0 {
		tolerance = Epsilon
	}

	last := make(map[string]int)
	for i, f := range tl.fragments {
		last[f.AudioRef] = i
	}

	var errs []error
	for i, f := range tl.fragments {
		if last[f.AudioRef] != i {
			continue
		}
		d, ok := durations[f.AudioRef]
		if !ok {
			continue
		}
		if math.Abs(d-f.End) > tolerance {
			errs = append(errs, &CoverageError{AudioRef: f.AudioRef, Index: i, End: f.End, Duration: d})
		}
	}
	return errors.Join(errs...)
}
