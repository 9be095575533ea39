package playback

import "fmt"

// State is the playback state of a session.
type State int

const (
	Idle      State = iota // Nothing played yet
	Playing                // A fragment is playing and its end timer is pending
	Paused                 // Paused inside the current fragment
	Stopped                // Stopped, no current fragment
	Completed              // The last fragment finished
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = Idle
	case "playing":
		*s = Playing
	case "paused":
		*s = Paused
	case "stopped":
		*s = Stopped
	case "completed":
		*s = Completed
	default:
		return fmt.Errorf("unknown playback state %q", b)
	}
	return nil
}
