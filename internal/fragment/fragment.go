// Package fragment defines the highlightable text range mapped to an audio clip.
package fragment

// Fragment represents one highlightable unit of text and its audio time range.
type Fragment struct {
	// ID is the element identifier of the text range (unique within a timeline)
	ID string `json:"id"`

	// Begin is the clip start within the audio file, in seconds
	Begin float64 `json:"begin"`

	// End is the clip end within the audio file, in seconds
	End float64 `json:"end"`

	// AudioRef is the audio file the clip belongs to, kept as written in the source
	AudioRef string `json:"file"`
}

// Duration returns the clip length in seconds. Zero-duration fragments are valid.
func (f Fragment) Duration() float64 {
	return f.End - f.Begin
}
