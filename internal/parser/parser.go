// Package parser loads fragment timelines from JSON or SMIL sources.
package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/agleyzer/smilsync/internal/fragment"
	"github.com/agleyzer/smilsync/internal/timeline"
)

// maxSourceSize bounds how much of a timeline source is read.
const maxSourceSize = 32 << 20

// leadingSpace is skipped before sniffing or decoding, including a UTF-8 BOM.
const leadingSpace = " \t\r\n\ufeff"

// Format identifies the encoding of a timeline source.
type Format string

const (
	FormatJSON Format = "json"
	FormatSMIL Format = "smil"
)

// ErrUnknownFormat is returned when a source is neither JSON nor SMIL.
var ErrUnknownFormat = errors.New("unknown timeline format")

// Source is a parsed, not yet validated, timeline source.
type Source struct {
	// Location is the path or URL the source was read from
	Location string

	// Format is the detected encoding
	Format Format

	// Fragments are the records in document order, audio refs as written
	Fragments []fragment.Fragment
}

// Load reads and parses the timeline source at location, a local path or an
// http(s) URL.
func Load(ctx context.Context, location string) (*Source, error) {
	body, err := Fetch(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch timeline: %w", err)
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxSourceSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read timeline: %w", err)
	}

	src, err := Parse(data, DetectFormat(location, data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse timeline %s: %w", location, err)
	}
	src.Location = location
	return src, nil
}

// LoadTimeline loads the source at location and validates it.
func LoadTimeline(ctx context.Context, location string) (*timeline.Timeline, error) {
	src, err := Load(ctx, location)
	if err != nil {
		return nil, err
	}
	tl, err := timeline.New(src.Fragments)
	if err != nil {
		return nil, fmt.Errorf("invalid timeline %s: %w", location, err)
	}
	return tl, nil
}

// DetectFormat picks the format from the file extension, falling back to the
// first significant byte of the content.
func DetectFormat(location string, data []byte) Format {
	if i := strings.IndexAny(location, "?#"); i >= 0 && IsURL(location) {
		location = location[:i]
	}
	switch strings.ToLower(path.Ext(location)) {
	case ".json":
		return FormatJSON
	case ".smil", ".xml":
		return FormatSMIL
	}

	trimmed := bytes.TrimLeft(data, leadingSpace)
	if len(trimmed) == 0 {
		return ""
	}
	switch trimmed[0] {
	case '[', '{':
		return FormatJSON
	case '<':
		return FormatSMIL
	}
	return ""
}

// Parse decodes data in the given format.
func Parse(data []byte, format Format) (*Source, error) {
	var (
		frags []fragment.Fragment
		err   error
	)
	switch format {
	case FormatJSON:
		frags, err = parseJSON(data)
	case FormatSMIL:
		frags, err = parseSMIL(data)
	default:
		return nil, ErrUnknownFormat
	}
	if err != nil {
		return nil, err
	}
	if len(frags) == 0 {
		return nil, fmt.Errorf("source contains no fragments")
	}
	return &Source{Format: format, Fragments: frags}, nil
}

// parseJSON accepts a bare array of {id, begin, end, file} records or an
// object holding it under "smil_data".
func parseJSON(data []byte) ([]fragment.Fragment, error) {
	data = bytes.TrimLeft(data, leadingSpace)

	var frags []fragment.Fragment
	if len(data) > 0 && data[0] == '{' {
		var wrapper struct {
			SMILData []fragment.Fragment `json:"smil_data"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		frags = wrapper.SMILData
	} else if err := json.Unmarshal(data, &frags); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return frags, nil
}
