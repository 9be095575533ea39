package parser

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// timecount suffixes, longest first so "ms" is not read as "s".
var timecountUnits = []struct {
	suffix string
	scale  float64
}{
	{"min", 60},
	{"ms", 0.001},
	{"h", 3600},
	{"s", 1},
}

// ParseClock parses a SMIL clock value into seconds. Full ("1:02:03.5"),
// partial ("02:03.5"), timecount ("12.5s", "500ms", "1.5min", "2h") and bare
// seconds are accepted.
func ParseClock(v string) (float64, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return 0, fmt.Errorf("empty clock value")
	}

	var secs float64
	var err error
	if strings.Contains(s, ":") {
		secs, err = parseClockParts(s)
	} else {
		secs, err = parseTimecount(s)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid clock value %q: %w", v, err)
	}
	if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, fmt.Errorf("invalid clock value %q: out of range", v)
	}
	return secs, nil
}

func parseClockParts(s string) (float64, error) {
	parts := strings.Split(s, ":")
	hours := 0
	var err error
	switch len(parts) {
	case 2:
	case 3:
		if hours, err = strconv.Atoi(parts[0]); err != nil {
			return 0, err
		}
		parts = parts[1:]
	default:
		return 0, fmt.Errorf("want [hh:]mm:ss")
	}

	minutes, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	secs, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, err
	}
	if minutes < 0 || minutes >= 60 || secs < 0 || secs >= 60 {
		return 0, fmt.Errorf("field out of range")
	}
	return float64(hours)*3600 + float64(minutes)*60 + secs, nil
}

func parseTimecount(s string) (float64, error) {
	scale := 1.0
	for _, u := range timecountUnits {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSuffix(s, u.suffix)
			scale = u.scale
			break
		}
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return n * scale, nil
}
