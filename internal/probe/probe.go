// Package probe measures audio durations so timelines can be checked for
// coverage before a session starts.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/simonhull/audiometa"

	"github.com/agleyzer/smilsync/internal/parser"
	"github.com/agleyzer/smilsync/internal/timeline"
)

// ErrUnknownDuration is returned when a source does not report its length.
var ErrUnknownDuration = errors.New("duration unknown")

// Prober returns the duration in seconds of an audio resource.
type Prober interface {
	Duration(ctx context.Context, ref string) (float64, error)
}

// File reads durations from local audio file headers.
type File struct{}

// Duration opens the file and reads its duration from the container metadata.
func (File) Duration(ctx context.Context, path string) (float64, error) {
	file, err := audiometa.OpenContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close() //nolint:errcheck // read-only

	d := file.Audio.Duration.Seconds()
	if d <= 0 {
		return 0, fmt.Errorf("%s: %w", path, ErrUnknownDuration)
	}
	return d, nil
}

// Auto dispatches HLS playlists to HLS and everything else to File.
type Auto struct {
	File File
	HLS  HLS
}

// Duration probes ref with the prober matching its kind.
func (a Auto) Duration(ctx context.Context, ref string) (float64, error) {
	if isPlaylist(ref) {
		return a.HLS.Duration(ctx, ref)
	}
	if parser.IsURL(ref) {
		return 0, fmt.Errorf("%s: remote audio files are not probed: %w", ref, ErrUnknownDuration)
	}
	return a.File.Duration(ctx, ref)
}

func isPlaylist(ref string) bool {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	return strings.HasSuffix(strings.ToLower(ref), ".m3u8")
}

// Durations probes every audio file of tl. Refs are resolved against the
// timeline location. Files that cannot be probed are logged and left out.
func Durations(ctx context.Context, p Prober, tl *timeline.Timeline, location string, logger *slog.Logger) map[string]float64 {
	out := make(map[string]float64)
	for _, ref := range tl.AudioRefs() {
		resolved, err := parser.ResolveRef(location, ref)
		if err != nil {
			logger.Warn("cannot resolve audio reference", "ref", ref, "error", err)
			continue
		}
		d, err := p.Duration(ctx, resolved)
		if err != nil {
			logger.Warn("duration probe failed", "ref", ref, "error", err)
			continue
		}
		logger.Debug("probed audio duration", "ref", ref, "seconds", d)
		out[ref] = d
	}
	return out
}

// Coverage probes the audio of tl and checks that the last fragment of every
// file ends at the file's end. A mismatch is returned as an error when strict,
// and only logged otherwise.
func Coverage(ctx context.Context, p Prober, tl *timeline.Timeline, location string, tolerance float64, strict bool, logger *slog.Logger) error {
	durations := Durations(ctx, p, tl, location, logger)
	err := tl.CheckCoverage(durations, tolerance)
	if err == nil {
		return nil
	}
	if strict {
		return err
	}
	logger.Warn("timeline does not cover its audio", "error", err)
	return nil
}
