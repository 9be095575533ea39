package probe

import (
	"context"
	"fmt"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/smilsync/internal/parser"
)

// HLS measures streamed audio as the sum of its media segment durations. For a
// master playlist the first variant is measured.
type HLS struct{}

// Duration fetches and parses the playlist at ref.
func (HLS) Duration(ctx context.Context, ref string) (float64, error) {
	playlist, listType, err := decode(ctx, ref)
	if err != nil {
		return 0, err
	}

	if listType == m3u8.MASTER {
		master, ok := playlist.(*m3u8.MasterPlaylist)
		if !ok {
			return 0, fmt.Errorf("unexpected playlist type")
		}
		variantURL, err := firstVariant(master, ref)
		if err != nil {
			return 0, err
		}
		playlist, listType, err = decode(ctx, variantURL)
		if err != nil {
			return 0, fmt.Errorf("failed to parse variant playlist: %w", err)
		}
		if listType != m3u8.MEDIA {
			return 0, fmt.Errorf("expected media playlist, got master playlist")
		}
	}

	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return 0, fmt.Errorf("unexpected playlist type")
	}
	return mediaDuration(media)
}

func decode(ctx context.Context, ref string) (m3u8.Playlist, m3u8.ListType, error) {
	body, err := parser.Fetch(ctx, ref)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer body.Close()

	playlist, listType, err := m3u8.DecodeFrom(body, true)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse playlist: %w", err)
	}
	return playlist, listType, nil
}

func firstVariant(master *m3u8.MasterPlaylist, masterURL string) (string, error) {
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		u, err := parser.ResolveRef(masterURL, v.URI)
		if err != nil {
			return "", fmt.Errorf("failed to resolve variant URL: %w", err)
		}
		return u, nil
	}
	return "", fmt.Errorf("master playlist contains no variants")
}

func mediaDuration(media *m3u8.MediaPlaylist) (float64, error) {
	total := 0.0
	count := 0
	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		total += seg.Duration
		count++
	}
	if count == 0 {
		return 0, fmt.Errorf("playlist contains no segments")
	}
	return total, nil
}
