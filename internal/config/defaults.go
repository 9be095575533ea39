package config

import "github.com/agleyzer/smilsync/internal/touch"

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Server: Server{
			Port:            8080,
			ShutdownTimeout: "10s",
			CommandBuffer:   256,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Timeline: Timeline{
			DocumentID:        "default",
			CoverageTolerance: 0.0005,
		},
		Playback: Playback{
			PlaybackRate: 1,
		},
		Touch: touch.Options{
			OutsideTapsThreshold: 1,
			OutsideTapsCanResume: true,
			IgnoreTapsOnAnchors:  true,
		},
		Bookmarks: Bookmarks{
			Backend: "memory",
		},
		RateLimit: RateLimit{
			TapsPerSecond: 10,
			Burst:         20,
		},
	}
}
