package cluster

import (
	"io"
	"log"

	"github.com/hashicorp/go-hclog"
)

// newNoOpHCLogger discards all Raft logging.
func newNoOpHCLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.Off,
		Output: io.Discard,
	})
}

// newHCLogger routes Raft logging into a standard logger, typically one
// bridged to the service's slog handler.
func newHCLogger(stdLogger *log.Logger, level hclog.Level) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  level,
		Output: stdLogger.Writer(),
	})
}
