package core

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger from config. When buf is non-nil every
// line is mirrored into it for the /api/v1/logs endpoint.
func NewLogger(cfg LoggingConfig, buf *LogRingBuffer) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	if buf != nil {
		// The buffer always receives JSON so it can index level and component.
		out = zerolog.MultiLevelWriter(out, buf)
	}

	logger := zerolog.New(out).With().Timestamp().Logger()

	switch (&Config{Logging: cfg}).LogLevel() {
	case "debug":
		return logger.Level(zerolog.DebugLevel)
	case "warn":
		return logger.Level(zerolog.WarnLevel)
	case "error":
		return logger.Level(zerolog.ErrorLevel)
	default:
		return logger.Level(zerolog.InfoLevel)
	}
}
