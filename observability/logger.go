// Package observability wires logging and metrics for proxy nodes.
package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger builds the console logger used by the commands and installs it as
// the global zerolog logger. verbose enables per-frame debug output.
func InitLogger(app string, verbose bool) zerolog.Logger {
	return initLogger(os.Stderr, app, verbose)
}

func initLogger(out io.Writer, app string, verbose bool) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(output).Level(level).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
