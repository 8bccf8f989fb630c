package observability

import (
	"github.com/danmuck/ropnet/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger applies the runtime logging profile and tags every line with the
// application name and, when set, the channel it drives.
func InitLogger(app, channel string) zerolog.Logger {
	logging.ConfigureRuntime()
	ctx := log.Logger.With().Str("app", app)
	if channel != "" {
		ctx = ctx.Str("channel", channel)
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger
}
