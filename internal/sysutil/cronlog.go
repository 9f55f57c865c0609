package sysutil

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// cronLogger adapts a zerolog.Logger to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

// CronLogger returns a cron.Logger writing through l. Info lines are logged
// at debug level; cron emits one per tick.
func CronLogger(l zerolog.Logger) cron.Logger {
	return cronLogger{log: l}
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
