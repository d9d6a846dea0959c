// ABOUTME: Adapts slog to the cron.Logger interface
// ABOUTME: Lets cron.Recover report panicking poll jobs through the component logger

package orchestrator

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

var _ cron.Logger = cronLogger{}
