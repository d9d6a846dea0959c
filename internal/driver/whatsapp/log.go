// ABOUTME: Bridges whatsmeow's printf-style logger onto log/slog
// ABOUTME: Keeps library output in the gateway's structured log stream

package whatsapp

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

type slogBridge struct {
	logger *slog.Logger
}

func (b *slogBridge) Debugf(msg string, args ...any) { b.logger.Debug(fmt.Sprintf(msg, args...)) }
func (b *slogBridge) Infof(msg string, args ...any)  { b.logger.Info(fmt.Sprintf(msg, args...)) }
func (b *slogBridge) Warnf(msg string, args ...any)  { b.logger.Warn(fmt.Sprintf(msg, args...)) }
func (b *slogBridge) Errorf(msg string, args ...any) { b.logger.Error(fmt.Sprintf(msg, args...)) }

func (b *slogBridge) Sub(module string) waLog.Logger {
	return &slogBridge{logger: b.logger.With("module", module)}
}

var _ waLog.Logger = (*slogBridge)(nil)
