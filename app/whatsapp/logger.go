package whatsapp

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"
	"nuclight.org/chat-archiver/pkg/logger"
)

// slogAdapter routes whatsmeow's printf-style logging into slog.
type slogAdapter struct {
	log logger.Logger
}

func newWALogger(log logger.Logger) waLog.Logger {
	return slogAdapter{log: log}
}

func (l slogAdapter) Errorf(msg string, args ...any) { l.log.Error(fmt.Sprintf(msg, args...)) }
func (l slogAdapter) Warnf(msg string, args ...any)  { l.log.Warn(fmt.Sprintf(msg, args...)) }
func (l slogAdapter) Infof(msg string, args ...any)  { l.log.Info(fmt.Sprintf(msg, args...)) }
func (l slogAdapter) Debugf(msg string, args ...any) { l.log.Debug(fmt.Sprintf(msg, args...)) }

func (l slogAdapter) Sub(module string) waLog.Logger {
	return slogAdapter{log: l.log.With("module", module)}
}
