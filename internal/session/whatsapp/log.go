package whatsapp

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogAdapter routes whatsmeow's printf-style logging to slog.
type slogAdapter struct {
	root   *slog.Logger
	logger *slog.Logger
	module string
}

// NewLogger wraps logger as a whatsmeow logger.
func NewLogger(logger *slog.Logger, module string) waLog.Logger {
	return &slogAdapter{
		root:   logger,
		logger: logger.With(slog.String("module", module)),
		module: module,
	}
}

func (a *slogAdapter) Errorf(msg string, args ...any) { a.logger.Error(fmt.Sprintf(msg, args...)) }
func (a *slogAdapter) Warnf(msg string, args ...any)  { a.logger.Warn(fmt.Sprintf(msg, args...)) }
func (a *slogAdapter) Infof(msg string, args ...any)  { a.logger.Info(fmt.Sprintf(msg, args...)) }
func (a *slogAdapter) Debugf(msg string, args ...any) { a.logger.Debug(fmt.Sprintf(msg, args...)) }

func (a *slogAdapter) Sub(module string) waLog.Logger {
	name := a.module + "/" + module
	return &slogAdapter{
		root:   a.root,
		logger: a.root.With(slog.String("module", name)),
		module: name,
	}
}
