package badger

import (
	"fmt"
	"log/slog"
	"strings"
)

// slogAdapter adapts slog.Logger to badger's Logger interface
type slogAdapter struct {
	logger *slog.Logger
}

func newSlogAdapter(logger *slog.Logger) *slogAdapter {
	return &slogAdapter{logger: logger.With("component", "badger")}
}

func (l *slogAdapter) Debugf(format string, v ...any) {
	l.logger.Debug(message(format, v...))
}

func (l *slogAdapter) Infof(format string, v ...any) {
	l.logger.Info(message(format, v...))
}

func (l *slogAdapter) Warningf(format string, v ...any) {
	l.logger.Warn(message(format, v...))
}

func (l *slogAdapter) Errorf(format string, v ...any) {
	l.logger.Error(message(format, v...))
}

// badger terminates most of its messages with a newline
func message(format string, v ...any) string {
	return strings.TrimRight(fmt.Sprintf(format, v...), "\n")
}
