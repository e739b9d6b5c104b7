// Package rmbslog provides the structured dual-output (file + stdout) logger
// used across the simulation driver and the HTTP front door.
package rmbslog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Logger wraps slog.Logger so call sites can keep using the familiar
// Info/Warn/Error API while the handler writes structured JSON to both a
// daily log file and stdout.
type Logger struct {
	*slog.Logger
}

// New creates a Logger that writes JSON records to logDir/<today>.log and to
// stdout simultaneously.
func New(logDir string) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}

	logFile := filepath.Join(logDir, time.Now().Format("2006-01-02")+".log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	multiWriter := io.MultiWriter(file, os.Stdout)
	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level:     slog.LevelInfo,
		AddSource: true,
	})

	return &Logger{slog.New(handler)}, nil
}

// ForPeriod returns a child logger with deal_id and period fields bound, so
// every log line emitted while advancing one period carries its context.
func (l *Logger) ForPeriod(dealID string, period int) *Logger {
	return &Logger{l.Logger.With(slog.String("deal_id", dealID), slog.Int("period", period))}
}
