package logging

import (
	"bytes"
	"context"
	"log"
	"log/slog"
	"strings"
)

// BridgeWriter forwards stdlib log output (net/http's ErrorLog, third-party
// packages using log.Printf) into slog under a fixed component.
type BridgeWriter struct {
	component string
	level     slog.Level
}

// NewBridgeWriter creates a writer that logs each write as one record.
func NewBridgeWriter(component string, level slog.Level) *BridgeWriter {
	return &BridgeWriter{component: component, level: level}
}

// NewStdLogger returns a *log.Logger whose output lands in slog.
func NewStdLogger(component string, level slog.Level) *log.Logger {
	return log.New(NewBridgeWriter(component, level), "", 0)
}

func (w *BridgeWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(bytes.TrimRight(p, "\n")))
	if msg == "" {
		return len(p), nil
	}
	Logger().Log(context.Background(), w.level, msg, slog.String("component", w.component))
	return len(p), nil
}
