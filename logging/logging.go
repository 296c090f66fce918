// Package logging builds the process logger: slog to stderr plus an
// optional rotated log file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"animeheal/config"
)

// Rotation limits of the log file.
const (
	MaxSizeMB  = 5
	MaxBackups = 3
	MaxAgeDays = 30
)

// New returns a logger writing to w and, when cfg.File is set, to a rotated
// file. The returned closer releases the file and is never nil.
func New(cfg config.Log, w io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, nil, err
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    MaxSizeMB,
			MaxBackups: MaxBackups,
			MaxAge:     MaxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(w, rotator)
		closer = rotator
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339Nano))
			}
			return a
		},
	}

	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
