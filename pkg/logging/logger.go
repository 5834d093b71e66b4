// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the process logger for uplink binaries.
//
// Everything in this repository logs through *slog.Logger; this package
// only decides how that logger is constructed:
//
//   - Terminals get a colorized tint handler, services get JSON. The
//     "auto" format picks between them by checking whether output is a TTY.
//   - An optional log directory adds a JSON file alongside console output,
//     named {service}_{YYYY-MM-DD}.log.
//   - Levels parse from strings so they can come straight from config or
//     flags; unknown levels are an error, not a silent default.
//
// Typical use in a binary:
//
//	logger, closeLogs, err := logging.New(logging.Config{
//	    Level:   "info",
//	    Service: "uplink",
//	    LogDir:  "~/.uplink/logs",
//	})
//	if err != nil {
//	    // misconfigured logging should stop the process early
//	}
//	defer closeLogs()
//	slog.SetDefault(logger)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// =============================================================================
// Configuration
// =============================================================================

// Config controls logger construction. The zero value gives Info-level
// auto-formatted output on stderr.
type Config struct {
	// Level is the minimum level as a string: "debug", "info", "warn",
	// "error". Default: "info".
	Level string `yaml:"level"`

	// Format selects the console handler: "auto" picks tint on terminals
	// and JSON otherwise, "json" and "text" force one. Default: "auto".
	Format string `yaml:"format"`

	// LogDir adds a JSON log file in this directory, named
	// {service}_{date}.log. Supports ~ expansion. Default: no file.
	LogDir string `yaml:"log_dir"`

	// Service is attached to every record as the "service" attribute and
	// names the log file. Default: "uplink".
	Service string `yaml:"service"`

	// Output is the console destination. Default: os.Stderr.
	Output io.Writer `yaml:"-"`
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// =============================================================================
// Construction
// =============================================================================

// New builds a *slog.Logger from cfg.
//
// The returned cleanup function syncs and closes the log file when one was
// opened; it is never nil and is safe to call without file logging.
func New(cfg Config) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	service := cfg.Service
	if service == "" {
		service = "uplink"
	}

	console, err := consoleHandler(cfg.Format, out, level)
	if err != nil {
		return nil, nil, err
	}
	handlers := []slog.Handler{console}

	cleanup := func() error { return nil }
	if cfg.LogDir != "" {
		logDir := expandPath(cfg.LogDir)
		if err := os.MkdirAll(logDir, 0750); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
		file, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		// File logs are always JSON: they exist for machines.
		handlers = append(handlers, slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}))
		cleanup = func() error {
			if err := file.Sync(); err != nil {
				file.Close()
				return fmt.Errorf("sync log file: %w", err)
			}
			return file.Close()
		}
	}

	var handler slog.Handler
	if len(handlers) == 1 {
		handler = handlers[0]
	} else {
		handler = &multiHandler{handlers: handlers}
	}
	handler = handler.WithAttrs([]slog.Attr{slog.String("service", service)})

	return slog.New(handler), cleanup, nil
}

// consoleHandler picks the console handler for the requested format.
func consoleHandler(format string, out io.Writer, level slog.Level) (slog.Handler, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "auto":
		if isTerminal(out) {
			return tintHandler(out, level), nil
		}
		return slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}), nil
	case "text":
		return tintHandler(out, level), nil
	case "json":
		return slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func tintHandler(out io.Writer, level slog.Level) slog.Handler {
	return tint.NewHandler(out, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	})
}

// isTerminal reports whether out is an interactive terminal.
func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// =============================================================================
// Multi-Handler
// =============================================================================

// multiHandler fans out log records to several slog handlers, letting the
// console and the log file use different formats.
type multiHandler struct {
	handlers []slog.Handler
}

// Enabled returns true if any handler is enabled for the level.
func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle sends the record to all enabled handlers.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// WithAttrs returns a new handler with additional attributes.
func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

// WithGroup returns a new handler with a group name.
func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}
