// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	clog "github.com/charmbracelet/log"
)

// L is the package-level logger used by the CLI before components are
// constructed. Components receive their own logger via New or L.With.
var L = clog.New(os.Stderr)

// New builds a logger for the given level ("debug", "info", "warn",
// "error") and format ("text", "json", "logfmt"). Unknown values fall back
// to info and text.
func New(level, format string, w io.Writer) *clog.Logger {
	if w == nil {
		w = os.Stderr
	}
	l := clog.NewWithOptions(w, clog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       parseFormatter(format),
	})
	lvl, err := clog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = clog.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// Configure replaces L with a logger built from level and format.
func Configure(level, format string) {
	L = New(level, format, os.Stderr)
}

func parseFormatter(format string) clog.Formatter {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return clog.JSONFormatter
	case "logfmt":
		return clog.LogfmtFormatter
	default:
		return clog.TextFormatter
	}
}

// Debugf logs a debug-level formatted message.
func Debugf(format string, v ...interface{}) {
	L.Debug(fmt.Sprintf(format, v...))
}

// Warnf logs a warning-level formatted message.
func Warnf(format string, v ...interface{}) {
	L.Warn(fmt.Sprintf(format, v...))
}

// Errorf logs an error-level formatted message.
func Errorf(format string, v ...interface{}) {
	L.Error(fmt.Sprintf(format, v...))
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *clog.Logger {
	return clog.New(io.Discard)
}
