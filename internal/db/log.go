// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"sync/atomic"

	"github.com/toeirei/stagehand/internal/logging"
)

var debugEnabled atomic.Bool

// SetDebug enables or disables DB debug logging. Disabled by default.
func SetDebug(enabled bool) {
	debugEnabled.Store(enabled)
}

// DebugEnabled reports whether DB debug logging is on.
func DebugEnabled() bool { return debugEnabled.Load() }

func dbLogf(format string, v ...any) {
	if debugEnabled.Load() {
		logging.Debugf(format, v...)
	}
}
