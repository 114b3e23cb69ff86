// SPDX-License-Identifier: GPL-3.0-or-later

package lxi

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

// The default logger discards without panicking.
func TestDefaultSLogger(t *testing.T) {
	logger := DefaultSLogger()

	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
}

// A *slog.Logger satisfies the SLogger interface.
func TestSLoggerSlogCompatibility(t *testing.T) {
	logger, records := newCapturingLogger()

	var sl SLogger = logger
	sl.Info("hello", slog.String("key", "value"))

	assert.Len(t, *records, 1)
	assert.Equal(t, "hello", (*records)[0].Message)
}
