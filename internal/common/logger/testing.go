package logger

import (
	"go.uber.org/zap/zaptest"
)

// NewTestLogger returns a logger writing through the test's log output.
func NewTestLogger(t zaptest.TestingT) *Logger {
	return NewFromZap(zaptest.NewLogger(t))
}
