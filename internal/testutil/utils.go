package testutil

import (
	"bytes"
	"io"
	"log"
	"testing"
)

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

// TestLogger returns a logger that writes through t.Log, so output is attached to the
// test that produced it and only shown on failure or with -v.
func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(testWriter{t: t}, "[test] ", log.Lmicroseconds)
	t.Cleanup(func() {
		logger.SetOutput(io.Discard)
	})
	return logger
}
