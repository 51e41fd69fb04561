// Package testutil holds helpers shared by tests: predictable run
// identifiers, network fixtures and a silent logger.
package testutil

import (
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ede/internal/config"
)

// Quiet returns a logger that discards everything.
func Quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MustParse parses an inline network database.
func MustParse(t testing.TB, src string) *config.Network {
	t.Helper()
	net, err := config.Parse([]byte(src), "inline.cue")
	require.NoError(t, err)
	return net
}

// BodyPath is the path of the body network fixture, usable from any
// package's tests.
func BodyPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "config", "testdata", "body.cue")
}

// Body loads the body network fixture: one bus, one dispatcher, two
// inbound and two outbound frames.
func Body(t testing.TB) *config.Network {
	t.Helper()
	net, err := config.Load(BodyPath())
	require.NoError(t, err)
	return net
}
