package store

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ede/internal/config"
	"github.com/roach88/ede/internal/testutil"
)

func mustParse(t *testing.T, src string) *config.Network {
	t.Helper()
	return testutil.MustParse(t, src)
}

func quietLogger() *slog.Logger {
	return testutil.Quiet()
}

// pragma reads the current value of a connection setting.
func pragma(t *testing.T, s *Store, name string) string {
	t.Helper()
	var value string
	require.NoError(t, s.db.QueryRow("PRAGMA "+name).Scan(&value))
	return value
}
