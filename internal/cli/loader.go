package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/ede/internal/config"
)

// loadNetwork loads a network database, mapping a missing path to
// ExitCommandError and an invalid database to ExitFailure.
func loadNetwork(path string) (*config.Network, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("network database not found: %s", path))
	}
	net, err := config.Load(path)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "invalid network database", err)
	}
	return net, nil
}

// networkErrors splits a load error into its individual problems.
func networkErrors(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
