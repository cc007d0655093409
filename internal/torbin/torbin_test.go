package torbin

import (
	"context"
	stderr "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ferrovax/torctl/internal/errors"
)

// TestDiscoverExplicitPath verifies an explicit binary path is used as-is.
func TestDiscoverExplicitPath(t *testing.T) {
	stub := filepath.Join(t.TempDir(), "tor")
	require.NoError(t, os.WriteFile(stub, []byte("#!/bin/sh\necho 'Tor version 0.4.8.10.'\n"), 0o755))

	d := NewDiscoverer(&Config{TorPath: stub})

	path, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, stub, path)
}

// TestDiscoverExplicitPathMissing verifies a bogus explicit path fails
// without falling back to PATH.
func TestDiscoverExplicitPathMissing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "no_such_tor")

	d := NewDiscoverer(&Config{TorPath: missing})

	_, err := d.Discover(context.Background())

	var notFound *errors.TorNotFoundError
	require.True(t, stderr.As(err, &notFound))
	require.Equal(t, []string{missing}, notFound.SearchedPaths)
}

// TestDiscoverVersionCheckTolerant verifies a failing version probe doesn't
// fail discovery.
func TestDiscoverVersionCheckTolerant(t *testing.T) {
	stub := filepath.Join(t.TempDir(), "tor")
	require.NoError(t, os.WriteFile(stub, []byte("#!/bin/sh\nexit 1\n"), 0o755))

	d := NewDiscoverer(&Config{TorPath: stub})

	path, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, stub, path)
}

// TestParseVersionOutput verifies version extraction from `tor --version`.
func TestParseVersionOutput(t *testing.T) {
	version, ok := ParseVersionOutput("Tor version 0.4.8.10.\n")
	require.True(t, ok)
	require.Equal(t, "0.4.8.10", version)

	version, ok = ParseVersionOutput("Tor version 0.2.1.30-alpha (git-b18125a26bd5d747).\nmore output\n")
	require.True(t, ok)
	require.Equal(t, "0.2.1.30-alpha (git-b18125a26bd5d747)", version)

	_, ok = ParseVersionOutput("not tor at all")
	require.False(t, ok)

	_, ok = ParseVersionOutput("")
	require.False(t, ok)
}

// TestCompareVersions verifies component-wise ordering.
func TestCompareVersions(t *testing.T) {
	require.Equal(t, 0, CompareVersions("0.3.5.7", "0.3.5.7"))
	require.Equal(t, -1, CompareVersions("0.3.5.7", "0.4.0.0"))
	require.Equal(t, 1, CompareVersions("0.4.8.10", "0.4.8.9"))
	require.Equal(t, -1, CompareVersions("0.3.5", "0.3.5.7"))
	require.Equal(t, 1, CompareVersions("1.0.0.0", "0.9.9.9"))
}
