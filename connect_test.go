package torctl

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestAskConfirm verifies only an explicit yes counts.
func TestAskConfirm(t *testing.T) {
	cases := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"Y\n", true},
		{"yes\n", true},
		{" YES \n", true},
		{"n\n", false},
		{"no\n", false},
		{"\n", false},
		{"", false}, // EOF without an answer
		{"anything else\n", false},
	}

	for _, tc := range cases {
		var out bytes.Buffer

		got := askConfirm(strings.NewReader(tc.input), &out, "Shut down? (y/N) ")
		require.Equal(t, tc.want, got, "input %q", tc.input)
		require.Contains(t, out.String(), "(y/N)")
	}
}

// TestPrintUsage verifies the banner mentions what the prompt is for and how
// to leave it.
func TestPrintUsage(t *testing.T) {
	var out bytes.Buffer

	PrintUsage(&out)

	banner := out.String()
	require.Contains(t, banner, "torctl prompt")
	require.Contains(t, banner, "control")
	require.Contains(t, banner, "GETINFO version")
	require.Contains(t, banner, "quit")
}

// TestStopWithoutOwnedTor verifies stopping a controller for a tor we didn't
// launch just closes the connection, with no confirmation prompt.
func TestStopWithoutOwnedTor(t *testing.T) {
	ctrl, _ := newTestController(t, func(cmd string) string {
		return "250 OK\r\n"
	})

	require.False(t, ctrl.OwnsTor())
	require.NoError(t, Stop(context.Background(), ctrl, true))
	require.False(t, ctrl.IsAlive())
}

// TestStopNilController verifies stopping nothing is a no-op.
func TestStopNilController(t *testing.T) {
	require.NoError(t, Stop(context.Background(), nil, true))
}

// TestConnectRefused verifies connect errors surface when nothing is
// listening and no tor binary can be found to launch.
func TestConnectRefused(t *testing.T) {
	// an explicit bogus binary path prevents PATH discovery from finding a
	// real tor and actually launching it
	_, err := Connect(context.Background(),
		WithPort(unusedPort(t)),
		WithTorPath("/nonexistent/tor"),
	)
	require.Error(t, err)
}

// unusedPort finds a port where nothing is listening.
func unusedPort(t *testing.T) int {
	t.Helper()

	fake := newFakeTor(t, func(cmd string) string { return "250 OK\r\n" })
	port := fake.port()

	require.NoError(t, fake.listener.Close())

	return port
}
