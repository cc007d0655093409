package response

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ferrovax/torctl/internal/errors"
)

// TestParseGetInfo verifies entry extraction including data block values.
func TestParseGetInfo(t *testing.T) {
	msg := NewMessage([]Entry{
		{Code: "250", Divider: "-", Content: "version=0.2.3.11-alpha-dev"},
		{Code: "250", Divider: "+", Content: "config-text=\nControlPort 9051\nDataDirectory /tmp/tor"},
		{Code: "250", Divider: " ", Content: "OK"},
	})

	reply, err := ParseGetInfo(msg)
	require.NoError(t, err)

	require.Equal(t, "0.2.3.11-alpha-dev", reply.Entries["version"])
	require.Equal(t, "ControlPort 9051\nDataDirectory /tmp/tor", reply.Entries["config-text"])

	require.NoError(t, reply.AssertMatches([]string{"version", "config-text"}))
	require.Error(t, reply.AssertMatches([]string{"version"}))
	require.Error(t, reply.AssertMatches([]string{"version", "fingerprint"}))
}

// TestParseGetInfoUnrecognizedKey verifies the offending key is extracted
// from a 552 response.
func TestParseGetInfoUnrecognizedKey(t *testing.T) {
	msg := NewMessage([]Entry{
		{Code: "552", Divider: " ", Content: "Unrecognized key \"blackhole\""},
	})

	_, err := ParseGetInfo(msg)

	var argsErr *errors.InvalidArgumentsError
	require.True(t, stderrors.As(err, &argsErr))
	require.Equal(t, []string{"blackhole"}, argsErr.Arguments)
	require.Equal(t, "552", argsErr.Code)
}

// TestParseGetInfoUnsatisfiable verifies a 551 response maps to the
// unsatisfiable request error rather than a protocol error.
func TestParseGetInfoUnsatisfiable(t *testing.T) {
	msg := NewMessage([]Entry{
		{Code: "551", Divider: " ", Content: "Internal error"},
	})

	_, err := ParseGetInfo(msg)

	var unsatErr *errors.UnsatisfiableRequestError
	require.True(t, stderrors.As(err, &unsatErr))
	require.Equal(t, "551", unsatErr.Code)
	require.Equal(t, "Internal error", unsatErr.Message)
}

// TestParseGetConf verifies value accumulation and unset options.
func TestParseGetConf(t *testing.T) {
	msg := NewMessage([]Entry{
		{Code: "250", Divider: "-", Content: "CookieAuthentication=0"},
		{Code: "250", Divider: "-", Content: "ControlPort=9100"},
		{Code: "250", Divider: "-", Content: "ControlPort=9101"},
		{Code: "250", Divider: " ", Content: "DirPort"},
	})

	reply, err := ParseGetConf(msg)
	require.NoError(t, err)

	require.Equal(t, []string{"0"}, reply.Entries["CookieAuthentication"])
	require.Equal(t, []string{"9100", "9101"}, reply.Entries["ControlPort"])
	require.Equal(t, []string{""}, reply.Entries["DirPort"])
}

// TestParseGetConfAllDefault verifies a bare OK means no explicit values.
func TestParseGetConfAllDefault(t *testing.T) {
	msg := NewMessage([]Entry{{Code: "250", Divider: " ", Content: "OK"}})

	reply, err := ParseGetConf(msg)
	require.NoError(t, err)
	require.Empty(t, reply.Entries)
}

// TestParseGetConfUnrecognized verifies all unknown keys are collected.
func TestParseGetConfUnrecognized(t *testing.T) {
	msg := NewMessage([]Entry{
		{Code: "552", Divider: "-", Content: "Unrecognized configuration key \"brickroad\""},
		{Code: "552", Divider: " ", Content: "Unrecognized configuration key \"submarine\""},
	})

	_, err := ParseGetConf(msg)

	var argsErr *errors.InvalidArgumentsError
	require.True(t, stderrors.As(err, &argsErr))
	require.Equal(t, []string{"brickroad", "submarine"}, argsErr.Arguments)
}

// TestParseMapAddress verifies accepted mappings and partial failures.
func TestParseMapAddress(t *testing.T) {
	msg := NewMessage([]Entry{
		{Code: "250", Divider: "-", Content: "127.192.10.10=torproject.org"},
		{Code: "250", Divider: " ", Content: "1.2.3.4=tor.freehaven.net"},
	})

	mappings, err := ParseMapAddress(msg)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"127.192.10.10": "torproject.org",
		"1.2.3.4":       "tor.freehaven.net",
	}, mappings)

	// partial success keeps the accepted mappings
	msg = NewMessage([]Entry{
		{Code: "512", Divider: "-", Content: "syntax error in MAPADDRESS argument"},
		{Code: "250", Divider: " ", Content: "1.2.3.4=tor.freehaven.net"},
	})

	mappings, err = ParseMapAddress(msg)
	require.NoError(t, err)
	require.Len(t, mappings, 1)

	// complete failure surfaces the error
	msg = NewMessage([]Entry{
		{Code: "512", Divider: " ", Content: "syntax error in MAPADDRESS argument"},
	})

	_, err = ParseMapAddress(msg)

	var reqErr *errors.InvalidRequestError
	require.True(t, stderrors.As(err, &reqErr))
}
