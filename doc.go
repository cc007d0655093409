// Package torctl talks to tor over its control port.
//
// The entry point for most uses is Connect, which returns an authenticated
// Controller for a running tor, launching a tor instance of its own when
// nothing is listening on the control endpoint:
//
//	control, err := torctl.Connect(ctx)
//	if err != nil {
//		return err
//	}
//	defer torctl.Stop(ctx, control, false)
//
//	version, err := control.GetVersion(ctx)
//
// The Controller provides typed wrappers for the common control commands
// (GETINFO, GETCONF, SETCONF, SIGNAL and friends) along with raw message
// exchange via Msg for everything else. Authentication is negotiated
// automatically from tor's PROTOCOLINFO response, preferring safe cookie
// authentication when available.
//
// Relay exit policies and server descriptors obtained through the controller
// are parsed by the exitpolicy and descriptor subpackages.
package torctl
