package domain

import "errors"

// Sentinel errors shared across components. Callers branch on these with
// errors.Is; everything else is treated as an unexpected fault and logged.
var (
	// ErrChannelUnavailable means no transport is Ready to carry a command.
	ErrChannelUnavailable = errors.New("no transport available")

	// ErrAuthFailed means the transport rejected our credentials. Terminal
	// for that transport until a manual reconnect or a config change.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrAlreadyRunning is returned by Start when the process is not
	// Stopped or Crashed.
	ErrAlreadyRunning = errors.New("server process already running")

	// ErrNotRunning is returned by Stop/Kill when there is no process.
	ErrNotRunning = errors.New("server process not running")

	// ErrRequestTimeout means a transport request got no response in time.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrUnsupported means the transport has no equivalent of the query.
	ErrUnsupported = errors.New("operation not supported by transport")
)
