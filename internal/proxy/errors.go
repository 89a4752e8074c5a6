package proxy

import "errors"

// Sentinel errors for the data plane and controller, following spec §7's
// requirement for typed, wrapped errors rather than ad hoc strings. The
// teacher's own internal/errors package wasn't retrievable, so these are
// declared fresh here instead. The Controller returns ErrConfigInvalid and
// ErrNoBackendAvailable; no function in this package returns
// ErrDecodeFailed, ErrUpstreamSocket or ErrFrontendSocket.
var (
	ErrConfigInvalid      = errors.New("proxy: invalid configuration")
	ErrDecodeFailed       = errors.New("proxy: failed to decode datagram")
	ErrNoBackendAvailable = errors.New("proxy: no healthy backend available")
	ErrUpstreamSocket     = errors.New("proxy: failed to open upstream socket")
	ErrFrontendSocket     = errors.New("proxy: failed to open frontend socket")
)
