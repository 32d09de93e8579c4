package session

import "errors"

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	// ErrAddressResolution marks a textual multicast address that could
	// not be parsed or resolved.
	ErrAddressResolution = errors.New("address_resolution")
	// ErrSocket marks a failed multicast join (no socket available).
	ErrSocket = errors.New("socket_join")
)
