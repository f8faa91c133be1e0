package core

import "errors"

var (
	ErrPermissionDenied  = errors.New("media permission denied")
	ErrDeviceUnavailable = errors.New("media device unavailable")
	ErrBusy              = errors.New("busy")
	ErrNegotiation       = errors.New("negotiation failed")
	ErrInvalidState      = errors.New("invalid state")
	ErrRoutingMismatch   = errors.New("routing mismatch")
	ErrConnectivityLost  = errors.New("connectivity lost")

	// ErrNotConnected is returned when no signaling connection is bound.
	ErrNotConnected = errors.New("signaling not connected")
	// ErrCancelled is returned when the call was replaced or ended while an operation was in flight.
	ErrCancelled = errors.New("call cancelled")
)
