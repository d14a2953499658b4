package relay

import "errors"

var (
	// ErrDuplicateConnection is returned when a transport handle registers
	// twice without an intervening unregister. A user reconnecting on a new
	// handle is not a duplicate: the stale handle is superseded instead.
	ErrDuplicateConnection = errors.New("relay: duplicate connection")

	// ErrOutOfOrderStatus is returned when a status transition would move
	// a message backward in its lifecycle. Callers log and swallow it.
	ErrOutOfOrderStatus = errors.New("relay: out of order status transition")

	// ErrUnknownStatus is returned for a status outside the lifecycle.
	ErrUnknownStatus = errors.New("relay: unknown status")
)
