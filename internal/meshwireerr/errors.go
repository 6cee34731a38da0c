// Package meshwireerr defines the sentinel error kinds shared across the
// mesh routing and delivery engine, wrapped with call-site context via
// fmt.Errorf("%w: ...") rather than a bespoke error-code type.
package meshwireerr

import "errors"

var (
	// ErrMalformedPacket is returned by the codec or by verify when a
	// packet fails to decode or its integrity digest does not match.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrTransportUnavailable is returned by the selector when no
	// transport can be attempted, or by the delivery pipeline when
	// every attempted transport failed.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrDurableStoreError marks a local durable-store read or write
	// failure.
	ErrDurableStoreError = errors.New("durable store error")

	// ErrIdentityUnavailable is fatal to initialize(): the node could
	// not produce or load a stable identifier.
	ErrIdentityUnavailable = errors.New("identity unavailable")
)

// Is reports whether err wraps target, delegating to errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
