// Package chaterr enumerates the sentinel error kinds shared across the
// wire, reliable, store and server layers.
package chaterr

import "errors"

// Sentinel errors. Callers should compare with errors.Is, since these
// are frequently wrapped with additional context via fmt.Errorf("...: %w").
var (
	// ErrFrameMalformed means a datagram was too short to contain a
	// header, or its body wasn't valid JSON. The caller drops it silently.
	ErrFrameMalformed = errors.New("chaterr: malformed frame")

	// ErrTimedOut means a request's total retransmission budget elapsed
	// without a matching ACK.
	ErrTimedOut = errors.New("chaterr: timed out")

	// ErrNotFound means a referenced user or group does not exist.
	ErrNotFound = errors.New("chaterr: not found")

	// ErrExists means a create operation collided with a uniqueness
	// constraint (duplicate username or group name).
	ErrExists = errors.New("chaterr: already exists")

	// ErrStorage wraps an unexpected storage-layer failure.
	ErrStorage = errors.New("chaterr: storage error")

	// ErrConnectionClosed means the endpoint was closed while the
	// request was outstanding.
	ErrConnectionClosed = errors.New("chaterr: connection closed")

	// ErrOverloaded means the endpoint's outstanding-request table is
	// at capacity and rejected a new send.
	ErrOverloaded = errors.New("chaterr: overloaded")
)
