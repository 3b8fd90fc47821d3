package blockstore

import "github.com/pkg/errors"

var (
	// ErrInvalidOp rejects a malformed operation at enqueue: missing
	// buffer, zero or misaligned range, or a range past the block end.
	ErrInvalidOp = errors.New("malformed operation")

	// ErrVersionOrder rejects a write or delete whose version is not
	// strictly greater than every version the engine knows for the object.
	ErrVersionOrder = errors.New("out-of-order version for object")

	// ErrClosed rejects operations after Close.
	ErrClosed = errors.New("blockstore is closed")
)
