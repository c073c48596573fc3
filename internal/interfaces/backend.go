// Package interfaces defines the contracts shared by the queue engine,
// the targets and the public ublk package.
package interfaces

// Backend is synchronous byte-addressed storage. A Backend becomes a
// Target through target.NewSync, which serves every request inline on
// the queue goroutine. It is similar to io.ReaderAt / io.WriterAt for
// familiarity and composability.
type Backend interface {
	// ReadAt reads len(p) bytes into p starting at offset off.
	// Implementations must not retain p.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p at offset off.
	// WriteAt must return a non-nil error if it returns n < len(p).
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the size of the backend in bytes. It becomes the
	// device capacity unless the device parameters override it.
	Size() int64

	// Close releases resources. No other method is called afterwards.
	Close() error

	// Flush makes previous writes durable (REQ_OP_FLUSH)
	Flush() error
}

// DiscardBackend is an optional interface for TRIM/DISCARD support
type DiscardBackend interface {
	Backend

	// Discard deallocates the byte range [offset, offset+length)
	Discard(offset, length int64) error
}

// WriteZeroesBackend is an optional interface for efficient zero-writing
type WriteZeroesBackend interface {
	Backend

	// WriteZeroes zeroes the byte range [offset, offset+length)
	WriteZeroes(offset, length int64) error
}

// StatBackend is an optional interface that provides backend statistics
type StatBackend interface {
	Backend

	// Stats returns backend-specific counters
	Stats() map[string]interface{}
}
