package rowstore

import "errors"

// Error classification sentinels.
//
// Callers MUST classify errors using [errors.Is]; implementations may wrap
// these with additional context via fmt.Errorf's %w.
var (
	// ErrNotADirectory is returned by [Open] when path exists and is not a directory.
	ErrNotADirectory = errors.New("rowstore: not a directory")

	// ErrBusy is returned by [Open] when another engine already holds path's lock.
	ErrBusy = errors.New("rowstore: busy")

	// ErrClosed is returned by any operation attempted after [Engine.Close].
	ErrClosed = errors.New("rowstore: closed")

	// ErrPayloadTooLarge is returned by [Tx.Append] when the entry exceeds 65,535 bytes.
	ErrPayloadTooLarge = errors.New("rowstore: payload too large")
)
