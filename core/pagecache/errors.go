package pagecache

import "errors"

// --- Error Definitions ---

var (
	// ErrCollectionNotFound is returned by MetaPidForName when no tree is
	// registered under the name.
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrFreeRaced means a page was freed through a pointer that was no
	// longer its current state. It indicates a lost update elsewhere.
	ErrFreeRaced = errors.New("freed page was not the current occupant of its id")

	ErrUnsupportedPageID    = errors.New("operation not supported on this page id")
	ErrPageNotFound         = errors.New("page not found")
	ErrPageFreed            = errors.New("page has been freed")
	ErrClosed               = errors.New("page cache is closed")
	ErrCorruption           = errors.New("page cache state is corrupt")
	ErrBatchConflict        = errors.New("batch page changed concurrently")
	ErrInvalidConfig        = errors.New("invalid page cache configuration")
	ErrSnapshotCorrupt      = errors.New("snapshot checksum mismatch")
	ErrPageIDSpaceExhausted = errors.New("page id space exhausted")
	ErrInvalidFrag          = errors.New("fragment kind not valid for this operation")
)
