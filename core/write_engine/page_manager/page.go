package pagemanager

import "math"

// --- Page Identity ---

// PageID represents a stable logical identifier for a page, independent of
// where its content currently lives on disk.
type PageID uint64

// LSN is a log sequence number: the logical byte offset of a record in the
// log. It is signed so that "no LSN yet" can be expressed as -1.
type LSN int64

const InvalidLSN LSN = -1

const (
	// MetaPID holds the name -> root PageID directory.
	MetaPID PageID = 0
	// CounterPID holds the persisted PageID allocation ceiling.
	CounterPID PageID = 1
	// BatchManifestPID tags batch manifest records in the log. It is never
	// a real page.
	BatchManifestPID PageID = math.MaxUint64 - 666

	// FirstAllocatablePID is the lowest id normal allocation hands out.
	FirstAllocatablePID PageID = 2
)

// PageConsolidationThreshold is the number of deltas a fragment chain may
// accumulate before it is folded into a fresh base.
const PageConsolidationThreshold = 10

// IsReserved reports whether pid is one of the ids normal allocation must
// never return.
func (p PageID) IsReserved() bool {
	return p == MetaPID || p == CounterPID || p == BatchManifestPID
}
