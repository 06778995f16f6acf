package wal

import "fmt"

// Reservation is a record copied into a segment buffer whose fate is not yet
// decided. Exactly one of Complete or Abort must be called.
type Reservation struct {
	lm     *LogManager
	buf    *ioBuffer
	off    int
	done   bool
	Header MessageHeader
	Ptr    DiskPtr
}

// LSN returns the LSN assigned to the reserved record.
func (r *Reservation) LSN() LSN { return r.Ptr.LSN }

// Complete marks the record as part of the log. It does not wait for the
// record to become durable.
func (r *Reservation) Complete() (DiskPtr, error) {
	lm := r.lm
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if err := r.resolveLocked(); err != nil {
		return r.Ptr, err
	}
	return r.Ptr, lm.drainLocked(false)
}

// Abort rewrites the record as KindCanceled so recovery skips it. The space
// it occupies stays in the segment.
func (r *Reservation) Abort() error {
	lm := r.lm
	lm.mu.Lock()
	if err := r.resolveLocked(); err != nil {
		lm.mu.Unlock()
		return err
	}
	raw := r.buf.data[r.off : r.off+int(r.Ptr.Size)]
	header := r.Header
	header.Kind = KindCanceled
	header.encodeInto(raw[:MaxMsgHeaderLen], raw[MaxMsgHeaderLen:])
	r.Header = header
	err := lm.drainLocked(false)
	lm.mu.Unlock()

	if r.Ptr.Blob {
		if rmErr := removeBlob(lm.blobDir, r.Ptr.LSN); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// SetManifestEnd rewrites an unresolved batch manifest to point at the last
// record of its batch.
func (r *Reservation) SetManifestEnd(end LSN) error {
	if r.Header.Kind != KindBatchManifest {
		return fmt.Errorf("reservation at lsn %d is a %s, not a batch manifest", r.Ptr.LSN, r.Header.Kind)
	}
	lm := r.lm
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if r.done {
		return fmt.Errorf("reservation at lsn %d already resolved", r.Ptr.LSN)
	}
	raw := r.buf.data[r.off : r.off+int(r.Ptr.Size)]
	payload := EncodeManifest(end)
	if len(payload) != len(raw)-MaxMsgHeaderLen {
		return fmt.Errorf("%w: manifest payload size changed", ErrCorruptHeader)
	}
	copy(raw[MaxMsgHeaderLen:], payload)
	header := r.Header
	header.encodeInto(raw[:MaxMsgHeaderLen], raw[MaxMsgHeaderLen:])
	r.Header = header
	return nil
}

func (r *Reservation) resolveLocked() error {
	if r.done {
		return fmt.Errorf("reservation at lsn %d already resolved", r.Ptr.LSN)
	}
	r.done = true
	delete(r.buf.unresolved, r.off)
	r.lm.stableCond.Broadcast()
	return nil
}
