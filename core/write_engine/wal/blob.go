package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
)

// Payloads at or above segmentSize/MinimumItemsPerSegment are written to
// their own file under blobs/ and the log record carries only the blob id,
// which is the record's LSN. A blob file is crc32(4) | payload.

// BlobDirName is the directory under the database path holding blob files.
const BlobDirName = "blobs"

func blobPath(dir string, id LSN) string {
	return filepath.Join(dir, fmt.Sprintf("%020d", id))
}

func writeBlob(dir string, id LSN, payload []byte) error {
	path := blobPath(dir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create blob %s: %w", path, err)
	}
	var crc [4]byte
	binary.LittleEndian.PutUint32(crc[:], crc32.ChecksumIEEE(payload))
	if _, err := f.Write(crc[:]); err != nil {
		f.Close()
		return fmt.Errorf("failed to write blob %s: %w", path, err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return fmt.Errorf("failed to write blob %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync blob %s: %w", path, err)
	}
	return f.Close()
}

func readBlob(dir string, id LSN) ([]byte, error) {
	path := blobPath(dir, id)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: blob %d is %d bytes", ErrChecksum, id, len(data))
	}
	payload := data[4:]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(data[:4]) {
		return nil, fmt.Errorf("%w: blob %d", ErrChecksum, id)
	}
	return payload, nil
}

func removeBlob(dir string, id LSN) error {
	if err := os.Remove(blobPath(dir, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove blob %d: %w", id, err)
	}
	return nil
}

func blobID(payload []byte) (LSN, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("%w: blob pointer is %d bytes", ErrCorruptHeader, len(payload))
	}
	return LSN(binary.LittleEndian.Uint64(payload)), nil
}
