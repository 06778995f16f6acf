package pagecache

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"

	pagemanager "github.com/Crixalis2013/sled/core/write_engine/page_manager"
	"github.com/Crixalis2013/sled/core/write_engine/wal"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	snapshotPrefix = "snap."
	snapshotTmp    = ".tmp"
)

// snapshot is the persisted page table. Pages map to the records holding
// their state at LSN; records at or below a page's LSN are not replayed.
type snapshot struct {
	ID        string
	StableLSN wal.LSN
	Pages     map[uint64]snapshotPage
}

type snapshotPage struct {
	Kind byte
	LSN  wal.LSN
	Ptrs []snapshotPtr
}

type snapshotPtr struct {
	LSN    wal.LSN
	Offset int64
	Size   int64
	Blob   bool
}

func snapshotPath(dir string, stable wal.LSN) string {
	return filepath.Join(dir, fmt.Sprintf("%s%020d", snapshotPrefix, stable))
}

// takeSnapshot persists every page whose records are all stable, then lets
// the covered free records go.
func (pc *PageCache) takeSnapshot() error {
	pc.snapshotMu.Lock()
	defer pc.snapshotMu.Unlock()
	_, err := pc.takeSnapshotLocked()
	return err
}

// takeSnapshotLocked writes a snapshot and returns its path. snapshotMu
// must be held.
func (pc *PageCache) takeSnapshotLocked() (string, error) {
	stable := pc.log.StableLSN()
	snap := &snapshot{
		ID:        uuid.NewString(),
		StableLSN: stable,
		Pages:     make(map[uint64]snapshotPage),
	}
	covered := make(map[pagemanager.PageID]*pageState)
	pc.table.forEach(pc.pidLimit(), func(pid pagemanager.PageID, st *pageState) {
		if st.lsn() < 0 || st.lsn() >= stable {
			return
		}
		sp := snapshotPage{Kind: byte(st.kind), LSN: st.lsn()}
		for _, p := range st.ptrs {
			sp.Ptrs = append(sp.Ptrs, snapshotPtr{LSN: p.LSN, Offset: p.Offset, Size: p.Size, Blob: p.Blob})
		}
		snap.Pages[uint64(pid)] = sp
		if st.kind == kindFree && len(st.ptrs) > 0 {
			covered[pid] = st
		}
	})

	if err := writeSnapshot(pc.cfg.Path, snap); err != nil {
		return "", err
	}
	pc.metrics.SnapshotsCounter.Add(context.Background(), 1)

	// Tombstones in the snapshot no longer need their free records.
	for pid, st := range covered {
		next := &pageState{kind: kindFree, version: st.version, freedAt: st.freedAt}
		if pc.table.cas(pid, st, next) {
			if err := pc.acct.MarkReplaced(pid, st.ptrs, -1); err != nil {
				return "", err
			}
		}
	}

	pc.logger.Info("snapshot written",
		zap.String("id", snap.ID),
		zap.Int64("stable_lsn", int64(stable)),
		zap.Int("pages", len(snap.Pages)),
		zap.Int("released_tombstones", len(covered)),
	)
	return snapshotPath(pc.cfg.Path, stable), nil
}

// writeSnapshot writes snap atomically and removes older snapshots.
func writeSnapshot(dir string, snap *snapshot) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	data := binary.LittleEndian.AppendUint32(buf.Bytes(), crc32.ChecksumIEEE(buf.Bytes()))

	final := snapshotPath(dir, snap.StableLSN)
	tmp := final + snapshotTmp
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create snapshot %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write snapshot %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync snapshot %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to install snapshot %s: %w", final, err)
	}
	if err := syncDir(dir); err != nil {
		return err
	}

	names, err := listSnapshots(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		if path := filepath.Join(dir, name); path != final {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to remove old snapshot %s: %w", path, err)
			}
		}
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open directory %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory %s: %w", dir, err)
	}
	return nil
}

// listSnapshots returns the installed snapshot file names, oldest first.
// Leftover temporary files are removed.
func listSnapshots(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, snapshotPrefix) || e.IsDir() {
			continue
		}
		if strings.HasSuffix(name, snapshotTmp) {
			os.Remove(filepath.Join(dir, name))
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// loadLatestSnapshot returns the newest snapshot, or nil if there is none.
func loadLatestSnapshot(dir string, logger *zap.Logger) (*snapshot, error) {
	names, err := listSnapshots(dir)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	path := filepath.Join(dir, names[len(names)-1])
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %s is truncated", ErrSnapshotCorrupt, path)
	}
	body, sum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotCorrupt, path)
	}
	snap := &snapshot{}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSnapshotCorrupt, path, err)
	}
	logger.Info("snapshot loaded",
		zap.String("id", snap.ID),
		zap.Int64("stable_lsn", int64(snap.StableLSN)),
		zap.Int("pages", len(snap.Pages)),
	)
	return snap, nil
}
