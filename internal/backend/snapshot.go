package backend

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Snapshot file names inside Config.SnapshotDir.
const (
	snapshotRecordsFile = "index.gob"
	snapshotGraphFile   = "graph.bin"
	chromemDirName      = "chromem"
)

// ErrNoSnapshot is returned by RestoreSnapshot when there is nothing to
// restore: no snapshot directory configured, no file yet, or a snapshot
// written under a different collection configuration. The caller rebuilds
// from the vector table.
var ErrNoSnapshot = errors.New("backend: no snapshot available")

// CorruptSnapshotError reports a snapshot file that exists but cannot be
// decoded. The caller logs it and rebuilds from the vector table.
type CorruptSnapshotError struct {
	Path  string
	Cause error
}

func (e *CorruptSnapshotError) Error() string {
	return fmt.Sprintf("backend: corrupt snapshot %s: %v", e.Path, e.Cause)
}

func (e *CorruptSnapshotError) Unwrap() error { return e.Cause }

// Snapshotter is implemented by backends that persist their index contents
// between runs. Snapshots are stamped with the collection epoch at save
// time; a restore whose epoch does not match the durable change log is
// discarded in favor of a table rebuild.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context, epoch uint64) error
	RestoreSnapshot(ctx context.Context) (uint64, error)
}

// snapshotEnvelope is the gob payload shared by the snapshotting backends.
type snapshotEnvelope struct {
	Epoch   uint64
	Dims    int
	Metric  string
	Records []snapshotRecord
}

type snapshotRecord struct {
	ID       string
	Vector   []float32
	Metadata map[string]any
}

func init() {
	// Canonical scalar types that appear as metadata values; gob requires
	// concrete registration for interface-typed fields.
	gob.Register("")
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(false)
}

// writeSnapshot encodes env to path via a temp file and rename, so a crash
// mid-write leaves the previous snapshot intact.
func writeSnapshot(path string, env snapshotEnvelope) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("backend: create snapshot dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("backend: create snapshot: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(env); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("backend: encode snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("backend: close snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("backend: publish snapshot: %w", err)
	}
	return nil
}

// readSnapshot decodes the envelope at path. A missing file maps to
// ErrNoSnapshot, an undecodable one to CorruptSnapshotError.
func readSnapshot(path string) (snapshotEnvelope, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return snapshotEnvelope{}, ErrNoSnapshot
		}
		return snapshotEnvelope{}, fmt.Errorf("backend: open snapshot: %w", err)
	}
	defer f.Close()

	var env snapshotEnvelope
	if err := gob.NewDecoder(f).Decode(&env); err != nil {
		return snapshotEnvelope{}, &CorruptSnapshotError{Path: path, Cause: err}
	}
	return env, nil
}

// checkSnapshotConfig treats a snapshot written under another dimensionality
// or metric as absent rather than corrupt; the table rebuild produces the
// correct index either way.
func checkSnapshotConfig(env snapshotEnvelope, cfg Config) error {
	if env.Dims != cfg.Dims || env.Metric != string(cfg.Metric) {
		return ErrNoSnapshot
	}
	return nil
}
