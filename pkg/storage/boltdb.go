package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

const (
	dbFile      = "raft.db"
	snapshotDir = "snapshots"

	defaultSnapshotRetain = 3
)

type Options struct {
	DataDir        string
	SnapshotRetain int //snapshots kept on disk, defaults to 3
	Logger         hclog.Logger
}

// BoltDBStorage wraps Raft's BoltDB storage components
// logstore : stores the Raft log entries
// stablestore : stores stable Raft metadata [stable = survives restarts]
// snapshotstore : stores snapshots of the lock table
type BoltDBStorage struct {
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore

	db *raftboltdb.BoltStore
}

func NewBoltDBStorage(opts Options) (*BoltDBStorage, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("storage: data dir required")
	}
	if opts.SnapshotRetain <= 0 {
		opts.SnapshotRetain = defaultSnapshotRetain
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}

	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	//boltDB is used for both log and stable storage
	boltDB, err := raftboltdb.New(raftboltdb.Options{
		Path: filepath.Join(opts.DataDir, dbFile),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store: %w", err)
	}

	//snapshot store (file-based)
	snapshots, err := raft.NewFileSnapshotStoreWithLogger(
		filepath.Join(opts.DataDir, snapshotDir),
		opts.SnapshotRetain,
		opts.Logger.Named("snapshots"),
	)
	if err != nil {
		boltDB.Close()
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	opts.Logger.Debug("opened raft storage", "dir", opts.DataDir)

	return &BoltDBStorage{
		LogStore:      boltDB,
		StableStore:   boltDB,
		SnapshotStore: snapshots,
		db:            boltDB,
	}, nil
}

// reports whether the data dir already holds raft state
// a node with existing state must not bootstrap again
func (b *BoltDBStorage) HasState() (bool, error) {
	return raft.HasExistingState(b.LogStore, b.StableStore, b.SnapshotStore)
}

func (b *BoltDBStorage) Close() error {
	return b.db.Close()
}
