package storage

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T, dir string) *BoltDBStorage {
	t.Helper()

	stores, err := NewBoltDBStorage(Options{
		DataDir: dir,
		Logger:  hclog.NewNullLogger(),
	})
	require.NoError(t, err)
	return stores
}

func TestNewBoltDBStores(t *testing.T) {
	stores := openStores(t, t.TempDir())
	defer stores.Close()

	assert.NotNil(t, stores.LogStore)
	assert.NotNil(t, stores.StableStore)
	assert.NotNil(t, stores.SnapshotStore)

	hasState, err := stores.HasState()
	require.NoError(t, err)
	assert.False(t, hasState)
}

func TestNewBoltDBStoresRequiresDir(t *testing.T) {
	_, err := NewBoltDBStorage(Options{})
	assert.Error(t, err)
}

func TestLogStore(t *testing.T) {
	stores := openStores(t, t.TempDir())
	defer stores.Close()

	log := &raft.Log{
		Index: 1,
		Term:  1,
		Type:  raft.LogCommand,
		Data:  []byte("acquire orders"),
	}

	err := stores.LogStore.StoreLog(log)
	require.NoError(t, err)

	retrievedLog := &raft.Log{}
	err = stores.LogStore.GetLog(1, retrievedLog)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), retrievedLog.Index)
	assert.Equal(t, uint64(1), retrievedLog.Term)
	assert.Equal(t, []byte("acquire orders"), retrievedLog.Data)

	hasState, err := stores.HasState()
	require.NoError(t, err)
	assert.True(t, hasState)
}

func TestSnapshotStore(t *testing.T) {
	stores := openStores(t, t.TempDir())
	defer stores.Close()

	sink, err := stores.SnapshotStore.Create(
		raft.SnapshotVersionMax,
		100, // last included index
		1,   // last included term
		raft.Configuration{},
		1,   // configuration index
		nil, // transport
	)
	require.NoError(t, err)

	_, err = sink.Write([]byte(`{"entries":{},"fencing_counter":0}`))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	snapshots, err := stores.SnapshotStore.List()
	require.NoError(t, err)
	require.Len(t, snapshots, 1)

	assert.Equal(t, uint64(100), snapshots[0].Index)
	assert.Equal(t, uint64(1), snapshots[0].Term)
}

func TestStoresPersistence(t *testing.T) {
	dir := t.TempDir()

	stores1 := openStores(t, dir)
	err := stores1.StableStore.SetUint64([]byte("CurrentTerm"), 42)
	require.NoError(t, err)
	require.NoError(t, stores1.Close())

	stores2 := openStores(t, dir)
	defer stores2.Close()

	term, err := stores2.StableStore.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), term)
}
