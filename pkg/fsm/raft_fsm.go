package fsm

import (
	"io"
	"time"

	"github.com/hashicorp/raft"
	jsoniter "github.com/json-iterator/go"
	"github.com/pixperk/clusterlock/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// adapter to bridge Raft FSM with our internal FSM
type RaftFSM struct {
	fsm *FSM
}

func NewRaftFSM() *RaftFSM {
	return &RaftFSM{
		fsm: NewFSM(),
	}
}

// underlying state machine, for reads
func (rf *RaftFSM) State() *FSM {
	return rf.fsm
}

// errors are returned as the response value, raft.ApplyFuture.Error only
// reports replication failures
func (rf *RaftFSM) Apply(log *raft.Log) any {
	//s1 : decode the protowire command
	cmd, err := types.DecodeCommand(log.Data)
	if err != nil {
		return err
	}

	//s2 : apply it to the state machine
	result, err := rf.fsm.Apply(cmd)
	if err != nil {
		return err
	}

	return result
}

// create a snapshot of the current FSM state
func (rf *RaftFSM) Snapshot() (raft.FSMSnapshot, error) {
	rf.fsm.mu.RLock()
	defer rf.fsm.mu.RUnlock()

	snapshot := &fsmSnapshot{
		Entries:        make(map[string]*types.LockEntry, len(rf.fsm.entries)),
		FencingCounter: rf.fsm.fencingCounter,
		LastApplied:    rf.fsm.lastApplied,
	}

	//deep copy entries
	for name, e := range rf.fsm.entries {
		snapshot.Entries[name] = e.Clone()
	}

	return snapshot, nil
}

// restores FSM state from snapshot
// when a node falls behind and needs to catch up or a new node joins
func (rf *RaftFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(snapshot).Decode(&snap); err != nil {
		return err
	}
	if snap.Entries == nil {
		snap.Entries = make(map[string]*types.LockEntry)
	}
	for _, e := range snap.Entries {
		if e.Holders == nil {
			e.Holders = make(map[string]*types.Holder)
		}
	}

	rf.fsm.mu.Lock()
	rf.fsm.entries = snap.Entries
	rf.fsm.fencingCounter = snap.FencingCounter
	rf.fsm.lastApplied = snap.LastApplied
	observer := rf.fsm.observer
	rf.fsm.mu.Unlock()

	//every waiter has to look again
	if observer != nil {
		observer(Event{Kind: EventReset})
	}
	return nil
}

// point-in-time snapshot of FSM state
type fsmSnapshot struct {
	Entries        map[string]*types.LockEntry `json:"entries"`
	FencingCounter uint64                      `json:"fencing_counter"`
	LastApplied    time.Time                   `json:"last_applied"`
}

// persist snapshot to given sink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel() //fail snapshot on error
		return err
	}
	return sink.Close() //mark snapshot as complete
}

// called when snapshot is no longer needed
// we have no resources to clean up here
func (s *fsmSnapshot) Release() {}
