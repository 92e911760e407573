package clientalgo

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/change"
	"docsync/clientdoc"
	"docsync/jsonpatch"
)

type memLWWStore struct {
	mu        sync.Mutex
	rev       map[string]int64
	deleted   map[string]bool
	snapshot  map[string]*change.Snapshot
	committed map[string]map[string]*change.LWWOp
	pending   map[string]map[string]*change.LWWOp
	sending   map[string]*change.Change
}

func newMemLWWStore() *memLWWStore {
	return &memLWWStore{
		rev:       map[string]int64{},
		deleted:   map[string]bool{},
		snapshot:  map[string]*change.Snapshot{},
		committed: map[string]map[string]*change.LWWOp{},
		pending:   map[string]map[string]*change.LWWOp{},
		sending:   map[string]*change.Change{},
	}
}

func (m *memLWWStore) LoadDoc(docID string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.rev[docID]
	return rev, ok, nil
}
func (m *memLWWStore) SaveDoc(docID string, committedRev int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rev[docID] = committedRev
	return nil
}
func (m *memLWWStore) MarkDeleted(docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted[docID] = true
	return nil
}
func (m *memLWWStore) IsDeleted(docID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleted[docID], nil
}
func (m *memLWWStore) LoadSnapshot(docID string) (*change.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshot[docID]
	return s, ok, nil
}
func (m *memLWWStore) SaveSnapshot(docID string, snapshot *change.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot[docID] = snapshot
	return nil
}
func (m *memLWWStore) SaveCommittedOps(docID string, ops map[string]*change.LWWOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed[docID] = ops
	return nil
}
func (m *memLWWStore) LoadCommittedOps(docID string) (map[string]*change.LWWOp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.committed[docID]
	if out == nil {
		out = map[string]*change.LWWOp{}
	}
	return out, nil
}
func (m *memLWWStore) SavePendingOps(docID string, ops map[string]*change.LWWOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[docID] = ops
	return nil
}
func (m *memLWWStore) LoadPendingOps(docID string) (map[string]*change.LWWOp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending[docID]
	if out == nil {
		out = map[string]*change.LWWOp{}
	}
	return out, nil
}
func (m *memLWWStore) ClearPendingOps(docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, docID)
	return nil
}
func (m *memLWWStore) SaveSendingChange(docID string, c *change.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sending[docID] = c
	return nil
}
func (m *memLWWStore) LoadSendingChange(docID string) (*change.Change, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sending[docID]
	return c, ok, nil
}
func (m *memLWWStore) ClearSendingChange(docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sending, docID)
	return nil
}
func (m *memLWWStore) Close() error { return nil }

func TestLWWHandleDocChangeConsolidatesByTimestamp(t *testing.T) {
	store := newMemLWWStore()
	lww := NewLWW(store, nil)

	require.NoError(t, lww.HandleDocChange("doc1", []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/name", Value: "Alice", Ts: 1000}}))
	require.NoError(t, lww.HandleDocChange("doc1", []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/name", Value: "Bob", Ts: 900}}))

	pending, _ := store.LoadPendingOps("doc1")
	require.Contains(t, pending, "/name")
	assert.Equal(t, "Alice", pending["/name"].Value) // newer ts wins even though submitted first
}

func TestLWWAncestorWriteDeletesDescendants(t *testing.T) {
	store := newMemLWWStore()
	lww := NewLWW(store, nil)

	require.NoError(t, lww.HandleDocChange("doc1", []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/obj/name", Value: "Alice", Ts: 1000}}))
	pending, _ := store.LoadPendingOps("doc1")
	require.Contains(t, pending, "/obj/name")

	require.NoError(t, lww.HandleDocChange("doc1", []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/obj", Value: "scalar", Ts: 2000}}))
	pending, _ = store.LoadPendingOps("doc1")
	assert.NotContains(t, pending, "/obj/name")
	assert.Contains(t, pending, "/obj")
}

func TestLWWIncMergesAdditively(t *testing.T) {
	store := newMemLWWStore()
	lww := NewLWW(store, nil)

	require.NoError(t, lww.HandleDocChange("doc1", []jsonpatch.Op{{Op: jsonpatch.OpInc, Path: "/n", Value: 2.0, Ts: 1}}))
	require.NoError(t, lww.HandleDocChange("doc1", []jsonpatch.Op{{Op: jsonpatch.OpInc, Path: "/n", Value: 3.0, Ts: 2}}))

	pending, _ := store.LoadPendingOps("doc1")
	assert.Equal(t, 5.0, pending["/n"].Value)
}

func TestLWWGetPendingToSendFormsChangeAndRetriesSameOne(t *testing.T) {
	store := newMemLWWStore()
	lww := NewLWW(store, nil)
	require.NoError(t, lww.HandleDocChange("doc1", []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/a", Value: 1.0, Ts: 1}}))

	c1, err := lww.GetPendingToSend("doc1")
	require.NoError(t, err)
	require.NotNil(t, c1)

	pending, _ := store.LoadPendingOps("doc1")
	assert.Empty(t, pending)

	// Retry path: same sendingChange returned, not a new one.
	c2, err := lww.GetPendingToSend("doc1")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID)
}

func TestLWWConfirmSentMovesToCommittedAndClearsSending(t *testing.T) {
	store := newMemLWWStore()
	lww := NewLWW(store, nil)
	require.NoError(t, lww.HandleDocChange("doc1", []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/a", Value: 1.0, Ts: 1}}))
	_, err := lww.GetPendingToSend("doc1")
	require.NoError(t, err)

	require.NoError(t, lww.ConfirmSent("doc1", 5))

	committed, _ := store.LoadCommittedOps("doc1")
	assert.Contains(t, committed, "/a")
	_, ok, _ := store.LoadSendingChange("doc1")
	assert.False(t, ok)
}

func TestLWWApplyServerChangesNeverClearsSending(t *testing.T) {
	store := newMemLWWStore()
	lww := NewLWW(store, nil)
	require.NoError(t, lww.HandleDocChange("doc1", []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/a", Value: 1.0, Ts: 1}}))
	_, err := lww.GetPendingToSend("doc1")
	require.NoError(t, err)

	doc, err := clientdoc.New("doc1", &change.Snapshot{State: map[string]interface{}{}})
	require.NoError(t, err)

	broadcast := []*change.Change{{ID: "remote1", Rev: 1, Ops: []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/other", Value: "x", Ts: 5}}}}
	require.NoError(t, lww.ApplyServerChanges("doc1", broadcast, doc))

	_, ok, _ := store.LoadSendingChange("doc1")
	assert.True(t, ok, "sendingChange must survive a broadcast from another client")
}
