package coordinator

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/change"
	"docsync/config"
	"docsync/errorsx"
	"docsync/ids"
	"docsync/jsonpatch"
)

// memOTServerStore is an in-memory docsync/serverstore.OTServerStore fake.
type memOTServerStore struct {
	mu       sync.Mutex
	changes  map[string][]*change.Change
	versions map[string][]*change.VersionMetadata
	tomb     map[string]bool
	branches map[string]*change.Branch
}

func newMemOTServerStore() *memOTServerStore {
	return &memOTServerStore{
		changes:  map[string][]*change.Change{},
		versions: map[string][]*change.VersionMetadata{},
		tomb:     map[string]bool{},
		branches: map[string]*change.Branch{},
	}
}

func (m *memOTServerStore) DocExists(ctx context.Context, docID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.changes[docID]) > 0, nil
}

func (m *memOTServerStore) LatestRev(ctx context.Context, docID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.changes[docID]
	if len(cs) == 0 {
		return 0, nil
	}
	return cs[len(cs)-1].Rev, nil
}

func (m *memOTServerStore) LoadChangesSince(ctx context.Context, docID string, rev int64) ([]*change.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*change.Change
	for _, c := range m.changes[docID] {
		if c.Rev > rev {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memOTServerStore) LoadChangesInRange(ctx context.Context, docID string, fromRevExclusive, toRevInclusive int64) ([]*change.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*change.Change
	for _, c := range m.changes[docID] {
		if c.Rev > fromRevExclusive && c.Rev <= toRevInclusive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memOTServerStore) LoadChangesByIDs(ctx context.Context, docID string, ids []string) ([]*change.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*change.Change
	for _, c := range m.changes[docID] {
		if want[c.ID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memOTServerStore) SaveChanges(ctx context.Context, docID string, changes []*change.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes[docID] = append(m.changes[docID], changes...)
	sort.Slice(m.changes[docID], func(i, j int) bool { return m.changes[docID][i].Rev < m.changes[docID][j].Rev })
	return nil
}

func (m *memOTServerStore) LoadLatestVersion(ctx context.Context, docID string) (*change.VersionMetadata, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := m.versions[docID]
	if len(vs) == 0 {
		return nil, false, nil
	}
	return vs[len(vs)-1], true, nil
}

func (m *memOTServerStore) SaveVersion(ctx context.Context, docID string, v *change.VersionMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[docID] = append(m.versions[docID], v)
	return nil
}

func (m *memOTServerStore) LoadVersionsByGroup(ctx context.Context, docID, groupID string) ([]*change.VersionMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*change.VersionMetadata
	for _, v := range m.versions[docID] {
		if v.GroupID == groupID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *memOTServerStore) SetTombstone(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tomb[docID] = true
	return nil
}
func (m *memOTServerStore) IsTombstoned(ctx context.Context, docID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tomb[docID], nil
}
func (m *memOTServerStore) ClearTombstone(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tomb, docID)
	return nil
}

func (m *memOTServerStore) SaveBranch(ctx context.Context, b *change.Branch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branches[b.ID] = b
	return nil
}
func (m *memOTServerStore) LoadBranch(ctx context.Context, branchID string) (*change.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.branches[branchID]
	if !ok {
		return nil, errorsx.ErrBranchNotOpen
	}
	return b, nil
}
func (m *memOTServerStore) UpdateBranchStatus(ctx context.Context, branchID string, status change.BranchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.branches[branchID]; ok {
		b.Status = status
	}
	return nil
}
func (m *memOTServerStore) Close(ctx context.Context) error { return nil }

func newTestOTServer() (*OTServer, *memOTServerStore) {
	store := newMemOTServerStore()
	cfg := config.DefaultOptions()
	return NewOTServer(store, cfg, nil), store
}

// TestS1OTBasicRoundTrip implements spec §8 scenario S1.
func TestS1OTBasicRoundTrip(t *testing.T) {
	srv, _ := newTestOTServer()
	ctx := context.Background()
	docID := "d1"

	incoming := []*change.Change{{
		ID: ids.NewChangeID(), BaseRev: 0, CreatedAt: 1,
		Ops: []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/title", Value: "World"}},
	}}
	_, transformed, err := srv.CommitChanges(ctx, docID, incoming, "clientA")
	require.NoError(t, err)
	require.Len(t, transformed, 1)
	assert.Equal(t, int64(1), transformed[0].Rev)

	doc, err := srv.GetDoc(ctx, docID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Rev)
	assert.Equal(t, "World", doc.State.(map[string]interface{})["title"])
}

// TestS3OTSameFieldConflict implements spec §8 scenario S3: the
// later-committed replace at the same path wins.
func TestS3OTSameFieldConflict(t *testing.T) {
	srv, _ := newTestOTServer()
	ctx := context.Background()
	docID := "d1"

	changeA := []*change.Change{{ID: ids.NewChangeID(), BaseRev: 0, CreatedAt: 1, Ops: []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/title", Value: "From A"}}}}
	_, transformedA, err := srv.CommitChanges(ctx, docID, changeA, "A")
	require.NoError(t, err)
	require.Len(t, transformedA, 1)
	assert.Equal(t, int64(1), transformedA[0].Rev)

	changeB := []*change.Change{{ID: ids.NewChangeID(), BaseRev: 0, CreatedAt: 2, Ops: []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/title", Value: "From B"}}}}
	_, transformedB, err := srv.CommitChanges(ctx, docID, changeB, "B")
	require.NoError(t, err)
	require.Len(t, transformedB, 1)
	assert.Equal(t, int64(2), transformedB[0].Rev)

	doc, err := srv.GetDoc(ctx, docID, nil)
	require.NoError(t, err)
	assert.Equal(t, "From B", doc.State.(map[string]interface{})["title"])
	assert.Equal(t, int64(2), doc.Rev)
}

// TestIdempotentCommit implements spec §8 property 4.
func TestIdempotentCommit(t *testing.T) {
	srv, _ := newTestOTServer()
	ctx := context.Background()
	docID := "d1"

	batch := []*change.Change{{ID: ids.NewChangeID(), BaseRev: 0, CreatedAt: 1, Ops: []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/x", Value: 1.0}}}}
	_, transformed1, err := srv.CommitChanges(ctx, docID, batch, "A")
	require.NoError(t, err)
	require.Len(t, transformed1, 1)

	_, transformed2, err := srv.CommitChanges(ctx, docID, batch, "A")
	require.NoError(t, err)
	assert.Empty(t, transformed2)

	doc, err := srv.GetDoc(ctx, docID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Rev)
}

func TestClientAheadOfServerRejected(t *testing.T) {
	srv, _ := newTestOTServer()
	ctx := context.Background()
	bad := []*change.Change{{ID: ids.NewChangeID(), BaseRev: 5, CreatedAt: 1, Ops: []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/x", Value: 1.0}}}}
	_, _, err := srv.CommitChanges(ctx, "d1", bad, "A")
	require.ErrorIs(t, err, errorsx.ErrClientAheadOfServer)
}

func TestBaseRevMismatchInBatchRejected(t *testing.T) {
	srv, _ := newTestOTServer()
	ctx := context.Background()
	bad := []*change.Change{
		{ID: ids.NewChangeID(), BaseRev: 0, CreatedAt: 1, Ops: []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/x", Value: 1.0}}},
		{ID: ids.NewChangeID(), BaseRev: 1, CreatedAt: 1, Ops: []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/y", Value: 1.0}}},
	}
	_, _, err := srv.CommitChanges(ctx, "d1", bad, "A")
	require.ErrorIs(t, err, errorsx.ErrBaseRevMismatchInBatch)
}

func TestGetChangesSinceReturnsAscending(t *testing.T) {
	srv, _ := newTestOTServer()
	ctx := context.Background()
	docID := "d1"
	for i := 0; i < 3; i++ {
		c := []*change.Change{{ID: ids.NewChangeID(), BaseRev: int64(i), CreatedAt: int64(i + 1), Ops: []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/n", Value: float64(i)}}}}
		_, _, err := srv.CommitChanges(ctx, docID, c, "A")
		require.NoError(t, err)
	}
	changes, err := srv.GetChangesSince(ctx, docID, 1)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, int64(2), changes[0].Rev)
	assert.Equal(t, int64(3), changes[1].Rev)
}

func TestDeleteDocSetsTombstoneAndBroadcasts(t *testing.T) {
	srv, store := newTestOTServer()
	ctx := context.Background()

	received := make(chan string, 1)
	srv.OnDocDeleted(func(ev DocDeletedEvent) { received <- ev.DocID })
	require.NoError(t, srv.DeleteDoc(ctx, "d1"))

	tomb, err := store.IsTombstoned(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, tomb)

	select {
	case docID := <-received:
		assert.Equal(t, "d1", docID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for docDeleted signal")
	}
}
