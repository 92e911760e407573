package branch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/change"
	"docsync/config"
	"docsync/coordinator"
	"docsync/errorsx"
	"docsync/ids"
	"docsync/jsonpatch"
	"docsync/serverstore"
)

// fakeOTStore mirrors coordinator's own in-memory test fake but lives here
// since coordinator's unexported memOTServerStore (ot_server_test.go) isn't importable across
// package boundaries.
type fakeOTStore struct {
	changes  map[string][]*change.Change
	versions map[string][]*change.VersionMetadata
	branches map[string]*change.Branch
}

func newFakeOTStore() *fakeOTStore {
	return &fakeOTStore{
		changes:  map[string][]*change.Change{},
		versions: map[string][]*change.VersionMetadata{},
		branches: map[string]*change.Branch{},
	}
}

func (f *fakeOTStore) DocExists(ctx context.Context, docID string) (bool, error) {
	return len(f.changes[docID]) > 0, nil
}
func (f *fakeOTStore) LatestRev(ctx context.Context, docID string) (int64, error) {
	cs := f.changes[docID]
	if len(cs) == 0 {
		return 0, nil
	}
	return cs[len(cs)-1].Rev, nil
}
func (f *fakeOTStore) LoadChangesSince(ctx context.Context, docID string, rev int64) ([]*change.Change, error) {
	var out []*change.Change
	for _, c := range f.changes[docID] {
		if c.Rev > rev {
			out = append(out, c)
		}
	}
	return out, nil
}
func (f *fakeOTStore) LoadChangesInRange(ctx context.Context, docID string, from, to int64) ([]*change.Change, error) {
	var out []*change.Change
	for _, c := range f.changes[docID] {
		if c.Rev > from && c.Rev <= to {
			out = append(out, c)
		}
	}
	return out, nil
}
func (f *fakeOTStore) LoadChangesByIDs(ctx context.Context, docID string, ids []string) ([]*change.Change, error) {
	return nil, nil
}
func (f *fakeOTStore) SaveChanges(ctx context.Context, docID string, changes []*change.Change) error {
	f.changes[docID] = append(f.changes[docID], changes...)
	return nil
}
func (f *fakeOTStore) LoadLatestVersion(ctx context.Context, docID string) (*change.VersionMetadata, bool, error) {
	vs := f.versions[docID]
	if len(vs) == 0 {
		return nil, false, nil
	}
	return vs[len(vs)-1], true, nil
}
func (f *fakeOTStore) SaveVersion(ctx context.Context, docID string, v *change.VersionMetadata) error {
	f.versions[docID] = append(f.versions[docID], v)
	return nil
}
func (f *fakeOTStore) LoadVersionsByGroup(ctx context.Context, docID, groupID string) ([]*change.VersionMetadata, error) {
	var out []*change.VersionMetadata
	for _, v := range f.versions[docID] {
		if v.GroupID == groupID {
			out = append(out, v)
		}
	}
	return out, nil
}
func (f *fakeOTStore) SetTombstone(ctx context.Context, docID string) error   { return nil }
func (f *fakeOTStore) IsTombstoned(ctx context.Context, docID string) (bool, error) {
	return false, nil
}
func (f *fakeOTStore) ClearTombstone(ctx context.Context, docID string) error { return nil }
func (f *fakeOTStore) SaveBranch(ctx context.Context, b *change.Branch) error {
	f.branches[b.ID] = b
	return nil
}
func (f *fakeOTStore) LoadBranch(ctx context.Context, branchID string) (*change.Branch, error) {
	b, ok := f.branches[branchID]
	if !ok {
		return nil, errorsx.ErrBranchNotOpen
	}
	return b, nil
}
func (f *fakeOTStore) UpdateBranchStatus(ctx context.Context, branchID string, status change.BranchStatus) error {
	if b, ok := f.branches[branchID]; ok {
		b.Status = status
	}
	return nil
}
func (f *fakeOTStore) Close(ctx context.Context) error { return nil }

var _ serverstore.OTServerStore = (*fakeOTStore)(nil)

func newTestManager() (*Manager, *fakeOTStore, *coordinator.OTServer) {
	store := newFakeOTStore()
	srv := coordinator.NewOTServer(store, config.DefaultOptions(), nil)
	return NewManager(store, srv, nil), store, srv
}

func seedDoc(t *testing.T, ctx context.Context, srv *coordinator.OTServer, docID string, title string) {
	t.Helper()
	c := []*change.Change{{ID: ids.NewChangeID(), BaseRev: 0, CreatedAt: 1, Ops: []jsonpatch.Op{{Op: jsonpatch.OpAdd, Path: "/title", Value: title}}}}
	_, _, err := srv.CommitChanges(ctx, docID, c, "seed")
	require.NoError(t, err)
}

// TestBranchFastForward implements spec §8 invariant 9: when the source
// has no concurrent changes, the merged source's trailing ops equal the
// branch's ops in order.
func TestBranchFastForward(t *testing.T) {
	mgr, _, srv := newTestManager()
	ctx := context.Background()

	seedDoc(t, ctx, srv, "main", "Hello")
	b, err := mgr.CreateBranch(ctx, "main", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, change.BranchOpen, b.Status)

	branchChange := []*change.Change{{ID: ids.NewChangeID(), BaseRev: 1, CreatedAt: 2, Ops: []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/title", Value: "Branched"}}}}
	_, _, err = srv.CommitChanges(ctx, b.ID, branchChange, "branch-client")
	require.NoError(t, err)

	require.NoError(t, mgr.MergeBranch(ctx, b.ID))

	merged, err := srv.GetDoc(ctx, "main", nil)
	require.NoError(t, err)
	assert.Equal(t, "Branched", merged.State.(map[string]interface{})["title"])

	refreshed, err := mgr.store.LoadBranch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, change.BranchMerged, refreshed.Status)
}

// TestBranchFlattenAndTransform implements spec §4.7's divergent-merge path:
// the source has its own concurrent changes since the branch point, so the
// branch's ops are composed into one change and transformed against them.
func TestBranchFlattenAndTransform(t *testing.T) {
	mgr, _, srv := newTestManager()
	ctx := context.Background()

	seedDoc(t, ctx, srv, "main", "Hello")
	b, err := mgr.CreateBranch(ctx, "main", 1, nil)
	require.NoError(t, err)

	branchChange := []*change.Change{{ID: ids.NewChangeID(), BaseRev: 1, CreatedAt: 2, Ops: []jsonpatch.Op{{Op: jsonpatch.OpAdd, Path: "/fromBranch", Value: true}}}}
	_, _, err = srv.CommitChanges(ctx, b.ID, branchChange, "branch-client")
	require.NoError(t, err)

	// Source diverges concurrently.
	sourceChange := []*change.Change{{ID: ids.NewChangeID(), BaseRev: 1, CreatedAt: 3, Ops: []jsonpatch.Op{{Op: jsonpatch.OpAdd, Path: "/fromMain", Value: true}}}}
	_, _, err = srv.CommitChanges(ctx, "main", sourceChange, "main-client")
	require.NoError(t, err)

	require.NoError(t, mgr.MergeBranch(ctx, b.ID))

	merged, err := srv.GetDoc(ctx, "main", nil)
	require.NoError(t, err)
	state := merged.State.(map[string]interface{})
	assert.Equal(t, true, state["fromMain"])
	assert.Equal(t, true, state["fromBranch"])
}

func TestCreateBranchRefusesBranchOfBranch(t *testing.T) {
	mgr, _, srv := newTestManager()
	ctx := context.Background()

	seedDoc(t, ctx, srv, "main", "Hello")
	b, err := mgr.CreateBranch(ctx, "main", 1, nil)
	require.NoError(t, err)

	_, err = mgr.CreateBranch(ctx, b.ID, 0, nil)
	require.ErrorIs(t, err, errorsx.ErrBranchOfBranch)
}

func TestMergeBranchRequiresOpenStatus(t *testing.T) {
	mgr, _, srv := newTestManager()
	ctx := context.Background()

	seedDoc(t, ctx, srv, "main", "Hello")
	b, err := mgr.CreateBranch(ctx, "main", 1, nil)
	require.NoError(t, err)
	require.NoError(t, mgr.CloseBranch(ctx, b.ID, change.BranchClosed))

	err = mgr.MergeBranch(ctx, b.ID)
	require.ErrorIs(t, err, errorsx.ErrBranchNotOpen)
}

func TestUpdateBranchCannotMutateImmutableFields(t *testing.T) {
	mgr, _, srv := newTestManager()
	ctx := context.Background()
	seedDoc(t, ctx, srv, "main", "Hello")
	b, err := mgr.CreateBranch(ctx, "main", 1, nil)
	require.NoError(t, err)

	updated, err := mgr.UpdateBranch(ctx, b.ID, map[string]interface{}{"note": "renamed"})
	require.NoError(t, err)
	assert.Equal(t, b.ID, updated.ID)
	assert.Equal(t, b.DocID, updated.DocID)
	assert.Equal(t, b.BranchedAtRev, updated.BranchedAtRev)
	assert.Equal(t, b.CreatedAt, updated.CreatedAt)
	assert.Equal(t, b.Status, updated.Status)
	assert.Equal(t, "renamed", updated.Metadata["note"])
}
