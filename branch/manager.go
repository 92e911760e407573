// Package branch implements the Branch Manager (spec §4.7): forking a
// document at a revision, and later merging it back by fast-forward or by
// flattening and transforming against the source's concurrent history.
package branch

import (
	"context"
	"fmt"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"docsync/change"
	"docsync/coordinator"
	"docsync/errorsx"
	"docsync/ids"
	"docsync/jsonpatch"
	"docsync/serverstore"
)

// Manager is the Branch Manager. It only operates on OT documents: a
// branch is a second OT document whose initial version is seeded from the
// source's state at the fork point, so merging can reuse OTServer's own
// transformation machinery.
type Manager struct {
	store  serverstore.OTServerStore
	server *coordinator.OTServer
	log    *zap.Logger
}

// NewManager constructs a Manager bound to store and server. server is the
// same OTServer instance documents are otherwise committed through, so
// merges go through the normal commitChanges path and its locking/
// broadcast guarantees.
func NewManager(store serverstore.OTServerStore, server *coordinator.OTServer, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, server: server, log: log}
}

// CreateBranch forks docID at atRev into a new branch document (spec §4.7
// createBranch). Refuses to branch a document that is itself a branch.
func (m *Manager) CreateBranch(ctx context.Context, docID string, atRev int64, metadata map[string]interface{}) (*change.Branch, error) {
	if isBranch, err := m.docIsBranch(ctx, docID); err != nil {
		return nil, err
	} else if isBranch {
		return nil, errorsx.ErrBranchOfBranch
	}

	snap, err := m.server.GetDoc(ctx, docID, &atRev)
	if err != nil {
		return nil, fmt.Errorf("branch: loading source state at rev %d: %w", atRev, err)
	}

	branchID := ids.NewDocID()
	now := nowMillis()

	version := &change.VersionMetadata{
		ID: ids.NewChangeID(), DocID: branchID, Origin: change.OriginMain,
		StartedAt: now, EndedAt: now,
		StartRev: atRev, EndRev: atRev,
		GroupID: branchID,
		State:   snap.State, Changes: nil,
		Metadata: metadata,
	}
	if err := m.store.SaveVersion(ctx, branchID, version); err != nil {
		return nil, fmt.Errorf("branch: seeding branch version: %w", err)
	}

	b := &change.Branch{
		ID: branchID, DocID: docID, BranchedAtRev: atRev,
		CreatedAt: now, Status: change.BranchOpen, Metadata: metadata,
	}
	if err := m.store.SaveBranch(ctx, b); err != nil {
		return nil, fmt.Errorf("branch: saving branch record: %w", err)
	}
	return b, nil
}

func (m *Manager) docIsBranch(ctx context.Context, docID string) (bool, error) {
	_, err := m.store.LoadBranch(ctx, docID)
	if err == nil {
		return true, nil
	}
	return false, nil
}

// UpdateBranch updates a branch's free-form metadata. The immutable fields
// {id, docId, branchedAtRev, createdAt, status} cannot be changed this way
// (spec §4.7); use CloseBranch for status transitions.
func (m *Manager) UpdateBranch(ctx context.Context, branchID string, metadata map[string]interface{}) (*change.Branch, error) {
	b, err := m.store.LoadBranch(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("branch: loading branch: %w", err)
	}
	b.Metadata = metadata
	if err := m.store.SaveBranch(ctx, b); err != nil {
		return nil, fmt.Errorf("branch: saving updated branch: %w", err)
	}
	return b, nil
}

// CloseBranch transitions a branch to merged, closed, or archived.
func (m *Manager) CloseBranch(ctx context.Context, branchID string, status change.BranchStatus) error {
	switch status {
	case change.BranchMerged, change.BranchClosed, change.BranchArchived:
	default:
		return fmt.Errorf("branch: invalid close status %q", status)
	}
	return m.store.UpdateBranchStatus(ctx, branchID, status)
}

// MergeBranch merges an open branch back into its source document (spec
// §4.7 mergeBranch). Requires status == 'open'.
func (m *Manager) MergeBranch(ctx context.Context, branchID string) error {
	b, err := m.store.LoadBranch(ctx, branchID)
	if err != nil {
		return fmt.Errorf("branch: loading branch: %w", err)
	}
	if b.Status != change.BranchOpen {
		return errorsx.ErrBranchNotOpen
	}

	branchChanges, err := m.store.LoadChangesSince(ctx, branchID, b.BranchedAtRev)
	if err != nil {
		return fmt.Errorf("branch: loading branch changes: %w", err)
	}
	sourceChanges, err := m.store.LoadChangesSince(ctx, b.DocID, b.BranchedAtRev)
	if err != nil {
		return fmt.Errorf("branch: loading source changes since fork: %w", err)
	}

	var origin change.VersionOrigin
	if len(sourceChanges) == 0 {
		if err := m.fastForward(ctx, b, branchChanges); err != nil {
			return err
		}
		origin = change.OriginMain
	} else {
		if err := m.flattenAndTransform(ctx, b, branchChanges); err != nil {
			return err
		}
		origin = change.OriginBranch
	}

	if err := m.copyVersions(ctx, b, origin); err != nil {
		return err
	}
	return m.store.UpdateBranchStatus(ctx, branchID, change.BranchMerged)
}

// fastForward commits the branch's own changes to the source individually,
// rewriting BaseRev to the fork point and letting the source assign
// sequential revisions (spec §4.7).
func (m *Manager) fastForward(ctx context.Context, b *change.Branch, branchChanges []*change.Change) error {
	for _, c := range branchChanges {
		rebased := c.Clone()
		rebased.BaseRev = b.BranchedAtRev
		if _, _, err := m.server.CommitChanges(ctx, b.DocID, []*change.Change{rebased}, ""); err != nil {
			return fmt.Errorf("branch: fast-forwarding change %s: %w", c.ID, err)
		}
	}
	return nil
}

// flattenAndTransform composes every branch change into one flattened
// change and commits it through CommitChanges, whose OT engine transforms
// it against the source's concurrent history (spec §4.7). The flattened
// change is committed as a single change; it is not split by payload size.
func (m *Manager) flattenAndTransform(ctx context.Context, b *change.Branch, branchChanges []*change.Change) error {
	if len(branchChanges) == 0 {
		return nil
	}
	var allOps []jsonpatch.Op
	for _, c := range branchChanges {
		allOps = append(allOps, c.Ops...)
	}
	flattened := &change.Change{
		ID:        ids.NewChangeID(),
		Ops:       jsonpatch.Compose(allOps),
		BaseRev:   b.BranchedAtRev,
		CreatedAt: nowMillis(),
	}
	if _, _, err := m.server.CommitChanges(ctx, b.DocID, []*change.Change{flattened}, ""); err != nil {
		return fmt.Errorf("branch: committing flattened merge change: %w", err)
	}
	return nil
}

// copyVersions copies every origin:'main' version from the branch into the
// source, retagging Origin, GroupID, and chaining ParentID across the
// copied sequence (spec §4.7). Uses copier for the deep field copy so a
// later VersionMetadata field added to the branch's own main-line
// versioning is carried through without this function needing to track it
// by hand.
func (m *Manager) copyVersions(ctx context.Context, b *change.Branch, origin change.VersionOrigin) error {
	versions, err := m.store.LoadVersionsByGroup(ctx, b.ID, b.ID)
	if err != nil {
		return fmt.Errorf("branch: loading branch versions: %w", err)
	}

	var parentID string
	for _, v := range versions {
		if v.Origin != change.OriginMain {
			continue
		}
		var cp change.VersionMetadata
		if err := copier.Copy(&cp, v); err != nil {
			return fmt.Errorf("branch: copying version metadata: %w", err)
		}
		cp.ID = ids.NewChangeID()
		cp.DocID = b.DocID
		cp.Origin = origin
		cp.GroupID = b.ID
		cp.ParentID = parentID
		if err := m.store.SaveVersion(ctx, b.DocID, &cp); err != nil {
			return fmt.Errorf("branch: saving copied version: %w", err)
		}
		parentID = cp.ID
	}
	return nil
}
