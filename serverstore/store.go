// Package serverstore holds the coordinator's durable server-side history:
// committed changes, versions, field log, tombstones, branches (spec §2
// "Server Store", §6 "Persisted state layout"). Grounded directly on
// eventsync.MongoEventStore/MongoSnapshotStore: mongo-driver is the
// corpus's document database client.
package serverstore

import (
	"context"

	"docsync/change"
)

// OTServerStore is the OT coordinator's persistence contract (spec §6 "OT
// server").
type OTServerStore interface {
	DocExists(ctx context.Context, docID string) (bool, error)

	LatestRev(ctx context.Context, docID string) (int64, error)
	LoadChangesSince(ctx context.Context, docID string, rev int64) ([]*change.Change, error)
	LoadChangesInRange(ctx context.Context, docID string, fromRevExclusive, toRevInclusive int64) ([]*change.Change, error)
	LoadChangesByIDs(ctx context.Context, docID string, ids []string) ([]*change.Change, error)
	SaveChanges(ctx context.Context, docID string, changes []*change.Change) error

	LoadLatestVersion(ctx context.Context, docID string) (*change.VersionMetadata, bool, error)
	SaveVersion(ctx context.Context, docID string, v *change.VersionMetadata) error
	LoadVersionsByGroup(ctx context.Context, docID, groupID string) ([]*change.VersionMetadata, error)

	SetTombstone(ctx context.Context, docID string) error
	IsTombstoned(ctx context.Context, docID string) (bool, error)
	ClearTombstone(ctx context.Context, docID string) error

	SaveBranch(ctx context.Context, b *change.Branch) error
	LoadBranch(ctx context.Context, branchID string) (*change.Branch, error)
	UpdateBranchStatus(ctx context.Context, branchID string, status change.BranchStatus) error

	Close(ctx context.Context) error
}

// LWWServerStore is the LWW coordinator's persistence contract (spec §6
// "LWW server").
type LWWServerStore interface {
	DocExists(ctx context.Context, docID string) (bool, error)

	LoadOps(ctx context.Context, docID string) (map[string]*change.LWWOp, error)
	LoadOpsSince(ctx context.Context, docID string, rev int64) ([]*change.LWWOp, error)
	SaveOps(ctx context.Context, docID string, toSave map[string]*change.LWWOp, toDelete []string) (newRev int64, err error)

	LoadSnapshot(ctx context.Context, docID string) (*change.Snapshot, bool, error)
	SaveSnapshot(ctx context.Context, docID string, state interface{}, rev int64) error

	AppendTextDelta(ctx context.Context, rec *change.TextDeltaRecord) error
	LoadTextDeltasSince(ctx context.Context, docID, path string, rev int64) ([]*change.TextDeltaRecord, error)

	SetTombstone(ctx context.Context, docID string) error
	IsTombstoned(ctx context.Context, docID string) (bool, error)
	ClearTombstone(ctx context.Context, docID string) error

	SaveBranch(ctx context.Context, b *change.Branch) error
	LoadBranch(ctx context.Context, branchID string) (*change.Branch, error)
	UpdateBranchStatus(ctx context.Context, branchID string, status change.BranchStatus) error

	Close(ctx context.Context) error
}
