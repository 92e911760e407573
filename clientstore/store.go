// Package clientstore holds the durable local queues for both Client
// Algorithm variants: snapshot, committed history, pending/sending, field
// log (spec §2 "Client Store", §6 "Persisted state layout"). Grounded on
// nodestorage/v2/cache's BadgerCache: badger/v4 is the embedded ordered KV
// store standing in for the source's IndexedDB object stores.
package clientstore

import "docsync/change"

// OTStore is the OT client's persistence contract (spec §6 "OT client").
type OTStore interface {
	// LoadDoc returns the doc's tracked committed revision, or (0, false)
	// if the doc has never been opened locally.
	LoadDoc(docID string) (committedRev int64, ok bool, err error)
	SaveDoc(docID string, committedRev int64) error
	MarkDeleted(docID string) error
	IsDeleted(docID string) (bool, error)

	LoadSnapshot(docID string) (*change.Snapshot, bool, error)
	SaveSnapshot(docID string, snapshot *change.Snapshot) error

	SaveCommittedChanges(docID string, changes []*change.Change) error
	LoadCommittedChanges(docID string, sinceRev int64) ([]*change.Change, error)

	SavePendingChanges(docID string, changes []*change.Change) error
	LoadPendingChanges(docID string) ([]*change.Change, error)
	ReplacePendingChanges(docID string, changes []*change.Change) error
	RemovePendingChanges(docID string, changeIDs []string) error

	SetCommittedRev(docID string, rev int64) error

	Close() error
}

// LWWStore is the LWW client's persistence contract (spec §6 "LWW
// client"): path-keyed committed/pending ops plus the single in-flight
// sending change.
type LWWStore interface {
	LoadDoc(docID string) (committedRev int64, ok bool, err error)
	SaveDoc(docID string, committedRev int64) error
	MarkDeleted(docID string) error
	IsDeleted(docID string) (bool, error)

	LoadSnapshot(docID string) (*change.Snapshot, bool, error)
	SaveSnapshot(docID string, snapshot *change.Snapshot) error

	SaveCommittedOps(docID string, ops map[string]*change.LWWOp) error
	LoadCommittedOps(docID string) (map[string]*change.LWWOp, error)

	SavePendingOps(docID string, ops map[string]*change.LWWOp) error
	LoadPendingOps(docID string) (map[string]*change.LWWOp, error)
	ClearPendingOps(docID string) error

	SaveSendingChange(docID string, c *change.Change) error
	LoadSendingChange(docID string) (*change.Change, bool, error)
	ClearSendingChange(docID string) error

	Close() error
}
