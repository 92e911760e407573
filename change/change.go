// Package change defines the wire and storage records shared by every
// layer of docsync: Change, Snapshot, VersionMetadata and Branch, per
// spec §3.
package change

import (
	"docsync/jsonpatch"
)

// Change is one logical edit: a bundle of ops plus revision metadata, per
// spec §3. Invariants: BaseRev >= 0; once committed (Rev set, CommittedAt >
// 0) the record must not be mutated.
type Change struct {
	ID          string                 `json:"id" bson:"id"`
	Ops         []jsonpatch.Op         `json:"ops" bson:"ops"`
	Rev         int64                  `json:"rev" bson:"rev"`
	BaseRev     int64                  `json:"baseRev" bson:"baseRev"`
	CreatedAt   int64                  `json:"createdAt" bson:"createdAt"`
	CommittedAt int64                  `json:"committedAt" bson:"committedAt"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`
	BatchID     string                 `json:"batchId,omitempty" bson:"batchId,omitempty"`
}

// Committed reports whether the server has assigned this change a revision.
func (c *Change) Committed() bool {
	return c.CommittedAt > 0 && c.Rev > 0
}

// Clone deep-copies a Change, including its ops, so callers mutating the
// copy cannot corrupt shared history.
func (c *Change) Clone() *Change {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Ops = jsonpatch.CloneOps(c.Ops)
	if c.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Snapshot is a materialized JSON value at Rev plus the trailing queue of
// locally-pending Changes whose ops are not yet folded into State. The
// fundamental client invariant is liveState == apply(State, Changes).
type Snapshot struct {
	State   interface{} `json:"state"`
	Rev     int64       `json:"rev"`
	Changes []*Change   `json:"changes"`
}

// VersionOrigin classifies how a VersionMetadata record came to exist.
type VersionOrigin string

const (
	OriginMain    VersionOrigin = "main"
	OriginBranch  VersionOrigin = "branch"
	OriginOffline VersionOrigin = "offline"
)

// VersionMetadata is a durable snapshot boundary: the full state at EndRev
// plus the changes that produced it, used for history navigation and
// branch points (spec §3, "OT Document (server)").
type VersionMetadata struct {
	ID         string                 `json:"id" bson:"id"`
	DocID      string                 `json:"docId" bson:"docId"`
	Origin     VersionOrigin          `json:"origin" bson:"origin"`
	StartedAt  int64                  `json:"startedAt" bson:"startedAt"`
	EndedAt    int64                  `json:"endedAt" bson:"endedAt"`
	StartRev   int64                  `json:"startRev" bson:"startRev"`
	EndRev     int64                  `json:"endRev" bson:"endRev"`
	GroupID    string                 `json:"groupId,omitempty" bson:"groupId,omitempty"`
	ParentID   string                 `json:"parentId,omitempty" bson:"parentId,omitempty"`
	BranchName string                 `json:"branchName,omitempty" bson:"branchName,omitempty"`
	Name       string                 `json:"name,omitempty" bson:"name,omitempty"`
	State      interface{}            `json:"state" bson:"state"`
	Changes    []*Change              `json:"changes" bson:"changes"`
	Metadata   map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// BranchStatus is a Branch's lifecycle state.
type BranchStatus string

const (
	BranchOpen     BranchStatus = "open"
	BranchMerged   BranchStatus = "merged"
	BranchClosed   BranchStatus = "closed"
	BranchArchived BranchStatus = "archived"
)

// Branch is a forked document, per spec §3/§4.7.
type Branch struct {
	ID            string                 `json:"id" bson:"id"`
	DocID         string                 `json:"docId" bson:"docId"`
	BranchedAtRev int64                  `json:"branchedAtRev" bson:"branchedAtRev"`
	CreatedAt     int64                  `json:"createdAt" bson:"createdAt"`
	Status        BranchStatus           `json:"status" bson:"status"`
	Name          string                 `json:"name,omitempty" bson:"name,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// LWWOp is one stored field-path entry of an LWW document: {path ->
// {op, value, ts, rev}}, per spec §3 "LWW Document (server)".
type LWWOp struct {
	Path  string       `json:"path" bson:"path"`
	Op    jsonpatch.Op `json:"op" bson:"op"`
	Value interface{}  `json:"value" bson:"value"`
	Ts    int64        `json:"ts" bson:"ts"`
	Rev   int64        `json:"rev" bson:"rev"`
}

// TextDeltaRecord is one @txt delta appended to the server's text-delta
// log, keyed by (path, rev).
type TextDeltaRecord struct {
	DocID string             `json:"docId" bson:"docId"`
	Path  string             `json:"path" bson:"path"`
	Rev   int64              `json:"rev" bson:"rev"`
	Delta jsonpatch.TxtDelta `json:"delta" bson:"delta"`
}
