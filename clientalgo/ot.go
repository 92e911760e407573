// Package clientalgo implements the two Client Algorithm variants (spec
// §4.2 OT, §4.3 LWW): packaging ops emitted by a Doc into Change records,
// persisting them, and reconciling server responses. Grounded on
// eventsync.SyncServiceImpl's pending/committed split and nodestorage/v2's
// optimistic-concurrency EditFunc+Diff pattern for "package emitted ops
// into a record, persist, reconcile".
package clientalgo

import (
	"fmt"

	"go.uber.org/zap"

	"docsync/change"
	"docsync/clientdoc"
	"docsync/clientstore"
	"docsync/errorsx"
	"docsync/ids"
	"docsync/jsonpatch"
)

// NowFunc is overridable in tests; production wiring leaves it as the
// default wall-clock source.
var NowFunc = defaultNow

// OT is the OT-variant Client Algorithm (spec §4.2). One OT serves many
// docs; persistence is delegated to a clientstore.OTStore and in-memory
// state lives in the caller-supplied clientdoc.Doc instances.
type OT struct {
	store          clientstore.OTStore
	log            *zap.Logger
	maxPayloadSize int // bytes; 0 disables splitting
	sizeOf         func(ops []jsonpatch.Op) int
}

// NewOT constructs an OT algorithm instance bound to store.
func NewOT(store clientstore.OTStore, log *zap.Logger) *OT {
	if log == nil {
		log = zap.NewNop()
	}
	return &OT{store: store, log: log, sizeOf: defaultOpsSize}
}

// WithMaxPayloadBytes sets the per-change serialized-size ceiling used by
// handleDocChange to split ops into changes (spec §4.2, §6
// "maxPayloadBytes"). GetPendingToSend returns the whole pending queue.
func (o *OT) WithMaxPayloadBytes(n int) *OT {
	o.maxPayloadSize = n
	return o
}

// HandleDocChange packages ops emitted by a Doc mutation into one or more
// Changes, persists them to the pending queue, and returns the created
// Changes for local broadcast to other tabs sharing the store (spec §4.2).
func (o *OT) HandleDocChange(docID string, ops []jsonpatch.Op, committedRev int64, metadata map[string]interface{}) ([]*change.Change, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	batches := splitOps(ops, o.maxPayloadSize, o.sizeOf)

	now := NowFunc()
	changes := make([]*change.Change, 0, len(batches))
	for i, batch := range batches {
		c := &change.Change{
			ID:        ids.NewChangeID(),
			Ops:       jsonpatch.CloneOps(batch),
			BaseRev:   committedRev,
			Rev:       committedRev + int64(i) + 1,
			CreatedAt: now,
			Metadata:  metadata,
		}
		changes = append(changes, c)
	}

	if err := o.store.SavePendingChanges(docID, changes); err != nil {
		return nil, fmt.Errorf("clientalgo: saving pending changes: %w", errorsx.ErrStoreUnavailable)
	}
	o.log.Debug("queued pending changes", zap.String("doc_id", docID), zap.Int("count", len(changes)))
	return changes, nil
}

// GetPendingToSend returns the doc's current pending queue, or nil if empty
// (spec §4.2).
func (o *OT) GetPendingToSend(docID string) ([]*change.Change, error) {
	pending, err := o.store.LoadPendingChanges(docID)
	if err != nil {
		return nil, fmt.Errorf("clientalgo: loading pending changes: %w", errorsx.ErrStoreUnavailable)
	}
	if len(pending) == 0 {
		return nil, nil
	}
	return pending, nil
}

// ApplyServerChanges reconciles a server broadcast (or commitChanges
// response) against the local pending queue: acknowledgments are dropped,
// surviving pending ops are transformed against the server-authoritative
// ops and rebased, and the result is persisted and (if doc is non-nil)
// applied to the in-memory Doc (spec §4.2 steps 1-5).
func (o *OT) ApplyServerChanges(docID string, serverChanges []*change.Change, doc *clientdoc.Doc) error {
	if len(serverChanges) == 0 {
		return nil
	}

	pending, err := o.store.LoadPendingChanges(docID)
	if err != nil {
		return fmt.Errorf("clientalgo: loading pending changes: %w", errorsx.ErrStoreUnavailable)
	}

	ackIDs := make(map[string]bool, len(serverChanges))
	for _, c := range serverChanges {
		ackIDs[c.ID] = true
	}

	surviving := make([]*change.Change, 0, len(pending))
	for _, p := range pending {
		if !ackIDs[p.ID] {
			surviving = append(surviving, p)
		}
	}

	var serverOps []jsonpatch.Op
	for _, c := range serverChanges {
		serverOps = append(serverOps, c.Ops...)
	}

	lastServerRev := serverChanges[len(serverChanges)-1].Rev

	rebased := make([]*change.Change, 0, len(surviving))
	for _, p := range surviving {
		rebasedOps := jsonpatch.Transform(serverOps, p.Ops)
		if len(rebasedOps) == 0 {
			continue
		}
		np := p.Clone()
		np.Ops = rebasedOps
		np.BaseRev = lastServerRev
		rebased = append(rebased, np)
	}
	for i, p := range rebased {
		p.Rev = lastServerRev + int64(i) + 1
	}

	if err := o.store.SaveCommittedChanges(docID, serverChanges); err != nil {
		return fmt.Errorf("clientalgo: saving committed changes: %w", errorsx.ErrStoreUnavailable)
	}
	if err := o.store.ReplacePendingChanges(docID, rebased); err != nil {
		return fmt.Errorf("clientalgo: replacing pending changes: %w", errorsx.ErrStoreUnavailable)
	}
	if err := o.store.SetCommittedRev(docID, lastServerRev); err != nil {
		return fmt.Errorf("clientalgo: updating committed rev: %w", errorsx.ErrStoreUnavailable)
	}

	if doc != nil {
		if err := doc.ApplyCommittedChanges(serverChanges, rebased); err != nil {
			return fmt.Errorf("clientalgo: applying committed changes to doc: %w", err)
		}
	}
	return nil
}

// ConfirmSent is called when a send succeeded with no server-side
// divergence: the acknowledged pending changes are simply removed (spec
// §4.2 confirmSent).
func (o *OT) ConfirmSent(docID string, changes []*change.Change) error {
	if len(changes) == 0 {
		return nil
	}
	ids := make([]string, len(changes))
	for i, c := range changes {
		ids[i] = c.ID
	}
	if err := o.store.RemovePendingChanges(docID, ids); err != nil {
		return fmt.Errorf("clientalgo: removing acknowledged pending changes: %w", errorsx.ErrStoreUnavailable)
	}
	return nil
}

func defaultOpsSize(ops []jsonpatch.Op) int {
	n := 0
	for _, op := range ops {
		n += len(op.Path) + len(op.From) + 32
		if s, ok := op.Value.(string); ok {
			n += len(s)
		}
	}
	return n
}

// splitOps partitions ops into batches whose estimated size is <= maxBytes,
// preserving intra-batch op order (spec §4.2 "splits preserve order"). A
// single oversized op still gets its own batch; maxBytes == 0 disables
// splitting.
func splitOps(ops []jsonpatch.Op, maxBytes int, sizeOf func([]jsonpatch.Op) int) [][]jsonpatch.Op {
	if maxBytes <= 0 {
		return [][]jsonpatch.Op{ops}
	}
	var batches [][]jsonpatch.Op
	var current []jsonpatch.Op
	for _, op := range ops {
		candidate := append(append([]jsonpatch.Op{}, current...), op)
		if len(current) > 0 && sizeOf(candidate) > maxBytes {
			batches = append(batches, current)
			current = []jsonpatch.Op{op}
			continue
		}
		current = candidate
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
