package clientalgo

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"docsync/change"
	"docsync/clientdoc"
	"docsync/clientstore"
	"docsync/errorsx"
	"docsync/ids"
	"docsync/jsonpatch"
)

// LWW is the LWW-variant Client Algorithm (spec §4.3). It never performs
// OT transformation; conflicts resolve by per-path consolidation and
// timestamp comparison. Grounded on the ancestor/descendant path-walk
// pattern eventsync uses for state-vector merges and on luvjson/crdt's
// per-path LWW node resolution.
type LWW struct {
	store clientstore.LWWStore
	log   *zap.Logger
}

// NewLWW constructs an LWW algorithm instance bound to store.
func NewLWW(store clientstore.LWWStore, log *zap.Logger) *LWW {
	if log == nil {
		log = zap.NewNop()
	}
	return &LWW{store: store, log: log}
}

// HandleDocChange consolidates newly emitted ops into the doc's pendingOps
// map (spec §4.3 handleDocChange / consolidateOps), stamping ts = now on
// any op that lacks one.
func (l *LWW) HandleDocChange(docID string, ops []jsonpatch.Op) error {
	if len(ops) == 0 {
		return nil
	}
	pending, err := l.store.LoadPendingOps(docID)
	if err != nil {
		return fmt.Errorf("clientalgo: loading pending ops: %w", errorsx.ErrStoreUnavailable)
	}
	now := NowFunc()
	for _, op := range ops {
		stamped := op
		if stamped.Ts == 0 {
			stamped.Ts = now
		}
		consolidateOp(pending, stamped)
	}
	if err := l.store.SavePendingOps(docID, pending); err != nil {
		return fmt.Errorf("clientalgo: saving pending ops: %w", errorsx.ErrStoreUnavailable)
	}
	return nil
}

// consolidateOp merges op into pending per spec §4.3's consolidateOps
// rules: pending entries under op's path are deleted (op supersedes them),
// an op under an existing pending entry is kept alongside that entry, and
// same-path collisions merge by op-kind-specific rule.
func consolidateOp(pending map[string]*change.LWWOp, op jsonpatch.Op) {
	for path := range pending {
		if isAncestor(op.Path, path) {
			delete(pending, path)
		}
	}

	existing, ok := pending[op.Path]
	if !ok {
		pending[op.Path] = &change.LWWOp{Path: op.Path, Op: op, Value: op.Value, Ts: op.Ts}
		return
	}

	merged := mergeSamePath(existing.Op, op)
	pending[op.Path] = &change.LWWOp{Path: op.Path, Op: merged, Value: merged.Value, Ts: merged.Ts}
}

func isAncestor(ancestor, descendant string) bool {
	if ancestor == descendant {
		return false
	}
	if ancestor == "" {
		return descendant != ""
	}
	return strings.HasPrefix(descendant, ancestor+"/")
}

// mergeSamePath resolves two ops at the same path per spec §4.3: @inc/@bit
// merge additively/bitwise, replace/remove/@max/@min overwrite by latest
// ts, @txt composes.
func mergeSamePath(existing, incoming jsonpatch.Op) jsonpatch.Op {
	switch {
	case existing.Op == jsonpatch.OpInc && incoming.Op == jsonpatch.OpInc:
		sum, _ := addNumbers(existing.Value, incoming.Value)
		return jsonpatch.Op{Op: jsonpatch.OpInc, Path: incoming.Path, Value: sum, Ts: incoming.Ts}
	case existing.Op == jsonpatch.OpBit && incoming.Op == jsonpatch.OpBit:
		return jsonpatch.Op{Op: jsonpatch.OpBit, Path: incoming.Path, Value: orBitValues(existing.Value, incoming.Value), Ts: incoming.Ts}
	case existing.Op == jsonpatch.OpTxt && incoming.Op == jsonpatch.OpTxt:
		composed := composeTxtValues(existing.Value, incoming.Value)
		return jsonpatch.Op{Op: jsonpatch.OpTxt, Path: incoming.Path, Value: composed, Ts: incoming.Ts}
	default:
		if incoming.Ts >= existing.Ts {
			return incoming
		}
		return existing
	}
}

func addNumbers(a, b interface{}) (float64, bool) {
	av, aok := toFloat(a)
	bv, bok := toFloat(b)
	if !aok || !bok {
		return 0, false
	}
	return av + bv, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func orBitValues(a, b interface{}) interface{} {
	av, aok := toFloat(a)
	bv, bok := toFloat(b)
	if !aok || !bok {
		return b
	}
	return float64(int64(av) | int64(bv))
}

func composeTxtValues(a, b interface{}) interface{} {
	base, err := jsonpatch.DecodeTxtDeltaValue(a)
	if err != nil {
		return b
	}
	delta, err := jsonpatch.DecodeTxtDeltaValue(b)
	if err != nil {
		return b
	}
	return jsonpatch.ComposeTxt(base, delta)
}

// GetPendingToSend returns the in-flight sendingChange if a retry is in
// progress, otherwise forms one from the current pendingOps map, persists
// it as sendingChange, clears pendingOps, and returns it (spec §4.3).
func (l *LWW) GetPendingToSend(docID string) (*change.Change, error) {
	if sending, ok, err := l.store.LoadSendingChange(docID); err != nil {
		return nil, fmt.Errorf("clientalgo: loading sending change: %w", errorsx.ErrStoreUnavailable)
	} else if ok {
		return sending, nil
	}

	pending, err := l.store.LoadPendingOps(docID)
	if err != nil {
		return nil, fmt.Errorf("clientalgo: loading pending ops: %w", errorsx.ErrStoreUnavailable)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ops := make([]jsonpatch.Op, 0, len(pending))
	for _, op := range pending {
		ops = append(ops, op.Op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Path < ops[j].Path })

	c := &change.Change{ID: ids.NewChangeID(), Ops: ops, CreatedAt: NowFunc()}

	if err := l.store.SaveSendingChange(docID, c); err != nil {
		return nil, fmt.Errorf("clientalgo: saving sending change: %w", errorsx.ErrStoreUnavailable)
	}
	if err := l.store.ClearPendingOps(docID); err != nil {
		return nil, fmt.Errorf("clientalgo: clearing pending ops: %w", errorsx.ErrStoreUnavailable)
	}
	return c, nil
}

// ApplyServerChanges writes a broadcast's ops into committedFields.
// sendingChange is never cleared here: broadcasts from other clients are
// not self-acknowledgments (spec §4.3).
func (l *LWW) ApplyServerChanges(docID string, serverChanges []*change.Change, doc *clientdoc.Doc) error {
	if len(serverChanges) == 0 {
		return nil
	}
	committed, err := l.store.LoadCommittedOps(docID)
	if err != nil {
		return fmt.Errorf("clientalgo: loading committed ops: %w", errorsx.ErrStoreUnavailable)
	}
	var allOps []jsonpatch.Op
	for _, c := range serverChanges {
		for _, op := range c.Ops {
			committed[op.Path] = &change.LWWOp{Path: op.Path, Op: op, Value: op.Value, Ts: op.Ts, Rev: c.Rev}
			allOps = append(allOps, op)
		}
	}
	if err := l.store.SaveCommittedOps(docID, committed); err != nil {
		return fmt.Errorf("clientalgo: saving committed ops: %w", errorsx.ErrStoreUnavailable)
	}

	if doc != nil {
		rebasedPending := doc.Snapshot().Changes
		synthesized := []*change.Change{{ID: "", Ops: allOps, Rev: serverChanges[len(serverChanges)-1].Rev}}
		if err := doc.ApplyCommittedChanges(synthesized, rebasedPending); err != nil {
			return fmt.Errorf("clientalgo: applying committed changes to doc: %w", err)
		}
	}
	return nil
}

// ConfirmSent moves sendingChange's ops into committedFields, bumps the
// committed rev, and clears sendingChange (spec §4.3 confirmSent).
func (l *LWW) ConfirmSent(docID string, newRev int64) error {
	sending, ok, err := l.store.LoadSendingChange(docID)
	if err != nil {
		return fmt.Errorf("clientalgo: loading sending change: %w", errorsx.ErrStoreUnavailable)
	}
	if !ok {
		return nil
	}

	committed, err := l.store.LoadCommittedOps(docID)
	if err != nil {
		return fmt.Errorf("clientalgo: loading committed ops: %w", errorsx.ErrStoreUnavailable)
	}
	for _, op := range sending.Ops {
		committed[op.Path] = &change.LWWOp{Path: op.Path, Op: op, Value: op.Value, Ts: op.Ts, Rev: newRev}
	}
	if err := l.store.SaveCommittedOps(docID, committed); err != nil {
		return fmt.Errorf("clientalgo: saving committed ops: %w", errorsx.ErrStoreUnavailable)
	}
	if err := l.store.SaveDoc(docID, newRev); err != nil {
		return fmt.Errorf("clientalgo: updating committed rev: %w", errorsx.ErrStoreUnavailable)
	}
	if err := l.store.ClearSendingChange(docID); err != nil {
		return fmt.Errorf("clientalgo: clearing sending change: %w", errorsx.ErrStoreUnavailable)
	}
	return nil
}
