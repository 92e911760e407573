package coordinator

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"docsync/change"
	"docsync/config"
	"docsync/ids"
	"docsync/jsonpatch"
	"docsync/serverstore"
)

// LWWServer is the LWW-variant Coordinator Server (spec §4.5). Unlike
// OTServer it never transforms: conflicts resolve by per-path consolidation
// with op timestamps as the tiebreaker (the server stamps ops that arrive
// without one), and ancestor/descendant
// violations are self-healed by emitting correction ops back to every
// client. Grounded on the same docLocks/signal primitives as OTServer.
type LWWServer struct {
	store serverstore.LWWServerStore
	cfg   *config.Options
	log   *zap.Logger

	locks *docLocks

	onChangesCommitted *signal[ChangesCommittedEvent]
	onDocDeleted       *signal[DocDeletedEvent]

	broadcaster  *RedisBroadcaster
	broadcastCtx context.Context
}

// NewLWWServer constructs an LWWServer bound to store and cfg.
func NewLWWServer(store serverstore.LWWServerStore, cfg *config.Options, log *zap.Logger) *LWWServer {
	if cfg == nil {
		cfg = config.DefaultOptions()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LWWServer{
		store:              store,
		cfg:                cfg,
		log:                log,
		locks:              newDocLocks(),
		onChangesCommitted: newSignal[ChangesCommittedEvent](),
		onDocDeleted:       newSignal[DocDeletedEvent](),
	}
}

// OnChangesCommitted subscribes to post-commit broadcasts.
func (s *LWWServer) OnChangesCommitted(fn func(ChangesCommittedEvent)) Unsubscribe {
	return s.onChangesCommitted.Subscribe(fn)
}

// OnDocDeleted subscribes to deletion broadcasts.
func (s *LWWServer) OnDocDeleted(fn func(DocDeletedEvent)) Unsubscribe {
	return s.onDocDeleted.Subscribe(fn)
}

// AttachBroadcaster wires b the same way OTServer.AttachBroadcaster does:
// local commits/deletes are published directly at their call site, and
// remote events are relayed into this server's own signals without
// re-publishing.
func (s *LWWServer) AttachBroadcaster(ctx context.Context, b *RedisBroadcaster) {
	s.broadcaster = b
	s.broadcastCtx = ctx
	b.OnRemoteChangesCommitted(func(ev ChangesCommittedEvent) {
		s.onChangesCommitted.Emit(ev)
	})
	b.OnRemoteDocDeleted(func(ev DocDeletedEvent) {
		s.onDocDeleted.Emit(ev)
	})
}

// CommitChanges admits a batch of LWW ops for docID (spec §4.5). An op
// that arrives without a timestamp is stamped with the server's own; every
// op is then consolidated against the doc's current field state and
// persisted. The returned Change carries both the submitter's own
// accepted ops and any correction ops the self-heal pass produced, plus
// any catch-up ops the submitter missed, all merged and sorted by ts so a
// client can apply the result directly.
func (s *LWWServer) CommitChanges(ctx context.Context, docID string, incoming *change.Change, originClientID string) (result *change.Change, err error) {
	if incoming == nil || len(incoming.Ops) == 0 {
		return nil, nil
	}

	result = &change.Change{ID: incoming.ID, BaseRev: incoming.BaseRev}
	err = s.locks.With(docID, func() error {
		current, lerr := s.store.LoadOps(ctx, docID)
		if lerr != nil {
			return fmt.Errorf("coordinator: loading current ops: %w", lerr)
		}

		now := nowMillis()
		toSave := make(map[string]*change.LWWOp, len(incoming.Ops))
		var corrections []jsonpatch.Op

		for _, op := range incoming.Ops {
			stamped := op
			if stamped.Ts == 0 {
				stamped.Ts = now
			}

			// Self-heal: if op targets an ancestor of an existing primitive
			// entry, or an existing entry is an ancestor of op's path, the
			// ancestor write wins (server time order) and the other side is
			// corrected back to every client (spec §4.5 step 2).
			healed, correction := resolveAgainstExisting(current, toSave, stamped)
			toSave[healed.Path] = &change.LWWOp{Path: healed.Path, Op: healed, Value: healed.Value, Ts: healed.Ts}
			if correction != nil {
				corrections = append(corrections, *correction)
			}
		}

		newRev, serr := s.store.SaveOps(ctx, docID, toSave, nil)
		if serr != nil {
			return fmt.Errorf("coordinator: saving ops: %w", serr)
		}

		for _, op := range toSave {
			op.Rev = newRev
			result.Ops = append(result.Ops, op.Op)
			if op.Op.Op == jsonpatch.OpTxt {
				if delta, derr := jsonpatch.DecodeTxtDeltaValue(op.Op.Value); derr == nil {
					rec := &change.TextDeltaRecord{DocID: docID, Path: op.Path, Rev: newRev, Delta: delta}
					if aerr := s.store.AppendTextDelta(ctx, rec); aerr != nil {
						s.log.Warn("appending text delta failed", zap.String("doc_id", docID), zap.String("path", op.Path), zap.Error(aerr))
					}
				}
			}
		}
		result.Ops = append(result.Ops, corrections...)
		result.Rev = newRev
		result.CommittedAt = now

		// Catch-up: ops the submitter's BaseRev predates and did not send
		// itself, so the response lets it converge in one round trip.
		catchUp, cerr := s.store.LoadOpsSince(ctx, docID, incoming.BaseRev)
		if cerr != nil {
			return fmt.Errorf("coordinator: loading catch-up ops: %w", cerr)
		}
		sent := make(map[string]bool, len(incoming.Ops))
		for _, op := range incoming.Ops {
			sent[op.Path] = true
		}
		for _, lop := range catchUp {
			if lop.Rev == newRev || sent[lop.Path] {
				continue
			}
			result.Ops = append(result.Ops, lop.Op)
		}

		sort.SliceStable(result.Ops, func(i, j int) bool { return result.Ops[i].Ts < result.Ops[j].Ts })

		if s.cfg.SnapshotInterval > 0 && newRev%int64(s.cfg.SnapshotInterval) == 0 {
			if serr := s.cutSnapshot(ctx, docID); serr != nil {
				s.log.Warn("snapshot cut failed", zap.String("doc_id", docID), zap.Error(serr))
			}
		}

		ev := ChangesCommittedEvent{DocID: docID, Changes: []*change.Change{result}, OriginClientID: originClientID}
		s.onChangesCommitted.Emit(ev)
		if s.broadcaster != nil {
			if perr := s.broadcaster.PublishChangesCommitted(s.broadcastCtx, ev); perr != nil {
				s.log.Warn("publishing changesCommitted to broadcaster failed", zap.String("doc_id", docID), zap.Error(perr))
			}
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}

// resolveAgainstExisting applies spec §4.5 step 2's same-path and
// ancestor/descendant rules against both already-persisted ops (current)
// and ops already staged earlier in this same batch (staged), returning
// the op to store and, if the incoming op lost to an ancestor, a
// correction op clients should apply to undo their local write.
func resolveAgainstExisting(current map[string]*change.LWWOp, staged map[string]*change.LWWOp, incoming jsonpatch.Op) (jsonpatch.Op, *jsonpatch.Op) {
	for path, existing := range current {
		if path == incoming.Path {
			continue
		}
		if isAncestorServer(path, incoming.Path) && !isContainerValue(existing.Value) {
			// An ancestor primitive already exists; incoming is rejected and
			// corrected back to the ancestor's value.
			correction := existing.Op
			return correction, &correction
		}
	}
	for path, existing := range staged {
		if path == incoming.Path {
			continue
		}
		if isAncestorServer(path, incoming.Path) && !isContainerValue(existing.Value) {
			correction := existing.Op
			return correction, &correction
		}
	}

	if existing, ok := current[incoming.Path]; ok {
		return finalizeForStorage(mergeSamePathServer(existing.Op, incoming)), nil
	}
	if existing, ok := staged[incoming.Path]; ok {
		return finalizeForStorage(mergeSamePathServer(existing.Op, incoming)), nil
	}
	return finalizeForStorage(incoming), nil
}

// isContainerValue reports whether v is a JSON object or array, under which
// descendant paths may still be written.
func isContainerValue(v interface{}) bool {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return true
	}
	return false
}

// finalizeForStorage converts a resolved @inc/@bit/@max/@min op into a
// concrete replace op carrying the fully computed value (spec §4.5 step 3).
// Storing and broadcasting the folded value directly — rather than the
// operator itself — is required because the server folds across commits
// (mergeSamePathServer accumulates onto the previously stored value): a
// client that already applied an earlier increment must not re-apply the
// operator against the server's running total, or it double-counts it.
func finalizeForStorage(op jsonpatch.Op) jsonpatch.Op {
	switch op.Op {
	case jsonpatch.OpInc, jsonpatch.OpBit, jsonpatch.OpMax, jsonpatch.OpMin:
		return jsonpatch.Op{Op: jsonpatch.OpReplace, Path: op.Path, Value: op.Value, Ts: op.Ts}
	default:
		return op
	}
}

func isAncestorServer(ancestor, descendant string) bool {
	if ancestor == descendant {
		return false
	}
	if ancestor == "" {
		return descendant != ""
	}
	return len(descendant) > len(ancestor) && descendant[:len(ancestor)] == ancestor && descendant[len(ancestor)] == '/'
}

// mergeSamePathServer mirrors clientalgo.mergeSamePath's op-kind rules,
// duplicated server-side since the coordinator must not depend on the
// client package. existing is always already finalized for storage (see
// finalizeForStorage), so @inc/@bit/@max/@min fold onto existing's plain
// numeric value regardless of what operator originally produced it.
func mergeSamePathServer(existing, incoming jsonpatch.Op) jsonpatch.Op {
	switch incoming.Op {
	case jsonpatch.OpInc:
		ev, _ := toFloatServer(existing.Value)
		iv, _ := toFloatServer(incoming.Value)
		return jsonpatch.Op{Op: jsonpatch.OpInc, Path: incoming.Path, Value: ev + iv, Ts: incoming.Ts}
	case jsonpatch.OpBit:
		ev, _ := toFloatServer(existing.Value)
		iv, _ := toFloatServer(incoming.Value)
		return jsonpatch.Op{Op: jsonpatch.OpBit, Path: incoming.Path, Value: float64(int64(ev) | int64(iv)), Ts: incoming.Ts}
	case jsonpatch.OpMax:
		// Apply iff strictly improves (spec §4.1, §4.5 step 2), never by ts.
		ev, _ := toFloatServer(existing.Value)
		iv, _ := toFloatServer(incoming.Value)
		if iv > ev {
			return jsonpatch.Op{Op: jsonpatch.OpMax, Path: incoming.Path, Value: iv, Ts: incoming.Ts}
		}
		return existing
	case jsonpatch.OpMin:
		ev, _ := toFloatServer(existing.Value)
		iv, _ := toFloatServer(incoming.Value)
		if iv < ev {
			return jsonpatch.Op{Op: jsonpatch.OpMin, Path: incoming.Path, Value: iv, Ts: incoming.Ts}
		}
		return existing
	case jsonpatch.OpTxt:
		if existing.Op != jsonpatch.OpTxt {
			return incoming
		}
		base, berr := jsonpatch.DecodeTxtDeltaValue(existing.Value)
		delta, derr := jsonpatch.DecodeTxtDeltaValue(incoming.Value)
		if berr != nil || derr != nil {
			return incoming
		}
		return jsonpatch.Op{Op: jsonpatch.OpTxt, Path: incoming.Path, Value: jsonpatch.ComposeTxt(base, delta), Ts: incoming.Ts}
	default:
		// replace/remove: apply iff incoming.ts >= existing.ts (tie: incoming wins).
		if incoming.Ts >= existing.Ts {
			return incoming
		}
		return existing
	}
}

func toFloatServer(v interface{}) (float64, bool) {
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

// cutSnapshot materializes the full document state and persists it (spec
// §4.5 step 5), run every SnapshotInterval committed revisions.
func (s *LWWServer) cutSnapshot(ctx context.Context, docID string) error {
	ops, err := s.store.LoadOps(ctx, docID)
	if err != nil {
		return fmt.Errorf("coordinator: loading ops for snapshot: %w", err)
	}
	state, rev, err := materializeLWWState(ops)
	if err != nil {
		return fmt.Errorf("coordinator: materializing snapshot state: %w", err)
	}
	return s.store.SaveSnapshot(ctx, docID, state, rev)
}

// materializeLWWState applies every stored LWWOp to an empty document in
// path order and returns the resulting state and the highest rev seen.
func materializeLWWState(ops map[string]*change.LWWOp) (interface{}, int64, error) {
	paths := make([]string, 0, len(ops))
	for p := range ops {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var state interface{} = map[string]interface{}{}
	var rev int64
	for _, p := range paths {
		lop := ops[p]
		next, _, err := jsonpatch.Apply(state, []jsonpatch.Op{lop.Op}, jsonpatch.ApplyOptions{Strict: false})
		if err != nil {
			return nil, 0, err
		}
		state = next
		if lop.Rev > rev {
			rev = lop.Rev
		}
	}
	return state, rev, nil
}

// GetDoc returns the full materialized state and current rev for docID
// (spec §4.5), preferring the latest snapshot plus ops since it when
// available, falling back to materializing from all stored ops.
func (s *LWWServer) GetDoc(ctx context.Context, docID string) (*change.Snapshot, error) {
	if snap, ok, err := s.store.LoadSnapshot(ctx, docID); err != nil {
		return nil, fmt.Errorf("coordinator: loading snapshot: %w", err)
	} else if ok {
		sinceOps, serr := s.store.LoadOpsSince(ctx, docID, snap.Rev)
		if serr != nil {
			return nil, fmt.Errorf("coordinator: loading ops since snapshot: %w", serr)
		}
		state := snap.State
		rev := snap.Rev
		sort.SliceStable(sinceOps, func(i, j int) bool { return sinceOps[i].Rev < sinceOps[j].Rev })
		for _, lop := range sinceOps {
			next, _, aerr := jsonpatch.Apply(state, []jsonpatch.Op{lop.Op}, jsonpatch.ApplyOptions{Strict: false})
			if aerr != nil {
				return nil, fmt.Errorf("coordinator: applying ops since snapshot: %w", aerr)
			}
			state = next
			if lop.Rev > rev {
				rev = lop.Rev
			}
		}
		return &change.Snapshot{State: state, Rev: rev}, nil
	}

	ops, err := s.store.LoadOps(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: loading ops: %w", err)
	}
	state, rev, err := materializeLWWState(ops)
	if err != nil {
		return nil, fmt.Errorf("coordinator: materializing state: %w", err)
	}
	return &change.Snapshot{State: state, Rev: rev}, nil
}

// GetChangesSince returns the ops committed strictly after rev, with any
// @txt entries expanded into their composed delta via the text-delta log
// so a lagging client sees every intermediate edit rather than only the
// latest composed value (spec §4.5 getChangesSince).
func (s *LWWServer) GetChangesSince(ctx context.Context, docID string, rev int64) (*change.Change, error) {
	ops, err := s.store.LoadOpsSince(ctx, docID, rev)
	if err != nil {
		return nil, fmt.Errorf("coordinator: loading ops since %d: %w", rev, err)
	}
	out := make([]jsonpatch.Op, 0, len(ops))
	var maxRev int64
	for _, lop := range ops {
		op := lop.Op
		if op.Op == jsonpatch.OpTxt {
			if deltas, derr := s.store.LoadTextDeltasSince(ctx, docID, lop.Path, rev); derr == nil && len(deltas) > 0 {
				composed := deltas[0].Delta
				for _, d := range deltas[1:] {
					composed = jsonpatch.ComposeTxt(composed, d.Delta)
				}
				op.Value = composed
			}
		}
		out = append(out, op)
		if lop.Rev > maxRev {
			maxRev = lop.Rev
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ts < out[j].Ts })
	return &change.Change{ID: ids.NewChangeID(), Ops: out, Rev: maxRev, BaseRev: rev}, nil
}

// DeleteDoc tombstones docID and broadcasts docDeleted.
func (s *LWWServer) DeleteDoc(ctx context.Context, docID string) error {
	return s.locks.With(docID, func() error {
		if err := s.store.SetTombstone(ctx, docID); err != nil {
			return err
		}
		ev := DocDeletedEvent{DocID: docID}
		s.onDocDeleted.Emit(ev)
		if s.broadcaster != nil {
			if perr := s.broadcaster.PublishDocDeleted(s.broadcastCtx, ev); perr != nil {
				s.log.Warn("publishing docDeleted to broadcaster failed", zap.String("doc_id", docID), zap.Error(perr))
			}
		}
		return nil
	})
}
