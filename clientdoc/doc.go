// Package clientdoc holds the in-memory materialized document state and
// its event signals (spec §2 "Client Doc", §4.2/§4.3 applyCommittedChanges).
package clientdoc

import (
	"fmt"
	"sync"

	"docsync/change"
	"docsync/jsonpatch"
)

// StateChange is emitted whenever a Doc's live state changes, whether from
// a local mutation or from applying server-committed changes.
type StateChange struct {
	DocID string
	State interface{}
	Rev   int64
}

// ErrorEvent is emitted on onError per spec §7: errors in a doc-scoped
// operation set syncing to an error state and leave local queues intact.
type ErrorEvent struct {
	DocID string
	Err   error
}

// Doc is one client's in-memory view of a document: a Snapshot plus the
// event signals the Sync Controller and UI layer subscribe to. Doc owns no
// persistence; that is the Client Algorithm's job (spec §4.2/§4.3).
type Doc struct {
	mu       sync.RWMutex
	docID    string
	snapshot *change.Snapshot
	live     interface{}

	onStateChange *Signal[StateChange]
	onError       *Signal[ErrorEvent]
}

// New creates a Doc seeded with snapshot. The live state is computed
// immediately so the invariant live == apply(snapshot.State, snapshot.Changes)
// holds from construction onward.
func New(docID string, snapshot *change.Snapshot) (*Doc, error) {
	if snapshot == nil {
		snapshot = &change.Snapshot{State: map[string]interface{}{}}
	}
	d := &Doc{
		docID:         docID,
		snapshot:      snapshot,
		onStateChange: NewSignal[StateChange](),
		onError:       NewSignal[ErrorEvent](),
	}
	live, err := d.recompute()
	if err != nil {
		return nil, fmt.Errorf("clientdoc: failed to materialize initial state: %w", err)
	}
	d.live = live
	return d, nil
}

func (d *Doc) recompute() (interface{}, error) {
	state := d.snapshot.State
	for _, c := range d.snapshot.Changes {
		next, _, err := jsonpatch.Apply(state, c.Ops, jsonpatch.ApplyOptions{Strict: true})
		if err != nil {
			return nil, err
		}
		state = next
	}
	return state, nil
}

// DocID returns the document's identifier.
func (d *Doc) DocID() string { return d.docID }

// State returns the current live state. Callers must not mutate the
// returned value; it is not copied for read-only access.
func (d *Doc) State() interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.live
}

// Rev returns the last known committed revision.
func (d *Doc) Rev() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshot.Rev
}

// Snapshot returns a defensive copy of the current snapshot (state plus
// pending changes), used by the Client Algorithm to persist.
func (d *Doc) Snapshot() *change.Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	changes := make([]*change.Change, len(d.snapshot.Changes))
	for i, c := range d.snapshot.Changes {
		changes[i] = c.Clone()
	}
	return &change.Snapshot{State: d.snapshot.State, Rev: d.snapshot.Rev, Changes: changes}
}

// ApplyLocalOps applies a mutator's freshly emitted ops to the live state
// and appends pendingChange (already constructed by the Client Algorithm
// with an id/baseRev/createdAt) to the trailing pending queue, then
// re-emits state. Doc does not decide how ops are packaged into Changes;
// that is the Client Algorithm's responsibility (spec §4.2/§4.3).
func (d *Doc) ApplyLocalOps(pendingChange *change.Change) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	next, _, err := jsonpatch.Apply(d.live, pendingChange.Ops, jsonpatch.ApplyOptions{Strict: true})
	if err != nil {
		d.onError.Emit(ErrorEvent{DocID: d.docID, Err: err})
		return fmt.Errorf("clientdoc: failed to apply local ops: %w", err)
	}
	d.snapshot.Changes = append(d.snapshot.Changes, pendingChange)
	d.live = next
	d.onStateChange.Emit(StateChange{DocID: d.docID, State: d.live, Rev: d.snapshot.Rev})
	return nil
}

// ApplyCommittedChanges updates the snapshot's base state by applying
// serverChanges' ops, advances Rev to the last serverChanges revision,
// replaces the trailing pending queue with rebasedPending, and re-emits
// state — the OT/LWW step described in spec §4.2 step 5.
func (d *Doc) ApplyCommittedChanges(serverChanges []*change.Change, rebasedPending []*change.Change) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.snapshot.State
	rev := d.snapshot.Rev
	for _, c := range serverChanges {
		next, _, err := jsonpatch.Apply(state, c.Ops, jsonpatch.ApplyOptions{Strict: false})
		if err != nil {
			d.onError.Emit(ErrorEvent{DocID: d.docID, Err: err})
			return fmt.Errorf("clientdoc: failed to apply committed change %s: %w", c.ID, err)
		}
		state = next
		if c.Rev > rev {
			rev = c.Rev
		}
	}

	d.snapshot.State = state
	d.snapshot.Rev = rev
	d.snapshot.Changes = rebasedPending

	live, err := d.recompute()
	if err != nil {
		d.onError.Emit(ErrorEvent{DocID: d.docID, Err: err})
		return fmt.Errorf("clientdoc: failed to recompute live state: %w", err)
	}
	d.live = live
	d.onStateChange.Emit(StateChange{DocID: d.docID, State: d.live, Rev: d.snapshot.Rev})
	return nil
}

// OnStateChange subscribes to live-state updates.
func (d *Doc) OnStateChange(fn func(StateChange)) Unsubscribe {
	return d.onStateChange.Subscribe(fn)
}

// OnError subscribes to doc-scoped error events.
func (d *Doc) OnError(fn func(ErrorEvent)) Unsubscribe {
	return d.onError.Subscribe(fn)
}

// EmitError is used by collaborating components (Client Algorithm, Sync
// Controller) to surface errors scoped to this doc without exposing the
// doc's internal state to mutation from outside clientdoc.
func (d *Doc) EmitError(err error) {
	d.onError.Emit(ErrorEvent{DocID: d.docID, Err: err})
}

// Close releases the Doc's signal subscriptions.
func (d *Doc) Close() {
	d.onStateChange.Close()
	d.onError.Close()
}
