package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"docsync/change"
	"docsync/config"
	"docsync/errorsx"
	"docsync/ids"
	"docsync/jsonpatch"
	"docsync/serverstore"
)

// ChangesCommittedEvent is broadcast after a successful commitChanges
// (spec §4.4 step 5, §6 notify "changesCommitted").
type ChangesCommittedEvent struct {
	DocID          string
	Changes        []*change.Change
	OriginClientID string
}

// DocDeletedEvent is broadcast after deleteDoc (spec §6 notify "docDeleted").
type DocDeletedEvent struct {
	DocID string
}

// OTServer is the OT-variant Coordinator Server (spec §4.4). It admits one
// change batch at a time per document (docLocks), transforms incoming
// changes against concurrent committed history, persists, and broadcasts.
// Grounded on eventsync.SyncServiceImpl.BroadcastEvent's store-then-
// broadcast ordering and MongoEventStore's mutex-guarded sequence
// allocation, generalized to transform-against-history with jsonpatch.
type OTServer struct {
	store serverstore.OTServerStore
	cfg   *config.Options
	log   *zap.Logger

	locks *docLocks
	cache *revisionCache

	onChangesCommitted *signal[ChangesCommittedEvent]
	onDocDeleted       *signal[DocDeletedEvent]

	broadcaster  *RedisBroadcaster
	broadcastCtx context.Context
}

// NewOTServer constructs an OTServer bound to store and cfg.
func NewOTServer(store serverstore.OTServerStore, cfg *config.Options, log *zap.Logger) *OTServer {
	if cfg == nil {
		cfg = config.DefaultOptions()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OTServer{
		store:              store,
		cfg:                cfg,
		log:                log,
		locks:              newDocLocks(),
		cache:              newRevisionCache(512),
		onChangesCommitted: newSignal[ChangesCommittedEvent](),
		onDocDeleted:       newSignal[DocDeletedEvent](),
	}
}

// OnChangesCommitted subscribes to post-commit broadcasts.
func (s *OTServer) OnChangesCommitted(fn func(ChangesCommittedEvent)) Unsubscribe {
	return s.onChangesCommitted.Subscribe(fn)
}

// OnDocDeleted subscribes to deletion broadcasts.
func (s *OTServer) OnDocDeleted(fn func(DocDeletedEvent)) Unsubscribe {
	return s.onDocDeleted.Subscribe(fn)
}

// AttachBroadcaster wires b so every locally committed change/delete is
// published for other nodes to see, and every remote commit/delete from
// another node surfaces through this server's own
// OnChangesCommitted/OnDocDeleted, so rpc subscribers never need to know
// whether an event originated locally or remotely. Publishing happens only
// for genuinely local events (via the broadcaster field checked in
// CommitChanges/DeleteDoc); the remote relay below only re-emits locally
// and never re-publishes, which would otherwise loop a commit around
// every node's stream forever.
func (s *OTServer) AttachBroadcaster(ctx context.Context, b *RedisBroadcaster) {
	s.broadcaster = b
	s.broadcastCtx = ctx
	b.OnRemoteChangesCommitted(func(ev ChangesCommittedEvent) {
		s.cache.invalidate(ev.DocID)
		s.onChangesCommitted.Emit(ev)
	})
	b.OnRemoteDocDeleted(func(ev DocDeletedEvent) {
		s.cache.invalidate(ev.DocID)
		s.onDocDeleted.Emit(ev)
	})
}

// CommitChanges admits one batch of changes for docID (spec §4.4). It
// returns the back-fill the submitter did not have (committedSince) and
// its own server-assigned versions (transformed).
func (s *OTServer) CommitChanges(ctx context.Context, docID string, incoming []*change.Change, originClientID string) (committedSince []*change.Change, transformed []*change.Change, err error) {
	if len(incoming) == 0 {
		return nil, nil, nil
	}

	err = s.locks.With(docID, func() error {
		baseRev := incoming[0].BaseRev
		for _, c := range incoming {
			if c.BaseRev != baseRev {
				return errorsx.ErrBaseRevMismatchInBatch
			}
		}

		currentRev, rerr := s.latestRev(ctx, docID)
		if rerr != nil {
			return fmt.Errorf("coordinator: loading latest rev: %w", rerr)
		}
		if baseRev > currentRev {
			return errorsx.ErrClientAheadOfServer
		}

		if baseRev == 0 && touchesRoot(incoming) {
			exists, eerr := s.store.DocExists(ctx, docID)
			if eerr != nil {
				return fmt.Errorf("coordinator: checking doc existence: %w", eerr)
			}
			if exists && !allShareBatch(incoming) {
				return errorsx.ErrDocAlreadyExists
			}
		}

		// Step 1: idempotency filter.
		sinceBase, serr := s.store.LoadChangesSince(ctx, docID, baseRev)
		if serr != nil {
			return fmt.Errorf("coordinator: loading changes since base: %w", serr)
		}
		committedSince = sinceBase
		seen := make(map[string]bool, len(sinceBase))
		for _, c := range sinceBase {
			seen[c.ID] = true
		}
		surviving := incoming[:0:0]
		for _, c := range incoming {
			if !seen[c.ID] {
				surviving = append(surviving, c)
			}
		}
		if len(surviving) == 0 {
			transformed = nil
			return nil
		}

		// Step 2: offline-session compaction grouping (see DESIGN.md open
		// question: sessions get one VersionMetadata each but changes are
		// still persisted and revisioned individually, matching the
		// literal S6 scenario's "assigns revs 6..9").
		sessionTimeout := s.cfg.SessionTimeoutMillis()
		sessions := groupOfflineSessions(surviving, sessionTimeout)
		isOffline := len(sessions) > 0 && (sessions[0].isOffline(sessionTimeout) || allShareBatch(surviving))

		// Step 3: transformation against concurrent committed history.
		concurrentChanges, cerr := s.loadConcurrentChanges(ctx, docID, baseRev, surviving)
		if cerr != nil {
			return cerr
		}
		var concurrentOps []jsonpatch.Op
		for _, c := range concurrentChanges {
			concurrentOps = append(concurrentOps, c.Ops...)
		}

		currentState, serr := s.reconstructState(ctx, docID, currentRev)
		if serr != nil {
			return serr
		}

		rev := currentRev
		transformed = make([]*change.Change, 0, len(surviving))
		for _, c := range surviving {
			rebasedOps := jsonpatch.Transform(concurrentOps, c.Ops)
			if len(rebasedOps) == 0 {
				s.log.Debug("dropped no-op transformed change", zap.String("doc_id", docID), zap.String("change_id", c.ID))
				continue
			}
			next, _, aerr := jsonpatch.Apply(currentState, rebasedOps, jsonpatch.ApplyOptions{Strict: true})
			if aerr != nil {
				s.log.Warn("dropping change that fails to apply", zap.String("doc_id", docID), zap.String("change_id", c.ID), zap.Error(aerr))
				continue
			}
			currentState = next
			rev++
			nc := c.Clone()
			nc.Ops = rebasedOps
			nc.Rev = rev
			nc.CommittedAt = nowMillis()
			transformed = append(transformed, nc)
			concurrentOps = append(concurrentOps, rebasedOps...)
		}

		if len(transformed) == 0 {
			return nil
		}

		// Step 4: cut a 'main' version for the prior session if it aged out,
		// then persist the new changes.
		if verr := s.maybeCutMainVersion(ctx, docID, currentRev, baseRev); verr != nil {
			return verr
		}
		if perr := s.store.SaveChanges(ctx, docID, transformed); perr != nil {
			return fmt.Errorf("coordinator: saving changes: %w", perr)
		}
		s.cache.put(docID, rev, currentState)

		if isOffline {
			if verr := s.saveOfflineVersions(ctx, docID, baseRev, sessions, transformed); verr != nil {
				return verr
			}
		}

		// Step 5: broadcast (after persistence commits).
		ev := ChangesCommittedEvent{DocID: docID, Changes: transformed, OriginClientID: originClientID}
		s.onChangesCommitted.Emit(ev)
		if s.broadcaster != nil {
			if perr := s.broadcaster.PublishChangesCommitted(s.broadcastCtx, ev); perr != nil {
				s.log.Warn("publishing changesCommitted to broadcaster failed", zap.String("doc_id", docID), zap.Error(perr))
			}
		}
		return nil
	})

	if err != nil {
		return nil, nil, err
	}
	return committedSince, transformed, nil
}

// latestRev is the doc's current revision: the highest committed Change
// rev, or the seed version's EndRev for a doc (e.g. a freshly created
// branch, spec §4.7 createBranch) that was seeded with a VersionMetadata
// but has not yet had any Change committed against it directly.
func (s *OTServer) latestRev(ctx context.Context, docID string) (int64, error) {
	rev, err := s.store.LatestRev(ctx, docID)
	if err != nil {
		return 0, err
	}
	version, hasVersion, err := s.store.LoadLatestVersion(ctx, docID)
	if err != nil {
		return 0, err
	}
	if hasVersion && version.EndRev > rev {
		rev = version.EndRev
	}
	return rev, nil
}

// loadConcurrentChanges loads committed changes with rev > baseRev that do
// not share the incoming batch's batchId (spec §4.4 step 3).
func (s *OTServer) loadConcurrentChanges(ctx context.Context, docID string, baseRev int64, incoming []*change.Change) ([]*change.Change, error) {
	all, err := s.store.LoadChangesSince(ctx, docID, baseRev)
	if err != nil {
		return nil, fmt.Errorf("coordinator: loading concurrent changes: %w", err)
	}
	batchID := incoming[0].BatchID
	if batchID == "" {
		return all, nil
	}
	out := make([]*change.Change, 0, len(all))
	for _, c := range all {
		if c.BatchID != batchID {
			out = append(out, c)
		}
	}
	return out, nil
}

// reconstructState reconstructs {state} at rev, read-through cached (spec
// §4.4 getDoc). It starts from the doc's latest version when that version
// ends at or before rev, and otherwise from an empty document at rev 0;
// older versions are not searched. Committed changes up to rev are applied
// on top.
func (s *OTServer) reconstructState(ctx context.Context, docID string, rev int64) (interface{}, error) {
	if cached, ok := s.cache.get(docID, rev); ok {
		return cached, nil
	}

	version, hasVersion, err := s.store.LoadLatestVersion(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: loading latest version: %w", err)
	}

	var state interface{} = map[string]interface{}{}
	fromRev := int64(0)
	if hasVersion && version.EndRev <= rev {
		state = version.State
		fromRev = version.EndRev
	}

	changes, err := s.store.LoadChangesInRange(ctx, docID, fromRev, rev)
	if err != nil {
		return nil, fmt.Errorf("coordinator: loading changes in range: %w", err)
	}
	for _, c := range changes {
		next, _, aerr := jsonpatch.Apply(state, c.Ops, jsonpatch.ApplyOptions{Strict: false})
		if aerr != nil {
			return nil, fmt.Errorf("coordinator: reconstructing state: %w", aerr)
		}
		state = next
	}
	s.cache.put(docID, rev, state)
	return state, nil
}

// maybeCutMainVersion implements spec §4.4 step 4's session cut: if the
// previous committed change's createdAt is older than sessionTimeoutMillis
// from now, a VersionMetadata{origin:'main'} covering the prior session is
// written before the new changes. Evaluated under the per-doc lock per
// spec §9's open question about this race.
func (s *OTServer) maybeCutMainVersion(ctx context.Context, docID string, currentRev, baseRev int64) error {
	if currentRev == 0 {
		return nil
	}
	latest, err := s.store.LoadChangesInRange(ctx, docID, currentRev-1, currentRev)
	if err != nil || len(latest) == 0 {
		return nil
	}
	last := latest[0]
	if nowMillis()-last.CreatedAt < s.cfg.SessionTimeoutMillis() {
		return nil
	}

	version, hasVersion, err := s.store.LoadLatestVersion(ctx, docID)
	if err != nil {
		return fmt.Errorf("coordinator: loading latest version for cut: %w", err)
	}
	startRev := int64(0)
	if hasVersion {
		startRev = version.EndRev
	}
	if startRev >= currentRev {
		return nil
	}

	state, err := s.reconstructState(ctx, docID, currentRev)
	if err != nil {
		return err
	}
	changes, err := s.store.LoadChangesInRange(ctx, docID, startRev, currentRev)
	if err != nil {
		return fmt.Errorf("coordinator: loading session changes: %w", err)
	}
	vid := ids.NewChangeID()
	startedAt := int64(0)
	if len(changes) > 0 {
		startedAt = changes[0].CreatedAt
	}
	v := &change.VersionMetadata{
		ID: vid, DocID: docID, Origin: change.OriginMain,
		StartedAt: startedAt, EndedAt: last.CreatedAt,
		StartRev: startRev, EndRev: currentRev,
		State: state, Changes: changes,
	}
	return s.store.SaveVersion(ctx, docID, v)
}

// saveOfflineVersions writes one VersionMetadata{origin:'offline'} per
// detected session, spanning the original (untransformed) changes of that
// session and the full reconstructed state at the session's ending
// revision (spec §4.4 step 2, S6).
func (s *OTServer) saveOfflineVersions(ctx context.Context, docID string, baseRev int64, sessions []offlineSession, transformed []*change.Change) error {
	if len(sessions) == 0 || len(transformed) == 0 {
		return nil
	}
	idx := 0
	startRev := baseRev
	for _, sess := range sessions {
		if idx+len(sess.changes) > len(transformed) {
			break
		}
		sessTransformed := transformed[idx : idx+len(sess.changes)]
		idx += len(sess.changes)
		if len(sessTransformed) == 0 {
			continue
		}
		endRev := sessTransformed[len(sessTransformed)-1].Rev
		state, err := s.reconstructState(ctx, docID, endRev)
		if err != nil {
			return err
		}
		groupID := sess.changes[0].BatchID
		if groupID == "" {
			groupID = ids.NewChangeID()
		}
		vid := ids.NewChangeID()
		v := &change.VersionMetadata{
			ID: vid, DocID: docID, Origin: change.OriginOffline,
			StartedAt: sess.changes[0].CreatedAt, EndedAt: sess.changes[len(sess.changes)-1].CreatedAt,
			StartRev: startRev, EndRev: endRev, GroupID: groupID,
			State: state, Changes: sess.changes,
		}
		if err := s.store.SaveVersion(ctx, docID, v); err != nil {
			return err
		}
		startRev = endRev
	}
	return nil
}

// GetDoc reconstructs {state, rev} at atRev (or the latest rev if atRev is
// nil), per spec §4.4.
func (s *OTServer) GetDoc(ctx context.Context, docID string, atRev *int64) (*change.Snapshot, error) {
	rev := int64(0)
	if atRev != nil {
		rev = *atRev
	} else {
		latest, err := s.latestRev(ctx, docID)
		if err != nil {
			return nil, fmt.Errorf("coordinator: loading latest rev: %w", err)
		}
		rev = latest
	}
	state, err := s.reconstructState(ctx, docID, rev)
	if err != nil {
		return nil, err
	}
	return &change.Snapshot{State: state, Rev: rev}, nil
}

// GetChangesSince returns committed changes strictly after rev, ascending.
func (s *OTServer) GetChangesSince(ctx context.Context, docID string, rev int64) ([]*change.Change, error) {
	changes, err := s.store.LoadChangesSince(ctx, docID, rev)
	if err != nil {
		return nil, fmt.Errorf("coordinator: loading changes since %d: %w", rev, err)
	}
	return changes, nil
}

// DeleteDoc tombstones docID and broadcasts docDeleted.
func (s *OTServer) DeleteDoc(ctx context.Context, docID string) error {
	return s.locks.With(docID, func() error {
		if err := s.store.SetTombstone(ctx, docID); err != nil {
			return err
		}
		s.cache.invalidate(docID)
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

func touchesRoot(changes []*change.Change) bool {
	for _, c := range changes {
		for _, op := range c.Ops {
			if op.Path == "" {
				return true
			}
		}
	}
	return false
}

func allShareBatch(changes []*change.Change) bool {
	if len(changes) == 0 {
		return false
	}
	id := changes[0].BatchID
	if id == "" {
		return false
	}
	for _, c := range changes {
		if c.BatchID != id {
			return false
		}
	}
	return true
}

type offlineSession struct {
	changes []*change.Change
}

func (o offlineSession) isOffline(sessionTimeoutMillis int64) bool {
	if len(o.changes) == 0 {
		return false
	}
	return nowMillis()-o.changes[0].CreatedAt > sessionTimeoutMillis
}

// groupOfflineSessions partitions changes (already ordered by createdAt)
// into sessions separated by an inactivity gap >= sessionTimeoutMillis
// (spec §4.4 step 2).
func groupOfflineSessions(changes []*change.Change, sessionTimeoutMillis int64) []offlineSession {
	if len(changes) == 0 {
		return nil
	}
	var sessions []offlineSession
	current := offlineSession{changes: []*change.Change{changes[0]}}
	for i := 1; i < len(changes); i++ {
		gap := changes[i].CreatedAt - changes[i-1].CreatedAt
		if gap >= sessionTimeoutMillis {
			sessions = append(sessions, current)
			current = offlineSession{changes: []*change.Change{changes[i]}}
			continue
		}
		current.changes = append(current.changes, changes[i])
	}
	sessions = append(sessions, current)
	return sessions
}

func nowMillis() int64 { return time.Now().UnixMilli() }
