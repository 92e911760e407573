package syncctl

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"docsync/change"
	"docsync/clientalgo"
	"docsync/clientdoc"
	"docsync/clientstore"
	"docsync/errorsx"
	"docsync/rpc"
)

// OTController is the Sync Controller for OT-variant documents (spec
// §4.6). It owns no document state directly; it coordinates a
// clientalgo.OT, a clientstore.OTStore (reached through the algorithm), a
// set of tracked clientdoc.Doc instances, and an rpc.Client transport.
type OTController struct {
	algo   *clientalgo.OT
	store  clientstore.OTStore
	client *rpc.Client
	log    *zap.Logger

	locks *clientdoc.KeyedLock

	mu   sync.RWMutex
	docs map[string]*clientdoc.Doc

	status *status

	sendingMu sync.Mutex
	sending   map[string]bool
}

// NewOTController constructs a controller bound to algo/store and ready to
// track docs once Connect dials client.
func NewOTController(algo *clientalgo.OT, store clientstore.OTStore, log *zap.Logger) *OTController {
	if log == nil {
		log = zap.NewNop()
	}
	return &OTController{
		algo:    algo,
		store:   store,
		log:     log,
		locks:   clientdoc.NewKeyedLock(),
		docs:    make(map[string]*clientdoc.Doc),
		status:  &status{},
		sending: make(map[string]bool),
	}
}

// Status reports the controller's current connection/syncing state.
func (c *OTController) Status() (ConnState, bool, SyncingState, error) {
	return c.status.Snapshot()
}

// TrackDoc registers doc so it participates in resync/broadcast handling.
func (c *OTController) TrackDoc(doc *clientdoc.Doc) {
	c.mu.Lock()
	c.docs[doc.DocID()] = doc
	c.mu.Unlock()
}

// UntrackDoc removes doc from resync/broadcast handling without touching
// its persisted state.
func (c *OTController) UntrackDoc(docID string) {
	c.mu.Lock()
	delete(c.docs, docID)
	c.mu.Unlock()
}

func (c *OTController) trackedDocIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	return ids
}

func (c *OTController) trackedDoc(docID string) *clientdoc.Doc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.docs[docID]
}

// Connect dials the transport, flips the state machine to connected, and
// kicks off the global resync plus the notification-handling goroutine
// (spec §4.6).
func (c *OTController) Connect(ctx context.Context, url, clientID string) error {
	c.status.setConn(Connecting)
	client, err := rpc.Dial(ctx, url, clientID, c.log)
	if err != nil {
		c.status.setConn(Disconnected)
		c.status.setOnline(false)
		c.log.Warn("ot controller connect failed", zap.Error(err))
		return fmt.Errorf("syncctl: connecting: %w", err)
	}
	c.client = client
	c.status.setConn(Connected)
	c.status.setOnline(true)
	c.log.Info("ot controller connected", zap.String("url", url))

	go c.notifyLoop()
	go c.Resync(context.Background())
	return nil
}

// Disconnect closes the transport; pending/sending state is untouched so a
// future Connect resumes exactly where this left off (spec §5
// "Cancellation").
func (c *OTController) Disconnect() {
	c.status.setConn(Disconnected)
	c.status.setOnline(false)
	if c.client != nil {
		c.client.Close()
	}
	c.log.Info("ot controller disconnected")
}

// Resync performs the global reconnect sequence (spec §4.6): subscribe to
// every tracked doc, then for each either flush pending, fetch the tail via
// getChangesSince, or fetch the whole doc.
func (c *OTController) Resync(ctx context.Context) {
	c.status.setSyncing(SyncInitial, nil)
	ids := c.trackedDocIDs()
	if len(ids) > 0 {
		if err := c.client.Call(ctx, "subscribe", map[string]interface{}{"ids": ids}, nil); err != nil {
			c.log.Warn("subscribe failed during resync", zap.Error(err))
			c.status.setSyncing(SyncError, err)
			return
		}
	}

	for _, docID := range ids {
		if err := c.resyncDoc(ctx, docID); err != nil {
			c.log.Warn("resync failed for document", zap.String("doc_id", docID), zap.Error(err))
			c.status.setSyncing(SyncError, err)
			continue
		}
	}
	c.status.setSyncing(SyncIdle, nil)
}

func (c *OTController) resyncDoc(ctx context.Context, docID string) error {
	pending, err := c.algo.GetPendingToSend(docID)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return c.Flush(ctx, docID)
	}

	committedRev, ok, err := c.store.LoadDoc(docID)
	if err != nil {
		return err
	}
	if ok && committedRev > 0 {
		var serverChanges []*change.Change
		if err := c.client.Call(ctx, "getChangesSince", map[string]interface{}{"docId": docID, "rev": committedRev}, &serverChanges); err != nil {
			return err
		}
		return c.applyServerChanges(docID, serverChanges)
	}

	var snap *change.Snapshot
	if err := c.client.Call(ctx, "getDoc", map[string]interface{}{"docId": docID}, &snap); err != nil {
		return err
	}
	if err := c.store.SaveSnapshot(docID, snap); err != nil {
		return fmt.Errorf("syncctl: persisting resynced snapshot: %w", errorsx.ErrStoreUnavailable)
	}
	return c.store.SaveDoc(docID, snap.Rev)
}

// Flush sends docID's pending queue in batches of at most
// defaultFlushBatchSize changes (batches are not sized by payload bytes),
// and applies the server's response (spec §4.6 "Flush"). Only one flush per
// doc runs at a time (spec §5 back-pressure); a concurrent call returns nil
// without sending, and changes queued after the in-flight flush read the
// queue go out on a later Flush or Resync.
func (c *OTController) Flush(ctx context.Context, docID string) error {
	if !c.beginSend(docID) {
		return nil
	}
	defer c.endSend(docID)

	return c.locks.With(docID, func() error {
		pending, err := c.algo.GetPendingToSend(docID)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		doc := c.trackedDoc(docID)
		for _, batch := range batchChanges(pending) {
			var result []*change.Change
			err := c.client.Call(ctx, "commitChanges", map[string]interface{}{"docId": docID, "changes": batch}, &result)
			if err != nil {
				c.log.Warn("flush batch failed, retaining pending for retry",
					zap.String("doc_id", docID), zap.Int("batch_size", len(batch)), zap.Error(err))
				return fmt.Errorf("syncctl: flushing %s: %w", docID, errorsx.ErrDisconnected)
			}
			if err := c.algo.ApplyServerChanges(docID, result, doc); err != nil {
				return err
			}
		}
		c.log.Debug("flush succeeded", zap.String("doc_id", docID))
		return nil
	})
}

func (c *OTController) beginSend(docID string) bool {
	c.sendingMu.Lock()
	defer c.sendingMu.Unlock()
	if c.sending[docID] {
		return false
	}
	c.sending[docID] = true
	return true
}

func (c *OTController) endSend(docID string) {
	c.sendingMu.Lock()
	delete(c.sending, docID)
	c.sendingMu.Unlock()
}

func (c *OTController) applyServerChanges(docID string, serverChanges []*change.Change) error {
	doc := c.trackedDoc(docID)
	return c.locks.With(docID, func() error {
		return c.algo.ApplyServerChanges(docID, serverChanges, doc)
	})
}

// notifyLoop dispatches changesCommitted/docDeleted pushes from the
// transport onto the per-doc-locked handlers (spec §4.6 "Broadcasts").
func (c *OTController) notifyLoop() {
	for n := range c.client.Notifications() {
		switch n.Method {
		case "changesCommitted":
			var p struct {
				DocID   string           `json:"docId"`
				Changes []*change.Change `json:"changes"`
			}
			if err := json.Unmarshal(n.Params, &p); err != nil {
				c.log.Warn("malformed changesCommitted notify", zap.Error(err))
				continue
			}
			if err := c.applyServerChanges(p.DocID, p.Changes); err != nil {
				c.log.Warn("applying broadcast failed", zap.String("doc_id", p.DocID), zap.Error(err))
			}

		case "docDeleted":
			var p struct {
				DocID string `json:"docId"`
			}
			if err := json.Unmarshal(n.Params, &p); err != nil {
				continue
			}
			if err := c.store.MarkDeleted(p.DocID); err != nil {
				c.log.Warn("marking doc deleted failed", zap.String("doc_id", p.DocID), zap.Error(err))
			}
		}
	}
	c.status.setConn(Disconnected)
	c.status.setOnline(false)
	c.log.Info("ot controller notification stream closed")
}

// DeleteDoc handles an offline-initiated deletion (spec §4.6
// "Tombstones"): the local tombstone is recorded immediately; if connected,
// deleteDoc is also sent to the server right away, otherwise it is resent
// by FlushTombstones on the next connect.
func (c *OTController) DeleteDoc(ctx context.Context, docID string) error {
	if err := c.store.MarkDeleted(docID); err != nil {
		return fmt.Errorf("syncctl: marking doc deleted locally: %w", errorsx.ErrStoreUnavailable)
	}
	conn, _, _, _ := c.status.Snapshot()
	if conn != Connected {
		return nil
	}
	return c.client.Call(ctx, "deleteDoc", map[string]interface{}{"docId": docID}, nil)
}

// FlushTombstones resends deleteDoc for every tracked doc the local store
// still marks deleted, for documents that were deleted while offline.
func (c *OTController) FlushTombstones(ctx context.Context) {
	for _, docID := range c.trackedDocIDs() {
		deleted, err := c.store.IsDeleted(docID)
		if err != nil || !deleted {
			continue
		}
		if err := c.client.Call(ctx, "deleteDoc", map[string]interface{}{"docId": docID}, nil); err != nil {
			c.log.Warn("resending tombstone failed", zap.String("doc_id", docID), zap.Error(err))
		}
	}
}

// batchChanges groups changes into wire-sized batches. Changes are already
// split at creation by clientalgo's maxPayloadBytes, so this only protects
// against a pending queue that has grown large across many offline edits.
const defaultFlushBatchSize = 64

func batchChanges(changes []*change.Change) [][]*change.Change {
	if len(changes) <= defaultFlushBatchSize {
		return [][]*change.Change{changes}
	}
	var batches [][]*change.Change
	for len(changes) > 0 {
		n := defaultFlushBatchSize
		if n > len(changes) {
			n = len(changes)
		}
		batches = append(batches, changes[:n])
		changes = changes[n:]
	}
	return batches
}
