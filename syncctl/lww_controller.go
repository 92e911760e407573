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

// LWWController is the Sync Controller for LWW-variant documents (spec
// §4.6). Structurally mirrors OTController; the only shape difference is
// that commitChanges carries a single Change rather than a batch, since the
// LWW client algorithm has at most one in-flight sendingChange per doc.
type LWWController struct {
	algo   *clientalgo.LWW
	store  clientstore.LWWStore
	client *rpc.Client
	log    *zap.Logger

	locks *clientdoc.KeyedLock

	mu   sync.RWMutex
	docs map[string]*clientdoc.Doc

	status *status

	sendingMu sync.Mutex
	sending   map[string]bool
}

// NewLWWController constructs a controller bound to algo/store.
func NewLWWController(algo *clientalgo.LWW, store clientstore.LWWStore, log *zap.Logger) *LWWController {
	if log == nil {
		log = zap.NewNop()
	}
	return &LWWController{
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
func (c *LWWController) Status() (ConnState, bool, SyncingState, error) {
	return c.status.Snapshot()
}

// TrackDoc registers doc so it participates in resync/broadcast handling.
func (c *LWWController) TrackDoc(doc *clientdoc.Doc) {
	c.mu.Lock()
	c.docs[doc.DocID()] = doc
	c.mu.Unlock()
}

// UntrackDoc removes doc from resync/broadcast handling.
func (c *LWWController) UntrackDoc(docID string) {
	c.mu.Lock()
	delete(c.docs, docID)
	c.mu.Unlock()
}

func (c *LWWController) trackedDocIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	return ids
}

func (c *LWWController) trackedDoc(docID string) *clientdoc.Doc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.docs[docID]
}

// Connect dials the transport, flips to connected, and kicks off the
// global resync plus notification handling (spec §4.6).
func (c *LWWController) Connect(ctx context.Context, url, clientID string) error {
	c.status.setConn(Connecting)
	client, err := rpc.Dial(ctx, url, clientID, c.log)
	if err != nil {
		c.status.setConn(Disconnected)
		c.status.setOnline(false)
		c.log.Warn("lww controller connect failed", zap.Error(err))
		return fmt.Errorf("syncctl: connecting: %w", err)
	}
	c.client = client
	c.status.setConn(Connected)
	c.status.setOnline(true)
	c.log.Info("lww controller connected", zap.String("url", url))

	go c.notifyLoop()
	go c.Resync(context.Background())
	return nil
}

// Disconnect closes the transport; sendingChange/pendingOps are untouched.
func (c *LWWController) Disconnect() {
	c.status.setConn(Disconnected)
	c.status.setOnline(false)
	if c.client != nil {
		c.client.Close()
	}
	c.log.Info("lww controller disconnected")
}

// Resync performs the global reconnect sequence (spec §4.6).
func (c *LWWController) Resync(ctx context.Context) {
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

func (c *LWWController) resyncDoc(ctx context.Context, docID string) error {
	if sending, ok, err := c.store.LoadSendingChange(docID); err == nil && ok && sending != nil {
		return c.Flush(ctx, docID)
	}
	pending, err := c.store.LoadPendingOps(docID)
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
		var serverChange *change.Change
		if err := c.client.Call(ctx, "getChangesSince", map[string]interface{}{"docId": docID, "rev": committedRev}, &serverChange); err != nil {
			return err
		}
		if serverChange == nil {
			return nil
		}
		return c.applyServerChanges(docID, []*change.Change{serverChange})
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

// Flush sends docID's pending ops (or retries the outstanding
// sendingChange) and applies the server's response (spec §4.6 "Flush").
func (c *LWWController) Flush(ctx context.Context, docID string) error {
	if !c.beginSend(docID) {
		return nil
	}
	defer c.endSend(docID)

	return c.locks.With(docID, func() error {
		toSend, err := c.algo.GetPendingToSend(docID)
		if err != nil {
			return err
		}
		if toSend == nil {
			return nil
		}

		var result *change.Change
		err = c.client.Call(ctx, "commitChanges", map[string]interface{}{"docId": docID, "change": toSend}, &result)
		if err != nil {
			c.log.Warn("flush failed, retaining sendingChange for retry", zap.String("doc_id", docID), zap.Error(err))
			return fmt.Errorf("syncctl: flushing %s: %w", docID, errorsx.ErrDisconnected)
		}
		if err := c.algo.ConfirmSent(docID, result.Rev); err != nil {
			return err
		}
		doc := c.trackedDoc(docID)
		if doc != nil {
			rebasedPending := doc.Snapshot().Changes
			if err := doc.ApplyCommittedChanges([]*change.Change{result}, rebasedPending); err != nil {
				return err
			}
		}
		c.log.Debug("flush succeeded", zap.String("doc_id", docID))
		return nil
	})
}

func (c *LWWController) beginSend(docID string) bool {
	c.sendingMu.Lock()
	defer c.sendingMu.Unlock()
	if c.sending[docID] {
		return false
	}
	c.sending[docID] = true
	return true
}

func (c *LWWController) endSend(docID string) {
	c.sendingMu.Lock()
	delete(c.sending, docID)
	c.sendingMu.Unlock()
}

func (c *LWWController) applyServerChanges(docID string, serverChanges []*change.Change) error {
	doc := c.trackedDoc(docID)
	return c.locks.With(docID, func() error {
		return c.algo.ApplyServerChanges(docID, serverChanges, doc)
	})
}

// notifyLoop dispatches changesCommitted/docDeleted pushes (spec §4.6
// "Broadcasts").
func (c *LWWController) notifyLoop() {
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
	c.log.Info("lww controller notification stream closed")
}

// DeleteDoc handles an offline-initiated deletion (spec §4.6 "Tombstones").
func (c *LWWController) DeleteDoc(ctx context.Context, docID string) error {
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
// still marks deleted.
func (c *LWWController) FlushTombstones(ctx context.Context) {
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
