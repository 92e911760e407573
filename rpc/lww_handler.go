package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"docsync/change"
	"docsync/coordinator"
	"docsync/errorsx"
	"docsync/jsonpatch"
)

// LWWHandler serves the LWW-variant wire contract (spec §6) over
// websocket. The method set mirrors OTHandler; only commitChanges's shape
// differs, since the LWW coordinator admits one Change per call rather than
// a batch.
type LWWHandler struct {
	server   *coordinator.LWWServer
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*Conn]bool
}

// NewLWWHandler constructs an LWWHandler bound to server.
func NewLWWHandler(server *coordinator.LWWServer, log *zap.Logger) *LWWHandler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &LWWHandler{
		server: server,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*Conn]bool),
	}
	server.OnChangesCommitted(h.relayChangesCommitted)
	server.OnDocDeleted(h.relayDocDeleted)
	return h
}

func (h *LWWHandler) relayChangesCommitted(ev coordinator.ChangesCommittedEvent) {
	h.broadcast(ev.DocID, "changesCommitted", map[string]interface{}{"docId": ev.DocID, "changes": ev.Changes})
}

func (h *LWWHandler) relayDocDeleted(ev coordinator.DocDeletedEvent) {
	h.broadcast(ev.DocID, "docDeleted", map[string]interface{}{"docId": ev.DocID})
}

func (h *LWWHandler) broadcast(docID, method string, params interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		if !c.subscribed(docID) {
			continue
		}
		if err := c.sendNotify(method, params); err != nil {
			h.log.Warn("notify delivery failed", zap.String("client_id", c.clientID), zap.String("method", method), zap.Error(err))
		}
	}
}

// ServeHTTP upgrades the connection and runs its receive loop until it
// disconnects.
func (h *LWWHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = fmt.Sprintf("client-%d", time.Now().UnixNano())
	}
	conn := newConn(ws, clientID, h.log)

	h.mu.Lock()
	h.conns[conn] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", zap.String("client_id", clientID), zap.Error(err))
			}
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			h.log.Warn("dropping malformed request", zap.String("client_id", clientID), zap.Error(err))
			continue
		}
		h.dispatch(r.Context(), conn, req)
	}
}

func (h *LWWHandler) dispatch(ctx context.Context, conn *Conn, req Request) {
	result, err := h.handle(ctx, conn, req)
	if sendErr := conn.sendResponse(req.ID, result, err); sendErr != nil {
		h.log.Warn("response delivery failed", zap.String("client_id", conn.clientID), zap.Error(sendErr))
	}
}

func (h *LWWHandler) handle(ctx context.Context, conn *Conn, req Request) (interface{}, error) {
	switch req.Method {
	case "getDoc":
		var p struct {
			DocID string `json:"docId"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fmt.Errorf("rpc: decoding getDoc params: %w", err)
		}
		return h.server.GetDoc(ctx, p.DocID)

	case "getChangesSince":
		var p struct {
			DocID string `json:"docId"`
			Rev   int64  `json:"rev"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fmt.Errorf("rpc: decoding getChangesSince params: %w", err)
		}
		return h.server.GetChangesSince(ctx, p.DocID, p.Rev)

	case "commitChanges":
		var p struct {
			DocID  string         `json:"docId"`
			Change *change.Change `json:"change"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fmt.Errorf("rpc: decoding commitChanges params: %w", err)
		}
		if p.Change != nil {
			if verr := jsonpatch.ValidateRFC6902Shape(p.Change.Ops); verr != nil {
				return nil, fmt.Errorf("%w: change %s: %v", errorsx.ErrInvalidPatch, p.Change.ID, verr)
			}
		}
		return h.server.CommitChanges(ctx, p.DocID, p.Change, conn.clientID)

	case "deleteDoc":
		var p struct {
			DocID string `json:"docId"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fmt.Errorf("rpc: decoding deleteDoc params: %w", err)
		}
		return nil, h.server.DeleteDoc(ctx, p.DocID)

	case "subscribe":
		var p struct {
			IDs []string `json:"ids"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fmt.Errorf("rpc: decoding subscribe params: %w", err)
		}
		return conn.subscribe(p.IDs), nil

	case "unsubscribe":
		var p struct {
			IDs []string `json:"ids"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fmt.Errorf("rpc: decoding unsubscribe params: %w", err)
		}
		return conn.unsubscribe(p.IDs), nil

	default:
		return nil, fmt.Errorf("rpc: unknown method %q", req.Method)
	}
}
