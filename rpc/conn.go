package rpc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Conn wraps one upgraded websocket connection. Writes are serialized
// through writeMu since gorilla/websocket forbids concurrent writers on the
// same connection, mirroring eventsync.WebSocketClient.sendMessage's mutex.
type Conn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	clientID string
	log      *zap.Logger

	subMu sync.Mutex
	subs  map[string]bool

	closed bool
}

func newConn(ws *websocket.Conn, clientID string, log *zap.Logger) *Conn {
	return &Conn{ws: ws, clientID: clientID, log: log, subs: make(map[string]bool)}
}

func (c *Conn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return fmt.Errorf("rpc: connection closed")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("rpc: marshaling message: %w", err)
	}
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) sendResponse(id string, result interface{}, rerr error) error {
	resp := Response{ID: id}
	if rerr != nil {
		resp.Error = rerr.Error()
	} else {
		resp.Result = mustMarshal(result)
	}
	return c.writeJSON(resp)
}

func (c *Conn) sendNotify(method string, params interface{}) error {
	return c.writeJSON(Notify{Method: method, Params: mustMarshal(params)})
}

// subscribed reports whether docID is in this connection's subscription set.
func (c *Conn) subscribed(docID string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.subs[docID]
}

func (c *Conn) subscribe(docIDs []string) []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	accepted := make([]string, 0, len(docIDs))
	for _, id := range docIDs {
		c.subs[id] = true
		accepted = append(accepted, id)
	}
	return accepted
}

func (c *Conn) unsubscribe(docIDs []string) []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	accepted := make([]string, 0, len(docIDs))
	for _, id := range docIDs {
		delete(c.subs, id)
		accepted = append(accepted, id)
	}
	return accepted
}

func (c *Conn) close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}
