package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ClientNotify is delivered to a Client's Notifications channel for every
// unsolicited server push (changesCommitted / docDeleted).
type ClientNotify struct {
	Method string
	Params json.RawMessage
}

// Client is the websocket transport the Sync Controller drives: one
// request/response call at a time per id, plus a side channel of
// server-initiated notifications. Grounded on eventsync.WebSocketClient's
// read loop, mirrored client-side: one background reader goroutine
// demultiplexes responses (by id) from notifies (no id).
type Client struct {
	url      string
	clientID string
	log      *zap.Logger

	writeMu sync.Mutex
	ws      *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan Response

	notifications chan ClientNotify
	nextID        int64

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to url and starts the background receive loop.
func Dial(ctx context.Context, url, clientID string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("rpc: dialing %s: %w", url, err)
	}
	c := &Client{
		url:           url,
		clientID:      clientID,
		log:           log,
		ws:            ws,
		pending:       make(map[string]chan Response),
		notifications: make(chan ClientNotify, 64),
		closed:        make(chan struct{}),
	}
	go c.receiveLoop()
	return c, nil
}

// Notifications returns the channel of server-pushed changesCommitted /
// docDeleted messages. It is closed when the connection closes.
func (c *Client) Notifications() <-chan ClientNotify {
	return c.notifications
}

func (c *Client) receiveLoop() {
	defer c.teardown()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("rpc client read error", zap.Error(err))
			}
			return
		}

		var probe struct {
			ID     string `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			c.log.Warn("rpc client dropping malformed message", zap.Error(err))
			continue
		}

		if probe.Method != "" {
			var n Notify
			if err := json.Unmarshal(data, &n); err != nil {
				continue
			}
			select {
			case c.notifications <- ClientNotify{Method: n.Method, Params: n.Params}:
			default:
				c.log.Warn("dropping notification, subscriber too slow", zap.String("method", n.Method))
			}
			continue
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// Call issues a request and blocks until its matching response arrives, ctx
// is canceled, or the connection closes. result, if non-nil, receives the
// decoded Result payload.
func (c *Client) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	id := fmt.Sprintf("%s-%d", c.clientID, atomic.AddInt64(&c.nextID, 1))
	req := Request{ID: id, Method: method, Params: mustMarshal(params)}

	ch := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writeJSON(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return fmt.Errorf("rpc: sending %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return fmt.Errorf("rpc: %s: %s", method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("rpc: decoding %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return ctx.Err()
	case <-c.closed:
		return fmt.Errorf("rpc: connection closed")
	}
}

func (c *Client) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) teardown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.notifications)
	})
}

// Close closes the underlying websocket connection.
func (c *Client) Close() error {
	return c.ws.Close()
}
