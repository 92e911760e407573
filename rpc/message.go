// Package rpc implements the Client-Coordinator wire contract (spec §6)
// over gorilla/websocket: request/response methods getDoc, getChangesSince,
// commitChanges, deleteDoc, subscribe/unsubscribe, and the changesCommitted/
// docDeleted notify messages. Grounded on eventsync.WebSocketClient/
// WebSocketHandler's upgrade-then-read-loop structure.
package rpc

import "encoding/json"

// Request is a client-to-server call. ID correlates the eventual Response;
// notify messages from the server never carry one.
type Request struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request with the same ID, carrying exactly one of
// Result or Error.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Notify is a server-to-client push with no response expected: spec §6's
// "changesCommitted" and "docDeleted".
type Notify struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
