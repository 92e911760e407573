package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req := Request{ID: "c1-1", Method: "getDoc", Params: mustMarshal(map[string]interface{}{"docId": "d1"})}
	b, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded Request
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, req.ID, decoded.ID)
	assert.Equal(t, req.Method, decoded.Method)

	var params struct {
		DocID string `json:"docId"`
	}
	require.NoError(t, json.Unmarshal(decoded.Params, &params))
	assert.Equal(t, "d1", params.DocID)
}

func TestResponseOmitsResultOnError(t *testing.T) {
	resp := Response{ID: "c1-1", Error: "boom"}
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.NotContains(t, string(b), `"result"`)
	assert.Contains(t, string(b), `"error":"boom"`)
}

func TestResponseCarriesResult(t *testing.T) {
	resp := Response{ID: "c1-1", Result: mustMarshal(map[string]interface{}{"rev": 3.0})}
	b, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded Response
	require.NoError(t, json.Unmarshal(b, &decoded))
	var result struct {
		Rev float64 `json:"rev"`
	}
	require.NoError(t, json.Unmarshal(decoded.Result, &result))
	assert.Equal(t, 3.0, result.Rev)
}

func TestNotifyRoundTrip(t *testing.T) {
	n := Notify{Method: "changesCommitted", Params: mustMarshal(map[string]interface{}{"docId": "d1"})}
	b, err := json.Marshal(n)
	require.NoError(t, err)

	var decoded Notify
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "changesCommitted", decoded.Method)
}

func TestMustMarshalFallsBackToNullOnError(t *testing.T) {
	// A channel can't be marshaled; mustMarshal should degrade to "null"
	// rather than panic.
	raw := mustMarshal(make(chan int))
	assert.Equal(t, json.RawMessage("null"), raw)
}
