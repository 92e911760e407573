package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// subscribe/unsubscribe/subscribed never touch the underlying websocket, so
// they're exercisable without a live connection.
func TestConnSubscriptionSet(t *testing.T) {
	c := newConn(nil, "client-1", nil)

	accepted := c.subscribe([]string{"doc-a", "doc-b"})
	assert.ElementsMatch(t, []string{"doc-a", "doc-b"}, accepted)
	assert.True(t, c.subscribed("doc-a"))
	assert.True(t, c.subscribed("doc-b"))
	assert.False(t, c.subscribed("doc-c"))

	removed := c.unsubscribe([]string{"doc-a"})
	assert.Equal(t, []string{"doc-a"}, removed)
	assert.False(t, c.subscribed("doc-a"))
	assert.True(t, c.subscribed("doc-b"))
}

func TestConnSubscribeIsIdempotent(t *testing.T) {
	c := newConn(nil, "client-1", nil)
	c.subscribe([]string{"doc-a"})
	c.subscribe([]string{"doc-a"})
	assert.True(t, c.subscribed("doc-a"))
	c.unsubscribe([]string{"doc-a"})
	assert.False(t, c.subscribed("doc-a"))
}
