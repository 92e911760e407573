package clientdoc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/change"
	"docsync/jsonpatch"
)

func TestNewDocInvariantHoldsFromConstruction(t *testing.T) {
	snap := &change.Snapshot{
		State: map[string]interface{}{"title": "Hello"},
		Rev:   1,
		Changes: []*change.Change{
			{ID: "c1", Ops: []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/title", Value: "Pending"}}},
		},
	}
	d, err := New("doc1", snap)
	require.NoError(t, err)
	assert.Equal(t, "Pending", d.State().(map[string]interface{})["title"])
	assert.Equal(t, int64(1), d.Rev())
}

func TestApplyLocalOpsUpdatesLiveStateAndPending(t *testing.T) {
	d, err := New("doc1", &change.Snapshot{State: map[string]interface{}{"n": 0.0}})
	require.NoError(t, err)

	pc := &change.Change{ID: "c1", Ops: []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/n", Value: 5.0}}}
	require.NoError(t, d.ApplyLocalOps(pc))

	assert.Equal(t, 5.0, d.State().(map[string]interface{})["n"])
	assert.Len(t, d.Snapshot().Changes, 1)
}

func TestApplyCommittedChangesAdvancesRevAndReplacesPending(t *testing.T) {
	d, err := New("doc1", &change.Snapshot{State: map[string]interface{}{"title": "Hello"}})
	require.NoError(t, err)

	pc := &change.Change{ID: "local1", Ops: []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/title", Value: "Mine"}}}
	require.NoError(t, d.ApplyLocalOps(pc))

	server := []*change.Change{
		{ID: "s1", Rev: 1, Ops: []jsonpatch.Op{{Op: jsonpatch.OpReplace, Path: "/count", Value: 1.0}}},
	}
	require.NoError(t, d.ApplyCommittedChanges(server, nil))

	assert.Equal(t, int64(1), d.Rev())
	assert.Empty(t, d.Snapshot().Changes)
	state := d.State().(map[string]interface{})
	assert.Equal(t, 1.0, state["count"])
	assert.Equal(t, "Hello", state["title"]) // local pending was dropped, not replayed
}

func TestOnStateChangeEmitsInOrder(t *testing.T) {
	d, err := New("doc1", &change.Snapshot{State: map[string]interface{}{"n": 0.0}})
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []int64
	done := make(chan struct{}, 1)
	unsub := d.OnStateChange(func(sc StateChange) {
		mu.Lock()
		seen = append(seen, sc.Rev)
		mu.Unlock()
		if len(seen) == 2 {
			done <- struct{}{}
		}
	})
	defer unsub()

	require.NoError(t, d.ApplyCommittedChanges([]*change.Change{{ID: "a", Rev: 1}}, nil))
	require.NoError(t, d.ApplyCommittedChanges([]*change.Change{{ID: "b", Rev: 2}}, nil))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal deliveries")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2}, seen)
}

func TestKeyedLockSerializesPerKey(t *testing.T) {
	kl := NewKeyedLock()
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = kl.With("doc1", func() error {
				cur := counter
				time.Sleep(time.Microsecond)
				counter = cur + 1
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}
