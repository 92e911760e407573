package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDocIDLength(t *testing.T) {
	id := NewDocID()
	assert.Len(t, id, DocIDLength)
	for _, r := range id {
		assert.Contains(t, alphabet, string(r))
	}
}

func TestNewChangeIDLength(t *testing.T) {
	id := NewChangeID()
	assert.Len(t, id, ChangeIDLength)
}

func TestIDsAreUniqueAcrossManyCalls(t *testing.T) {
	seen := make(map[string]bool, 2000)
	for i := 0; i < 2000; i++ {
		id := NewDocID()
		assert.False(t, seen[id], "collision at iteration %d: %s", i, id)
		seen[id] = true
	}
}

func TestChangeIDsAreUniqueAcrossManyCalls(t *testing.T) {
	seen := make(map[string]bool, 2000)
	for i := 0; i < 2000; i++ {
		id := NewChangeID()
		assert.False(t, seen[id], "collision at iteration %d: %s", i, id)
		seen[id] = true
	}
}
