package errorsx

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelsAreDistinct(t *testing.T) {
	all := []error{
		ErrClientAheadOfServer, ErrDocAlreadyExists, ErrBaseRevMismatchInBatch,
		ErrBranchNotOpen, ErrBranchOfBranch, ErrInvalidPatch, ErrDisconnected,
		ErrStoreUnavailable, ErrBroadcastFailed,
	}
	for i, a := range all {
		for j, b := range all {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b), "%v should not be %v", a, b)
		}
	}
}

func TestWrappedSentinelStillMatches(t *testing.T) {
	wrapped := fmt.Errorf("coordinator: loading: %w", ErrStoreUnavailable)
	assert.True(t, errors.Is(wrapped, ErrStoreUnavailable))
}
