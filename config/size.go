package config

import (
	"encoding/json"

	"github.com/dustin/go-humanize"

	"docsync/jsonpatch"
)

// DefaultSizeCalculator estimates a batch's wire size via JSON encoding.
// It is deliberately exact rather than approximate since ops are small and
// MaxPayloadBytes splitting needs a reliable ceiling, not a fast estimate.
func DefaultSizeCalculator(ops []jsonpatch.Op) int {
	b, err := json.Marshal(ops)
	if err != nil {
		return 0
	}
	return len(b)
}

// FormatSize renders a byte count for log messages (e.g. when a change is
// split at MaxPayloadBytes), matching nodestorage/v2's use of go-humanize
// for cache-size logging.
func FormatSize(bytes int) string {
	return humanize.Bytes(uint64(bytes))
}
