package serverstore

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"docsync/jsonpatch"
)

// opsEncoder/opsDecoder are package-level since zstd encoders/decoders are
// safe for concurrent use once constructed and are relatively expensive to
// set up per call.
var (
	opsEncoder, _ = zstd.NewWriter(nil)
	opsDecoder, _ = zstd.NewReader(nil)
)

// compressOps serializes ops to JSON and compresses them for storage, per
// spec §6: "ops may be stored compressed at rest but must be decompressed
// on the wire."
func compressOps(ops []jsonpatch.Op) ([]byte, error) {
	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("serverstore: marshaling ops: %w", err)
	}
	return opsEncoder.EncodeAll(raw, nil), nil
}

func decompressOps(compressed []byte) ([]jsonpatch.Op, error) {
	raw, err := opsDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("serverstore: decompressing ops: %w", err)
	}
	var ops []jsonpatch.Op
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, fmt.Errorf("serverstore: unmarshaling ops: %w", err)
	}
	return ops, nil
}

