// Package jsonpatch implements the operation algebra docsync's OT and LWW
// engines are built on: Apply, Transform, Compose and Invert over
// JSON-Patch-style operations, including the extended CRDT-ish operators
// @inc, @bit, @max, @min and @txt.
//
// Apply (standard RFC 6902 ops included), Transform and the extended
// operators are implemented here, since no library in the reference corpus
// provides OT transform semantics. github.com/evanphx/json-patch, the
// corpus's JSON-Patch library, is used only by the ApplyRFC6902JSON and
// ValidateRFC6902Shape helpers.
package jsonpatch

import "encoding/json"

// OpType is the discriminator of a JSONPatchOp.
type OpType string

const (
	OpAdd     OpType = "add"
	OpRemove  OpType = "remove"
	OpReplace OpType = "replace"
	OpCopy    OpType = "copy"
	OpMove    OpType = "move"
	OpTest    OpType = "test"

	OpInc OpType = "@inc"
	OpBit OpType = "@bit"
	OpMax OpType = "@max"
	OpMin OpType = "@min"
	OpTxt OpType = "@txt"
)

// Op is one JSON-Patch-style operation, per spec §3's JSONPatchOp.
type Op struct {
	Op    OpType      `json:"op"`
	Path  string      `json:"path"`
	From  string      `json:"from,omitempty"`
	Value interface{} `json:"value,omitempty"`
	// Ts is ms since epoch; used for LWW ordering and carried on OT ops too.
	Ts int64 `json:"ts,omitempty"`
	// Soft marks an op as informational: it must not displace a later
	// write at the same path when transformed against.
	Soft bool `json:"soft,omitempty"`
}

// Clone returns a deep-enough copy of the op: Value is not deep-copied for
// scalars (immutable in Go) but is re-decoded for map/slice values so a
// caller mutating the returned op cannot corrupt the original's Value tree.
func (o Op) Clone() Op {
	c := o
	if m, ok := o.Value.(map[string]interface{}); ok {
		c.Value = cloneJSONValue(m)
	} else if s, ok := o.Value.([]interface{}); ok {
		c.Value = cloneJSONValue(s)
	}
	return c
}

func cloneJSONValue(v interface{}) interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// CloneOps deep-clones a slice of ops, preserving nil vs empty distinction.
func CloneOps(ops []Op) []Op {
	if ops == nil {
		return nil
	}
	out := make([]Op, len(ops))
	for i, o := range ops {
		out[i] = o.Clone()
	}
	return out
}

// IsCustom reports whether op is one of the extended, non-RFC-6902 operators.
func (o Op) IsCustom() bool {
	switch o.Op {
	case OpInc, OpBit, OpMax, OpMin, OpTxt:
		return true
	default:
		return false
	}
}

// TxtDelta is one @txt rich-text delta in {retain, insert, delete} form.
type TxtDelta struct {
	Ops []TxtDeltaOp `json:"ops"`
}

// TxtDeltaOp is a single component of a TxtDelta.
type TxtDeltaOp struct {
	Retain int    `json:"retain,omitempty"`
	Insert string `json:"insert,omitempty"`
	Delete int    `json:"delete,omitempty"`
}
