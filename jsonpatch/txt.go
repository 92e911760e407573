package jsonpatch

import (
	"fmt"
)

// This module implements the @txt rich-text delta operator as a
// single-edit subset of Quill-style deltas: a TxtDelta is at most
// [retain p]? [delete d]? [insert s]?, i.e. "at position p, optionally
// delete d characters then insert s". That is sufficient to express any
// single local text edit (the common case for a text-area/editor binding)
// and keeps Compose/Transform expressible as plain position arithmetic
// instead of a full op-stream merge. Deltas with a non-leading retain, or
// with ops outside that order, are rejected by toSingleEdit; multi-span
// deltas are not supported.

type singleEdit struct {
	pos    int
	delete int
	insert string
}

func toSingleEdit(d TxtDelta) (singleEdit, error) {
	var e singleEdit
	state := 0 // 0=expect optional retain, 1=expect optional delete, 2=expect optional insert, 3=done
	for _, op := range d.Ops {
		switch {
		case op.Retain > 0:
			if state != 0 {
				return e, fmt.Errorf("@txt: retain must be the leading op")
			}
			e.pos = op.Retain
			state = 1
		case op.Delete > 0:
			if state > 1 {
				return e, fmt.Errorf("@txt: unsupported multi-span delta")
			}
			e.delete = op.Delete
			state = 2
		case op.Insert != "":
			if state > 2 {
				return e, fmt.Errorf("@txt: unsupported multi-span delta")
			}
			e.insert += op.Insert
			state = 2
		}
	}
	return e, nil
}

func fromSingleEdit(e singleEdit) TxtDelta {
	var ops []TxtDeltaOp
	if e.pos > 0 {
		ops = append(ops, TxtDeltaOp{Retain: e.pos})
	}
	if e.delete > 0 {
		ops = append(ops, TxtDeltaOp{Delete: e.delete})
	}
	if e.insert != "" {
		ops = append(ops, TxtDeltaOp{Insert: e.insert})
	}
	return TxtDelta{Ops: ops}
}

// flatten returns the concatenated insert text of d, i.e. the text this
// edit, applied alone to an empty document, would represent — used only to
// bootstrap a fresh field.
func flatten(d TxtDelta) string {
	var s string
	for _, op := range d.Ops {
		s += op.Insert
	}
	return s
}

// ComposeTxt composes delta on top of base, both already in the stored
// {retain,insert,delete} form, returning the new full document content as
// a single-insert TxtDelta (the normalized "value" stored for the field).
func ComposeTxt(base, delta TxtDelta) TxtDelta {
	content := flatten(base)
	edit, err := toSingleEdit(delta)
	if err != nil {
		// Fall back to treating the whole delta as an append; better to
		// preserve data than to drop the op.
		return TxtDelta{Ops: []TxtDeltaOp{{Insert: content + flatten(delta)}}}
	}
	content = spliceString(content, edit.pos, edit.delete, edit.insert)
	return TxtDelta{Ops: []TxtDeltaOp{{Insert: content}}}
}

func spliceString(s string, pos, del int, ins string) string {
	r := []rune(s)
	if pos < 0 {
		pos = 0
	}
	if pos > len(r) {
		pos = len(r)
	}
	end := pos + del
	if end > len(r) {
		end = len(r)
	}
	out := make([]rune, 0, len(r)-del+len(ins))
	out = append(out, r[:pos]...)
	out = append(out, []rune(ins)...)
	out = append(out, r[end:]...)
	return string(out)
}

// TransformTxt transforms b (a single-edit delta) against already-applied a
// (also single-edit), both addressing the same path, per spec §4.1's
// Delta-OT semantics: insertions in a shift b's retain position forward;
// overlapping deletes are reconciled so the same character span is never
// double-deleted.
func TransformTxt(a, b TxtDelta) (TxtDelta, error) {
	ea, err := toSingleEdit(a)
	if err != nil {
		return b, nil // cannot reason about a's shape; leave b untouched
	}
	eb, err := toSingleEdit(b)
	if err != nil {
		return b, nil
	}

	aInsertLen := len([]rune(ea.insert))
	aDelEnd := ea.pos + ea.delete

	pos := eb.pos
	del := eb.delete

	switch {
	case ea.pos+ea.delete <= eb.pos:
		// a is entirely before b: shift b's position by a's net length change.
		pos = eb.pos - ea.delete + aInsertLen
	case aDelEnd > eb.pos && ea.pos < eb.pos+eb.delete:
		// Overlapping delete ranges: shrink b's delete count by the
		// already-applied overlap so the overlapping span is not deleted
		// twice, and pull b's position back to a's insertion point.
		overlapStart := maxInt(ea.pos, eb.pos)
		overlapEnd := minInt(aDelEnd, eb.pos+eb.delete)
		overlap := overlapEnd - overlapStart
		if overlap < 0 {
			overlap = 0
		}
		del = eb.delete - overlap
		if del < 0 {
			del = 0
		}
		if eb.pos >= ea.pos {
			pos = ea.pos + aInsertLen
		}
	case ea.pos >= eb.pos+eb.delete:
		// a is entirely after b's edit point: no adjustment needed.
	}

	return fromSingleEdit(singleEdit{pos: pos, delete: del, insert: eb.insert}), nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// DecodeTxtDeltaValue decodes a stored @txt op's Value (either a native
// TxtDelta or its map[string]interface{} JSON form) into a TxtDelta, for
// callers outside this package that need to compose stored delta values
// (e.g. clientalgo's LWW consolidation).
func DecodeTxtDeltaValue(v interface{}) (TxtDelta, error) {
	return decodeTxtDelta(v)
}

func decodeTxtDelta(v interface{}) (TxtDelta, error) {
	if v == nil {
		return TxtDelta{}, nil
	}
	switch val := v.(type) {
	case TxtDelta:
		return val, nil
	case map[string]interface{}:
		opsRaw, ok := val["ops"].([]interface{})
		if !ok {
			return TxtDelta{}, fmt.Errorf("@txt value missing 'ops' array")
		}
		var d TxtDelta
		for _, raw := range opsRaw {
			m, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			var op TxtDeltaOp
			if r, ok := m["retain"]; ok {
				if f, ok := toFloat(r); ok {
					op.Retain = int(f)
				}
			}
			if ins, ok := m["insert"].(string); ok {
				op.Insert = ins
			}
			if del, ok := m["delete"]; ok {
				if f, ok := toFloat(del); ok {
					op.Delete = int(f)
				}
			}
			d.Ops = append(d.Ops, op)
		}
		return d, nil
	default:
		return TxtDelta{}, fmt.Errorf("@txt value must be a delta object")
	}
}

func txtDeltaToValue(d TxtDelta) interface{} {
	ops := make([]interface{}, 0, len(d.Ops))
	for _, op := range d.Ops {
		m := map[string]interface{}{}
		if op.Retain > 0 {
			m["retain"] = op.Retain
		}
		if op.Insert != "" {
			m["insert"] = op.Insert
		}
		if op.Delete > 0 {
			m["delete"] = op.Delete
		}
		ops = append(ops, m)
	}
	return map[string]interface{}{"ops": ops}
}
