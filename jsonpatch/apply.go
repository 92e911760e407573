package jsonpatch

import (
	"encoding/json"
	"fmt"
	"reflect"

	evanjp "github.com/evanphx/json-patch"
)

// ApplyOptions controls Apply's error behavior.
type ApplyOptions struct {
	// Strict raises InvalidPatchError on missing paths, type mismatches, or
	// failed test ops.
	Strict bool
	// Partial skips failing sub-ops (recording them) instead of aborting.
	Partial bool
}

// Apply applies ops to state in order and returns the resulting value. The
// input state is never mutated observably: Apply deep-copies it first.
func Apply(state interface{}, ops []Op, opts ApplyOptions) (interface{}, []SkippedOp, error) {
	root := cloneJSONValue(state)
	var skipped []SkippedOp

	for i, op := range ops {
		next, err := applyOne(root, op)
		if err != nil {
			if opts.Partial {
				skipped = append(skipped, SkippedOp{Index: i, Op: op, Reason: err.Error()})
				continue
			}
			if opts.Strict {
				return state, skipped, &InvalidPatchError{Op: op, Reason: "apply failed", Wrapped: err}
			}
			// Default (neither strict nor partial): drop the failing op
			// silently and continue, matching the OT server's "failed
			// transform is dropped" policy (spec §4.4 failure model).
			continue
		}
		root = next
	}
	return root, skipped, nil
}

func applyOne(root interface{}, op Op) (interface{}, error) {
	switch op.Op {
	case OpAdd:
		return applyAdd(root, op.Path, op.Value)
	case OpRemove:
		return applyRemove(root, op.Path)
	case OpReplace:
		return applyReplace(root, op.Path, op.Value)
	case OpCopy:
		v, ok := getAt(root, op.From)
		if !ok {
			return root, fmt.Errorf("%w: from=%s", errPathNotFound, op.From)
		}
		return applyAdd(root, op.Path, cloneJSONValue(v))
	case OpMove:
		v, ok := getAt(root, op.From)
		if !ok {
			return root, fmt.Errorf("%w: from=%s", errPathNotFound, op.From)
		}
		next, err := applyRemove(root, op.From)
		if err != nil {
			return root, err
		}
		return applyAdd(next, op.Path, v)
	case OpTest:
		v, ok := getAt(root, op.Path)
		if !ok || !reflect.DeepEqual(v, op.Value) {
			return root, fmt.Errorf("test failed at %s", op.Path)
		}
		return root, nil
	case OpInc:
		return applyInc(root, op.Path, op.Value)
	case OpBit:
		return applyBit(root, op.Path, op.Value)
	case OpMax:
		return applyMax(root, op.Path, op.Value)
	case OpMin:
		return applyMin(root, op.Path, op.Value)
	case OpTxt:
		return applyTxt(root, op.Path, op.Value)
	default:
		return root, fmt.Errorf("unknown op type %q", op.Op)
	}
}

func applyAdd(root interface{}, path string, value interface{}) (interface{}, error) {
	if path == "" {
		return value, nil
	}
	return navigateAndApply(root, path, addLeaf(value))
}

func applyReplace(root interface{}, path string, value interface{}) (interface{}, error) {
	if path == "" {
		return value, nil
	}
	return navigateAndApply(root, path, setLeaf(value))
}

func applyRemove(root interface{}, path string) (interface{}, error) {
	if path == "" {
		return nil, nil
	}
	return navigateAndApply(root, path, removeLeaf())
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func applyInc(root interface{}, path string, delta interface{}) (interface{}, error) {
	d, ok := toFloat(delta)
	if !ok {
		return root, fmt.Errorf("@inc requires a numeric value at %s", path)
	}
	cur, exists := getAt(root, path)
	var base float64
	if exists {
		if base, ok = toFloat(cur); !ok {
			return root, fmt.Errorf("@inc target at %s is not numeric", path)
		}
	}
	return navigateAndApply(root, path, setLeaf(base+d))
}

func applyBit(root interface{}, path string, value interface{}) (interface{}, error) {
	spec, ok := value.(map[string]interface{})
	if !ok {
		return root, fmt.Errorf("@bit requires an object value at %s", path)
	}
	cur, exists := getAt(root, path)
	var base int64
	if exists {
		if f, ok := toFloat(cur); ok {
			base = int64(f)
		}
	}
	if vf, ok := spec["value"]; ok {
		if f, ok := toFloat(vf); ok {
			base |= int64(f)
		}
	} else if idxRaw, ok := spec["index"]; ok {
		idxF, ok := toFloat(idxRaw)
		if !ok {
			return root, fmt.Errorf("@bit index must be numeric at %s", path)
		}
		idx := uint(idxF)
		set := true
		if s, ok := spec["set"]; ok {
			if b, ok := s.(bool); ok {
				set = b
			}
		}
		if set {
			base |= 1 << idx
		} else {
			base &^= 1 << idx
		}
	} else {
		return root, fmt.Errorf("@bit requires 'value' or 'index' at %s", path)
	}
	return navigateAndApply(root, path, setLeaf(float64(base)))
}

func applyMax(root interface{}, path string, value interface{}) (interface{}, error) {
	d, ok := toFloat(value)
	if !ok {
		return root, fmt.Errorf("@max requires a numeric value at %s", path)
	}
	cur, exists := getAt(root, path)
	if exists {
		base, ok := toFloat(cur)
		if ok && base >= d {
			return root, nil // idempotent: no strict improvement
		}
	}
	return navigateAndApply(root, path, setLeaf(d))
}

func applyMin(root interface{}, path string, value interface{}) (interface{}, error) {
	d, ok := toFloat(value)
	if !ok {
		return root, fmt.Errorf("@min requires a numeric value at %s", path)
	}
	cur, exists := getAt(root, path)
	if exists {
		base, ok := toFloat(cur)
		if ok && base <= d {
			return root, nil
		}
	}
	return navigateAndApply(root, path, setLeaf(d))
}

func applyTxt(root interface{}, path string, value interface{}) (interface{}, error) {
	delta, err := decodeTxtDelta(value)
	if err != nil {
		return root, err
	}
	cur, exists := getAt(root, path)
	var base TxtDelta
	if exists {
		base, err = decodeTxtDelta(cur)
		if err != nil {
			return root, err
		}
	}
	composed := ComposeTxt(base, delta)
	return navigateAndApply(root, path, setLeaf(txtDeltaToValue(composed)))
}

// ApplyRFC6902JSON applies only the standard, non-custom, non-soft ops in
// ops to docJSON using github.com/evanphx/json-patch, for callers that only
// need straight RFC 6902 semantics over wire JSON (e.g. validating a patch
// received from an untrusted source before it reaches the OT/LWW engines).
func ApplyRFC6902JSON(docJSON []byte, ops []Op) ([]byte, error) {
	standard, err := decodeStandardOps(ops)
	if err != nil {
		return nil, err
	}
	if standard == nil {
		return docJSON, nil
	}
	out, err := standard.Apply(docJSON)
	if err != nil {
		return nil, fmt.Errorf("jsonpatch: failed to apply RFC 6902 patch: %w", err)
	}
	return out, nil
}

// ValidateRFC6902Shape decodes the standard (non-custom) ops in ops as an
// RFC 6902 patch without applying them anywhere, using
// github.com/evanphx/json-patch's decoder. It rejects structurally invalid
// ops (bad path syntax, missing required fields) before they reach the
// OT/LWW commit path, which only checks apply-time semantics.
func ValidateRFC6902Shape(ops []Op) error {
	_, err := decodeStandardOps(ops)
	return err
}

func decodeStandardOps(ops []Op) (evanjp.Patch, error) {
	var standard []Op
	for _, op := range ops {
		if !op.IsCustom() {
			standard = append(standard, op)
		}
	}
	if len(standard) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(standard)
	if err != nil {
		return nil, fmt.Errorf("jsonpatch: failed to encode standard ops: %w", err)
	}
	patch, err := evanjp.DecodePatch(encoded)
	if err != nil {
		return nil, fmt.Errorf("jsonpatch: failed to decode RFC 6902 patch: %w", err)
	}
	return patch, nil
}
