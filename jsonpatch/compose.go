package jsonpatch

// Compose merges batches of ops into one equivalent, order-preserving
// sequence. It is used by the branch manager's flatten step (spec §4.7),
// which needs "the N ops these M changes produced" as a single ops list.
//
// Beyond plain concatenation, Compose folds consecutive same-path,
// non-structural writes so a flattened change does not carry redundant
// history: repeated @inc sum, repeated replace keep the last write,
// repeated @max/@min keep the larger/smaller bound, and repeated @txt
// combine into one delta. Structural ops (add/remove/copy/
// move/test) are never folded, since collapsing them would change which
// array indices they shift.
func Compose(batches ...[]Op) []Op {
	var flat []Op
	for _, b := range batches {
		flat = append(flat, CloneOps(b)...)
	}

	foldable := func(op OpType) bool {
		switch op {
		case OpReplace, OpInc, OpBit, OpMax, OpMin, OpTxt:
			return true
		default:
			return false
		}
	}

	lastIndexByPath := map[string]int{}
	out := make([]Op, 0, len(flat))
	for _, op := range flat {
		if foldable(op.Op) {
			if idx, ok := lastIndexByPath[op.Path]; ok && out[idx].Op == OpInc && op.Op == OpInc {
				if d1, ok1 := toFloat(out[idx].Value); ok1 {
					if d2, ok2 := toFloat(op.Value); ok2 {
						out[idx].Value = d1 + d2
						out[idx].Ts = op.Ts
						continue
					}
				}
			}
			if idx, ok := lastIndexByPath[op.Path]; ok && out[idx].Op == op.Op && op.Op == OpTxt {
				if bd, aok := toTxtForCompose(out[idx].Value); aok {
					if nd, bok := toTxtForCompose(op.Value); bok {
						out[idx].Value = txtDeltaToValue(ComposeTxt(bd, nd))
						out[idx].Ts = op.Ts
						continue
					}
				}
			}
			if idx, ok := lastIndexByPath[op.Path]; ok && isOverwriteFold(out[idx].Op, op.Op) {
				if op.Op == OpMax || op.Op == OpMin {
					prev, pok := toFloat(out[idx].Value)
					next, nok := toFloat(op.Value)
					if pok && nok && ((op.Op == OpMax && prev >= next) || (op.Op == OpMin && prev <= next)) {
						continue
					}
				}
				out[idx] = op
				lastIndexByPath[op.Path] = idx
				continue
			}
		}
		out = append(out, op)
		lastIndexByPath[op.Path] = len(out) - 1
	}
	return out
}

func isOverwriteFold(prev, next OpType) bool {
	switch {
	case prev == OpReplace && next == OpReplace:
		return true
	case prev == OpMax && next == OpMax:
		return true
	case prev == OpMin && next == OpMin:
		return true
	default:
		return false
	}
}

func toTxtForCompose(v interface{}) (TxtDelta, bool) {
	d, err := decodeTxtDelta(v)
	if err != nil {
		return TxtDelta{}, false
	}
	return d, true
}
