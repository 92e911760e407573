package jsonpatch

import "fmt"

// Invert returns ops that undo ops when applied to the state that resulted
// from applying ops to before. Monotone/merge operators (@max, @min, @bit,
// @txt) have no true algebraic inverse once concurrent writes have mixed
// in, so their inverse is a best-effort replace back to the prior stored
// value, which is exact as long as no concurrent write landed in between.
func Invert(before interface{}, ops []Op) ([]Op, error) {
	inverted := make([]Op, 0, len(ops))
	state := cloneJSONValue(before)

	for _, op := range ops {
		inv, err := invertOne(state, op)
		if err != nil {
			return nil, fmt.Errorf("jsonpatch: cannot invert %s at %s: %w", op.Op, op.Path, err)
		}
		next, err := applyOne(state, op)
		if err != nil {
			return nil, fmt.Errorf("jsonpatch: cannot replay %s at %s while inverting: %w", op.Op, op.Path, err)
		}
		state = next
		inverted = append(inverted, inv)
	}

	// Inverse of a sequence applies in reverse order.
	for i, j := 0, len(inverted)-1; i < j; i, j = i+1, j-1 {
		inverted[i], inverted[j] = inverted[j], inverted[i]
	}
	return inverted, nil
}

func invertOne(state interface{}, op Op) (Op, error) {
	prior, existed := getAt(state, op.Path)

	switch op.Op {
	case OpAdd:
		if existed {
			return Op{Op: OpReplace, Path: op.Path, Value: cloneJSONValue(prior)}, nil
		}
		return Op{Op: OpRemove, Path: op.Path}, nil
	case OpRemove:
		if !existed {
			return Op{}, fmt.Errorf("cannot invert remove of nonexistent path")
		}
		return Op{Op: OpAdd, Path: op.Path, Value: cloneJSONValue(prior)}, nil
	case OpReplace, OpMax, OpMin, OpBit, OpTxt:
		if !existed {
			return Op{Op: OpRemove, Path: op.Path}, nil
		}
		return Op{Op: OpReplace, Path: op.Path, Value: cloneJSONValue(prior)}, nil
	case OpInc:
		d, ok := toFloat(op.Value)
		if !ok {
			return Op{}, fmt.Errorf("@inc value is not numeric")
		}
		return Op{Op: OpInc, Path: op.Path, Value: -d}, nil
	case OpCopy:
		if existed {
			return Op{Op: OpReplace, Path: op.Path, Value: cloneJSONValue(prior)}, nil
		}
		return Op{Op: OpRemove, Path: op.Path}, nil
	case OpMove:
		return Op{Op: OpMove, Path: op.From, From: op.Path}, nil
	case OpTest:
		return Op{Op: OpTest, Path: op.Path, Value: op.Value}, nil
	default:
		return Op{}, fmt.Errorf("unknown op type %q", op.Op)
	}
}
