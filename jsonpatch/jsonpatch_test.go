package jsonpatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyReplaceAndAdd(t *testing.T) {
	state := map[string]interface{}{"title": "Hello"}
	out, _, err := Apply(state, []Op{{Op: OpReplace, Path: "/title", Value: "World"}}, ApplyOptions{Strict: true})
	require.NoError(t, err)
	assert.Equal(t, "World", out.(map[string]interface{})["title"])
	// original must be untouched
	assert.Equal(t, "Hello", state["title"])
}

func TestApplyArrayAddRemove(t *testing.T) {
	state := map[string]interface{}{"items": []interface{}{"a", "b", "c"}}
	out, _, err := Apply(state, []Op{
		{Op: OpAdd, Path: "/items/1", Value: "x"},
	}, ApplyOptions{Strict: true})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "x", "b", "c"}, out.(map[string]interface{})["items"])

	out2, _, err := Apply(state, []Op{
		{Op: OpRemove, Path: "/items/0"},
	}, ApplyOptions{Strict: true})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"b", "c"}, out2.(map[string]interface{})["items"])
}

func TestApplyStrictFailsOnMissingPath(t *testing.T) {
	state := map[string]interface{}{}
	_, _, err := Apply(state, []Op{{Op: OpReplace, Path: "/missing/x", Value: 1}}, ApplyOptions{Strict: true})
	require.Error(t, err)
	var ipe *InvalidPatchError
	require.ErrorAs(t, err, &ipe)
}

func TestApplyPartialSkipsFailingOps(t *testing.T) {
	state := map[string]interface{}{"a": 1}
	out, skipped, err := Apply(state, []Op{
		{Op: OpReplace, Path: "/missing/x", Value: 1},
		{Op: OpReplace, Path: "/a", Value: 2},
	}, ApplyOptions{Partial: true})
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	assert.Equal(t, 2, out.(map[string]interface{})["a"])
}

func TestIncAssociativity(t *testing.T) {
	perm1 := []Op{{Op: OpInc, Path: "/n", Value: 2.0}, {Op: OpInc, Path: "/n", Value: 3.0}, {Op: OpInc, Path: "/n", Value: -1.0}}
	perm2 := []Op{{Op: OpInc, Path: "/n", Value: -1.0}, {Op: OpInc, Path: "/n", Value: 2.0}, {Op: OpInc, Path: "/n", Value: 3.0}}

	state := map[string]interface{}{"n": 10.0}
	out1, _, err := Apply(state, perm1, ApplyOptions{Strict: true})
	require.NoError(t, err)
	out2, _, err := Apply(state, perm2, ApplyOptions{Strict: true})
	require.NoError(t, err)
	assert.Equal(t, out1.(map[string]interface{})["n"], out2.(map[string]interface{})["n"])
}

func TestMaxMinIdempotent(t *testing.T) {
	state := map[string]interface{}{"hi": 5.0}
	out, _, err := Apply(state, []Op{{Op: OpMax, Path: "/hi", Value: 3.0}}, ApplyOptions{Strict: true})
	require.NoError(t, err)
	assert.Equal(t, 5.0, out.(map[string]interface{})["hi"]) // no improvement, unchanged

	out2, _, err := Apply(state, []Op{{Op: OpMax, Path: "/hi", Value: 9.0}}, ApplyOptions{Strict: true})
	require.NoError(t, err)
	assert.Equal(t, 9.0, out2.(map[string]interface{})["hi"])
}

// TestTransformSameFieldReplaceConflict is S3: concurrent replace at the
// same path; the later-submitted (rebased) op always wins.
func TestTransformSameFieldReplaceConflict(t *testing.T) {
	committed := []Op{{Op: OpReplace, Path: "/title", Value: "From A"}}
	pending := []Op{{Op: OpReplace, Path: "/title", Value: "From B"}}
	rebased := Transform(committed, pending)
	require.Len(t, rebased, 1)
	assert.Equal(t, "From B", rebased[0].Value)
}

func TestTransformArrayIndexShift(t *testing.T) {
	committed := []Op{{Op: OpAdd, Path: "/items/0", Value: "x"}}
	pending := []Op{{Op: OpReplace, Path: "/items/1", Value: "y"}}
	rebased := Transform(committed, pending)
	require.Len(t, rebased, 1)
	assert.Equal(t, "/items/2", rebased[0].Path)
}

func TestTransformDropsOpOnRemovedPath(t *testing.T) {
	committed := []Op{{Op: OpRemove, Path: "/x"}}
	pending := []Op{{Op: OpReplace, Path: "/x", Value: "gone"}}
	rebased := Transform(committed, pending)
	assert.Len(t, rebased, 0)
}

func TestComposeFoldsIncAndReplace(t *testing.T) {
	ops := Compose([]Op{
		{Op: OpInc, Path: "/n", Value: 1.0},
		{Op: OpInc, Path: "/n", Value: 2.0},
		{Op: OpReplace, Path: "/title", Value: "a"},
		{Op: OpReplace, Path: "/title", Value: "b"},
	})
	require.Len(t, ops, 2)
	assert.Equal(t, 3.0, ops[0].Value)
	assert.Equal(t, "b", ops[1].Value)
}

func TestInvertReplaceRoundTrip(t *testing.T) {
	before := map[string]interface{}{"title": "Hello"}
	ops := []Op{{Op: OpReplace, Path: "/title", Value: "World"}}
	after, _, err := Apply(before, ops, ApplyOptions{Strict: true})
	require.NoError(t, err)

	inv, err := Invert(before, ops)
	require.NoError(t, err)
	restored, _, err := Apply(after, inv, ApplyOptions{Strict: true})
	require.NoError(t, err)
	assert.Equal(t, before, restored)
}

func TestTxtComposeAndTransform(t *testing.T) {
	base := TxtDelta{Ops: []TxtDeltaOp{{Insert: "hello"}}}
	delta := TxtDelta{Ops: []TxtDeltaOp{{Retain: 5}, {Insert: " world"}}}
	composed := ComposeTxt(base, delta)
	assert.Equal(t, "hello world", flatten(composed))

	// Two concurrent inserts at the end of "hello": a inserts " A", b inserts " B".
	a := TxtDelta{Ops: []TxtDeltaOp{{Retain: 5}, {Insert: " A"}}}
	b := TxtDelta{Ops: []TxtDeltaOp{{Retain: 5}, {Insert: " B"}}}
	bPrime, err := TransformTxt(a, b)
	require.NoError(t, err)
	result := ComposeTxt(ComposeTxt(base, a), bPrime)
	assert.Equal(t, "hello A B", flatten(result))
}

// TestApplyRFC6902JSONAppliesStandardOpsOnly exercises the
// github.com/evanphx/json-patch-backed helper against a plain RFC 6902
// replace, confirming it produces the same result as the hand-rolled Apply
// for the subset of ops both implementations share.
func TestApplyRFC6902JSONAppliesStandardOpsOnly(t *testing.T) {
	doc := []byte(`{"title":"Hello","count":1}`)
	ops := []Op{{Op: OpReplace, Path: "/title", Value: "World"}}
	out, err := ApplyRFC6902JSON(doc, ops)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"World","count":1}`, string(out))
}

// TestApplyRFC6902JSONSkipsCustomOps verifies that extended operators
// (unsupported by the RFC 6902 library) are filtered out rather than passed
// through, leaving the document unchanged when only custom ops are given.
func TestApplyRFC6902JSONSkipsCustomOps(t *testing.T) {
	doc := []byte(`{"count":1}`)
	ops := []Op{{Op: OpInc, Path: "/count", Value: float64(5)}}
	out, err := ApplyRFC6902JSON(doc, ops)
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":1}`, string(out))
}

// TestApplyRFC6902JSONFailsTestOp confirms a failing RFC 6902 "test" op
// surfaces as an error from the library rather than being silently ignored.
func TestApplyRFC6902JSONFailsTestOp(t *testing.T) {
	doc := []byte(`{"title":"Hello"}`)
	ops := []Op{{Op: OpTest, Path: "/title", Value: "Nope"}}
	_, err := ApplyRFC6902JSON(doc, ops)
	assert.Error(t, err)
}

// TestValidateRFC6902ShapeNoStandardOps confirms a batch of only custom ops
// is a trivial pass (nothing for the RFC 6902 decoder to validate).
func TestValidateRFC6902ShapeNoStandardOps(t *testing.T) {
	ops := []Op{{Op: OpInc, Path: "/count", Value: float64(1)}}
	assert.NoError(t, ValidateRFC6902Shape(ops))
}
