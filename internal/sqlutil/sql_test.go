package sqlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootField(t *testing.T) {
	assert.Equal(t, "a", RootField("a"))
	assert.Equal(t, "a", RootField("a.b.c"))
}

func TestUpdateRoots(t *testing.T) {
	roots := UpdateRoots(map[string]any{
		"meta.a": 1,
		"meta.b": 2,
		"text":   "x",
	})
	assert.Equal(t, []string{"meta", "text"}, roots)
}

func TestIsEvalExpr(t *testing.T) {
	assert.True(t, IsEvalExpr(map[string]any{"$add": []any{1, 2}}))
	assert.True(t, IsEvalExpr(map[string]any{"$": "num"}))
	assert.False(t, IsEvalExpr(map[string]any{"a": 1}))
	assert.False(t, IsEvalExpr(map[string]any{}))
	assert.False(t, IsEvalExpr("x"))
	assert.False(t, IsEvalExpr(nil))
}

func TestApplyPath(t *testing.T) {
	row := map[string]any{}
	ApplyPath(row, "a", 1)
	ApplyPath(row, "meta.x.y", "deep")
	assert.Equal(t, 1, row["a"])
	meta := row["meta"].(map[string]any)
	x := meta["x"].(map[string]any)
	assert.Equal(t, "deep", x["y"])
}
