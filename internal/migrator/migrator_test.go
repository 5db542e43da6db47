package migrator

import (
	"testing"

	"github.com/oakdb/oak/internal/errs"
	"github.com/oakdb/oak/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/errors"
)

func testTypeOf(name string, field *schema.Field) (string, error) {
	switch field.Type {
	case schema.Primary, schema.Integer, schema.Unsigned, schema.Boolean:
		return "INTEGER", nil
	case schema.String:
		return "VARCHAR(255)", nil
	case schema.Text, schema.List, schema.JSON:
		return "TEXT", nil
	}
	return "", errors.Newf("unmappable type %s", field.Type)
}

func testModel(t *testing.T) *schema.Model {
	t.Helper()
	registry := schema.NewRegistry()
	model, err := registry.Extend("bar", map[string]*schema.Field{
		"id":   {Type: schema.Unsigned},
		"text": {Type: schema.String, Legacy: []string{"caption"}},
		"num":  {Type: schema.Integer},
	}, schema.Options{Primary: []string{"id"}, AutoInc: true})
	require.NoError(t, err)
	return model
}

func TestDiffCreate(t *testing.T) {
	plan, err := Diff(testModel(t), nil, testTypeOf, nil)
	require.NoError(t, err)
	assert.True(t, plan.Create)
	assert.True(t, plan.Dirty())
	assert.False(t, plan.NeedsRebuild())
}

func TestDiffInSync(t *testing.T) {
	live := []Column{
		{Name: "id", DataType: "INTEGER", Primary: true},
		{Name: "text", DataType: "VARCHAR(255)"},
		{Name: "num", DataType: "INTEGER"},
	}
	plan, err := Diff(testModel(t), live, testTypeOf, nil)
	require.NoError(t, err)
	assert.False(t, plan.Dirty())
	assert.Equal(t, map[string]string{"id": "id", "text": "text", "num": "num"}, plan.Mapping)
}

func TestDiffAdditive(t *testing.T) {
	live := []Column{
		{Name: "id", DataType: "INTEGER", Primary: true},
		{Name: "text", DataType: "VARCHAR(255)"},
	}
	plan, err := Diff(testModel(t), live, testTypeOf, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"num"}, plan.Missing)
	assert.False(t, plan.NeedsRebuild())
	assert.True(t, plan.Dirty())
}

func TestDiffLegacyRename(t *testing.T) {
	live := []Column{
		{Name: "id", DataType: "INTEGER", Primary: true},
		{Name: "caption", DataType: "VARCHAR(255)"},
		{Name: "num", DataType: "INTEGER"},
	}
	plan, err := Diff(testModel(t), live, testTypeOf, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"caption": "text"}, plan.Renamed)
	assert.Equal(t, "caption", plan.Mapping["text"])
	assert.True(t, plan.NeedsRebuild())
	assert.Empty(t, plan.Missing)
}

func TestDiffTypeChange(t *testing.T) {
	live := []Column{
		{Name: "id", DataType: "INTEGER", Primary: true},
		{Name: "text", DataType: "TEXT"},
		{Name: "num", DataType: "INTEGER"},
	}
	plan, err := Diff(testModel(t), live, testTypeOf, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"text"}, plan.Changed)
	assert.True(t, plan.NeedsRebuild())
}

func TestDiffUnmappedAndDropKeys(t *testing.T) {
	live := []Column{
		{Name: "id", DataType: "INTEGER", Primary: true},
		{Name: "text", DataType: "VARCHAR(255)"},
		{Name: "num", DataType: "INTEGER"},
		{Name: "junk", DataType: "TEXT"},
	}
	plan, err := Diff(testModel(t), live, testTypeOf, nil)
	require.NoError(t, err)
	require.Len(t, plan.Unmapped, 1)
	assert.Equal(t, "junk", plan.Unmapped[0].Name)
	assert.False(t, plan.Dirty(), "unmapped columns alone trigger no DDL")

	plan, err = Diff(testModel(t), live, testTypeOf, []string{"junk"})
	require.NoError(t, err)
	assert.Empty(t, plan.Unmapped)
	assert.Equal(t, []string{"junk"}, plan.Dropped)
	assert.True(t, plan.NeedsRebuild())
}

func TestDiffUnmappableType(t *testing.T) {
	registry := schema.NewRegistry()
	model, err := registry.Extend("odd", map[string]*schema.Field{
		"when": {Type: schema.Timestamp},
	}, schema.Options{})
	require.NoError(t, err)
	_, err = Diff(model, []Column{{Name: "when", DataType: "INTEGER"}}, testTypeOf, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrSchemaMismatch))
}

func TestCollectDropKeys(t *testing.T) {
	registry := schema.NewRegistry()
	calls := 0
	model, err := registry.Extend("hooked", map[string]*schema.Field{
		"id": {Type: schema.Integer},
	}, schema.Options{Hooks: []schema.Hooks{
		{
			After: func() ([]string, error) {
				calls++
				return []string{"legacy_a"}, nil
			},
		},
		{
			Before: func() bool { return false },
			After: func() ([]string, error) {
				t.Fatal("gated hook must not run")
				return nil, nil
			},
		},
	}})
	require.NoError(t, err)

	keys, err := CollectDropKeys(model, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy_a"}, keys)

	keys, err = CollectDropKeys(model, []string{"legacy_a"})
	require.NoError(t, err)
	assert.Empty(t, keys, "already-known keys are not contributed again")
	assert.Equal(t, 2, calls)
}
