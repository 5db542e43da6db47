package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtendValidation(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Extend("bad", map[string]*Field{
		"a": {Type: Integer},
		"b": {Type: Integer},
	}, Options{Primary: []string{"a", "b"}, AutoInc: true})
	assert.Error(t, err, "auto-increment requires a scalar primary")

	_, err = registry.Extend("bad", map[string]*Field{
		"a": {Type: Integer},
	}, Options{Primary: []string{"missing"}})
	assert.Error(t, err)

	_, err = registry.Extend("bad", map[string]*Field{
		"a": {Type: Integer},
	}, Options{Unique: [][]string{{"missing"}}})
	assert.Error(t, err)

	_, err = registry.Extend("bad", map[string]*Field{
		"a": {Type: FieldType("nope")},
	}, Options{})
	assert.Error(t, err)
}

func TestExtendTwiceFails(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Extend("dup", map[string]*Field{"a": {Type: Integer}}, Options{})
	require.NoError(t, err)
	_, err = registry.Extend("dup", map[string]*Field{"a": {Type: Integer}}, Options{})
	assert.Error(t, err)
}

func TestPrimaryTypeBindsKey(t *testing.T) {
	registry := NewRegistry()
	model, err := registry.Extend("auto", map[string]*Field{
		"id":   {Type: Primary},
		"name": {Type: String},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, model.Primary)
	assert.True(t, model.AutoInc)
	assert.Equal(t, "id", model.PrimaryKey())
}

func TestCreateDefaults(t *testing.T) {
	registry := NewRegistry()
	model, err := registry.Extend("defaults", map[string]*Field{
		"id":    {Type: Unsigned},
		"state": {Type: String, Initial: "new"},
		"gone":  {Type: String, Deprecated: true},
	}, Options{Primary: []string{"id"}, AutoInc: true})
	require.NoError(t, err)
	row := model.Create()
	assert.Equal(t, "new", row["state"])
	_, hasID := row["id"]
	assert.False(t, hasID, "auto-increment key is engine-assigned")
	_, hasGone := row["gone"]
	assert.False(t, hasGone, "deprecated fields are not materialized")
}

func TestFieldTypeCategories(t *testing.T) {
	assert.True(t, List.IsString())
	assert.True(t, Timestamp.IsDate())
	assert.True(t, Unsigned.IsNumeric())
	assert.False(t, JSON.IsNumeric())
	assert.False(t, FieldType("nope").Valid())
}

func TestRegistryNames(t *testing.T) {
	registry := NewRegistry()
	for _, name := range []string{"b", "a", "c"} {
		_, err := registry.Extend(name, map[string]*Field{"id": {Type: Integer}}, Options{})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, registry.Names())
	registry.Remove("b")
	assert.Equal(t, []string{"a", "c"}, registry.Names())
	assert.Nil(t, registry.Get("b"))
}
