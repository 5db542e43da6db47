package internal

import (
	"context"
	"testing"

	"github.com/oakdb/oak/internal/schema"
	"github.com/shopmonkeyus/go-common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDriverUnknownProtocol(t *testing.T) {
	_, err := NewDriver(context.Background(), logger.NewTestLogger(), "bogus://x", schema.NewRegistry())
	assert.Error(t, err)

	_, err = NewDriver(context.Background(), logger.NewTestLogger(), "not-a-url", schema.NewRegistry())
	assert.Error(t, err)
}

func TestSelectionBuilderInput(t *testing.T) {
	registry := schema.NewRegistry()
	model, err := registry.Extend("bar", map[string]*schema.Field{
		"id": {Type: schema.Integer},
	}, schema.Options{})
	require.NoError(t, err)

	sel := Selection{Table: "bar", Model: model}
	tables, ref := sel.BuilderInput()
	assert.Equal(t, "bar", ref)
	assert.Same(t, model, tables["bar"])

	sel = Selection{Table: "bar", Ref: "b", Model: model, Tables: registry.Tables()}
	tables, ref = sel.BuilderInput()
	assert.Equal(t, "b", ref)
	assert.Same(t, model, tables["b"], "the selection model is bound under its ref")
	assert.Same(t, model, tables["bar"])
}
