package sqlite

import (
	"context"
	"testing"

	"github.com/oakdb/oak/internal"
	"github.com/oakdb/oak/internal/schema"
	"github.com/shopmonkeyus/go-common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDriver(t *testing.T) (context.Context, *sqliteDriver, *schema.Registry) {
	t.Helper()
	ctx := context.Background()
	registry := schema.NewRegistry()
	p := &sqliteDriver{}
	err := p.Start(ctx, internal.DriverConfig{
		URL:      "sqlite://:memory:",
		Logger:   logger.NewTestLogger(),
		Registry: registry,
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Stop() })
	return ctx, p, registry
}

func selectionFor(registry *schema.Registry, table string, query map[string]any) internal.Selection {
	return internal.Selection{
		Table:  table,
		Ref:    table,
		Model:  registry.Get(table),
		Query:  query,
		Tables: registry.Tables(),
	}
}

func liveColumnNames(t *testing.T, p *sqliteDriver, ctx context.Context, table string) []string {
	t.Helper()
	columns, err := p.liveColumns(ctx, table)
	require.NoError(t, err)
	names := make([]string, len(columns))
	for i, column := range columns {
		names[i] = column.Name
	}
	return names
}

func TestPrepareCreatesTable(t *testing.T) {
	ctx, p, registry := newTestDriver(t)
	_, err := registry.Extend("bar", map[string]*schema.Field{
		"id":   {Type: schema.Unsigned},
		"text": {Type: schema.String},
	}, schema.Options{Primary: []string{"id"}, AutoInc: true})
	require.NoError(t, err)
	require.NoError(t, p.Prepare(ctx, "bar", nil))
	assert.ElementsMatch(t, []string{"id", "text"}, liveColumnNames(t, p, ctx, "bar"))
}

func TestPrepareAddsMissingColumn(t *testing.T) {
	ctx, p, registry := newTestDriver(t)
	_, err := p.db.ExecContext(ctx,
		"CREATE TABLE `bar` (`id` INTEGER PRIMARY KEY AUTOINCREMENT, `text` VARCHAR(255))")
	require.NoError(t, err)
	_, err = registry.Extend("bar", map[string]*schema.Field{
		"id":   {Type: schema.Unsigned},
		"text": {Type: schema.String},
		"num":  {Type: schema.Integer},
	}, schema.Options{Primary: []string{"id"}, AutoInc: true})
	require.NoError(t, err)
	require.NoError(t, p.Prepare(ctx, "bar", nil))
	assert.ElementsMatch(t, []string{"id", "text", "num"}, liveColumnNames(t, p, ctx, "bar"))
}

func TestPrepareLegacyRenamePreservesData(t *testing.T) {
	ctx, p, registry := newTestDriver(t)
	_, err := p.db.ExecContext(ctx,
		"CREATE TABLE `bar` (`id` INTEGER PRIMARY KEY AUTOINCREMENT, `caption` VARCHAR(255))")
	require.NoError(t, err)
	_, err = p.db.ExecContext(ctx, "INSERT INTO `bar` (`caption`) VALUES ('legacy')")
	require.NoError(t, err)

	_, err = registry.Extend("bar", map[string]*schema.Field{
		"id":   {Type: schema.Unsigned},
		"text": {Type: schema.String, Legacy: []string{"caption"}},
	}, schema.Options{Primary: []string{"id"}, AutoInc: true})
	require.NoError(t, err)
	require.NoError(t, p.Prepare(ctx, "bar", nil))

	assert.ElementsMatch(t, []string{"id", "text"}, liveColumnNames(t, p, ctx, "bar"))
	rows, err := p.Get(ctx, selectionFor(registry, "bar", nil))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "legacy", rows[0]["text"])
}

func TestPrepareIdempotent(t *testing.T) {
	ctx, p, registry := newTestDriver(t)
	_, err := registry.Extend("bar", map[string]*schema.Field{
		"id":   {Type: schema.Unsigned},
		"text": {Type: schema.String},
		"list": {Type: schema.List},
	}, schema.Options{Primary: []string{"id"}, AutoInc: true})
	require.NoError(t, err)
	require.NoError(t, p.Prepare(ctx, "bar", nil))

	var before string
	require.NoError(t, p.db.QueryRowContext(ctx,
		"SELECT sql FROM sqlite_master WHERE name = 'bar'").Scan(&before))
	require.NoError(t, p.Prepare(ctx, "bar", nil))
	var after string
	require.NoError(t, p.db.QueryRowContext(ctx,
		"SELECT sql FROM sqlite_master WHERE name = 'bar'").Scan(&after))
	assert.Equal(t, before, after)
}

func TestPrepareKeepsUnmappedColumns(t *testing.T) {
	ctx, p, registry := newTestDriver(t)
	_, err := p.db.ExecContext(ctx,
		"CREATE TABLE `bar` (`id` INTEGER PRIMARY KEY AUTOINCREMENT, `caption` VARCHAR(255), `extra` TEXT)")
	require.NoError(t, err)
	_, err = p.db.ExecContext(ctx, "INSERT INTO `bar` (`caption`, `extra`) VALUES ('a', 'keep')")
	require.NoError(t, err)

	_, err = registry.Extend("bar", map[string]*schema.Field{
		"id":   {Type: schema.Unsigned},
		"text": {Type: schema.String, Legacy: []string{"caption"}},
	}, schema.Options{Primary: []string{"id"}, AutoInc: true})
	require.NoError(t, err)
	require.NoError(t, p.Prepare(ctx, "bar", nil))
	assert.ElementsMatch(t, []string{"id", "text", "extra"}, liveColumnNames(t, p, ctx, "bar"))

	var extra string
	require.NoError(t, p.db.QueryRowContext(ctx, "SELECT `extra` FROM `bar`").Scan(&extra))
	assert.Equal(t, "keep", extra)
}

func TestPrepareHookDropKeys(t *testing.T) {
	ctx, p, registry := newTestDriver(t)
	_, err := p.db.ExecContext(ctx,
		"CREATE TABLE `bar` (`id` INTEGER PRIMARY KEY AUTOINCREMENT, `junk` TEXT)")
	require.NoError(t, err)

	finalized := false
	_, err = registry.Extend("bar", map[string]*schema.Field{
		"id": {Type: schema.Unsigned},
	}, schema.Options{
		Primary: []string{"id"},
		AutoInc: true,
		Hooks: []schema.Hooks{{
			After:    func() ([]string, error) { return []string{"junk"}, nil },
			Finalize: func() error { finalized = true; return nil },
		}},
	})
	require.NoError(t, err)
	require.NoError(t, p.Prepare(ctx, "bar", nil))
	assert.ElementsMatch(t, []string{"id"}, liveColumnNames(t, p, ctx, "bar"))
	assert.True(t, finalized)
}
