package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/oakdb/oak/internal"
	"github.com/oakdb/oak/internal/errs"
	"github.com/oakdb/oak/internal/schema"
	"github.com/shopmonkeyus/go-common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	seedDate = time.Date(1970, 8, 17, 0, 0, 0, 0, time.UTC)
	seedTime = time.Date(1970, 1, 1, 12, 0, 0, 0, time.UTC)
)

func newTestDB(t *testing.T, url string) (context.Context, *internal.Database) {
	t.Helper()
	ctx := context.Background()
	db, err := internal.New(ctx, logger.NewTestLogger(), url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return ctx, db
}

func extendBar(t *testing.T, ctx context.Context, db *internal.Database) {
	t.Helper()
	err := db.Extend(ctx, "bar", map[string]*schema.Field{
		"id":        {Type: schema.Unsigned},
		"text":      {Type: schema.String},
		"num":       {Type: schema.Integer},
		"bool":      {Type: schema.Boolean},
		"list":      {Type: schema.List},
		"timestamp": {Type: schema.Timestamp},
		"date":      {Type: schema.Date},
		"time":      {Type: schema.Time},
	}, schema.Options{Primary: []string{"id"}, AutoInc: true})
	require.NoError(t, err)
}

func seedBar(t *testing.T, ctx context.Context, db *internal.Database) {
	t.Helper()
	for _, row := range []map[string]any{
		{"id": 1, "bool": true},
		{"id": 2, "text": "pku"},
		{"id": 3, "num": 1989},
		{"id": 4, "list": []string{"1", "1", "4"}},
		{"id": 5, "timestamp": seedDate},
		{"id": 6, "date": seedDate},
		{"id": 7, "time": seedTime},
	} {
		_, err := db.Create(ctx, "bar", row)
		require.NoError(t, err)
	}
}

func seededDB(t *testing.T) (context.Context, *internal.Database) {
	ctx, db := newTestDB(t, "sqlite://:memory:")
	extendBar(t, ctx, db)
	seedBar(t, ctx, db)
	return ctx, db
}

func rowsByID(t *testing.T, rows []map[string]any) map[int64]map[string]any {
	t.Helper()
	out := make(map[int64]map[string]any, len(rows))
	for _, row := range rows {
		id, ok := row["id"].(int64)
		require.True(t, ok, "id should load as int64, got %T", row["id"])
		out[id] = row
	}
	return out
}

func TestSetWithOrFilter(t *testing.T) {
	ctx, db := seededDB(t)
	err := db.Set(ctx, "bar", map[string]any{
		"$or": []any{
			map[string]any{"id": []any{1, 2}},
			map[string]any{"timestamp": seedDate},
		},
	}, map[string]any{"text": "thu"})
	require.NoError(t, err)

	rows, err := db.Get(ctx, "bar", map[string]any{"id": map[string]any{"$in": []any{1, 2, 5}}}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, "thu", row["text"])
	}
	rows, err = db.Get(ctx, "bar", map[string]any{"id": 3}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0]["text"])
}

func TestSetNullValue(t *testing.T) {
	ctx, db := seededDB(t)
	err := db.Set(ctx, "bar", map[string]any{"timestamp": map[string]any{"$exists": true}}, map[string]any{"text": nil})
	require.NoError(t, err)

	rows, err := db.Get(ctx, "bar", nil, nil)
	require.NoError(t, err)
	byID := rowsByID(t, rows)
	assert.Nil(t, byID[5]["text"])
	assert.Equal(t, "pku", byID[2]["text"], "non-matching rows keep their text")
}

func TestEvalSum(t *testing.T) {
	ctx, db := seededDB(t)
	value, err := db.Eval(ctx, "bar", nil, map[string]any{"$sum": "num"})
	require.NoError(t, err)
	assert.EqualValues(t, 1989, value)
}

func TestEvalCountDistinct(t *testing.T) {
	ctx, db := seededDB(t)
	value, err := db.Eval(ctx, "bar", nil, map[string]any{"$count": "bool"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, value)
}

func TestEvalShortCircuit(t *testing.T) {
	ctx, db := seededDB(t)
	value, err := db.Eval(ctx, "bar", map[string]any{"id": map[string]any{"$in": []any{}}}, map[string]any{"$sum": "num"})
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestUpsert(t *testing.T) {
	ctx, db := seededDB(t)
	err := db.Upsert(ctx, "bar", []map[string]any{
		{"id": 2, "num": 1911},
		{"id": 99, "text": "new"},
	}, "id")
	require.NoError(t, err)

	rows, err := db.Get(ctx, "bar", nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 8)
	byID := rowsByID(t, rows)
	assert.EqualValues(t, 1911, byID[2]["num"])
	assert.Equal(t, "pku", byID[2]["text"], "fields outside the item are preserved")
	assert.Equal(t, "new", byID[99]["text"])
	assert.EqualValues(t, 1989, byID[3]["num"], "other rows unchanged")
}

func TestRemoveRange(t *testing.T) {
	ctx, db := seededDB(t)
	err := db.Remove(ctx, "bar", map[string]any{"id": map[string]any{"$gt": 5}})
	require.NoError(t, err)
	rows, err := db.Get(ctx, "bar", nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	byID := rowsByID(t, rows)
	for id := int64(1); id <= 5; id++ {
		assert.Contains(t, byID, id)
	}
}

func TestRemoveEmptyInShortCircuits(t *testing.T) {
	ctx, db := seededDB(t)
	err := db.Remove(ctx, "bar", map[string]any{"id": map[string]any{"$in": []any{}}})
	require.NoError(t, err)
	rows, err := db.Get(ctx, "bar", nil, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 7)
}

func TestRemoveAllThenGetEmpty(t *testing.T) {
	ctx, db := seededDB(t)
	require.NoError(t, db.Remove(ctx, "bar", nil))
	rows, err := db.Get(ctx, "bar", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCreateAutoIncrement(t *testing.T) {
	ctx, db := newTestDB(t, "sqlite://:memory:")
	extendBar(t, ctx, db)
	created, err := db.Create(ctx, "bar", map[string]any{"text": "auto"})
	require.NoError(t, err)
	id, ok := created["id"].(int64)
	require.True(t, ok, "returned row carries the assigned id")
	rows, err := db.Get(ctx, "bar", map[string]any{"id": id}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "auto", rows[0]["text"])
}

func TestDuplicateEntry(t *testing.T) {
	ctx, db := newTestDB(t, "sqlite://:memory:")
	extendBar(t, ctx, db)
	_, err := db.Create(ctx, "bar", map[string]any{"id": 1})
	require.NoError(t, err)
	_, err = db.Create(ctx, "bar", map[string]any{"id": 1})
	require.Error(t, err)
	assert.True(t, errs.IsDuplicateEntry(err))
}

func TestListRoundTrip(t *testing.T) {
	ctx, db := seededDB(t)
	rows, err := db.Get(ctx, "bar", map[string]any{"id": 4}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"1", "1", "4"}, rows[0]["list"])
}

func TestListElementFilter(t *testing.T) {
	ctx, db := seededDB(t)
	rows, err := db.Get(ctx, "bar", map[string]any{"list": map[string]any{"$el": "4"}}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 4, rows[0]["id"])

	rows, err = db.Get(ctx, "bar", map[string]any{"list": map[string]any{"$size": 3}}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 4, rows[0]["id"])
}

func TestRegexFilter(t *testing.T) {
	ctx, db := seededDB(t)
	rows, err := db.Get(ctx, "bar", map[string]any{"text": map[string]any{"$regex": "^pk"}}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 2, rows[0]["id"])
}

func TestDateRoundTrips(t *testing.T) {
	ctx, db := seededDB(t)
	rows, err := db.Get(ctx, "bar", map[string]any{"id": map[string]any{"$in": []any{5, 6, 7}}}, nil)
	require.NoError(t, err)
	byID := rowsByID(t, rows)
	ts, ok := byID[5]["timestamp"].(time.Time)
	require.True(t, ok)
	assert.True(t, ts.Equal(seedDate))
	d, ok := byID[6]["date"].(time.Time)
	require.True(t, ok)
	assert.True(t, d.Equal(seedDate))
	tm, ok := byID[7]["time"].(time.Time)
	require.True(t, ok)
	assert.True(t, tm.Equal(seedTime))
}

func TestJSONFieldRoundTrip(t *testing.T) {
	ctx, db := newTestDB(t, "sqlite://:memory:")
	err := db.Extend(ctx, "foo", map[string]*schema.Field{
		"id":   {Type: schema.Unsigned},
		"meta": {Type: schema.JSON},
	}, schema.Options{Primary: []string{"id"}, AutoInc: true})
	require.NoError(t, err)

	value := map[string]any{"a": float64(1), "list": []any{"x", "y"}}
	_, err = db.Create(ctx, "foo", map[string]any{"meta": value})
	require.NoError(t, err)

	rows, err := db.Get(ctx, "foo", nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, value, rows[0]["meta"])

	rows, err = db.Get(ctx, "foo", map[string]any{"meta.a": 1}, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	rows, err = db.Get(ctx, "foo", map[string]any{"meta.list": map[string]any{"$el": "x"}}, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	err = db.Set(ctx, "foo", nil, map[string]any{"meta.a": 2})
	require.NoError(t, err)
	rows, err = db.Get(ctx, "foo", map[string]any{"meta.a": 2}, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestGetModifier(t *testing.T) {
	ctx, db := seededDB(t)
	rows, err := db.Get(ctx, "bar", nil, &internal.GetModifier{
		Fields: map[string]any{"ident": map[string]any{"$": "id"}},
		Sort:   []internal.SortSpec{{Expr: map[string]any{"$": "id"}, Desc: true}},
		Limit:  2,
		Offset: 1,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.EqualValues(t, 6, rows[0]["ident"])
	assert.EqualValues(t, 5, rows[1]["ident"])
}

func TestStats(t *testing.T) {
	ctx, db := seededDB(t)
	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Greater(t, stats.Size, int64(0))
	assert.EqualValues(t, 7, stats.Tables["bar"].Count)
}

func TestDrop(t *testing.T) {
	ctx, db := seededDB(t)
	require.NoError(t, db.Drop(ctx, ""))
	_, err := db.Get(ctx, "bar", nil, nil)
	assert.Error(t, err)
}

func TestSnapshotPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oak.db")
	url := "sqlite://" + path

	ctx, db := newTestDB(t, url)
	extendBar(t, ctx, db)
	_, err := db.Create(ctx, "bar", map[string]any{"id": 1, "text": "durable"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ctx2, db2 := newTestDB(t, url)
	extendBar(t, ctx2, db2)
	rows, err := db2.Get(ctx2, "bar", nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "durable", rows[0]["text"])
}
