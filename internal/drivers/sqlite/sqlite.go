// Package sqlite implements the driver protocol over an embedded
// in-memory database, persisted to a file through a debounced snapshot.
package sqlite

import (
	"context"
	"database/sql"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oakdb/oak/internal"
	"github.com/oakdb/oak/internal/builder"
	"github.com/oakdb/oak/internal/caster"
	"github.com/oakdb/oak/internal/errs"
	"github.com/oakdb/oak/internal/schema"
	"github.com/oakdb/oak/internal/sqlutil"
	"github.com/shopmonkeyus/go-common/logger"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// upsertChunkBase bounds the upsert key disjunction; the engine caps
// expression trees near a depth of 1000.
const upsertChunkBase = 960

type sqliteDriver struct {
	logger   logger.Logger
	db       *sql.DB
	registry *schema.Registry
	caster   *caster.Caster
	dialect  *dialect
	path     string

	snapMu      sync.Mutex
	snapTimer   *time.Timer
	snapPending bool
	once        sync.Once
}

var _ internal.Driver = (*sqliteDriver)(nil)

func init() {
	internal.RegisterDriver("sqlite", func() internal.Driver {
		return &sqliteDriver{}
	})
}

// Start opens the in-memory database and restores the configured file
// snapshot when one exists.
func (p *sqliteDriver) Start(ctx context.Context, config internal.DriverConfig) error {
	p.path = parsePath(config.URL)
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return errors.Wrap(err, "unable to open database")
	}
	// a single connection keeps the in-memory database visible to every
	// operation and serializes writes
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return errors.Wrap(err, "unable to ping database")
	}
	p.logger = config.Logger
	p.db = db
	p.registry = config.Registry
	p.dialect = newDialect()
	p.caster = newCaster()
	if err := p.restore(ctx); err != nil {
		db.Close()
		return err
	}
	p.logger.Debug("started (path: %s)", p.path)
	return nil
}

// Stop flushes any outstanding snapshot and closes the database.
func (p *sqliteDriver) Stop() error {
	var err error
	p.once.Do(func() {
		p.snapMu.Lock()
		if p.snapTimer != nil {
			p.snapTimer.Stop()
		}
		p.snapMu.Unlock()
		p.flushSnapshot()
		if p.db != nil {
			err = p.db.Close()
			p.db = nil
		}
	})
	return err
}

func parsePath(urlString string) string {
	path := strings.TrimPrefix(urlString, "sqlite://")
	if path == "" {
		return ":memory:"
	}
	return path
}

// newCaster extends the dialect-neutral plugins with epoch-millisecond
// storage for the date-like types.
func newCaster() *caster.Caster {
	c := caster.New()
	c.Register(&caster.Plugin{
		Types: []schema.FieldType{schema.Date, schema.Time, schema.Timestamp},
		Dump: func(v any) (any, error) {
			switch t := v.(type) {
			case nil:
				return nil, nil
			case time.Time:
				return t.UnixMilli(), nil
			case int64:
				return t, nil
			}
			return nil, errors.Newf("expected time, got %T", v)
		},
		Load: func(v any, _ any) (any, error) {
			switch n := v.(type) {
			case nil:
				return nil, nil
			case int64:
				return time.UnixMilli(n).UTC(), nil
			case float64:
				return time.UnixMilli(int64(n)).UTC(), nil
			}
			return nil, errors.Newf("expected epoch milliseconds, got %T", v)
		},
	})
	return c
}

func (p *sqliteDriver) builder(sel internal.Selection) *builder.Builder {
	tables, ref := sel.BuilderInput()
	return builder.New(p.dialect, tables, ref)
}

func (p *sqliteDriver) getOptions(sel internal.Selection) builder.GetOptions {
	opts := builder.GetOptions{
		Table:  sel.Table,
		Ref:    sel.Ref,
		Query:  sel.Query,
		Fields: sel.Fields,
		Limit:  sel.Limit,
		Offset: sel.Offset,
	}
	for _, spec := range sel.Sort {
		opts.Sort = append(opts.Sort, builder.SortSpec{Expr: spec.Expr, Desc: spec.Desc})
	}
	return opts
}

// Get returns the rows matching the selection.
func (p *sqliteDriver) Get(ctx context.Context, sel internal.Selection) ([]map[string]any, error) {
	stmt, err := p.builder(sel).Get(p.getOptions(sel))
	if err != nil {
		return nil, err
	}
	if stmt == "" {
		return []map[string]any{}, nil
	}
	p.logger.Trace("sql: %s", stmt)
	rows, err := p.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, p.wrapError(err, stmt)
	}
	defer rows.Close()
	raw, err := sqlutil.ScanRows(rows)
	if err != nil {
		return nil, p.wrapError(err, stmt)
	}
	out := make([]map[string]any, 0, len(raw))
	for _, row := range raw {
		if sel.Fields != nil {
			// projections carry expression results, not model columns
			out = append(out, row)
			continue
		}
		loaded, err := p.caster.Load(sel.Model, row)
		if err != nil {
			return nil, err
		}
		out = append(out, loaded)
	}
	return out, nil
}

// Eval wraps the selection as a subquery and computes expr over it.
func (p *sqliteDriver) Eval(ctx context.Context, sel internal.Selection, expr any) (any, error) {
	stmt, err := p.builder(sel).Eval(p.getOptions(sel), expr)
	if err != nil {
		return nil, err
	}
	if stmt == "" {
		return nil, nil
	}
	p.logger.Trace("sql: %s", stmt)
	var value any
	if err := p.db.QueryRowContext(ctx, stmt).Scan(&value); err != nil {
		return nil, p.wrapError(err, stmt)
	}
	if buf, ok := value.([]byte); ok {
		value = string(buf)
	}
	return value, nil
}

// Set updates matching rows one by one, keyed by their primary key (or
// rowid for tables without one).
func (p *sqliteDriver) Set(ctx context.Context, sel internal.Selection, update map[string]any) error {
	b := p.builder(sel)
	filter, err := b.ParseQuery(sel.Query)
	if err != nil {
		return err
	}
	if filter == "0" {
		return nil
	}
	assigns, err := sqlutil.Assignments(b, p.caster, sel.Model, update)
	if err != nil {
		return err
	}
	if len(assigns) == 0 {
		return nil
	}
	keyCols := sel.Model.Primary
	if len(keyCols) == 0 {
		keyCols = []string{"rowid"}
	}
	stmt := "SELECT " + p.idList(keyCols) + " FROM " + p.dialect.EscapeID(sel.Table)
	if filter != "1" {
		stmt += " WHERE " + filter
	}
	p.logger.Trace("sql: %s", stmt)
	rows, err := p.db.QueryContext(ctx, stmt)
	if err != nil {
		return p.wrapError(err, stmt)
	}
	matched, err := sqlutil.ScanRows(rows)
	rows.Close()
	if err != nil {
		return p.wrapError(err, stmt)
	}
	for _, row := range matched {
		var conds []string
		for _, col := range keyCols {
			conds = append(conds, p.dialect.EscapeID(col)+" = "+p.dialect.EscapeValue(row[col], nil))
		}
		upd := "UPDATE " + p.dialect.EscapeID(sel.Table) + " SET " + strings.Join(assigns, ", ") +
			" WHERE " + strings.Join(conds, " AND ")
		p.logger.Trace("sql: %s", upd)
		if _, err := p.db.ExecContext(ctx, upd); err != nil {
			return p.wrapError(err, upd)
		}
	}
	if len(matched) > 0 {
		p.scheduleSnapshot()
	}
	return nil
}

// Remove deletes matching rows. A filter that reduces to false issues
// no statement at all.
func (p *sqliteDriver) Remove(ctx context.Context, sel internal.Selection) error {
	filter, err := p.builder(sel).ParseQuery(sel.Query)
	if err != nil {
		return err
	}
	if filter == "0" {
		return nil
	}
	stmt := "DELETE FROM " + p.dialect.EscapeID(sel.Table)
	if filter != "1" {
		stmt += " WHERE " + filter
	}
	p.logger.Trace("sql: %s", stmt)
	if _, err := p.db.ExecContext(ctx, stmt); err != nil {
		return p.wrapError(err, stmt)
	}
	p.scheduleSnapshot()
	return nil
}

// Create inserts one row with model defaults for unset fields and
// returns the stored row including the engine-assigned id.
func (p *sqliteDriver) Create(ctx context.Context, sel internal.Selection, data map[string]any) (map[string]any, error) {
	model := sel.Model
	row := model.Create()
	for key, value := range data {
		root := sqlutil.RootField(key)
		if model.Field(root) == nil {
			return nil, errs.QueryMalformed("table %s has no field %s", model.Name, root)
		}
		sqlutil.ApplyPath(row, key, value)
	}
	dumped, err := p.caster.Dump(model, row)
	if err != nil {
		return nil, err
	}
	stmt, err := insertSQL(p.dialect, sel.Table, dumped, model)
	if err != nil {
		return nil, err
	}
	p.logger.Trace("sql: %s", stmt)
	res, err := p.db.ExecContext(ctx, stmt)
	if err != nil {
		return nil, p.wrapError(err, stmt)
	}
	if pk := model.PrimaryKey(); model.AutoInc && pk != "" {
		id, err := res.LastInsertId()
		if err != nil {
			return nil, p.wrapError(err, stmt)
		}
		row[pk] = id
	}
	p.scheduleSnapshot()
	return row, nil
}

// Upsert batches items in chunks bounded by the expression-tree ceiling,
// updating rows whose key tuple already exists and inserting the rest.
func (p *sqliteDriver) Upsert(ctx context.Context, sel internal.Selection, data []map[string]any, keys []string) error {
	model := sel.Model
	if len(keys) == 0 {
		keys = model.Primary
	}
	if len(keys) == 0 {
		return errs.QueryMalformed("upsert on table %s requires match keys", model.Name)
	}
	updateFields := upsertUpdateFields(data, keys)
	chunk := upsertChunkBase / len(keys)
	for start := 0; start < len(data); start += chunk {
		end := start + chunk
		if end > len(data) {
			end = len(data)
		}
		if err := p.upsertChunk(ctx, sel, data[start:end], keys, updateFields); err != nil {
			return err
		}
	}
	p.scheduleSnapshot()
	return nil
}

func (p *sqliteDriver) upsertChunk(ctx context.Context, sel internal.Selection, items []map[string]any, keys []string, updateFields []string) error {
	model := sel.Model
	var ors []any
	for _, item := range items {
		tuple := make(map[string]any, len(keys))
		for _, key := range keys {
			value, ok := item[key]
			if !ok {
				return errs.QueryMalformed("upsert item misses key field %s", key)
			}
			tuple[key] = value
		}
		ors = append(ors, tuple)
	}
	lookup := sel
	lookup.Query = map[string]any{"$or": ors}
	lookup.Fields = nil
	existing, err := p.Get(ctx, lookup)
	if err != nil {
		return err
	}
	for _, item := range items {
		match := findMatch(p.dialect, model, existing, item, keys)
		if match == nil {
			row := model.Create()
			for key, value := range item {
				sqlutil.ApplyPath(row, key, value)
			}
			dumped, err := p.caster.Dump(model, row)
			if err != nil {
				return err
			}
			stmt, err := insertSQL(p.dialect, sel.Table, dumped, model)
			if err != nil {
				return err
			}
			p.logger.Trace("sql: %s", stmt)
			if _, err := p.db.ExecContext(ctx, stmt); err != nil {
				return p.wrapError(err, stmt)
			}
			continue
		}
		update := make(map[string]any)
		for key, value := range item {
			root := sqlutil.RootField(key)
			if contains(keys, root) || !contains(updateFields, root) {
				continue
			}
			update[key] = value
		}
		if len(update) == 0 {
			continue
		}
		cond := make(map[string]any, len(keys))
		for _, key := range keys {
			cond[key] = item[key]
		}
		target := sel
		target.Query = cond
		if err := p.Set(ctx, target, update); err != nil {
			return err
		}
	}
	return nil
}

// Drop removes one table, or every registered table when table is empty.
func (p *sqliteDriver) Drop(ctx context.Context, table string) error {
	tables := []string{table}
	if table == "" {
		tables = p.registry.Names()
	}
	for _, name := range tables {
		stmt := "DROP TABLE IF EXISTS " + p.dialect.EscapeID(name)
		p.logger.Debug("executing: %s", stmt)
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return p.wrapError(err, stmt)
		}
	}
	p.scheduleSnapshot()
	return nil
}

// Stats reports the database size from the page pragmas and a per-table
// row count.
func (p *sqliteDriver) Stats(ctx context.Context) (*internal.Stats, error) {
	stats := &internal.Stats{Tables: make(map[string]internal.TableStats)}
	var pageCount, pageSize int64
	if err := p.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return nil, p.wrapError(err, "PRAGMA page_count")
	}
	if err := p.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, p.wrapError(err, "PRAGMA page_size")
	}
	stats.Size = pageCount * pageSize
	for _, name := range p.registry.Names() {
		var count int64
		stmt := "SELECT count(*) FROM " + p.dialect.EscapeID(name)
		if err := p.db.QueryRowContext(ctx, stmt).Scan(&count); err != nil {
			return nil, p.wrapError(err, stmt)
		}
		var size int64
		// dbstat is an optional module; fall back to zero when absent
		if err := p.db.QueryRowContext(ctx,
			"SELECT coalesce(sum(pgsize), 0) FROM dbstat WHERE name = "+p.dialect.EscapeValue(name, nil)).Scan(&size); err != nil {
			size = 0
		}
		stats.Tables[name] = internal.TableStats{Count: count, Size: size}
	}
	return stats, nil
}

func (p *sqliteDriver) wrapError(err error, stmt string) error {
	if err == nil {
		return nil
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return errors.Mark(err, errs.ErrDuplicateEntry)
		case sqlite3.SQLITE_CONSTRAINT:
			// the engine does not always surface extended result codes
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return errors.Mark(err, errs.ErrDuplicateEntry)
			}
		}
	}
	return errs.StorageError(err, stmt)
}

func insertSQL(d builder.Dialect, table string, dumped map[string]any, model *schema.Model) (string, error) {
	var cols, vals []string
	for _, name := range model.FieldNames() {
		value, ok := dumped[name]
		if !ok {
			continue
		}
		cols = append(cols, d.EscapeID(name))
		vals = append(vals, d.EscapeValue(value, model.Field(name)))
	}
	if len(cols) == 0 {
		return "", errs.QueryMalformed("insert into %s carries no columns", table)
	}
	return "INSERT INTO " + d.EscapeID(table) + " (" + strings.Join(cols, ", ") + ") VALUES (" +
		strings.Join(vals, ", ") + ")", nil
}

// upsertUpdateFields applies the dataFields-minus-keys rule, keeping the
// first data field when the difference is empty so updates stay stable.
func upsertUpdateFields(data []map[string]any, keys []string) []string {
	seen := make(map[string]bool)
	var dataFields []string
	for _, item := range data {
		for _, root := range sqlutil.UpdateRoots(item) {
			if !seen[root] {
				seen[root] = true
				dataFields = append(dataFields, root)
			}
		}
	}
	sort.Strings(dataFields)
	var update []string
	for _, name := range dataFields {
		if !contains(keys, name) {
			update = append(update, name)
		}
	}
	if len(update) == 0 && len(dataFields) > 0 {
		update = dataFields[:1]
	}
	return update
}

func findMatch(d builder.Dialect, model *schema.Model, rows []map[string]any, item map[string]any, keys []string) map[string]any {
	for _, row := range rows {
		all := true
		for _, key := range keys {
			if !sqlutil.SameValue(d, model.Field(key), row[key], item[key]) {
				all = false
				break
			}
		}
		if all {
			return row
		}
	}
	return nil
}

func contains(list []string, name string) bool {
	return slices.Contains(list, name)
}
