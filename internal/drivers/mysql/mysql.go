// Package mysql implements the driver protocol over a pooled server
// connection. Mutation statements accumulate in a pending batch that is
// flushed as a single multi-statement command.
package mysql

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/oakdb/oak/internal"
	"github.com/oakdb/oak/internal/builder"
	"github.com/oakdb/oak/internal/caster"
	"github.com/oakdb/oak/internal/errs"
	"github.com/oakdb/oak/internal/schema"
	"github.com/oakdb/oak/internal/sqlutil"
	"github.com/shopmonkeyus/go-common/logger"
	"golang.org/x/sync/errgroup"
)

const duplicateEntryCode = 1062

type pendingStmt struct {
	sql  string
	done chan error
}

type mysqlDriver struct {
	ctx      context.Context
	logger   logger.Logger
	db       *sql.DB
	registry *schema.Registry
	caster   *caster.Caster
	dialect  *dialect

	mu        sync.Mutex
	pending   []pendingStmt
	scheduled bool
	once      sync.Once
}

var _ internal.Driver = (*mysqlDriver)(nil)

func init() {
	internal.RegisterDriver("mysql", func() internal.Driver {
		return &mysqlDriver{}
	})
}

// Start opens and pings the pool.
func (p *mysqlDriver) Start(ctx context.Context, config internal.DriverConfig) error {
	dsn, err := parseURLToDSN(config.URL)
	if err != nil {
		return err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return errors.Wrap(err, "unable to create connection")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return errors.Wrap(err, "unable to ping db")
	}
	p.ctx = ctx
	p.logger = config.Logger
	p.db = db
	p.registry = config.Registry
	p.dialect = newDialect()
	p.caster = newCaster()
	p.logger.Debug("started")
	return nil
}

// Stop flushes the pending batch and closes the pool.
func (p *mysqlDriver) Stop() error {
	var err error
	p.once.Do(func() {
		p.flush()
		if p.db != nil {
			err = p.db.Close()
			p.db = nil
		}
	})
	return err
}

// newCaster extends the dialect-neutral plugins with the server's
// calendar string forms for the date-like types.
func newCaster() *caster.Caster {
	c := caster.New()
	register := func(t schema.FieldType, layouts ...string) {
		c.Register(&caster.Plugin{
			Types: []schema.FieldType{t},
			Dump: func(v any) (any, error) {
				switch tv := v.(type) {
				case nil:
					return nil, nil
				case time.Time:
					return tv.Format(layouts[0]), nil
				case string:
					return tv, nil
				}
				return nil, errors.Newf("expected time, got %T", v)
			},
			Load: func(v any, _ any) (any, error) {
				switch sv := v.(type) {
				case nil:
					return nil, nil
				case time.Time:
					return sv, nil
				case []byte:
					return parseTime(string(sv), layouts)
				case string:
					return parseTime(sv, layouts)
				}
				return nil, errors.Newf("expected time string, got %T", v)
			},
		})
	}
	register(schema.Date, "2006-01-02")
	register(schema.Time, "15:04:05")
	register(schema.Timestamp, "2006-01-02 15:04:05", "2006-01-02")
	return c
}

func parseTime(s string, layouts []string) (any, error) {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return nil, errors.Newf("unable to parse time %q", s)
}

// enqueue adds a statement to the pending batch; the first statement of
// a batch schedules the flush. The returned channel resolves with the
// batch outcome.
func (p *mysqlDriver) enqueue(stmt string) chan error {
	done := make(chan error, 1)
	p.mu.Lock()
	p.pending = append(p.pending, pendingStmt{sql: stmt, done: done})
	if !p.scheduled {
		p.scheduled = true
		go p.flush()
	}
	p.mu.Unlock()
	return done
}

// flush drains the pending batch and submits it as one multi-statement
// command inside a transaction. A failure rejects every waiter with the
// same error.
func (p *mysqlDriver) flush() {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.scheduled = false
	p.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	batchID := uuid.NewString()[:8]
	var sb strings.Builder
	for _, item := range batch {
		sb.WriteString(item.sql)
		sb.WriteString(";\n")
	}
	p.logger.Trace("flush %s (%d statements)", batchID, len(batch))
	err := p.execBatch(sb.String())
	if err != nil {
		p.logger.Trace("flush %s failed: %s", batchID, err)
	}
	for _, item := range batch {
		item.done <- err
	}
}

func (p *mysqlDriver) execBatch(stmts string) error {
	tx, err := p.db.BeginTx(p.ctx, nil)
	if err != nil {
		return errors.Wrap(err, "unable to start transaction")
	}
	var success bool
	defer func() {
		if !success {
			tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(p.ctx, stmts); err != nil {
		return p.wrapError(err, stmts)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "unable to commit transaction")
	}
	success = true
	return nil
}

func (p *mysqlDriver) builder(sel internal.Selection) *builder.Builder {
	tables, ref := sel.BuilderInput()
	return builder.New(p.dialect, tables, ref)
}

func (p *mysqlDriver) getOptions(sel internal.Selection) builder.GetOptions {
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

// Get returns the rows matching the selection. The pending batch is
// flushed first so reads observe program order.
func (p *mysqlDriver) Get(ctx context.Context, sel internal.Selection) ([]map[string]any, error) {
	stmt, err := p.builder(sel).Get(p.getOptions(sel))
	if err != nil {
		return nil, err
	}
	if stmt == "" {
		return []map[string]any{}, nil
	}
	p.flush()
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
func (p *mysqlDriver) Eval(ctx context.Context, sel internal.Selection, expr any) (any, error) {
	stmt, err := p.builder(sel).Eval(p.getOptions(sel), expr)
	if err != nil {
		return nil, err
	}
	if stmt == "" {
		return nil, nil
	}
	p.flush()
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

// Set updates matching rows in one statement; dotted keys update into
// JSON columns through json_set.
func (p *mysqlDriver) Set(ctx context.Context, sel internal.Selection, update map[string]any) error {
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
	stmt := "UPDATE " + p.dialect.EscapeID(sel.Table) + " SET " + strings.Join(assigns, ", ")
	if filter != "1" {
		stmt += " WHERE " + filter
	}
	p.logger.Trace("sql: %s", stmt)
	return <-p.enqueue(stmt)
}

// Remove deletes matching rows; a false filter issues no statement.
func (p *mysqlDriver) Remove(ctx context.Context, sel internal.Selection) error {
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
	return <-p.enqueue(stmt)
}

// Create inserts one row and reads back the engine-assigned id, so it
// bypasses the batch (which cannot demultiplex insert ids).
func (p *mysqlDriver) Create(ctx context.Context, sel internal.Selection, data map[string]any) (map[string]any, error) {
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
	var cols, vals []string
	for _, name := range model.FieldNames() {
		value, ok := dumped[name]
		if !ok {
			continue
		}
		cols = append(cols, p.dialect.EscapeID(name))
		vals = append(vals, p.dialect.EscapeValue(value, model.Field(name)))
	}
	stmt := "INSERT INTO " + p.dialect.EscapeID(sel.Table) + " (" + strings.Join(cols, ", ") +
		") VALUES (" + strings.Join(vals, ", ") + ")"
	p.flush()
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
	return row, nil
}

// Upsert renders the whole batch as a single INSERT ... ON DUPLICATE
// KEY UPDATE statement.
func (p *mysqlDriver) Upsert(ctx context.Context, sel internal.Selection, data []map[string]any, keys []string) error {
	if len(data) == 0 {
		return nil
	}
	model := sel.Model
	if len(keys) == 0 {
		keys = model.Primary
	}
	if len(keys) == 0 {
		return errs.QueryMalformed("upsert on table %s requires match keys", model.Name)
	}
	updateFields := upsertUpdateFields(data, keys)
	stmt, err := upsertSQL(p.dialect, p.caster, model, sel.Table, data, keys, updateFields)
	if err != nil {
		return err
	}
	p.logger.Trace("sql: %s", stmt)
	return <-p.enqueue(stmt)
}

// Drop removes one table, or every registered table when table is empty.
func (p *mysqlDriver) Drop(ctx context.Context, table string) error {
	p.flush()
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
	return nil
}

// Stats reads table sizes from information_schema and counts rows
// concurrently.
func (p *mysqlDriver) Stats(ctx context.Context) (*internal.Stats, error) {
	p.flush()
	stats := &internal.Stats{Tables: make(map[string]internal.TableStats)}
	stmt := "SELECT table_name, data_length + index_length FROM information_schema.tables" +
		" WHERE table_schema = database()"
	rows, err := p.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, p.wrapError(err, stmt)
	}
	sizes := make(map[string]int64)
	for rows.Next() {
		var name string
		var size int64
		if err := rows.Scan(&name, &size); err != nil {
			rows.Close()
			return nil, p.wrapError(err, stmt)
		}
		sizes[name] = size
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, p.wrapError(err, stmt)
	}
	var mu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	for _, name := range p.registry.Names() {
		group.Go(func() error {
			count := "SELECT count(*) FROM " + p.dialect.EscapeID(name)
			var n int64
			if err := p.db.QueryRowContext(gctx, count).Scan(&n); err != nil {
				return p.wrapError(err, count)
			}
			mu.Lock()
			stats.Tables[name] = internal.TableStats{Count: n, Size: sizes[name]}
			stats.Size += sizes[name]
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

func (p *mysqlDriver) wrapError(err error, stmt string) error {
	if err == nil {
		return nil
	}
	var merr *gomysql.MySQLError
	if errors.As(err, &merr) && merr.Number == duplicateEntryCode {
		return errors.Mark(err, errs.ErrDuplicateEntry)
	}
	return errs.StorageError(err, stmt)
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
		keyed := false
		for _, key := range keys {
			if key == name {
				keyed = true
				break
			}
		}
		if !keyed {
			update = append(update, name)
		}
	}
	if len(update) == 0 && len(dataFields) > 0 {
		update = dataFields[:1]
	}
	return update
}
