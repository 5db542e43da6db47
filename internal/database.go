package internal

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/oakdb/oak/internal/schema"
	"github.com/shopmonkeyus/go-common/logger"
)

// Database is the caller-facing coordinator. It exclusively owns its
// driver; models are shared read-only with drivers and builders.
type Database struct {
	logger   logger.Logger
	driver   Driver
	registry *schema.Registry
}

// New connects a database for the given driver URL.
func New(ctx context.Context, log logger.Logger, urlString string) (*Database, error) {
	registry := schema.NewRegistry()
	driver, err := NewDriver(ctx, log, urlString, registry)
	if err != nil {
		return nil, err
	}
	return &Database{logger: log, driver: driver, registry: registry}, nil
}

// Close stops the driver. Idempotent.
func (d *Database) Close() error {
	return d.driver.Stop()
}

// Registry exposes the model registry.
func (d *Database) Registry() *schema.Registry {
	return d.registry
}

// Extend declares a table and synchronizes its live schema.
func (d *Database) Extend(ctx context.Context, name string, fields map[string]*schema.Field, opts schema.Options) error {
	if _, err := d.registry.Extend(name, fields, opts); err != nil {
		return err
	}
	return d.driver.Prepare(ctx, name, nil)
}

// GetModifier refines a Get: projection, ordering and paging.
type GetModifier struct {
	Fields map[string]any
	Sort   []SortSpec
	Limit  int
	Offset int
}

func (d *Database) selection(table string, query map[string]any) (Selection, error) {
	model := d.registry.Get(table)
	if model == nil {
		return Selection{}, errors.Newf("table %s is not registered", table)
	}
	return Selection{
		Table:  table,
		Ref:    table,
		Model:  model,
		Query:  query,
		Tables: d.registry.Tables(),
	}, nil
}

// Get returns the rows matching query.
func (d *Database) Get(ctx context.Context, table string, query map[string]any, modifier *GetModifier) ([]map[string]any, error) {
	sel, err := d.selection(table, query)
	if err != nil {
		return nil, err
	}
	if modifier != nil {
		sel.Fields = modifier.Fields
		sel.Sort = modifier.Sort
		sel.Limit = modifier.Limit
		sel.Offset = modifier.Offset
	}
	return d.driver.Get(ctx, sel)
}

// Create inserts one row and returns it, including any engine-assigned
// id.
func (d *Database) Create(ctx context.Context, table string, data map[string]any) (map[string]any, error) {
	sel, err := d.selection(table, nil)
	if err != nil {
		return nil, err
	}
	return d.driver.Create(ctx, sel, data)
}

// Set updates the rows matching query.
func (d *Database) Set(ctx context.Context, table string, query map[string]any, update map[string]any) error {
	sel, err := d.selection(table, query)
	if err != nil {
		return err
	}
	return d.driver.Set(ctx, sel, update)
}

// Upsert updates or inserts each row, matched on keys (the primary key
// when keys is empty).
func (d *Database) Upsert(ctx context.Context, table string, rows []map[string]any, keys ...string) error {
	sel, err := d.selection(table, nil)
	if err != nil {
		return err
	}
	return d.driver.Upsert(ctx, sel, rows, keys)
}

// Remove deletes the rows matching query.
func (d *Database) Remove(ctx context.Context, table string, query map[string]any) error {
	sel, err := d.selection(table, query)
	if err != nil {
		return err
	}
	return d.driver.Remove(ctx, sel)
}

// Eval computes a scalar expression over the rows matching query.
func (d *Database) Eval(ctx context.Context, table string, query map[string]any, expr any) (any, error) {
	sel, err := d.selection(table, query)
	if err != nil {
		return nil, err
	}
	return d.driver.Eval(ctx, sel, expr)
}

// Drop removes one table, or every registered table when table is
// empty.
func (d *Database) Drop(ctx context.Context, table string) error {
	return d.driver.Drop(ctx, table)
}

// Stats returns database and per-table size information.
func (d *Database) Stats(ctx context.Context) (*Stats, error) {
	return d.driver.Stats(ctx)
}

// Prepare re-synchronizes one table, passing through columns known safe
// to drop.
func (d *Database) Prepare(ctx context.Context, table string, dropKeys []string) error {
	return d.driver.Prepare(ctx, table, dropKeys)
}
