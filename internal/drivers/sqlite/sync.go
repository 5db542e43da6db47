package sqlite

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/oakdb/oak/internal/migrator"
	"github.com/oakdb/oak/internal/schema"
	"github.com/oakdb/oak/internal/sqlutil"
)

// Prepare synchronizes the live table with its declared model:
// auto-create, additive alter, or a rebuild through a temp table when a
// legacy rename, a type change or a column drop is required. Idempotent.
func (p *sqliteDriver) Prepare(ctx context.Context, table string, dropKeys []string) error {
	model := p.registry.Get(table)
	if model == nil {
		return errors.Newf("table %s is not registered", table)
	}
	live, err := p.liveColumns(ctx, table)
	if err != nil {
		return err
	}
	plan, err := migrator.Diff(model, live, columnType, dropKeys)
	if err != nil {
		return err
	}
	executeSQL := sqlutil.SQLExecuter(ctx, p.logger, p.db, false)
	switch {
	case plan.Create:
		if err := p.createTable(executeSQL, model); err != nil {
			return err
		}
	case plan.NeedsRebuild():
		if err := p.rebuildTable(executeSQL, model, plan); err != nil {
			return err
		}
	case len(plan.Missing) > 0:
		for _, name := range plan.Missing {
			def, err := p.columnDef(model, name)
			if err != nil {
				return err
			}
			stmt := "ALTER TABLE " + p.dialect.EscapeID(table) + " ADD COLUMN " + def
			if err := executeSQL(stmt); err != nil {
				return p.wrapError(err, stmt)
			}
		}
	}
	if plan.Dirty() {
		p.scheduleSnapshot()
	}
	keys, err := migrator.CollectDropKeys(model, dropKeys)
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		return p.Prepare(ctx, table, append(dropKeys, keys...))
	}
	return migrator.Finalize(model)
}

func (p *sqliteDriver) liveColumns(ctx context.Context, table string) ([]migrator.Column, error) {
	stmt := "SELECT name, type, \"notnull\", ifnull(dflt_value, ''), pk FROM pragma_table_info(" +
		p.dialect.EscapeValue(table, nil) + ")"
	rows, err := p.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, p.wrapError(err, stmt)
	}
	defer rows.Close()
	var columns []migrator.Column
	for rows.Next() {
		var column migrator.Column
		var notNull, pk int
		if err := rows.Scan(&column.Name, &column.DataType, &notNull, &column.Default, &pk); err != nil {
			return nil, p.wrapError(err, stmt)
		}
		column.NotNull = notNull != 0
		column.Primary = pk != 0
		columns = append(columns, column)
	}
	return columns, rows.Err()
}

func (p *sqliteDriver) createTable(executeSQL func(string) error, model *schema.Model) error {
	defs, err := p.declaredDefs(model)
	if err != nil {
		return err
	}
	defs = append(defs, p.tableConstraints(model)...)
	stmt := "CREATE TABLE " + p.dialect.EscapeID(model.Name) + " (" + strings.Join(defs, ", ") + ")"
	if err := executeSQL(stmt); err != nil {
		return p.wrapError(err, stmt)
	}
	return nil
}

// rebuildTable copies rows through a temp table because the engine
// cannot alter column names or types in place. Unmapped live columns
// ride along unless the plan dropped them.
func (p *sqliteDriver) rebuildTable(executeSQL func(string) error, model *schema.Model, plan *migrator.Plan) error {
	temp := model.Name + "_temp"
	defs, err := p.declaredDefs(model)
	if err != nil {
		return err
	}
	var destCols, srcCols []string
	for _, name := range model.FieldNames() {
		liveName, ok := plan.Mapping[name]
		if !ok {
			continue
		}
		destCols = append(destCols, p.dialect.EscapeID(name))
		srcCols = append(srcCols, p.dialect.EscapeID(liveName))
	}
	for _, column := range plan.Unmapped {
		def := p.dialect.EscapeID(column.Name) + " " + column.DataType
		if column.NotNull {
			def += " NOT NULL"
		}
		if column.Default != "" {
			def += " DEFAULT " + column.Default
		}
		defs = append(defs, def)
		destCols = append(destCols, p.dialect.EscapeID(column.Name))
		srcCols = append(srcCols, p.dialect.EscapeID(column.Name))
	}
	defs = append(defs, p.tableConstraints(model)...)
	create := "CREATE TABLE " + p.dialect.EscapeID(temp) + " (" + strings.Join(defs, ", ") + ")"
	if err := executeSQL(create); err != nil {
		return p.wrapError(err, create)
	}
	if len(destCols) > 0 {
		copyStmt := "INSERT INTO " + p.dialect.EscapeID(temp) + " (" + strings.Join(destCols, ", ") +
			") SELECT " + strings.Join(srcCols, ", ") + " FROM " + p.dialect.EscapeID(model.Name)
		if err := executeSQL(copyStmt); err != nil {
			// leave the original table untouched on a failed copy
			if derr := executeSQL("DROP TABLE " + p.dialect.EscapeID(temp)); derr != nil {
				p.logger.Error("unable to drop temp table %s: %s", temp, derr)
			}
			return p.wrapError(err, copyStmt)
		}
	}
	for _, stmt := range []string{
		"DROP TABLE " + p.dialect.EscapeID(model.Name),
		"ALTER TABLE " + p.dialect.EscapeID(temp) + " RENAME TO " + p.dialect.EscapeID(model.Name),
	} {
		if err := executeSQL(stmt); err != nil {
			return p.wrapError(err, stmt)
		}
	}
	return nil
}

func (p *sqliteDriver) declaredDefs(model *schema.Model) ([]string, error) {
	var defs []string
	for _, name := range model.FieldNames() {
		def, err := p.columnDef(model, name)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
