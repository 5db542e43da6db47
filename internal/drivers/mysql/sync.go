package mysql

import (
	"context"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/oakdb/oak/internal/migrator"
	"github.com/oakdb/oak/internal/schema"
	"github.com/oakdb/oak/internal/sqlutil"
)

// Prepare synchronizes the live table with its declared model. The
// server strategy stays inside one ALTER: missing columns are added,
// legacy columns renamed in place and hook-declared columns dropped.
// Type changes are reported but not rewritten.
func (p *mysqlDriver) Prepare(ctx context.Context, table string, dropKeys []string) error {
	p.flush()
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
	if plan.Create {
		if err := p.createTable(executeSQL, model); err != nil {
			return err
		}
	} else {
		var clauses []string
		for _, name := range plan.Missing {
			def, err := p.columnDef(model, name)
			if err != nil {
				return err
			}
			clauses = append(clauses, "ADD COLUMN "+def)
		}
		var renamed []string
		for name := range plan.Renamed {
			renamed = append(renamed, name)
		}
		sort.Strings(renamed)
		for _, name := range renamed {
			def, err := p.columnDef(model, plan.Renamed[name])
			if err != nil {
				return err
			}
			clauses = append(clauses, "CHANGE COLUMN "+p.dialect.EscapeID(name)+" "+def)
		}
		for _, name := range plan.Dropped {
			clauses = append(clauses, "DROP COLUMN "+p.dialect.EscapeID(name))
		}
		for _, name := range plan.Changed {
			p.logger.Warn("table %s column %s type differs from declaration; not altered", table, name)
		}
		if len(clauses) > 0 {
			stmt := "ALTER TABLE " + p.dialect.EscapeID(table) + " " + strings.Join(clauses, ", ")
			if err := executeSQL(stmt); err != nil {
				return p.wrapError(err, stmt)
			}
		}
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

func (p *mysqlDriver) liveColumns(ctx context.Context, table string) ([]migrator.Column, error) {
	stmt := "SELECT column_name, column_type, is_nullable, ifnull(column_default, ''), column_key" +
		" FROM information_schema.columns WHERE table_schema = database() AND table_name = " +
		p.dialect.EscapeValue(table, nil) + " ORDER BY ordinal_position"
	rows, err := p.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, p.wrapError(err, stmt)
	}
	defer rows.Close()
	var columns []migrator.Column
	for rows.Next() {
		var column migrator.Column
		var nullable, key string
		if err := rows.Scan(&column.Name, &column.DataType, &nullable, &column.Default, &key); err != nil {
			return nil, p.wrapError(err, stmt)
		}
		column.NotNull = nullable == "NO"
		column.Primary = key == "PRI"
		columns = append(columns, column)
	}
	return columns, rows.Err()
}

func (p *mysqlDriver) createTable(executeSQL func(string) error, model *schema.Model) error {
	var defs []string
	for _, name := range model.FieldNames() {
		def, err := p.columnDef(model, name)
		if err != nil {
			return err
		}
		defs = append(defs, def)
	}
	if len(model.Primary) > 0 {
		defs = append(defs, "PRIMARY KEY ("+p.idList(model.Primary)+")")
	}
	for _, group := range model.Unique {
		defs = append(defs, "UNIQUE KEY ("+p.idList(group)+")")
	}
	var foreign []string
	for name := range model.Foreign {
		foreign = append(foreign, name)
	}
	sort.Strings(foreign)
	for _, name := range foreign {
		ref := model.Foreign[name]
		defs = append(defs, "FOREIGN KEY ("+p.dialect.EscapeID(name)+") REFERENCES "+
			p.dialect.EscapeID(ref.Table)+" ("+p.dialect.EscapeID(ref.Field)+")")
	}
	stmt := "CREATE TABLE " + p.dialect.EscapeID(model.Name) + " (" + strings.Join(defs, ", ") +
		") CHARACTER SET=utf8mb4"
	if err := executeSQL(stmt); err != nil {
		return p.wrapError(err, stmt)
	}
	return nil
}
