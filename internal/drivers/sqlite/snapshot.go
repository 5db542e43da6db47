package sqlite

import (
	"context"
	"os"
	"time"
)

// snapshotDelay coalesces the writes of one burst into a single file
// write.
const snapshotDelay = 100 * time.Millisecond

// scheduleSnapshot arms (or re-arms) the debounced snapshot after a
// mutation. In-memory databases never snapshot.
func (p *sqliteDriver) scheduleSnapshot() {
	if p.path == ":memory:" {
		return
	}
	p.snapMu.Lock()
	defer p.snapMu.Unlock()
	p.snapPending = true
	if p.snapTimer == nil {
		p.snapTimer = time.AfterFunc(snapshotDelay, p.flushSnapshot)
	} else {
		p.snapTimer.Reset(snapshotDelay)
	}
}

// flushSnapshot serializes the in-memory database to the configured
// path: VACUUM INTO a sibling temp file, then rename it into place so
// readers never observe a torn file.
func (p *sqliteDriver) flushSnapshot() {
	if p.path == ":memory:" {
		return
	}
	p.snapMu.Lock()
	pending := p.snapPending
	p.snapPending = false
	p.snapMu.Unlock()
	if !pending {
		return
	}
	tmp := p.path + ".tmp"
	os.Remove(tmp)
	stmt := "VACUUM INTO " + p.dialect.EscapeValue(tmp, nil)
	if _, err := p.db.Exec(stmt); err != nil {
		p.logger.Error("snapshot failed: %s", err)
		return
	}
	if err := os.Rename(tmp, p.path); err != nil {
		p.logger.Error("snapshot rename failed: %s", err)
		return
	}
	p.logger.Trace("snapshot written to %s", p.path)
}

// restore loads the file snapshot into the in-memory database. A
// missing file means an empty database.
func (p *sqliteDriver) restore(ctx context.Context) error {
	if p.path == ":memory:" {
		return nil
	}
	if _, err := os.Stat(p.path); os.IsNotExist(err) {
		return nil
	}
	attach := "ATTACH DATABASE " + p.dialect.EscapeValue(p.path, nil) + " AS restore"
	if _, err := p.db.ExecContext(ctx, attach); err != nil {
		return p.wrapError(err, attach)
	}
	stmt := "SELECT name, sql, type FROM restore.sqlite_master" +
		" WHERE sql IS NOT NULL AND name NOT LIKE 'sqlite_%'" +
		" ORDER BY CASE type WHEN 'table' THEN 0 ELSE 1 END, name"
	rows, err := p.db.QueryContext(ctx, stmt)
	if err != nil {
		return p.wrapError(err, stmt)
	}
	type entry struct {
		name, sql, typ string
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.name, &e.sql, &e.typ); err != nil {
			rows.Close()
			return p.wrapError(err, stmt)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return p.wrapError(err, stmt)
	}
	for _, e := range entries {
		if _, err := p.db.ExecContext(ctx, e.sql); err != nil {
			return p.wrapError(err, e.sql)
		}
		if e.typ == "table" {
			copyStmt := "INSERT INTO main." + p.dialect.EscapeID(e.name) +
				" SELECT * FROM restore." + p.dialect.EscapeID(e.name)
			if _, err := p.db.ExecContext(ctx, copyStmt); err != nil {
				return p.wrapError(err, copyStmt)
			}
		}
	}
	if _, err := p.db.ExecContext(ctx, "DETACH DATABASE restore"); err != nil {
		return p.wrapError(err, "DETACH DATABASE restore")
	}
	p.logger.Debug("restored %d objects from %s", len(entries), p.path)
	return nil
}
