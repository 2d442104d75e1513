package engine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	capsyncerrors "github.com/capsync/capsync/internal/errors"
	"github.com/capsync/capsync/pkg/types"
)

// sqliteMagic is the 16-byte header every well-formed SQLite image starts with.
var sqliteMagic = []byte("SQLite format 3\x00")

const (
	metaTable   = "_capsync_meta"
	logTable    = "_capsync_log"
	rowverTable = "_capsync_rowver"
)

// SQLiteOpener opens SQLite engines backed by working files under Dir.
// Every Open writes the image to a fresh file, so a closed instance's file
// is never resurrected.
type SQLiteOpener struct {
	Dir string
}

// Open validates the image, writes it to a working file, and bootstraps the
// change-tracking schema (meta counter, change log, per-row version map,
// journaling triggers on every user table).
func (o *SQLiteOpener) Open(ctx context.Context, id types.InstanceID, image []byte) (Engine, error) {
	if len(image) < len(sqliteMagic) || !bytes.HasPrefix(image, sqliteMagic) {
		return nil, capsyncerrors.NewCorruptImageError(
			fmt.Sprintf("image for %s is not a SQLite database", id), nil)
	}

	if err := os.MkdirAll(o.Dir, 0755); err != nil {
		return nil, capsyncerrors.NewInternalError("create engine dir", err)
	}

	path := filepath.Join(o.Dir, fmt.Sprintf("%s_%s_%s.sqlite", id.VideoID, id.Database, uuid.NewString()))
	if err := os.WriteFile(path, image, 0644); err != nil {
		return nil, capsyncerrors.NewInternalError("write working image", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		os.Remove(path)
		return nil, capsyncerrors.NewCorruptImageError("open image", err)
	}
	// The engine is the sole owner of its handle; one connection keeps
	// trigger-visible meta updates inside the owning transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		os.Remove(path)
		return nil, capsyncerrors.NewCorruptImageError("ping image", err)
	}

	e := &SQLiteEngine{db: db, path: path, tables: make(map[string]*tableInfo)}

	if err := e.bootstrap(ctx); err != nil {
		db.Close()
		os.Remove(path)
		return nil, capsyncerrors.NewCorruptImageError("bootstrap change tracking", err)
	}

	return e, nil
}

// SQLiteEngine implements Engine over a single SQLite working file.
type SQLiteEngine struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	closed bool

	// tables caches user table metadata discovered at bootstrap.
	tables map[string]*tableInfo
}

// tableInfo describes one journaled user table.
type tableInfo struct {
	name    string
	pkCol   string
	columns []string
}

// bootstrap installs the change-tracking schema and triggers.
func (e *SQLiteEngine) bootstrap(ctx context.Context) error {
	schema := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value TEXT NOT NULL)`, metaTable),
		fmt.Sprintf(`INSERT OR IGNORE INTO %s (key, value) VALUES ('version', '0')`, metaTable),
		fmt.Sprintf(`INSERT OR IGNORE INTO %s (key, value) VALUES ('apply_mode', '0')`, metaTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL,
			tbl TEXT NOT NULL,
			pk TEXT NOT NULL,
			op TEXT NOT NULL,
			row TEXT
		)`, logTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_version ON %s (version)`, logTable, logTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tbl TEXT NOT NULL,
			pk TEXT NOT NULL,
			version INTEGER NOT NULL,
			PRIMARY KEY (tbl, pk)
		)`, rowverTable),
	}
	for _, stmt := range schema {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	if err := e.scanTables(ctx); err != nil {
		return err
	}

	for _, ti := range e.tables {
		if err := e.installTriggers(ctx, ti); err != nil {
			return err
		}
	}
	return nil
}

// scanTables discovers user tables and their primary keys.
func (e *SQLiteEngine) scanTables(ctx context.Context) error {
	rows, err := e.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name NOT LIKE '\_capsync\_%' ESCAPE '\'`)
	if err != nil {
		return err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, name := range names {
		ti, err := e.describeTable(ctx, name)
		if err != nil {
			return err
		}
		e.tables[name] = ti
	}
	return nil
}

// describeTable reads column metadata for one table. Tables without an
// explicit single-column primary key are keyed by rowid.
func (e *SQLiteEngine) describeTable(ctx context.Context, name string) (*tableInfo, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(name)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ti := &tableInfo{name: name}
	for rows.Next() {
		var cid int
		var colName, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		ti.columns = append(ti.columns, colName)
		if pk == 1 && ti.pkCol == "" {
			ti.pkCol = colName
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if ti.pkCol == "" {
		ti.pkCol = "rowid"
	}
	return ti, nil
}

// installTriggers journals every local insert/update/delete into the change
// log with the version the enclosing Exec will commit. Triggers are
// suppressed while apply_mode is set so remote deltas never re-enter the
// local log.
func (e *SQLiteEngine) installTriggers(ctx context.Context, ti *tableInfo) error {
	nextVersion := fmt.Sprintf(
		`(SELECT CAST(value AS INTEGER) FROM %s WHERE key = 'version') + 1`, metaTable)
	guard := fmt.Sprintf(
		`(SELECT value FROM %s WHERE key = 'apply_mode') = '0'`, metaTable)

	newJSON := rowJSONExpr(ti, "NEW")
	pkNew := pkExpr(ti, "NEW")
	pkOld := pkExpr(ti, "OLD")

	stmts := []string{
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS _capsync_ai_%s AFTER INSERT ON %s WHEN %s
BEGIN
  INSERT INTO %s (version, tbl, pk, op, row) VALUES (%s, '%s', %s, 'insert', %s);
  INSERT OR REPLACE INTO %s (tbl, pk, version) VALUES ('%s', %s, %s);
END`,
			ti.name, quoteIdent(ti.name), guard,
			logTable, nextVersion, ti.name, pkNew, newJSON,
			rowverTable, ti.name, pkNew, nextVersion),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS _capsync_au_%s AFTER UPDATE ON %s WHEN %s
BEGIN
  INSERT INTO %s (version, tbl, pk, op, row) VALUES (%s, '%s', %s, 'update', %s);
  INSERT OR REPLACE INTO %s (tbl, pk, version) VALUES ('%s', %s, %s);
END`,
			ti.name, quoteIdent(ti.name), guard,
			logTable, nextVersion, ti.name, pkNew, newJSON,
			rowverTable, ti.name, pkNew, nextVersion),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS _capsync_ad_%s AFTER DELETE ON %s WHEN %s
BEGIN
  INSERT INTO %s (version, tbl, pk, op, row) VALUES (%s, '%s', %s, 'delete', NULL);
  INSERT OR REPLACE INTO %s (tbl, pk, version) VALUES ('%s', %s, %s);
END`,
			ti.name, quoteIdent(ti.name), guard,
			logTable, nextVersion, ti.name, pkOld,
			rowverTable, ti.name, pkOld, nextVersion),
	}
	for _, stmt := range stmts {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Query runs a read-only statement.
func (e *SQLiteEngine) Query(ctx context.Context, query string, params ...interface{}) (*types.ResultSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, capsyncerrors.New(capsyncerrors.ErrCategoryEngine, capsyncerrors.CodeEngineClosed, "engine is closed")
	}

	rows, err := e.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, capsyncerrors.NewQueryError("query failed", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, capsyncerrors.NewQueryError("read columns", err)
	}

	rs := &types.ResultSet{Columns: cols}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, capsyncerrors.NewQueryError("scan row", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, capsyncerrors.NewQueryError("iterate rows", err)
	}
	return rs, nil
}

// Exec runs a mutating statement inside a transaction and bumps the version
// when the statement changed rows.
func (e *SQLiteEngine) Exec(ctx context.Context, query string, params ...interface{}) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, capsyncerrors.New(capsyncerrors.ErrCategoryEngine, capsyncerrors.CodeEngineClosed, "engine is closed")
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, capsyncerrors.Wrap(capsyncerrors.ErrCategoryEngine, capsyncerrors.CodeExecFailed, "begin", err)
	}
	defer tx.Rollback()

	version, err := readVersion(ctx, tx)
	if err != nil {
		return 0, capsyncerrors.Wrap(capsyncerrors.ErrCategoryEngine, capsyncerrors.CodeExecFailed, "read version", err)
	}

	res, err := tx.ExecContext(ctx, query, params...)
	if err != nil {
		return 0, capsyncerrors.Wrap(capsyncerrors.ErrCategoryEngine, capsyncerrors.CodeExecFailed, "exec", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, capsyncerrors.Wrap(capsyncerrors.ErrCategoryEngine, capsyncerrors.CodeExecFailed, "rows affected", err)
	}

	// An empty change set leaves the version untouched.
	if affected > 0 {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET value = CAST(? AS TEXT) WHERE key = 'version'`, metaTable),
			version+1); err != nil {
			return 0, capsyncerrors.Wrap(capsyncerrors.ErrCategoryEngine, capsyncerrors.CodeExecFailed, "bump version", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, capsyncerrors.Wrap(capsyncerrors.ErrCategoryEngine, capsyncerrors.CodeExecFailed, "commit", err)
	}
	return affected, nil
}

// VersionInfo returns the current database version.
func (e *SQLiteEngine) VersionInfo(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, capsyncerrors.New(capsyncerrors.ErrCategoryEngine, capsyncerrors.CodeEngineClosed, "engine is closed")
	}

	var version int64
	err := e.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT CAST(value AS INTEGER) FROM %s WHERE key = 'version'`, metaTable)).Scan(&version)
	if err != nil {
		return 0, capsyncerrors.NewInternalError("read version", err)
	}
	return version, nil
}

// ChangesSince enumerates the local change log after the given version.
// Repeated calls for the same version return an equivalent result.
func (e *SQLiteEngine) ChangesSince(ctx context.Context, version int64) (*types.ChangeSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, capsyncerrors.New(capsyncerrors.ErrCategoryEngine, capsyncerrors.CodeEngineClosed, "engine is closed")
	}

	var current int64
	if err := e.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT CAST(value AS INTEGER) FROM %s WHERE key = 'version'`, metaTable)).Scan(&current); err != nil {
		return nil, capsyncerrors.NewInternalError("read version", err)
	}

	rows, err := e.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT version, tbl, pk, op, row FROM %s WHERE version > ? ORDER BY seq`, logTable), version)
	if err != nil {
		return nil, capsyncerrors.NewInternalError("read change log", err)
	}
	defer rows.Close()

	cs := &types.ChangeSet{BaseVersion: version, Version: current}
	for rows.Next() {
		var rec types.ChangeRecord
		var op string
		var row sql.NullString
		if err := rows.Scan(&rec.Version, &rec.Table, &rec.PK, &op, &row); err != nil {
			return nil, capsyncerrors.NewInternalError("scan change log", err)
		}
		rec.Op = types.ChangeOp(op)
		if row.Valid {
			rec.Row = json.RawMessage(row.String)
		}
		cs.Records = append(cs.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, capsyncerrors.NewInternalError("iterate change log", err)
	}
	return cs, nil
}

// ApplyChanges merges a remote change set with last-writer-wins semantics:
// a delta applies only when its version is greater than the locally recorded
// version for that (table, pk). Stale and already-applied deltas are skipped,
// which makes the merge idempotent and order-insensitive for non-conflicting
// deltas.
func (e *SQLiteEngine) ApplyChanges(ctx context.Context, cs *types.ChangeSet) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return capsyncerrors.New(capsyncerrors.ErrCategoryEngine, capsyncerrors.CodeEngineClosed, "engine is closed")
	}
	if cs == nil {
		return nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return capsyncerrors.NewApplyChangesError("begin", err)
	}
	defer tx.Rollback()

	// Suppress journaling triggers for the duration of the merge.
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET value = '1' WHERE key = 'apply_mode'`, metaTable)); err != nil {
		return capsyncerrors.NewApplyChangesError("enter apply mode", err)
	}

	for _, rec := range cs.Records {
		if err := e.applyRecord(ctx, tx, rec); err != nil {
			return err
		}
	}

	version, err := readVersion(ctx, tx)
	if err != nil {
		return capsyncerrors.NewApplyChangesError("read version", err)
	}
	if cs.Version > version {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET value = CAST(? AS TEXT) WHERE key = 'version'`, metaTable),
			cs.Version); err != nil {
			return capsyncerrors.NewApplyChangesError("advance version", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET value = '0' WHERE key = 'apply_mode'`, metaTable)); err != nil {
		return capsyncerrors.NewApplyChangesError("leave apply mode", err)
	}

	if err := tx.Commit(); err != nil {
		return capsyncerrors.NewApplyChangesError("commit", err)
	}
	return nil
}

// applyRecord merges one delta under the LWW policy.
func (e *SQLiteEngine) applyRecord(ctx context.Context, tx *sql.Tx, rec types.ChangeRecord) error {
	ti, ok := e.tables[rec.Table]
	if !ok {
		return capsyncerrors.NewApplyChangesError(
			fmt.Sprintf("unknown table %q in change set", rec.Table), nil)
	}

	var current int64
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT version FROM %s WHERE tbl = ? AND pk = ?`, rowverTable),
		rec.Table, rec.PK).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return capsyncerrors.NewApplyChangesError("read row version", err)
	}
	if rec.Version <= current {
		return nil // stale or already applied
	}

	switch rec.Op {
	case types.OpInsert, types.OpUpdate:
		stmt, args, err := upsertStatement(ti, rec.Row)
		if err != nil {
			return capsyncerrors.NewApplyChangesError(
				fmt.Sprintf("decode row for %s/%s", rec.Table, rec.PK), err)
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return capsyncerrors.NewApplyChangesError(
				fmt.Sprintf("apply %s to %s/%s", rec.Op, rec.Table, rec.PK), err)
		}
	case types.OpDelete:
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, quoteIdent(ti.name), quoteIdent(ti.pkCol)),
			rec.PK); err != nil {
			return capsyncerrors.NewApplyChangesError(
				fmt.Sprintf("apply delete to %s/%s", rec.Table, rec.PK), err)
		}
	default:
		return capsyncerrors.NewApplyChangesError(
			fmt.Sprintf("unknown op %q in change set", rec.Op), nil)
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR REPLACE INTO %s (tbl, pk, version) VALUES (?, ?, ?)`, rowverTable),
		rec.Table, rec.PK, rec.Version); err != nil {
		return capsyncerrors.NewApplyChangesError("record row version", err)
	}
	return nil
}

// Close releases the database handle and removes the working file.
func (e *SQLiteEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	err := e.db.Close()
	os.Remove(e.path)
	return err
}

// readVersion reads the version counter inside a transaction.
func readVersion(ctx context.Context, tx *sql.Tx) (int64, error) {
	var version int64
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT CAST(value AS INTEGER) FROM %s WHERE key = 'version'`, metaTable)).Scan(&version)
	return version, err
}

// upsertStatement builds an INSERT OR REPLACE for a full-row JSON image.
// Columns are ordered deterministically.
func upsertStatement(ti *tableInfo, row json.RawMessage) (string, []interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(row))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return "", nil, err
	}

	cols := make([]string, 0, len(fields))
	for col := range fields {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	holders := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdent(col)
		holders[i] = "?"
		args[i] = sqlValue(fields[col])
	}

	stmt := fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`,
		quoteIdent(ti.name), strings.Join(quoted, ", "), strings.Join(holders, ", "))
	return stmt, args, nil
}

// sqlValue converts a decoded JSON value into a driver-friendly argument.
func sqlValue(v interface{}) interface{} {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	}
	return v
}

// rowJSONExpr builds the json_object(...) expression capturing a full row
// image inside a trigger body.
func rowJSONExpr(ti *tableInfo, ref string) string {
	parts := make([]string, 0, len(ti.columns)*2)
	for _, col := range ti.columns {
		parts = append(parts, fmt.Sprintf("'%s'", col), fmt.Sprintf("%s.%s", ref, quoteIdent(col)))
	}
	return "json_object(" + strings.Join(parts, ", ") + ")"
}

// pkExpr renders the primary key of the referenced row as TEXT.
func pkExpr(ti *tableInfo, ref string) string {
	return fmt.Sprintf("CAST(%s.%s AS TEXT)", ref, quoteIdent(ti.pkCol))
}

// quoteIdent quotes a SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
