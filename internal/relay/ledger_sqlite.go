package relay

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

var sqliteDialect = sqlDialect{
	driverName: "sqlite3",
	createSQL: `
		CREATE TABLE IF NOT EXISTS %s (
			trigger_id TEXT PRIMARY KEY,
			admitted_at INTEGER NOT NULL
		)`,
	insertSQL: `INSERT OR IGNORE INTO %s (trigger_id, admitted_at) VALUES (?, ?)`,
	expireSQL: `DELETE FROM %s WHERE trigger_id = ? AND admitted_at < ?`,
	deleteSQL: `DELETE FROM %s WHERE trigger_id = ?`,
	sweepSQL:  `DELETE FROM %s WHERE admitted_at < ?`,
	trimSQL: `
		DELETE FROM %[1]s WHERE trigger_id IN (
			SELECT trigger_id FROM %[1]s ORDER BY admitted_at DESC, trigger_id DESC LIMIT -1 OFFSET ?
		)`,
}

// NewSQLiteLedger opens a ledger in the sqlite database at path. A single
// connection is used so that concurrent admits serialize inside the driver.
func NewSQLiteLedger(path string, opts LedgerOptions) (*SQLLedger, error) {
	l, err := newSQLLedger(path, sqliteDialect, opts)
	if err != nil {
		return nil, err
	}
	open := l.openDB
	l.openDB = func(driverName, dsn string) (*sql.DB, error) {
		db, err := open(driverName, dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		return db, nil
	}
	return l, nil
}
