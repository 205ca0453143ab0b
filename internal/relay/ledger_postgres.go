package relay

import (
	_ "github.com/lib/pq"
)

var postgresDialect = sqlDialect{
	driverName: "postgres",
	createSQL: `
		CREATE TABLE IF NOT EXISTS %s (
			trigger_id TEXT PRIMARY KEY,
			admitted_at BIGINT NOT NULL
		)`,
	insertSQL: `INSERT INTO %s (trigger_id, admitted_at) VALUES ($1, $2) ON CONFLICT (trigger_id) DO NOTHING`,
	expireSQL: `DELETE FROM %s WHERE trigger_id = $1 AND admitted_at < $2`,
	deleteSQL: `DELETE FROM %s WHERE trigger_id = $1`,
	sweepSQL:  `DELETE FROM %s WHERE admitted_at < $1`,
	trimSQL: `
		DELETE FROM %[1]s WHERE trigger_id IN (
			SELECT trigger_id FROM %[1]s ORDER BY admitted_at DESC, trigger_id DESC OFFSET $1
		)`,
}

func NewPostgresLedger(dsn string, opts LedgerOptions) (*SQLLedger, error) {
	return newSQLLedger(dsn, postgresDialect, opts)
}
