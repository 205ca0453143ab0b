package relay

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	sqlLedgerTableName        = "flowrelay_trigger_ledger"
	sqlLedgerOperationTimeout = 5 * time.Second
	sqlLedgerPruneInterval    = time.Minute
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect carries the statements that differ between the SQL backends. Each
// statement takes the quoted table name as its format argument.
type sqlDialect struct {
	driverName string
	createSQL  string
	insertSQL  string
	expireSQL  string
	deleteSQL  string
	// sweepSQL drops every row admitted before the cutoff; trimSQL keeps only the
	// newest N rows.
	sweepSQL string
	trimSQL  string
}

// SQLLedger keeps admitted ids in a table. Expired rows of other ids and rows past
// MaxEntries are pruned at most once per pruneEvery, from inside Admit.
type SQLLedger struct {
	dsn        string
	tableName  string
	window     time.Duration
	maxEntries int
	dialect    sqlDialect
	openDB     sqlOpenFunc
	now        func() time.Time
	pruneEvery time.Duration

	pruneMu   sync.Mutex
	lastPrune time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLLedger(dsn string, dialect sqlDialect, opts LedgerOptions) (*SQLLedger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	window := opts.Window
	if window < 0 {
		window = 0
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultLedgerMaxEntries
	}
	return &SQLLedger{
		dsn:        dsn,
		tableName:  sqlLedgerTableName,
		window:     window,
		maxEntries: maxEntries,
		dialect:    dialect,
		openDB:     sql.Open,
		now:        time.Now,
		pruneEvery: sqlLedgerPruneInterval,
	}, nil
}

func (l *SQLLedger) Admit(ctx context.Context, triggerID string) (bool, error) {
	triggerID = strings.TrimSpace(triggerID)
	if triggerID == "" {
		return false, ErrInvalidInput
	}
	if err := l.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlLedgerOperationTimeout)
	defer cancel()

	table := sqlQuoteIdentifier(l.tableName)
	now := l.now().UTC()
	if l.window > 0 {
		cutoff := now.Add(-l.window).UnixNano()
		if _, err := l.db.ExecContext(ctx, fmt.Sprintf(l.dialect.expireSQL, table), triggerID, cutoff); err != nil {
			return false, fmt.Errorf("expire ledger entry: %w", err)
		}
	}
	res, err := l.db.ExecContext(ctx, fmt.Sprintf(l.dialect.insertSQL, table), triggerID, now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("insert ledger entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected != 1 {
		return false, nil
	}
	// Best effort: the id is already admitted and a failed prune is retried on the
	// next admit.
	_ = l.prune(ctx, now)
	return true, nil
}

func (l *SQLLedger) prune(ctx context.Context, now time.Time) error {
	l.pruneMu.Lock()
	defer l.pruneMu.Unlock()
	if !l.lastPrune.IsZero() && now.Sub(l.lastPrune) < l.pruneEvery {
		return nil
	}
	table := sqlQuoteIdentifier(l.tableName)
	if l.window > 0 {
		if _, err := l.db.ExecContext(ctx, fmt.Sprintf(l.dialect.sweepSQL, table), now.Add(-l.window).UnixNano()); err != nil {
			return fmt.Errorf("sweep expired ledger entries: %w", err)
		}
	}
	if _, err := l.db.ExecContext(ctx, fmt.Sprintf(l.dialect.trimSQL, table), l.maxEntries); err != nil {
		return fmt.Errorf("trim ledger: %w", err)
	}
	l.lastPrune = now
	return nil
}

func (l *SQLLedger) Forget(ctx context.Context, triggerID string) error {
	triggerID = strings.TrimSpace(triggerID)
	if triggerID == "" {
		return ErrInvalidInput
	}
	if err := l.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlLedgerOperationTimeout)
	defer cancel()
	_, err := l.db.ExecContext(ctx, fmt.Sprintf(l.dialect.deleteSQL, sqlQuoteIdentifier(l.tableName)), triggerID)
	return err
}

func (l *SQLLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *SQLLedger) ensureReady() error {
	if l == nil {
		return ErrInvalidInput
	}
	l.initOnce.Do(func() {
		db, err := l.openDB(l.dialect.driverName, l.dsn)
		if err != nil {
			l.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlLedgerOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, fmt.Sprintf(l.dialect.createSQL, sqlQuoteIdentifier(l.tableName))); err != nil {
			_ = db.Close()
			l.initErr = err
			return
		}
		l.db = db
	})
	return l.initErr
}

func sqlQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
