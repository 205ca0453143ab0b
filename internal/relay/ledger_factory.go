package relay

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type LedgerFactory func(dsn string, opts LedgerOptions) (Ledger, error)

var ledgerFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]LedgerFactory
}{
	factories: map[string]LedgerFactory{},
}

// RegisterLedgerFactory lets callers plug additional ledger backends in by DSN scheme.
func RegisterLedgerFactory(scheme string, factory LedgerFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	ledgerFactoryRegistry.mu.Lock()
	defer ledgerFactoryRegistry.mu.Unlock()
	ledgerFactoryRegistry.factories[scheme] = factory
}

func lookupLedgerFactory(scheme string) (LedgerFactory, bool) {
	scheme = normalizeScheme(scheme)
	ledgerFactoryRegistry.mu.RLock()
	defer ledgerFactoryRegistry.mu.RUnlock()
	factory, ok := ledgerFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildLedgerFromDSN picks a ledger backend from the DSN scheme. An empty DSN yields
// the in-memory ledger.
func BuildLedgerFromDSN(dsn string, opts LedgerOptions) (Ledger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryLedger(opts), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupLedgerFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryLedger(opts), nil
	case "postgres", "postgresql":
		return NewPostgresLedger(dsn, opts)
	case "redis", "rediss":
		return NewRedisLedger(dsn, opts)
	case "sqlite", "sqlite3", "file", "":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteLedger(path, opts)
	case "mysql", "nats", "kafka":
		return nil, fmt.Errorf("%w: ledger backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported ledger scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
