package relay

import (
	"os"
	"strings"
	"testing"
)

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("FLOWRELAY_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set FLOWRELAY_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}
