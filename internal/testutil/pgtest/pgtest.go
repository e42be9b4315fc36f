// Package pgtest provisions throwaway PostgreSQL databases for integration
// tests.
package pgtest

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DSNEnv names the variable holding an admin DSN for integration tests.
const DSNEnv = "TAPELOG_TEST_STORE_DSN"

// TemporaryDatabase creates a fresh database next to the one named by
// DSNEnv and drops it when the test ends. The test is skipped when DSNEnv is
// unset.
func TemporaryDatabase(t *testing.T, prefix string) (*sql.DB, string) {
	t.Helper()

	adminDSN := strings.TrimSpace(os.Getenv(DSNEnv))
	if adminDSN == "" {
		t.Skipf("%s is not set", DSNEnv)
	}
	parsed, err := url.Parse(adminDSN)
	if err != nil {
		t.Fatalf("url.Parse(adminDSN) error = %v", err)
	}
	if strings.TrimPrefix(parsed.Path, "/") == "" {
		t.Fatal("admin DSN must include a database name")
	}

	adminDB, err := sql.Open("pgx", adminDSN)
	if err != nil {
		t.Fatalf("sql.Open(adminDSN) error = %v", err)
	}
	name := fmt.Sprintf("tapelog_it_%s_%d", prefix, time.Now().UnixNano())
	if _, err := adminDB.Exec(`CREATE DATABASE ` + name); err != nil {
		_ = adminDB.Close()
		t.Fatalf("CREATE DATABASE failed: %v", err)
	}

	testURL := *parsed
	testURL.Path = "/" + name
	dsn := testURL.String()
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
		defer func() { _ = adminDB.Close() }()
		if _, err := adminDB.Exec(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1`, name); err != nil {
			t.Errorf("terminate test db sessions: %v", err)
		}
		if _, err := adminDB.Exec(`DROP DATABASE ` + name); err != nil {
			t.Errorf("DROP DATABASE failed: %v", err)
		}
	})
	return db, dsn
}
