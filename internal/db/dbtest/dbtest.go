// Package dbtest connects store tests to a real Postgres. Set EDU_TEST_DATABASE_URL to
// run them; they are skipped otherwise.
package dbtest

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/noah-isme/edu-payments/internal/db"
)

// EnvVar names the DSN of the database used by store tests.
const EnvVar = "EDU_TEST_DATABASE_URL"

// Pool migrates the test database to the latest schema and returns a pool closed at
// the end of the test. Tables are shared between packages, so tests must use Ref for
// every row they write.
func Pool(t testing.TB) *pgxpool.Pool {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv(EnvVar))
	if dsn == "" {
		t.Skipf("%s not set", EnvVar)
	}
	if err := db.Up(dsn, zerolog.Nop()); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect test database: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// Ref returns a payment reference unique to this run.
func Ref(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
