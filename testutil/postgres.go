package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/stream-herald/db"
)

// SetupTestDB opens the database named by TEST_PG_DSN, applies the schema,
// and empties the tables so each test starts from a clean slate. Tests are
// skipped when TEST_PG_DSN is unset.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping database test")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close()
	})

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		t.Fatalf("ping test db: %v", err)
	}
	if err := db.Migrate(ctx, database); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	if _, err := database.ExecContext(ctx,
		`TRUNCATE event_subscribers, event_rules, channels, oauth_tokens RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncate test tables: %v", err)
	}
	return database
}
