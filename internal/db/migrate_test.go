package db

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type recordingExecer struct {
	sql string
	err error
}

func (r *recordingExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	r.sql = sql
	return pgconn.CommandTag{}, r.err
}

func TestSchema_DeclaresTables(t *testing.T) {
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS rate_limit_buckets",
		"CREATE TABLE IF NOT EXISTS blacklist_entries",
		"CREATE TABLE IF NOT EXISTS rate_limit_policy",
		"blacklisted_until > blacklisted_at",
	} {
		if !strings.Contains(Schema(), want) {
			t.Errorf("schema missing %q", want)
		}
	}
}

func TestMigrate(t *testing.T) {
	t.Run("executes embedded schema", func(t *testing.T) {
		ex := &recordingExecer{}
		if err := Migrate(context.Background(), ex); err != nil {
			t.Fatalf("Migrate() unexpected error: %v", err)
		}
		if ex.sql != Schema() {
			t.Error("Migrate() did not execute the embedded schema")
		}
	})

	t.Run("wraps exec error", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := Migrate(context.Background(), &recordingExecer{err: cause})
		if !errors.Is(err, cause) {
			t.Fatalf("Migrate() error = %v, want wrapped %v", err, cause)
		}
	})
}
