package postgres

import (
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openverge/openverge/pkg/engine"
)

func TestDatabaseName(t *testing.T) {
	tests := []struct {
		name, customer, env string
		want                string
	}{
		{"appdb", "acme", "prod", "appdb_acme_prod"},
		{"AppDB", "Acme Corp", "prod", "appdb_acme_corp_prod"},
		{"app-db", "acme.io", "dev", "app_db_acme_io_dev"},
	}
	for _, tt := range tests {
		got := DatabaseName(tt.name, tt.customer, tt.env)
		if got != tt.want {
			t.Errorf("DatabaseName(%q, %q, %q) = %q, want %q", tt.name, tt.customer, tt.env, got, tt.want)
		}
	}
}

func TestDatabaseNameTruncation(t *testing.T) {
	got := DatabaseName(strings.Repeat("a", 80), "acme", "prod")
	if len(got) != 63 {
		t.Errorf("expected 63 byte identifier, got %d bytes", len(got))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want engine.ErrorClass
	}{
		{"connection failure", &pgconn.PgError{Code: "08006"}, engine.ClassTransient},
		{"too many connections", &pgconn.PgError{Code: "53300"}, engine.ClassTransient},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, engine.ClassTransient},
		{"permission denied", &pgconn.PgError{Code: "42501"}, engine.ClassConfiguration},
		{"invalid auth", &pgconn.PgError{Code: "28P01"}, engine.ClassConfiguration},
		{"dial failure", errors.New("dial tcp: connection refused"), engine.ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.Classify(classify(tt.err, "test"))
			if got != tt.want {
				t.Errorf("expected class %s, got %s", tt.want, got)
			}
		})
	}
}

func TestIsDuplicateDatabase(t *testing.T) {
	if !isDuplicateDatabase(&pgconn.PgError{Code: "42P04"}) {
		t.Error("expected duplicate database code to match")
	}
	if isDuplicateDatabase(&pgconn.PgError{Code: "42501"}) {
		t.Error("expected non-duplicate code not to match")
	}
	if isDuplicateDatabase(errors.New("plain")) {
		t.Error("expected plain error not to match")
	}
}
