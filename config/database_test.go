package config

import (
	"strings"
	"testing"
)

func TestBuildDSN_TCPWithIsolationParam(t *testing.T) {
	t.Setenv("DB_USER", "mes")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_NAME", "mes_db")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", "3306")

	dsn := buildDSN()
	if !strings.Contains(dsn, "tcp(127.0.0.1:3306)") {
		t.Fatalf("expected tcp address in DSN, got %q", dsn)
	}
	// Isolation must ride the DSN so every pooled connection gets it, not
	// just whichever connection a SET SESSION happened to land on.
	if !strings.Contains(dsn, "transaction_isolation=") {
		t.Fatalf("DSN missing transaction_isolation param: %q", dsn)
	}
	if !strings.Contains(dsn, "READ-COMMITTED") {
		t.Fatalf("DSN missing READ-COMMITTED level: %q", dsn)
	}
	if !strings.Contains(dsn, "parseTime=true") {
		t.Fatalf("DSN missing parseTime: %q", dsn)
	}
}

func TestBuildDSN_CloudSQLUnixSocket(t *testing.T) {
	t.Setenv("DB_USER", "mes")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_NAME", "mes_db")
	t.Setenv("DB_HOST", "/cloudsql/project:region:instance")
	t.Setenv("DB_PORT", "")

	dsn := buildDSN()
	if !strings.Contains(dsn, "unix(/cloudsql/project:region:instance)") {
		t.Fatalf("expected unix socket address in DSN, got %q", dsn)
	}
	if !strings.Contains(dsn, "transaction_isolation=") {
		t.Fatalf("DSN missing transaction_isolation param: %q", dsn)
	}
}
