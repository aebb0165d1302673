package store

import (
	"path/filepath"
	"testing"
)

func TestOpenSQLiteFile(t *testing.T) {
	db, err := Open(DBConfig{URL: "sqlite://" + filepath.Join(t.TempDir(), "kv.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	defer sqlDB.Close()
	if err := sqlDB.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	for _, url := range []string{"mysql://u:p@h/db", "", "sqlite://"} {
		if _, err := Open(DBConfig{URL: url}); err == nil {
			t.Fatalf("Open(%q) succeeded", url)
		}
	}
}

func TestRedact(t *testing.T) {
	if got := redact("postgres://user:pw@db:5432/x"); got != "postgres://***@db:5432/x" {
		t.Fatalf("redact = %q", got)
	}
}
