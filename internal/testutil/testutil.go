package testutil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"e2ee-sessions/internal/store"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrInjected = errors.New("injected write failure")

// NewStore opens a private in-memory sqlite database with the keyed store
// schema. A single connection is used so nested transactions never wait on
// each other.
func NewStore(t testing.TB) *store.Store {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s-%s?mode=memory&cache=shared", name, uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	st := store.New(db, nil)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return st
}

// FailWrites installs gorm callbacks that fail every create and delete while
// the returned flag is set.
func FailWrites(t testing.TB, st *store.Store) *atomic.Bool {
	t.Helper()

	var fail atomic.Bool
	hook := func(db *gorm.DB) {
		if fail.Load() {
			_ = db.AddError(ErrInjected)
		}
	}
	if err := st.DB.Callback().Create().Before("gorm:create").Register("testutil:fail_create", hook); err != nil {
		t.Fatalf("register create hook: %v", err)
	}
	if err := st.DB.Callback().Delete().Before("gorm:delete").Register("testutil:fail_delete", hook); err != nil {
		t.Fatalf("register delete hook: %v", err)
	}
	return &fail
}
