package adapter_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/solveshq/solves/v1/adapter"
	"github.com/solveshq/solves/v1/cache"
)

func newGormDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newGormStore[T any](t *testing.T, opts ...adapter.GormOption) *adapter.GormStore[T] {
	t.Helper()
	s, err := adapter.NewGormStore[T](newGormDB(t), opts...)
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	return s
}

func TestGormStore(t *testing.T) {
	exerciseStore(t, newGormStore[progress](t))
}

func TestGormStoreBatch(t *testing.T) {
	exerciseBatch(t, newGormStore[progress](t))
}

func TestGormStoreGobCodecAndTable(t *testing.T) {
	db := newGormDB(t)
	s, err := adapter.NewGormStore[progress](db, adapter.WithGormTableName("progress_blobs"), adapter.WithGormCodec(cache.GobCodec{}))
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	ctx := context.Background()
	if err := s.Set(ctx, "k", progress{Step: 3}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !db.Migrator().HasTable("progress_blobs") {
		t.Fatal("expected custom table")
	}
	if v, ok, err := s.Get(ctx, "k"); err != nil || !ok || v.Step != 3 {
		t.Fatalf("Get: %+v ok=%v err=%v", v, ok, err)
	}
}

func TestGormStoreKeysEscapesWildcards(t *testing.T) {
	s := newGormStore[string](t)
	ctx := context.Background()
	_ = s.Set(ctx, "a%b", "1")
	_ = s.Set(ctx, "axb", "2")
	keys, err := s.Keys(ctx, "a%")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "a%b" {
		t.Fatalf("expected literal match only, got %v", keys)
	}
}
