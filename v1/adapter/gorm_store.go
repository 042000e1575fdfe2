package adapter

import (
	"context"
	"errors"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/solveshq/solves/v1/cache"
)

const (
	defaultGormTableName = "kv_store"
	defaultGormOpTimeout = 5 * time.Second
)

// KV is the row model of a GormStore table.
type KV struct {
	Key       string `gorm:"primaryKey;column:key_id;size:255"`
	Value     []byte `gorm:"column:value"`
	UpdatedAt time.Time
}

// GormStore implements Store using a GORM backend.
type GormStore[T any] struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
	codec     cache.Codec
}

// GormOption configures a GormStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	tableName string
	timeout   time.Duration
	codec     cache.Codec
}

// WithGormTableName sets the table name for the GormStore.
func WithGormTableName(name string) GormOption {
	return func(o *gormStoreOptions) { o.tableName = name }
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) { o.timeout = d }
}

// WithGormCodec sets the codec for serialization. JSON is the default.
func WithGormCodec(c cache.Codec) GormOption {
	return func(o *gormStoreOptions) { o.codec = c }
}

// NewGormStore returns a GormStore, creating its table when missing.
func NewGormStore[T any](db *gorm.DB, opts ...GormOption) (*GormStore[T], error) {
	o := gormStoreOptions{
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
		codec:     cache.JSONCodec{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := db.Table(o.tableName).AutoMigrate(&KV{}); err != nil {
		return nil, err
	}
	return &GormStore[T]{db: db, tableName: o.tableName, timeout: o.timeout, codec: o.codec}, nil
}

func (s *GormStore[T]) table(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(cctx).Table(s.tableName), cancel
}

// Get implements Store.Get.
func (s *GormStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, ctxErr(err)
	}
	tx, cancel := s.table(ctx)
	defer cancel()

	var kv KV
	err := tx.First(&kv, "key_id = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, ctxErr(err)
	}
	var v T
	if err := s.codec.Unmarshal(kv.Value, &v); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Set implements Store.Set as an upsert on the key column.
func (s *GormStore[T]) Set(ctx context.Context, key string, value T) error {
	if err := ctx.Err(); err != nil {
		return ctxErr(err)
	}
	data, err := s.codec.Marshal(value)
	if err != nil {
		return err
	}
	tx, cancel := s.table(ctx)
	defer cancel()
	return ctxErr(upsert(tx, []KV{{Key: key, Value: data, UpdatedAt: time.Now()}}))
}

func upsert(tx *gorm.DB, rows []KV) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).CreateInBatches(rows, 100).Error
}

// Delete implements Store.Delete.
func (s *GormStore[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return ctxErr(err)
	}
	tx, cancel := s.table(ctx)
	defer cancel()
	return ctxErr(tx.Delete(&KV{}, "key_id = ?", key).Error)
}

// Keys implements Store.Keys.
func (s *GormStore[T]) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxErr(err)
	}
	tx, cancel := s.table(ctx)
	defer cancel()
	var keys []string
	if prefix != "" {
		tx = tx.Where("key_id LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%")
	}
	if err := tx.Pluck("key_id", &keys).Error; err != nil {
		return nil, ctxErr(err)
	}
	sort.Strings(keys)
	return keys, nil
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// Batch implements Batcher.Batch. Commit runs in one transaction.
func (s *GormStore[T]) Batch(ctx context.Context) (Batch[T], error) {
	return &pendingBatch[T]{commit: func(ctx context.Context, sets map[string]T, deletes []string) error {
		if err := ctx.Err(); err != nil {
			return ctxErr(err)
		}
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
			if len(deletes) > 0 {
				if err := tx.Table(s.tableName).Delete(&KV{}, "key_id IN ?", deletes).Error; err != nil {
					return err
				}
			}
			if len(sets) == 0 {
				return nil
			}
			now := time.Now()
			rows := make([]KV, 0, len(sets))
			for k, v := range sets {
				data, err := s.codec.Marshal(v)
				if err != nil {
					return err
				}
				rows = append(rows, KV{Key: k, Value: data, UpdatedAt: now})
			}
			return upsert(tx.Table(s.tableName), rows)
		})
		return ctxErr(err)
	}, sets: make(map[string]T)}, nil
}
