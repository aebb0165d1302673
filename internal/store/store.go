package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"e2ee-sessions/internal/observability/metrics"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// queryChunk bounds the number of keys in one IN clause.
const queryChunk = 500

// Entry is one row of the namespaced key-value table.
type Entry struct {
	Namespace string `gorm:"primaryKey;size:32"`
	Key       string `gorm:"primaryKey;column:entry_key;size:255"`
	Value     []byte `gorm:"not null"`
	UpdatedAt time.Time
}

func (Entry) TableName() string { return "kv_entries" }

type Store struct {
	DB  *gorm.DB
	log *slog.Logger
}

// New wraps db. A nil log falls back to slog.Default.
func New(db *gorm.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{DB: db, log: log.With("component", "store")}
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.DB.WithContext(ctx).AutoMigrate(&Entry{})
}

// WithTx runs fn in a transaction. Called on a store that is already inside
// a transaction it opens a savepoint, so fn can fail without aborting the
// outer unit of work.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx, log: s.log})
	})
}

// Transaction is WithTx with a label for metrics and logs. Every Set issued
// through tx inside fn commits together or not at all.
func (s *Store) Transaction(ctx context.Context, label string, fn func(tx *Store) error) error {
	start := time.Now()
	err := s.WithTx(ctx, fn)
	metrics.StoreTransactionDurationSeconds.WithLabelValues(label).Observe(time.Since(start).Seconds())
	metrics.StoreTransactionsTotal.WithLabelValues(label, metrics.Result(err)).Inc()
	if err != nil {
		s.log.Warn("store transaction rolled back", "label", label, "error", err, "transient", IsTransient(err))
		return fmt.Errorf("%s: %w", label, err)
	}
	return nil
}

// Get returns the values present for keys. Absent keys are omitted.
func (s *Store) Get(ctx context.Context, ns Namespace, keys []string) (map[string][]byte, error) {
	if err := ns.check(); err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for _, chunk := range chunks(uniq(keys), queryChunk) {
		var rows []Entry
		err := s.DB.WithContext(ctx).
			Where("namespace = ? AND entry_key IN ?", string(ns), chunk).
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out[r.Key] = r.Value
		}
	}
	return out, nil
}

// Set upserts every non-nil value and deletes every key mapped to nil. The
// batch is applied atomically.
func (s *Store) Set(ctx context.Context, ns Namespace, values map[string][]byte) error {
	if err := ns.check(); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	var (
		upserts []Entry
		deletes []string
		now     = time.Now().UTC()
	)
	for k, v := range values {
		if k == "" {
			return fmt.Errorf("%w: empty key in %s", ErrInvalidValue, ns)
		}
		if v == nil {
			deletes = append(deletes, k)
			continue
		}
		upserts = append(upserts, Entry{Namespace: string(ns), Key: k, Value: v, UpdatedAt: now})
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, chunk := range chunks(deletes, queryChunk) {
			if err := tx.Where("namespace = ? AND entry_key IN ?", string(ns), chunk).Delete(&Entry{}).Error; err != nil {
				return err
			}
		}
		if len(upserts) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "namespace"}, {Name: "entry_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).CreateInBatches(upserts, queryChunk).Error
	})
}

// Keys lists every key in ns starting with prefix.
func (s *Store) Keys(ctx context.Context, ns Namespace, prefix string) ([]string, error) {
	if err := ns.check(); err != nil {
		return nil, err
	}
	var keys []string
	q := s.DB.WithContext(ctx).Model(&Entry{}).Where("namespace = ?", string(ns))
	if p := likePrefix(prefix); p != "" {
		q = q.Where("entry_key LIKE ?", p+"%")
	}
	if err := q.Order("entry_key").Pluck("entry_key", &keys).Error; err != nil {
		return nil, err
	}
	// likePrefix may widen the match.
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// likePrefix truncates prefix at the first LIKE wildcard.
func likePrefix(prefix string) string {
	if i := strings.IndexAny(prefix, "%_\\"); i >= 0 {
		return prefix[:i]
	}
	return prefix
}

func uniq(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func chunks(keys []string, size int) [][]string {
	var out [][]string
	for len(keys) > size {
		out = append(out, keys[:size])
		keys = keys[size:]
	}
	if len(keys) > 0 {
		out = append(out, keys)
	}
	return out
}
