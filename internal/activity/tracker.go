package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/observability/metrics"
	"e2ee-sessions/internal/store"
)

type Config struct {
	Enabled       bool
	FlushInterval time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Tracker buffers last-use timestamps per session address and flushes them
// to the store periodically. Activity recorded since the last successful
// flush is lost on crash; at most one flush interval.
type Tracker struct {
	kv  *store.Store
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	buffer map[string]int64 // signal address -> unix ms

	flushMu sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func New(kv *store.Store, cfg Config) *Tracker {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		kv:     kv,
		cfg:    cfg,
		log:    log.With("component", "activity"),
		buffer: make(map[string]int64),
	}
}

func (t *Tracker) Enabled() bool { return t.cfg.Enabled }

// RecordActivity notes that id was just used. It does no I/O.
func (t *Tracker) RecordActivity(id domain.Identity) {
	if !t.cfg.Enabled {
		return
	}
	now := t.cfg.Now().UnixMilli()
	key := id.SignalAddress()
	t.mu.Lock()
	if now > t.buffer[key] {
		t.buffer[key] = now
	}
	t.mu.Unlock()
}

// GetLastActivity reads the buffer first and falls back to the store.
func (t *Tracker) GetLastActivity(ctx context.Context, id domain.Identity) (time.Time, bool, error) {
	key := id.SignalAddress()
	t.mu.Lock()
	ms, ok := t.buffer[key]
	t.mu.Unlock()
	if ok {
		return time.UnixMilli(ms), true, nil
	}
	recs, err := t.kv.Activity().Get(ctx, []string{key})
	if err != nil {
		return time.Time{}, false, err
	}
	rec, ok := recs[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(rec.LastActivityAt), true, nil
}

// GetAllActivities merges persisted records with the buffer. Keys are
// signal addresses; the buffer wins on conflict.
func (t *Tracker) GetAllActivities(ctx context.Context) (map[string]time.Time, error) {
	persisted, err := t.kv.Activity().All(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(persisted))
	for k, rec := range persisted {
		out[k] = time.UnixMilli(rec.LastActivityAt)
	}
	t.mu.Lock()
	for k, ms := range t.buffer {
		out[k] = time.UnixMilli(ms)
	}
	t.mu.Unlock()
	return out, nil
}

// Pending is the number of buffered, unflushed entries.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffer)
}

// Flush writes the buffer in one transaction. On failure the buffer is left
// untouched for the next attempt. Entries updated while the flush ran stay
// buffered.
func (t *Tracker) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	snapshot := make(map[string]int64, len(t.buffer))
	for k, v := range t.buffer {
		snapshot[k] = v
	}
	t.mu.Unlock()
	if len(snapshot) == 0 {
		return nil
	}

	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	err := t.kv.Transaction(ctx, "session-activity.flush", func(tx *store.Store) error {
		existing, err := tx.Activity().Get(ctx, keys)
		if err != nil {
			return err
		}
		records := make(map[string]store.ActivityRecord, len(snapshot))
		for k, ms := range snapshot {
			rec := store.ActivityRecord{LastActivityAt: ms, CreatedAt: ms}
			if old, ok := existing[k]; ok {
				if old.CreatedAt > 0 {
					rec.CreatedAt = old.CreatedAt
				}
				if old.LastActivityAt > ms {
					rec.LastActivityAt = old.LastActivityAt
				}
			}
			records[k] = rec
		}
		return tx.Activity().Put(ctx, records)
	})
	metrics.ActivityFlushesTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		t.log.Warn("activity flush failed, keeping buffer", "pending", len(snapshot), "error", err)
		return err
	}

	t.mu.Lock()
	for k, v := range snapshot {
		if t.buffer[k] == v {
			delete(t.buffer, k)
		}
	}
	t.mu.Unlock()
	t.log.Debug("activity flushed", "count", len(snapshot))
	return nil
}

// Start flushes whatever a previous unclean shutdown left behind and then
// flushes on every interval until Stop.
func (t *Tracker) Start(ctx context.Context) {
	if !t.cfg.Enabled {
		return
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	if err := t.Flush(ctx); err != nil {
		t.log.Warn("startup activity flush failed", "error", err)
	}
	go t.loop(ctx)
}

func (t *Tracker) loop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = t.Flush(ctx)
		}
	}
}

// Stop halts the flush loop and performs a final flush.
func (t *Tracker) Stop(ctx context.Context) error {
	if !t.cfg.Enabled {
		return nil
	}
	t.once.Do(func() {
		if t.stop != nil {
			close(t.stop)
			<-t.done
		}
	})
	return t.Flush(ctx)
}
