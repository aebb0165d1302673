package migration

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/events"
	"e2ee-sessions/internal/observability/metrics"
	"e2ee-sessions/internal/store"
)

type Config struct {
	// LedgerTTL is how long a completed device migration suppresses
	// re-migration.
	LedgerTTL time.Duration
	Bus       events.Bus
	Logger    *slog.Logger
	Now       func() time.Time
}

// Result reports what one MigrateSessions call did per device.
type Result struct {
	Migrated int `json:"migrated"`
	Skipped  int `json:"skipped"`
	Total    int `json:"total"`
}

// Migrator relocates per-device session records from the phone-number
// keyspace to the long-lived-id keyspace.
type Migrator struct {
	kv  *store.Store
	cfg Config
	log *slog.Logger
	bus events.Bus

	mu      sync.Mutex
	running map[string]struct{}
}

func New(kv *store.Store, cfg Config) *Migrator {
	if cfg.LedgerTTL <= 0 {
		cfg.LedgerTTL = 7 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Migrator{
		kv:      kv,
		cfg:     cfg,
		log:     log.With("component", "migration"),
		bus:     events.Or(cfg.Bus),
		running: make(map[string]struct{}),
	}
}

// MigrateSessions moves every known device's session for source into
// target's keyspace. The device of source counts as known even when the
// stored device list lacks it, and is added to that list. All moves,
// deletions and ledger entries for the user commit in one transaction.
func (m *Migrator) MigrateSessions(ctx context.Context, source, target domain.Identity) (Result, error) {
	if !source.IsPN() || !target.IsLID() {
		metrics.SessionMigrationsTotal.WithLabelValues("invalid").Inc()
		return Result{}, fmt.Errorf("%w: %s -> %s", ErrInvalidDirection, source, target)
	}
	if !domain.ValidUser(domain.KindPN, source.User) || !domain.ValidUser(domain.KindLID, target.User) {
		metrics.SessionMigrationsTotal.WithLabelValues("invalid").Inc()
		return Result{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidIdentity, source, target)
	}

	if !m.acquire(source.User) {
		metrics.SessionMigrationsTotal.WithLabelValues("busy").Inc()
		return Result{}, fmt.Errorf("%w: %s", ErrMigrationInProgress, source.User)
	}
	defer m.release(source.User)

	lists, err := m.kv.DeviceLists().Get(ctx, []string{source.User})
	if err != nil {
		metrics.SessionMigrationsTotal.WithLabelValues("failure").Inc()
		return Result{}, fmt.Errorf("load device list: %w", err)
	}
	known := lists[source.User]
	devices := domain.NormalizeDevices(append(slices.Clone(known), source.Device))
	listChanged := len(devices) != len(known)
	res := Result{Total: len(devices)}
	if len(devices) == 0 {
		metrics.SessionMigrationsTotal.WithLabelValues("noop").Inc()
		return res, nil
	}

	now := m.cfg.Now()
	var moved []uint16
	err = m.kv.Transaction(ctx, "session.migrate", func(tx *store.Store) error {
		moved = moved[:0]
		res.Skipped = 0

		if listChanged {
			if err := tx.DeviceLists().Put(ctx, map[string][]uint16{source.User: devices}); err != nil {
				return err
			}
		}

		ledgerKeys := make([]string, 0, len(devices))
		for _, d := range devices {
			ledgerKeys = append(ledgerKeys, store.LedgerKey(source.User, d))
		}
		ledger, err := tx.MigrationLedger().Get(ctx, ledgerKeys)
		if err != nil {
			return err
		}

		var candidates []uint16
		var pnAddrs []string
		for _, d := range devices {
			if at, ok := ledger[store.LedgerKey(source.User, d)]; ok && now.Sub(at) <= m.cfg.LedgerTTL {
				res.Skipped++
				continue
			}
			candidates = append(candidates, d)
			pnAddrs = append(pnAddrs, source.WithDevice(d).SignalAddress())
		}
		if len(candidates) == 0 {
			return nil
		}

		records, err := tx.Sessions().Get(ctx, pnAddrs)
		if err != nil {
			return err
		}

		writes := make(map[string][]byte)
		entries := make(map[string]time.Time)
		for _, d := range candidates {
			from := source.WithDevice(d).SignalAddress()
			rec, ok := records[from]
			if !ok {
				res.Skipped++
				continue
			}
			writes[target.WithDevice(d).SignalAddress()] = rec
			writes[from] = nil
			entries[store.LedgerKey(source.User, d)] = now
			moved = append(moved, d)
		}
		if len(moved) == 0 {
			return nil
		}
		if err := tx.Set(ctx, store.NamespaceSession, writes); err != nil {
			return err
		}
		if err := moveActivity(ctx, tx, source, target, moved); err != nil {
			return err
		}
		return tx.MigrationLedger().Put(ctx, entries)
	})
	if err != nil {
		metrics.SessionMigrationsTotal.WithLabelValues("failure").Inc()
		m.log.Warn("session migration rolled back", "pn", source.User, "lid", target.User, "error", err)
		return Result{Total: res.Total}, err
	}

	res.Migrated = len(moved)
	metrics.SessionMigrationsTotal.WithLabelValues("success").Inc()
	metrics.SessionsMigratedTotal.Add(float64(res.Migrated))
	if res.Migrated > 0 {
		m.log.Info("sessions migrated", "pn", source.User, "lid", target.User, "migrated", res.Migrated, "skipped", res.Skipped, "total", res.Total)
		m.bus.Publish(ctx, events.TopicSessionsMigrated, events.SessionsMigrated{
			PNUser:  source.User,
			LIDUser: target.User,
			Devices: moved,
			At:      now.UTC(),
		})
	}
	return res, nil
}

// moveActivity carries the recency of each moved device over to its new
// address. A newer record already held by the target wins.
func moveActivity(ctx context.Context, tx *store.Store, source, target domain.Identity, devices []uint16) error {
	addrs := make([]string, 0, 2*len(devices))
	for _, d := range devices {
		addrs = append(addrs, source.WithDevice(d).SignalAddress(), target.WithDevice(d).SignalAddress())
	}
	recs, err := tx.Activity().Get(ctx, addrs)
	if err != nil {
		return err
	}
	puts := make(map[string]store.ActivityRecord)
	var drop []string
	for _, d := range devices {
		from, to := source.WithDevice(d).SignalAddress(), target.WithDevice(d).SignalAddress()
		rec, ok := recs[from]
		if !ok {
			continue
		}
		drop = append(drop, from)
		if cur, ok := recs[to]; ok && cur.LastActivityAt >= rec.LastActivityAt {
			continue
		}
		puts[to] = rec
	}
	if len(drop) == 0 {
		return nil
	}
	if err := tx.Activity().Delete(ctx, drop); err != nil {
		return err
	}
	return tx.Activity().Put(ctx, puts)
}

// PurgeExpiredLedger deletes ledger entries older than the grace period.
func (m *Migrator) PurgeExpiredLedger(ctx context.Context) (int, error) {
	now := m.cfg.Now()
	var purged int
	err := m.kv.Transaction(ctx, "migration-ledger.purge", func(tx *store.Store) error {
		all, err := tx.MigrationLedger().All(ctx)
		if err != nil {
			return err
		}
		var expired []string
		for k, at := range all {
			if now.Sub(at) > m.cfg.LedgerTTL {
				expired = append(expired, k)
			}
		}
		if len(expired) == 0 {
			return nil
		}
		purged = len(expired)
		return tx.MigrationLedger().Delete(ctx, expired)
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		m.log.Info("purged expired migration ledger entries", "count", purged)
	}
	return purged, nil
}

func (m *Migrator) acquire(user string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.running[user]; busy {
		return false
	}
	m.running[user] = struct{}{}
	return true
}

func (m *Migrator) release(user string) {
	m.mu.Lock()
	delete(m.running, user)
	m.mu.Unlock()
}
