package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/events"
	"e2ee-sessions/internal/observability/metrics"
	"e2ee-sessions/internal/store"

	"github.com/google/uuid"
)

var ErrAlreadyRunning = errors.New("cleanup already running")

// ActivitySource is the merged recency view, keyed by signal address.
type ActivitySource interface {
	GetAllActivities(ctx context.Context) (map[string]time.Time, error)
}

// MappingOracle answers whether lid users have a known reverse mapping,
// without touching the network.
type MappingOracle interface {
	HasReverseMappings(ctx context.Context, lidUsers []string) (map[string]bool, error)
}

type LedgerPurger interface {
	PurgeExpiredLedger(ctx context.Context) (int, error)
}

type Config struct {
	Enabled      bool
	Interval     time.Duration
	AnchorHour   int
	RunOnStartup bool

	SecondaryInactivity time.Duration
	PrimaryInactivity   time.Duration
	OrphanInactivity    time.Duration

	// Ledger, when set, has expired migration ledger entries purged on
	// every run.
	Ledger LedgerPurger
	Bus    events.Bus
	Logger *slog.Logger
	Now    func() time.Time
}

type State int32

const (
	StateIdle State = iota
	StateScanning
	StateClassifying
	StateDeleting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateClassifying:
		return "classifying"
	case StateDeleting:
		return "deleting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Stats summarises one run.
type Stats struct {
	RunID                   string `json:"runId"`
	TotalScanned            int    `json:"totalScanned"`
	SecondaryDevicesDeleted int    `json:"secondaryDevicesDeleted"`
	PrimaryDevicesDeleted   int    `json:"primaryDevicesDeleted"`
	OrphansDeleted          int    `json:"orphansDeleted"`
	TotalDeleted            int    `json:"totalDeleted"`
	DurationMs              int64  `json:"durationMs"`
	Errors                  int    `json:"errors"`
}

// Scheduler deletes session records whose retention has expired.
type Scheduler struct {
	kv       *store.Store
	activity ActivitySource
	mappings MappingOracle
	cfg      Config
	log      *slog.Logger
	bus      events.Bus

	running atomic.Bool
	state   atomic.Int32

	mu      sync.Mutex
	last    *Stats
	stop    chan struct{}
	done    chan struct{}
	stopped bool
}

func New(kv *store.Store, activity ActivitySource, mappings MappingOracle, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.SecondaryInactivity <= 0 {
		cfg.SecondaryInactivity = 15 * 24 * time.Hour
	}
	if cfg.PrimaryInactivity <= 0 {
		cfg.PrimaryInactivity = 30 * 24 * time.Hour
	}
	if cfg.OrphanInactivity <= 0 {
		cfg.OrphanInactivity = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		kv:       kv,
		activity: activity,
		mappings: mappings,
		cfg:      cfg,
		log:      log.With("component", "cleanup"),
		bus:      events.Or(cfg.Bus),
	}
}

func (s *Scheduler) State() State { return State(s.state.Load()) }

// LastRun returns the stats of the most recent completed run.
func (s *Scheduler) LastRun() (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Stats{}, false
	}
	return *s.last, true
}

type tier int

const (
	keep tier = iota
	tierOrphan
	tierSecondary
	tierPrimary
)

// RunCleanup performs one scan and delete cycle. A trigger that arrives
// while a run is in progress returns ErrAlreadyRunning immediately.
func (s *Scheduler) RunCleanup(ctx context.Context) (Stats, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Stats{}, ErrAlreadyRunning
	}
	defer s.running.Store(false)
	defer s.state.Store(int32(StateIdle))

	start := time.Now()
	stats := Stats{RunID: uuid.NewString()}
	err := s.run(ctx, &stats)
	stats.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		stats.Errors++
		metrics.CleanupRunsTotal.WithLabelValues("failure").Inc()
		s.log.Warn("cleanup run failed", "run_id", stats.RunID, "error", err, "scanned", stats.TotalScanned)
	} else {
		metrics.CleanupRunsTotal.WithLabelValues("success").Inc()
		s.log.Info("cleanup run finished",
			"run_id", stats.RunID,
			"scanned", stats.TotalScanned,
			"secondary_deleted", stats.SecondaryDevicesDeleted,
			"primary_deleted", stats.PrimaryDevicesDeleted,
			"orphans_deleted", stats.OrphansDeleted,
			"duration_ms", stats.DurationMs,
		)
	}

	if s.cfg.Ledger != nil {
		if _, perr := s.cfg.Ledger.PurgeExpiredLedger(ctx); perr != nil {
			stats.Errors++
			s.log.Warn("ledger purge failed", "run_id", stats.RunID, "error", perr)
		}
	}

	s.mu.Lock()
	last := stats
	s.last = &last
	s.mu.Unlock()
	return stats, err
}

func (s *Scheduler) run(ctx context.Context, stats *Stats) error {
	s.state.Store(int32(StateScanning))
	addrs, err := s.kv.Sessions().Addresses(ctx)
	if err != nil {
		return fmt.Errorf("scan sessions: %w", err)
	}
	stats.TotalScanned = len(addrs)

	ids := make(map[string]domain.Identity, len(addrs))
	lidSet := make(map[string]struct{})
	for _, addr := range addrs {
		id, err := domain.ParseSignalAddress(addr)
		if err != nil {
			s.log.Warn("skipping unparseable session key", "key", addr, "error", err)
			continue
		}
		ids[addr] = id
		if id.IsLID() {
			lidSet[id.User] = struct{}{}
		}
	}

	s.state.Store(int32(StateClassifying))
	lids := make([]string, 0, len(lidSet))
	for u := range lidSet {
		lids = append(lids, u)
	}
	mapped := map[string]bool{}
	if len(lids) > 0 {
		mapped, err = s.mappings.HasReverseMappings(ctx, lids)
		if err != nil {
			return fmt.Errorf("reverse mapping lookup: %w", err)
		}
	}
	activity, err := s.activity.GetAllActivities(ctx)
	if err != nil {
		return fmt.Errorf("load activity: %w", err)
	}

	now := s.cfg.Now()
	var (
		targets []string
		counts  = map[tier]int{}
	)
	for addr, id := range ids {
		last, seen := activity[addr]
		t := s.classify(id, !id.IsLID() || mapped[id.User], last, seen, now)
		if t == keep {
			continue
		}
		targets = append(targets, addr)
		counts[t]++
	}
	if len(targets) == 0 {
		return nil
	}

	s.state.Store(int32(StateDeleting))
	err = s.kv.Transaction(ctx, "session.cleanup", func(tx *store.Store) error {
		if err := tx.Sessions().Delete(ctx, targets); err != nil {
			return err
		}
		return tx.Activity().Delete(ctx, targets)
	})
	if err != nil {
		return fmt.Errorf("delete %d sessions: %w", len(targets), err)
	}

	stats.OrphansDeleted = counts[tierOrphan]
	stats.SecondaryDevicesDeleted = counts[tierSecondary]
	stats.PrimaryDevicesDeleted = counts[tierPrimary]
	stats.TotalDeleted = len(targets)
	metrics.CleanupDeletedTotal.WithLabelValues("orphan").Add(float64(stats.OrphansDeleted))
	metrics.CleanupDeletedTotal.WithLabelValues("secondary").Add(float64(stats.SecondaryDevicesDeleted))
	metrics.CleanupDeletedTotal.WithLabelValues("primary").Add(float64(stats.PrimaryDevicesDeleted))
	s.bus.Publish(ctx, events.TopicSessionsCleanedUp, events.SessionsCleanedUp{
		RunID:     stats.RunID,
		Secondary: stats.SecondaryDevicesDeleted,
		Primary:   stats.PrimaryDevicesDeleted,
		Orphans:   stats.OrphansDeleted,
		At:        now.UTC(),
	})
	return nil
}

// classify applies the retention rules in priority order. Inactivity must
// strictly exceed a threshold. Orphans without any activity record are
// eligible; addressable devices without one are kept. Long-lived-id records
// with a reverse mapping are never deleted.
func (s *Scheduler) classify(id domain.Identity, addressable bool, last time.Time, seen bool, now time.Time) tier {
	if id.IsLID() {
		if addressable {
			return keep
		}
		if !seen || now.Sub(last) > s.cfg.OrphanInactivity {
			return tierOrphan
		}
		return keep
	}
	if !seen {
		return keep
	}
	idle := now.Sub(last)
	if !id.IsPrimary() {
		if idle > s.cfg.SecondaryInactivity {
			return tierSecondary
		}
		return keep
	}
	if idle > s.cfg.PrimaryInactivity {
		return tierPrimary
	}
	return keep
}
