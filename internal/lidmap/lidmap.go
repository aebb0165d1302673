package lidmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/events"
	"e2ee-sessions/internal/observability/metrics"
	"e2ee-sessions/internal/store"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

var ErrWrongKind = errors.New("identity is in the wrong identifier space")

// Resolver is the network identifier-resolution query.
type Resolver interface {
	Resolve(ctx context.Context, ids []domain.Identity) ([]domain.Resolution, error)
}

type Config struct {
	CacheTTL       time.Duration
	CacheMaxSize   int
	BatchSize      int
	RetryAttempts  int
	RetryBaseDelay time.Duration

	// Resolver may be nil, which disables the network fallback.
	Resolver Resolver
	Bus      events.Bus
	Logger   *slog.Logger
}

func (c *Config) defaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 72 * time.Hour
	}
	if c.CacheMaxSize <= 0 {
		c.CacheMaxSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 200 * time.Millisecond
	}
}

// Store resolves phone-number users to long-lived-id users and back. Lookups
// go cache, then persistent store, then network; the latter two are
// coalesced per key.
type Store struct {
	kv  *store.Store
	cfg Config
	log *slog.Logger
	bus events.Bus

	forward *ttlcache.Cache[string, string] // pn user -> lid user
	reverse *ttlcache.Cache[string, string] // lid user -> pn user
	group   singleflight.Group

	hits, misses, dbHits, netFetches, invalid, inFlight atomic.Int64
}

func New(kv *store.Store, cfg Config) *Store {
	cfg.defaults()
	newCache := func() *ttlcache.Cache[string, string] {
		return ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](cfg.CacheTTL),
			ttlcache.WithCapacity[string, string](uint64(cfg.CacheMaxSize)),
		)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		kv:      kv,
		cfg:     cfg,
		log:     log.With("component", "lidmap"),
		bus:     events.Or(cfg.Bus),
		forward: newCache(),
		reverse: newCache(),
	}
}

// Start launches the background purge of expired cache entries.
func (s *Store) Start() {
	go s.forward.Start()
	go s.reverse.Start()
}

func (s *Store) Stop() {
	s.forward.Stop()
	s.reverse.Stop()
}

// Stats is a point-in-time view of the lookup counters.
type Stats struct {
	Hits            int64 `json:"hits"`
	Misses          int64 `json:"misses"`
	DatabaseHits    int64 `json:"databaseHits"`
	NetworkFetches  int64 `json:"networkFetches"`
	InvalidMappings int64 `json:"invalidMappings"`
	InFlight        int64 `json:"inFlight"`
	ForwardCached   int   `json:"forwardCached"`
	ReverseCached   int   `json:"reverseCached"`
}

func (s *Store) Stats() Stats {
	return Stats{
		Hits:            s.hits.Load(),
		Misses:          s.misses.Load(),
		DatabaseHits:    s.dbHits.Load(),
		NetworkFetches:  s.netFetches.Load(),
		InvalidMappings: s.invalid.Load(),
		InFlight:        s.inFlight.Load(),
		ForwardCached:   s.forward.Len(),
		ReverseCached:   s.reverse.Len(),
	}
}

// GetMappedID returns the long-lived-id identity for a phone-number
// identity, carrying the device index over. Network exhaustion reports
// absent, not an error.
func (s *Store) GetMappedID(ctx context.Context, pn domain.Identity) (domain.Identity, bool, error) {
	if !pn.IsPN() {
		return domain.Identity{}, false, fmt.Errorf("%w: %s is not a phone-number identity", ErrWrongKind, pn)
	}
	if !domain.ValidUser(domain.KindPN, pn.User) {
		return domain.Identity{}, false, fmt.Errorf("%w: %q", domain.ErrInvalidIdentity, pn.User)
	}
	lid, ok, err := s.lookup(ctx, forwardDir, pn.User)
	if err != nil || !ok {
		return domain.Identity{}, false, err
	}
	return domain.LID(lid, pn.Device), true, nil
}

// GetReverseMappedID is the lid -> pn counterpart of GetMappedID.
func (s *Store) GetReverseMappedID(ctx context.Context, lid domain.Identity) (domain.Identity, bool, error) {
	if !lid.IsLID() {
		return domain.Identity{}, false, fmt.Errorf("%w: %s is not a long-lived-id identity", ErrWrongKind, lid)
	}
	if !domain.ValidUser(domain.KindLID, lid.User) {
		return domain.Identity{}, false, fmt.Errorf("%w: %q", domain.ErrInvalidIdentity, lid.User)
	}
	pn, ok, err := s.lookup(ctx, reverseDir, lid.User)
	if err != nil || !ok {
		return domain.Identity{}, false, err
	}
	return domain.PN(pn, lid.Device), true, nil
}

// HasReverseMappings reports, per lid user, whether a reverse mapping is
// known locally. It never queries the network.
func (s *Store) HasReverseMappings(ctx context.Context, lidUsers []string) (map[string]bool, error) {
	out := make(map[string]bool, len(lidUsers))
	var missing []string
	for _, u := range lidUsers {
		if s.reverse.Has(u) {
			out[u] = true
			continue
		}
		out[u] = false
		missing = append(missing, u)
	}
	if len(missing) == 0 {
		return out, nil
	}
	found, err := s.kv.LIDMappings().Reverse(ctx, missing)
	if err != nil {
		return nil, err
	}
	for lid, pn := range found {
		out[lid] = true
		s.cachePair(pn, lid)
	}
	return out, nil
}

type direction struct {
	name  string
	kind  domain.Kind
	cache func(s *Store) *ttlcache.Cache[string, string]
	load  func(ctx context.Context, kv *store.Store, user string) (string, bool, error)
	pick  func(r domain.Resolution) (key, value string)
}

var (
	forwardDir = direction{
		name:  "forward",
		kind:  domain.KindPN,
		cache: func(s *Store) *ttlcache.Cache[string, string] { return s.forward },
		load: func(ctx context.Context, kv *store.Store, user string) (string, bool, error) {
			m, err := kv.LIDMappings().Forward(ctx, []string{user})
			if err != nil {
				return "", false, err
			}
			v, ok := m[user]
			return v, ok, nil
		},
		pick: func(r domain.Resolution) (string, string) { return r.PN, r.LID },
	}
	reverseDir = direction{
		name:  "reverse",
		kind:  domain.KindLID,
		cache: func(s *Store) *ttlcache.Cache[string, string] { return s.reverse },
		load: func(ctx context.Context, kv *store.Store, user string) (string, bool, error) {
			m, err := kv.LIDMappings().Reverse(ctx, []string{user})
			if err != nil {
				return "", false, err
			}
			v, ok := m[user]
			return v, ok, nil
		},
		pick: func(r domain.Resolution) (string, string) { return r.LID, r.PN },
	}
)

type lookupResult struct {
	value string
	ok    bool
}

func (s *Store) lookup(ctx context.Context, dir direction, user string) (string, bool, error) {
	if item := dir.cache(s).Get(user); item != nil {
		s.hits.Add(1)
		metrics.LIDLookupsTotal.WithLabelValues(dir.name, "cache").Inc()
		return item.Value(), true, nil
	}
	s.misses.Add(1)

	// The shared resolution outlives any single caller's cancellation.
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(dir.name+":"+user, func() (any, error) {
		s.inFlight.Add(1)
		defer s.inFlight.Add(-1)
		v, ok, err := s.resolve(shared, dir, user)
		return lookupResult{value: v, ok: ok}, err
	})

	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", false, r.Err
		}
		res := r.Val.(lookupResult)
		return res.value, res.ok, nil
	}
}

func (s *Store) resolve(ctx context.Context, dir direction, user string) (string, bool, error) {
	// A concurrent flight may have filled the cache between our miss and
	// acquiring the key.
	if item := dir.cache(s).Get(user); item != nil {
		return item.Value(), true, nil
	}

	v, ok, err := dir.load(ctx, s.kv, user)
	if err != nil {
		return "", false, fmt.Errorf("load %s mapping: %w", dir.name, err)
	}
	if ok {
		s.dbHits.Add(1)
		metrics.LIDLookupsTotal.WithLabelValues(dir.name, "store").Inc()
		if dir.kind == domain.KindPN {
			s.cachePair(user, v)
		} else {
			s.cachePair(v, user)
		}
		return v, true, nil
	}

	if s.cfg.Resolver == nil {
		metrics.LIDLookupsTotal.WithLabelValues(dir.name, "miss").Inc()
		return "", false, nil
	}

	s.netFetches.Add(1)
	resolutions, err := s.fetch(ctx, []domain.Identity{{User: user, Kind: dir.kind}})
	if err != nil {
		s.log.Warn("network mapping lookup exhausted", "direction", dir.name, "user", user, "error", err)
		metrics.LIDLookupsTotal.WithLabelValues(dir.name, "miss").Inc()
		return "", false, nil
	}
	for _, r := range resolutions {
		if key, value := dir.pick(r); key == user && value != "" {
			metrics.LIDLookupsTotal.WithLabelValues(dir.name, "network").Inc()
			return value, true, nil
		}
	}
	metrics.LIDLookupsTotal.WithLabelValues(dir.name, "miss").Inc()
	return "", false, nil
}

// fetch runs the network query with backoff and persists what it learns.
func (s *Store) fetch(ctx context.Context, ids []domain.Identity) ([]domain.Resolution, error) {
	resolutions, err := s.queryWithRetry(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(resolutions) == 0 {
		return nil, nil
	}
	if err := s.StoreResolutions(ctx, resolutions); err != nil {
		s.log.Warn("persisting network mappings failed", "count", len(resolutions), "error", err)
	}
	return resolutions, nil
}

func (s *Store) cachePair(pnUser, lidUser string) {
	s.forward.Set(pnUser, lidUser, ttlcache.DefaultTTL)
	s.reverse.Set(lidUser, pnUser, ttlcache.DefaultTTL)
}
