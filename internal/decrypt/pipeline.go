// Package decrypt turns inbound envelopes into plaintext: it picks the
// session key for the sender, retries missing-state faults and deletes
// corrupted sessions so they can be re-established.
package decrypt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/events"
	"e2ee-sessions/internal/lidmap"
	"e2ee-sessions/internal/migration"
	"e2ee-sessions/internal/observability/logging"
	"e2ee-sessions/internal/observability/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/jellydator/ttlcache/v3"
)

type SessionCipher interface {
	Decrypt(ctx context.Context, from domain.Identity, typ domain.EnvelopeType, ciphertext []byte) ([]byte, error)
	DecryptGroup(ctx context.Context, group string, sender domain.Identity, ciphertext []byte) ([]byte, error)
	ProcessSenderKeyDistribution(ctx context.Context, group string, sender domain.Identity, skdm []byte) error
	DeleteSessions(ctx context.Context, ids []domain.Identity) error
}

type Mappings interface {
	GetMappedID(ctx context.Context, pn domain.Identity) (domain.Identity, bool, error)
	StoreMappings(ctx context.Context, records []domain.MappingRecord) (lidmap.StoreResult, error)
}

type Migrator interface {
	MigrateSessions(ctx context.Context, source, target domain.Identity) (migration.Result, error)
}

type ActivityRecorder interface {
	RecordActivity(id domain.Identity)
}

type Config struct {
	RetryAttempts int
	RetryDelay    time.Duration
	// DeviceWindow is the highest secondary device index swept when a
	// session is found corrupted.
	DeviceWindow int
	// MigratedTTL is how long a sender device whose sessions were migrated
	// is not migrated again.
	MigratedTTL time.Duration

	Mappings Mappings
	Migrator Migrator
	Activity ActivityRecorder
	Bus      events.Bus
	Logger   *slog.Logger
	Now      func() time.Time
}

func (c *Config) defaults() {
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.DeviceWindow <= 0 {
		c.DeviceWindow = 20
	}
	if c.MigratedTTL <= 0 {
		c.MigratedTTL = 10 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type Pipeline struct {
	cipher SessionCipher
	cfg    Config
	log    *slog.Logger
	bus    events.Bus

	// migrated remembers PN device addresses recently migrated on this path.
	migrated *ttlcache.Cache[string, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	recovering map[string]struct{}
}

func New(cipher SessionCipher, cfg Config) *Pipeline {
	cfg.defaults()
	migrated := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](cfg.MigratedTTL),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cipher:     cipher,
		cfg:        cfg,
		log:        logging.Or(cfg.Logger).With("component", "decrypt"),
		bus:        events.Or(cfg.Bus),
		migrated:   migrated,
		ctx:        ctx,
		cancel:     cancel,
		recovering: make(map[string]struct{}),
	}
	go p.migrated.Start()
	return p
}

// DecryptEnvelope decrypts env. On failure the returned Message carries a
// stub describing the cause alongside the classified error.
func (p *Pipeline) DecryptEnvelope(ctx context.Context, env Envelope) (Message, error) {
	msg := Message{ID: env.ID, Sender: env.From}
	if err := env.validate(); err != nil {
		metrics.DecryptResultsTotal.WithLabelValues("invalid").Inc()
		msg.Stub = stub(err)
		return msg, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	sender := p.resolveSender(ctx, env)
	msg.Sender = sender

	pt, err := p.decryptWithRetry(ctx, env, sender)
	if err == nil {
		metrics.DecryptResultsTotal.WithLabelValues("success").Inc()
		if p.cfg.Activity != nil {
			p.cfg.Activity.RecordActivity(sender)
		}
		msg.Plaintext = pt
		return msg, nil
	}

	msg.Stub = stub(err)
	log := p.log.With("id", env.ID, "sender", sender.String(), "type", string(env.Type))
	switch {
	case isMissing(err):
		metrics.DecryptResultsTotal.WithLabelValues("missing").Inc()
		log.Warn("session record missing after retries", "error", err)
		return msg, fmt.Errorf("%w: %w", ErrSessionRecordMissing, err)
	case isCorrupt(err):
		metrics.DecryptResultsTotal.WithLabelValues("corrupted").Inc()
		log.Warn("corrupted session, scheduling recovery", "error", err)
		p.recoverSessions(sender, err)
		return msg, fmt.Errorf("%w: %w", ErrCorruptedSession, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		metrics.DecryptResultsTotal.WithLabelValues("canceled").Inc()
		return msg, err
	default:
		metrics.DecryptResultsTotal.WithLabelValues("error").Inc()
		log.Error("decrypt failed", "error", err)
		return msg, err
	}
}

func (p *Pipeline) decryptWithRetry(ctx context.Context, env Envelope, sender domain.Identity) ([]byte, error) {
	if env.Type == domain.EnvelopeSenderKey && len(env.SenderKeyDistribution) > 0 {
		if err := p.cipher.ProcessSenderKeyDistribution(ctx, env.Group, sender, env.SenderKeyDistribution); err != nil {
			p.log.Warn("sender key distribution rejected", "group", env.Group, "sender", sender.String(), "error", err)
		}
	}

	once := func() ([]byte, error) {
		var (
			pt  []byte
			err error
		)
		if env.Type == domain.EnvelopeSenderKey {
			pt, err = p.cipher.DecryptGroup(ctx, env.Group, sender, env.Ciphertext)
		} else {
			pt, err = p.cipher.Decrypt(ctx, sender, env.Type, env.Ciphertext)
		}
		if err != nil && !isMissing(err) {
			return nil, backoff.Permanent(err)
		}
		return pt, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryDelay
	b.MaxInterval = 8 * p.cfg.RetryDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.RetryAttempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotifyWithData(once, policy, func(err error, wait time.Duration) {
		attempt++
		p.log.Debug("retrying decrypt", "id", env.ID, "attempt", attempt, "wait", wait, "error", err)
	})
}

// resolveSender returns the address whose session decrypts env. Long-lived
// ids are used as is; a phone-number sender is swapped for its mapped id
// when one is known, migrating its sessions first.
func (p *Pipeline) resolveSender(ctx context.Context, env Envelope) domain.Identity {
	sender := env.From
	if alt := env.AltIdentity; alt != nil && alt.Kind != sender.Kind && alt.Validate() == nil {
		p.learnMapping(ctx, sender, *alt)
	}
	if sender.IsLID() || p.cfg.Mappings == nil {
		return sender
	}

	lid, ok, err := p.cfg.Mappings.GetMappedID(ctx, sender)
	if err != nil {
		p.log.Warn("mapping lookup failed, using phone-number address", "sender", sender.String(), "error", err)
		return sender
	}
	if !ok {
		return sender
	}
	p.migrate(ctx, sender, lid)
	return lid
}

// learnMapping records a mapping carried by the envelope and moves the
// sender's sessions when it was new.
func (p *Pipeline) learnMapping(ctx context.Context, sender, alt domain.Identity) {
	if p.cfg.Mappings == nil {
		return
	}
	pn, lid := sender, alt.WithDevice(sender.Device)
	if sender.IsLID() {
		pn, lid = alt.WithDevice(sender.Device), sender
	}
	res, err := p.cfg.Mappings.StoreMappings(ctx, []domain.MappingRecord{{PN: pn.User, LID: lid.User}})
	if err != nil {
		p.log.Warn("storing envelope mapping failed", "pn", pn.User, "lid", lid.User, "error", err)
		return
	}
	if res.Stored == 0 {
		return
	}
	p.log.Info("learned mapping from envelope", "pn", pn.User, "lid", lid.User)
	for _, k := range p.migrated.Keys() {
		if strings.HasPrefix(k, pn.User+"_") {
			p.migrated.Delete(k)
		}
	}
	p.migrate(ctx, pn, lid)
}

func (p *Pipeline) migrate(ctx context.Context, pn, lid domain.Identity) {
	if p.cfg.Migrator == nil || p.migrated.Has(pn.SignalAddress()) {
		return
	}
	res, err := p.cfg.Migrator.MigrateSessions(ctx, pn, lid)
	switch {
	case errors.Is(err, migration.ErrMigrationInProgress):
		return
	case err != nil:
		p.log.Warn("session migration failed", "pn", pn.User, "lid", lid.User, "error", err)
		return
	}
	p.migrated.Set(pn.SignalAddress(), struct{}{}, ttlcache.DefaultTTL)
	if res.Migrated > 0 {
		p.log.Info("migrated sessions for sender", "pn", pn.User, "lid", lid.User, "migrated", res.Migrated)
	}
}

func isMissing(err error) bool {
	return errors.Is(err, domain.ErrNoSession) || errors.Is(err, domain.ErrNoSenderKey)
}

func isCorrupt(err error) bool {
	return errors.Is(err, domain.ErrBadMAC) ||
		errors.Is(err, domain.ErrCounterReuse) ||
		errors.Is(err, domain.ErrKeyExhausted)
}

func stub(err error) *Stub {
	return &Stub{Type: StubCiphertext, Params: []string{err.Error()}}
}
