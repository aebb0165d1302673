package decrypt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/events"
	"e2ee-sessions/internal/lidmap"
	"e2ee-sessions/internal/migration"
	"e2ee-sessions/internal/testutil"
)

const (
	pnUser  = "5511988887777"
	lidUser = "lid77"
)

type fakeCipher struct {
	mu       sync.Mutex
	errs     []error
	calls    []domain.Identity
	skdms    int
	deleted  [][]domain.Identity
	gate     chan struct{}
	plain    []byte
	groupHit string
}

func (f *fakeCipher) next(id domain.Identity) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if len(f.errs) > 0 {
		err := f.errs[0]
		if len(f.errs) > 1 {
			f.errs = f.errs[1:]
		}
		if err != nil {
			return nil, err
		}
	}
	return f.plain, nil
}

func (f *fakeCipher) Decrypt(_ context.Context, from domain.Identity, _ domain.EnvelopeType, _ []byte) ([]byte, error) {
	return f.next(from)
}

func (f *fakeCipher) DecryptGroup(_ context.Context, group string, sender domain.Identity, _ []byte) ([]byte, error) {
	f.mu.Lock()
	f.groupHit = group
	f.mu.Unlock()
	return f.next(sender)
}

func (f *fakeCipher) ProcessSenderKeyDistribution(context.Context, string, domain.Identity, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skdms++
	// Once a distribution arrives the key is present.
	f.errs = nil
	return nil
}

func (f *fakeCipher) DeleteSessions(_ context.Context, ids []domain.Identity) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids)
	return nil
}

func (f *fakeCipher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeActivity struct {
	mu   sync.Mutex
	seen []domain.Identity
}

func (f *fakeActivity) RecordActivity(id domain.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, id)
}

type fakeMigrator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeMigrator) MigrateSessions(context.Context, domain.Identity, domain.Identity) (migration.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return migration.Result{}, f.err
}

func newPipeline(t *testing.T, c *fakeCipher, cfg Config) *Pipeline {
	t.Helper()
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	p := New(c, cfg)
	t.Cleanup(p.Close)
	return p
}

func envelope(from domain.Identity) Envelope {
	return Envelope{ID: "MSG1", From: from, Type: domain.EnvelopeMessage, Ciphertext: []byte{1, 2, 3}}
}

func TestDecryptSuccessRecordsActivity(t *testing.T) {
	c := &fakeCipher{plain: []byte("hello")}
	act := &fakeActivity{}
	p := newPipeline(t, c, Config{Activity: act})
	from := domain.LID(lidUser, 3)

	msg, err := p.DecryptEnvelope(context.Background(), envelope(from))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(msg.Plaintext) != "hello" || msg.Stub != nil {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if len(act.seen) != 1 || act.seen[0] != from {
		t.Fatalf("activity = %v, want [%s]", act.seen, from)
	}
}

func TestMissingSessionIsRetriedThenStubbed(t *testing.T) {
	c := &fakeCipher{errs: []error{domain.ErrNoSession}}
	act := &fakeActivity{}
	p := newPipeline(t, c, Config{RetryAttempts: 3, Activity: act})

	msg, err := p.DecryptEnvelope(context.Background(), envelope(domain.LID(lidUser, 0)))
	if !errors.Is(err, ErrSessionRecordMissing) || !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("err = %v, want ErrSessionRecordMissing wrapping ErrNoSession", err)
	}
	if got := c.callCount(); got != 3 {
		t.Fatalf("cipher calls = %d, want 3", got)
	}
	if msg.Stub == nil || msg.Stub.Type != StubCiphertext || len(msg.Stub.Params) != 1 {
		t.Fatalf("stub = %+v", msg.Stub)
	}
	if len(act.seen) != 0 {
		t.Fatalf("activity recorded for a failed message")
	}
}

func TestMissingSessionSucceedsOnRetry(t *testing.T) {
	c := &fakeCipher{errs: []error{domain.ErrNoSession, nil}, plain: []byte("late")}
	p := newPipeline(t, c, Config{RetryAttempts: 3})

	msg, err := p.DecryptEnvelope(context.Background(), envelope(domain.LID(lidUser, 0)))
	if err != nil || string(msg.Plaintext) != "late" {
		t.Fatalf("decrypt = %+v, %v", msg, err)
	}
	if got := c.callCount(); got != 2 {
		t.Fatalf("cipher calls = %d, want 2", got)
	}
}

func TestBadMACDeletesDeviceRangeWithoutRetry(t *testing.T) {
	c := &fakeCipher{errs: []error{domain.ErrBadMAC}}
	bus := events.NewLocal(nil)
	var recovered []events.SessionsRecovered
	var mu sync.Mutex
	bus.Subscribe(events.TopicSessionsRecovered, func(_ context.Context, m events.Message) {
		mu.Lock()
		defer mu.Unlock()
		recovered = append(recovered, m.Payload.(events.SessionsRecovered))
	})
	p := newPipeline(t, c, Config{RetryAttempts: 3, DeviceWindow: 4, Bus: bus})
	from := domain.LID(lidUser, 2)

	msg, err := p.DecryptEnvelope(context.Background(), envelope(from))
	if !errors.Is(err, ErrCorruptedSession) || !errors.Is(err, domain.ErrBadMAC) {
		t.Fatalf("err = %v, want ErrCorruptedSession wrapping ErrBadMAC", err)
	}
	if msg.Stub == nil {
		t.Fatalf("corrupted message not stubbed")
	}
	if got := c.callCount(); got != 1 {
		t.Fatalf("cipher calls = %d, want 1", got)
	}

	p.Wait()
	if len(c.deleted) != 1 {
		t.Fatalf("delete calls = %d, want 1", len(c.deleted))
	}
	ids := c.deleted[0]
	if len(ids) != 5 {
		t.Fatalf("deleted %d devices, want 5", len(ids))
	}
	for d, id := range ids {
		if id != from.WithDevice(uint16(d)) {
			t.Fatalf("deleted[%d] = %s", d, id)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(recovered) != 1 || recovered[0].User != lidUser || len(recovered[0].Addresses) != 5 {
		t.Fatalf("recovered events = %+v", recovered)
	}
}

func TestCorruptionClasses(t *testing.T) {
	for _, cause := range []error{domain.ErrCounterReuse, domain.ErrKeyExhausted} {
		t.Run(cause.Error(), func(t *testing.T) {
			c := &fakeCipher{errs: []error{cause}}
			p := newPipeline(t, c, Config{DeviceWindow: 1})
			_, err := p.DecryptEnvelope(context.Background(), envelope(domain.LID(lidUser, 0)))
			if !errors.Is(err, ErrCorruptedSession) {
				t.Fatalf("err = %v, want ErrCorruptedSession", err)
			}
			p.Wait()
			if len(c.deleted) != 1 {
				t.Fatalf("delete calls = %d, want 1", len(c.deleted))
			}
		})
	}
}

func TestRecoveryIsDebouncedPerUser(t *testing.T) {
	c := &fakeCipher{errs: []error{domain.ErrBadMAC}, gate: make(chan struct{})}
	p := newPipeline(t, c, Config{DeviceWindow: 1})
	from := domain.LID(lidUser, 0)

	for i := 0; i < 3; i++ {
		if _, err := p.DecryptEnvelope(context.Background(), envelope(from)); !errors.Is(err, ErrCorruptedSession) {
			t.Fatalf("decrypt %d err = %v", i, err)
		}
	}
	close(c.gate)
	p.Wait()
	if len(c.deleted) != 1 {
		t.Fatalf("delete calls = %d, want 1", len(c.deleted))
	}

	// Once finished, a new corruption triggers a new recovery.
	if _, err := p.DecryptEnvelope(context.Background(), envelope(from)); !errors.Is(err, ErrCorruptedSession) {
		t.Fatalf("decrypt err = %v", err)
	}
	p.Wait()
	if len(c.deleted) != 2 {
		t.Fatalf("delete calls = %d, want 2", len(c.deleted))
	}
}

func TestUnclassifiedErrorIsNotRetried(t *testing.T) {
	boom := errors.New("decode frame")
	c := &fakeCipher{errs: []error{boom}}
	p := newPipeline(t, c, Config{RetryAttempts: 3})

	msg, err := p.DecryptEnvelope(context.Background(), envelope(domain.LID(lidUser, 0)))
	if !errors.Is(err, boom) || errors.Is(err, ErrCorruptedSession) || errors.Is(err, ErrSessionRecordMissing) {
		t.Fatalf("err = %v", err)
	}
	if c.callCount() != 1 || msg.Stub == nil {
		t.Fatalf("calls = %d, stub = %+v", c.callCount(), msg.Stub)
	}
	p.Wait()
	if len(c.deleted) != 0 {
		t.Fatalf("unclassified error triggered recovery")
	}
}

func TestPhoneNumberSenderUsesMappedID(t *testing.T) {
	kv := testutil.NewStore(t)
	mappings := lidmap.New(kv, lidmap.Config{})
	if _, err := mappings.StoreMappings(context.Background(), []domain.MappingRecord{{PN: pnUser, LID: lidUser}}); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}
	c := &fakeCipher{plain: []byte("ok")}
	mig := &fakeMigrator{}
	p := newPipeline(t, c, Config{Mappings: mappings, Migrator: mig})

	for i := 0; i < 2; i++ {
		msg, err := p.DecryptEnvelope(context.Background(), envelope(domain.PN(pnUser, 4)))
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if msg.Sender != domain.LID(lidUser, 4) {
			t.Fatalf("sender = %s, want %s", msg.Sender, domain.LID(lidUser, 4))
		}
	}
	if c.calls[0] != domain.LID(lidUser, 4) {
		t.Fatalf("cipher addressed %s", c.calls[0])
	}
	if mig.calls != 1 {
		t.Fatalf("migrations = %d, want 1", mig.calls)
	}
}

func TestUnmappedPhoneNumberFallsBack(t *testing.T) {
	kv := testutil.NewStore(t)
	mappings := lidmap.New(kv, lidmap.Config{})
	c := &fakeCipher{plain: []byte("ok")}
	mig := &fakeMigrator{}
	p := newPipeline(t, c, Config{Mappings: mappings, Migrator: mig})

	msg, err := p.DecryptEnvelope(context.Background(), envelope(domain.PN(pnUser, 0)))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if msg.Sender != domain.PN(pnUser, 0) || mig.calls != 0 {
		t.Fatalf("sender = %s, migrations = %d", msg.Sender, mig.calls)
	}
}

func TestMigrationInProgressIsIgnored(t *testing.T) {
	kv := testutil.NewStore(t)
	mappings := lidmap.New(kv, lidmap.Config{})
	if _, err := mappings.StoreMappings(context.Background(), []domain.MappingRecord{{PN: pnUser, LID: lidUser}}); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}
	c := &fakeCipher{plain: []byte("ok")}
	mig := &fakeMigrator{err: migration.ErrMigrationInProgress}
	p := newPipeline(t, c, Config{Mappings: mappings, Migrator: mig})

	if _, err := p.DecryptEnvelope(context.Background(), envelope(domain.PN(pnUser, 0))); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if _, err := p.DecryptEnvelope(context.Background(), envelope(domain.PN(pnUser, 0))); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if mig.calls != 2 {
		t.Fatalf("busy migration was not retried on the next message: calls = %d", mig.calls)
	}
}

func TestAltIdentityHintStoresMappingAndMigrates(t *testing.T) {
	ctx := context.Background()
	kv := testutil.NewStore(t)
	pnAddr := domain.PN(pnUser, 2).SignalAddress()
	if err := kv.Sessions().Put(ctx, map[string][]byte{pnAddr: []byte("state")}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	mappings := lidmap.New(kv, lidmap.Config{})
	mig := migration.New(kv, migration.Config{})
	c := &fakeCipher{plain: []byte("ok")}
	p := newPipeline(t, c, Config{Mappings: mappings, Migrator: mig})

	alt := domain.LID(lidUser, 2)
	env := envelope(domain.PN(pnUser, 2))
	env.AltIdentity = &alt
	msg, err := p.DecryptEnvelope(ctx, env)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if msg.Sender != alt {
		t.Fatalf("sender = %s, want %s", msg.Sender, alt)
	}

	lid, ok, err := mappings.GetMappedID(ctx, domain.PN(pnUser, 2))
	if err != nil || !ok || lid.User != lidUser {
		t.Fatalf("mapping = %v, %v, %v", lid, ok, err)
	}
	got, err := kv.Sessions().Get(ctx, []string{pnAddr, alt.SignalAddress()})
	if err != nil {
		t.Fatalf("get sessions: %v", err)
	}
	if _, ok := got[pnAddr]; ok {
		t.Fatalf("phone-number session not removed")
	}
	if string(got[alt.SignalAddress()]) != "state" {
		t.Fatalf("long-lived-id session = %q", got[alt.SignalAddress()])
	}

	if _, err := p.DecryptEnvelope(ctx, envelope(domain.PN(pnUser, 2))); err != nil {
		t.Fatalf("decrypt follow-up: %v", err)
	}
	if last := c.calls[len(c.calls)-1]; last != alt {
		t.Fatalf("follow-up decrypted against %s, want %s", last, alt)
	}
}

func TestAltPhoneNumberHintMigratesSenderDevice(t *testing.T) {
	ctx := context.Background()
	kv := testutil.NewStore(t)
	pnAddr := domain.PN(pnUser, 6).SignalAddress()
	if err := kv.Sessions().Put(ctx, map[string][]byte{pnAddr: []byte("state")}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	mappings := lidmap.New(kv, lidmap.Config{})
	p := newPipeline(t, &fakeCipher{plain: []byte("ok")}, Config{
		Mappings: mappings,
		Migrator: migration.New(kv, migration.Config{}),
	})

	alt := domain.PN(pnUser, 0)
	env := envelope(domain.LID(lidUser, 6))
	env.AltIdentity = &alt
	if _, err := p.DecryptEnvelope(ctx, env); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	target := domain.LID(lidUser, 6).SignalAddress()
	got, err := kv.Sessions().Get(ctx, []string{pnAddr, target})
	if err != nil {
		t.Fatalf("get sessions: %v", err)
	}
	if _, ok := got[pnAddr]; ok || string(got[target]) != "state" {
		t.Fatalf("sessions after hint = %v", got)
	}
}

func TestGroupMessageProcessesDistributionFirst(t *testing.T) {
	c := &fakeCipher{errs: []error{domain.ErrNoSenderKey}, plain: []byte("group")}
	p := newPipeline(t, c, Config{RetryAttempts: 1})

	env := envelope(domain.LID(lidUser, 1))
	env.Type = domain.EnvelopeSenderKey
	env.Group = "120363000000000001@g.us"
	env.SenderKeyDistribution = []byte{3}

	msg, err := p.DecryptEnvelope(context.Background(), env)
	if err != nil || string(msg.Plaintext) != "group" {
		t.Fatalf("decrypt = %+v, %v", msg, err)
	}
	if c.skdms != 1 || c.groupHit != env.Group {
		t.Fatalf("skdms = %d, group = %q", c.skdms, c.groupHit)
	}
}

func TestGroupMessageWithoutSenderKeyIsMissing(t *testing.T) {
	c := &fakeCipher{errs: []error{domain.ErrNoSenderKey}}
	p := newPipeline(t, c, Config{RetryAttempts: 2})

	env := envelope(domain.LID(lidUser, 1))
	env.Type = domain.EnvelopeSenderKey
	env.Group = "120363000000000001@g.us"

	_, err := p.DecryptEnvelope(context.Background(), env)
	if !errors.Is(err, ErrSessionRecordMissing) || !errors.Is(err, domain.ErrNoSenderKey) {
		t.Fatalf("err = %v", err)
	}
	if c.callCount() != 2 {
		t.Fatalf("calls = %d, want 2", c.callCount())
	}
}

func TestInvalidEnvelope(t *testing.T) {
	c := &fakeCipher{}
	p := newPipeline(t, c, Config{})

	cases := map[string]Envelope{
		"no sender":        {ID: "1", Type: domain.EnvelopeMessage, Ciphertext: []byte{1}},
		"bad type":         {ID: "2", From: domain.LID(lidUser, 0), Type: "text", Ciphertext: []byte{1}},
		"group no id":      {ID: "3", From: domain.LID(lidUser, 0), Type: domain.EnvelopeSenderKey, Ciphertext: []byte{1}},
		"empty ciphertext": {ID: "4", From: domain.LID(lidUser, 0), Type: domain.EnvelopeMessage},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			msg, err := p.DecryptEnvelope(context.Background(), env)
			if !errors.Is(err, ErrInvalidEnvelope) || msg.Stub == nil {
				t.Fatalf("err = %v, stub = %+v", err, msg.Stub)
			}
		})
	}
	if c.callCount() != 0 {
		t.Fatalf("cipher called for invalid envelopes")
	}
}
