package lidmap

import (
	"context"
	"errors"
	"sync"
	"time"

	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/usync"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// GetMappedIDs resolves many phone-number identities, at most BatchSize at
// a time. The result is keyed by the source identity; identities that fail
// or have no mapping are omitted.
func (s *Store) GetMappedIDs(ctx context.Context, ids []domain.Identity) map[domain.Identity]domain.Identity {
	return s.batch(ctx, ids, s.GetMappedID)
}

// GetReverseMappedIDs is the batch form of GetReverseMappedID.
func (s *Store) GetReverseMappedIDs(ctx context.Context, ids []domain.Identity) map[domain.Identity]domain.Identity {
	return s.batch(ctx, ids, s.GetReverseMappedID)
}

func (s *Store) batch(
	ctx context.Context,
	ids []domain.Identity,
	one func(context.Context, domain.Identity) (domain.Identity, bool, error),
) map[domain.Identity]domain.Identity {
	var (
		mu  sync.Mutex
		out = make(map[domain.Identity]domain.Identity, len(ids))
		g   errgroup.Group
	)
	g.SetLimit(s.cfg.BatchSize)
	for _, id := range ids {
		g.Go(func() error {
			mapped, ok, err := one(ctx, id)
			if err != nil {
				s.log.Debug("batch lookup failed", "identity", id.String(), "error", err)
				return nil
			}
			if ok {
				mu.Lock()
				out[id] = mapped
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// queryWithRetry calls the resolver with exponential backoff, up to
// RetryAttempts calls in total. Rejected queries are not retried.
func (s *Store) queryWithRetry(ctx context.Context, ids []domain.Identity) ([]domain.Resolution, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.RetryBaseDelay
	exp.MaxInterval = 16 * s.cfg.RetryBaseDelay
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.cfg.RetryAttempts-1)), ctx)

	var out []domain.Resolution
	op := func() error {
		res, err := s.cfg.Resolver.Resolve(ctx, ids)
		if err != nil {
			if errors.Is(err, usync.ErrQueryRejected) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.log.Debug("retrying network mapping lookup", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return out, nil
}
