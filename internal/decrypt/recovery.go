package decrypt

import (
	"context"
	"time"

	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/events"
	"e2ee-sessions/internal/observability/metrics"
)

const recoveryTimeout = 30 * time.Second

// recoverSessions deletes the sender's sessions for the primary device and
// secondary indices up to DeviceWindow in the background. A user already
// being recovered is skipped.
func (p *Pipeline) recoverSessions(sender domain.Identity, cause error) {
	key := sender.Kind.String() + ":" + sender.User

	p.mu.Lock()
	if _, busy := p.recovering[key]; busy || p.ctx.Err() != nil {
		p.mu.Unlock()
		metrics.SessionRecoveriesTotal.WithLabelValues("debounced").Inc()
		return
	}
	p.recovering[key] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.recovering, key)
			p.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(p.ctx, recoveryTimeout)
		defer cancel()

		ids := make([]domain.Identity, 0, p.cfg.DeviceWindow+1)
		addrs := make([]string, 0, p.cfg.DeviceWindow+1)
		for d := 0; d <= p.cfg.DeviceWindow; d++ {
			id := sender.WithDevice(uint16(d))
			ids = append(ids, id)
			addrs = append(addrs, id.SignalAddress())
		}
		log := p.log.With("user", sender.User, "kind", sender.Kind.String())
		if err := p.cipher.DeleteSessions(ctx, ids); err != nil {
			metrics.SessionRecoveriesTotal.WithLabelValues("failure").Inc()
			log.Warn("session recovery failed", "error", err)
			return
		}
		metrics.SessionRecoveriesTotal.WithLabelValues("success").Inc()
		log.Info("deleted corrupted sessions", "devices", len(ids), "cause", cause.Error())
		p.bus.Publish(ctx, events.TopicSessionsRecovered, events.SessionsRecovered{
			User:      sender.User,
			Addresses: addrs,
			Reason:    cause.Error(),
			At:        p.cfg.Now().UTC(),
		})
	}()
}

// Wait blocks until in-flight recoveries finish.
func (p *Pipeline) Wait() { p.wg.Wait() }

// Close cancels in-flight recoveries and waits for them.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
	p.migrated.Stop()
}
