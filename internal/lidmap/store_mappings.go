package lidmap

import (
	"context"
	"maps"
	"time"

	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/events"
	"e2ee-sessions/internal/observability/metrics"
	"e2ee-sessions/internal/store"
)

// StoreResult counts what StoreMappings did with each submitted record.
type StoreResult struct {
	Stored  int `json:"stored"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// StoreMappings validates, de-duplicates against the persisted state and
// writes the genuinely new or changed records in one transaction. A record
// whose write fails is counted in Errors without aborting the rest.
func (s *Store) StoreMappings(ctx context.Context, records []domain.MappingRecord) (StoreResult, error) {
	return s.storeMappings(ctx, records, "api")
}

func (s *Store) storeMappings(ctx context.Context, records []domain.MappingRecord, source string) (StoreResult, error) {
	var res StoreResult

	// Phase 1: syntax. Later records win over earlier ones for the same
	// pn or lid user.
	valid := make([]domain.MappingRecord, 0, len(records))
	for _, r := range records {
		if err := r.Validate(); err != nil {
			res.Skipped++
			s.invalid.Add(1)
			s.log.Debug("skipping malformed mapping", "pn", r.PN, "lid", r.LID, "error", err)
			continue
		}
		valid = append(valid, r)
	}
	batch := lastWins(valid)
	res.Skipped += len(valid) - len(batch)
	if len(batch) == 0 {
		s.countStored(res)
		return res, nil
	}

	// Phase 2: one batched read per direction.
	pns := make([]string, 0, len(batch))
	lids := make([]string, 0, len(batch))
	for _, r := range batch {
		pns = append(pns, r.PN)
		lids = append(lids, r.LID)
	}
	fwd, err := s.kv.LIDMappings().Forward(ctx, pns)
	if err != nil {
		return res, err
	}
	rev, err := s.kv.LIDMappings().Reverse(ctx, lids)
	if err != nil {
		return res, err
	}

	changed := make([]domain.MappingRecord, 0, len(batch))
	for _, r := range batch {
		if fwd[r.PN] == r.LID && rev[r.LID] == r.PN {
			res.Skipped++
			s.cachePair(r.PN, r.LID)
			continue
		}
		changed = append(changed, r)
	}
	if len(changed) == 0 {
		s.countStored(res)
		return res, nil
	}

	// The counterparts of existing pairs decide whether they are stale.
	var otherLIDs, otherPNs []string
	for _, r := range changed {
		if old, ok := fwd[r.PN]; ok && old != r.LID {
			if _, seen := rev[old]; !seen {
				otherLIDs = append(otherLIDs, old)
			}
		}
		if old, ok := rev[r.LID]; ok && old != r.PN {
			if _, seen := fwd[old]; !seen {
				otherPNs = append(otherPNs, old)
			}
		}
	}
	if len(otherLIDs) > 0 {
		more, err := s.kv.LIDMappings().Reverse(ctx, otherLIDs)
		if err != nil {
			return res, err
		}
		maps.Copy(rev, more)
	}
	if len(otherPNs) > 0 {
		more, err := s.kv.LIDMappings().Forward(ctx, otherPNs)
		if err != nil {
			return res, err
		}
		maps.Copy(fwd, more)
	}

	// Phase 3: each record in its own savepoint so one failure does not
	// abort the batch. cur tracks the committed state as the batch proceeds,
	// so a record re-pointed earlier in the batch is not treated as stale.
	cur := pairs{fwd: fwd, rev: rev}
	var written []repair
	err = s.kv.Transaction(ctx, "lid-mapping.store", func(tx *store.Store) error {
		for _, r := range changed {
			rp := cur.repairFor(r)
			err := tx.WithTx(ctx, func(sp *store.Store) error {
				m := sp.LIDMappings()
				// Keep the mapping one-to-one: drop the reverse entry of the
				// lid this pn used to map to, and the forward entry of the pn
				// that used to own this lid.
				if rp.staleLID != "" {
					if err := m.DeleteReverse(ctx, rp.staleLID); err != nil {
						return err
					}
				}
				if rp.stalePN != "" {
					if err := m.DeleteForward(ctx, rp.stalePN); err != nil {
						return err
					}
				}
				return m.Put(ctx, r)
			})
			if err != nil {
				res.Errors++
				s.log.Warn("mapping write failed", "pn", r.PN, "lid", r.LID, "error", err)
				continue
			}
			cur.apply(rp)
			written = append(written, rp)
		}
		return nil
	})
	if err != nil {
		res.Errors += len(written)
		s.countStored(res)
		return res, err
	}

	now := time.Now().UTC()
	for _, rp := range written {
		if rp.staleLID != "" {
			s.reverse.Delete(rp.staleLID)
		}
		if rp.stalePN != "" {
			s.forward.Delete(rp.stalePN)
		}
		s.cachePair(rp.PN, rp.LID)
		s.bus.Publish(ctx, events.TopicLIDMappingUpdated, events.LIDMappingUpdated{PN: rp.PN, LID: rp.LID, Source: source, At: now})
	}
	res.Stored = len(written)
	s.countStored(res)
	if res.Stored > 0 {
		s.log.Info("stored lid mappings", "stored", res.Stored, "skipped", res.Skipped, "errors", res.Errors, "source", source)
	}
	return res, nil
}

// StoreResolutions persists directory answers: the pairs through
// StoreMappings and the device enumerations for both users.
func (s *Store) StoreResolutions(ctx context.Context, resolutions []domain.Resolution) error {
	records := make([]domain.MappingRecord, 0, len(resolutions))
	devices := make(map[string][]uint16)
	for _, r := range resolutions {
		records = append(records, domain.MappingRecord{PN: r.PN, LID: r.LID})
		if len(r.Devices) > 0 {
			devices[r.PN] = r.Devices
			devices[r.LID] = r.Devices
		}
	}
	if _, err := s.storeMappings(ctx, records, "network"); err != nil {
		return err
	}
	return s.StoreDeviceLists(ctx, devices)
}

// StoreDeviceLists replaces the known device indices of each user.
func (s *Store) StoreDeviceLists(ctx context.Context, lists map[string][]uint16) error {
	if len(lists) == 0 {
		return nil
	}
	return s.kv.Transaction(ctx, "device-list.store", func(tx *store.Store) error {
		return tx.DeviceLists().Put(ctx, lists)
	})
}

func (s *Store) countStored(res StoreResult) {
	metrics.LIDMappingsStoredTotal.WithLabelValues("stored").Add(float64(res.Stored))
	metrics.LIDMappingsStoredTotal.WithLabelValues("skipped").Add(float64(res.Skipped))
	metrics.LIDMappingsStoredTotal.WithLabelValues("error").Add(float64(res.Errors))
}

// repair is one record to write plus the entries it orphans.
type repair struct {
	domain.MappingRecord
	staleLID string // reverse entry of the lid the pn used to map to
	stalePN  string // forward entry of the pn that used to own the lid
}

// pairs is the forward and reverse state of the users in one batch.
type pairs struct {
	fwd map[string]string
	rev map[string]string
}

func (p pairs) repairFor(r domain.MappingRecord) repair {
	rp := repair{MappingRecord: r}
	if old, ok := p.fwd[r.PN]; ok && old != r.LID && p.rev[old] == r.PN {
		rp.staleLID = old
	}
	if old, ok := p.rev[r.LID]; ok && old != r.PN && p.fwd[old] == r.LID {
		rp.stalePN = old
	}
	return rp
}

func (p pairs) apply(rp repair) {
	if rp.staleLID != "" {
		delete(p.rev, rp.staleLID)
	}
	if rp.stalePN != "" {
		delete(p.fwd, rp.stalePN)
	}
	p.fwd[rp.PN] = rp.LID
	p.rev[rp.LID] = rp.PN
}

// lastWins keeps, for every pn and every lid user, only the last record
// that mentions it.
func lastWins(records []domain.MappingRecord) []domain.MappingRecord {
	pnAt := make(map[string]int, len(records))
	lidAt := make(map[string]int, len(records))
	for i, r := range records {
		pnAt[r.PN] = i
		lidAt[r.LID] = i
	}
	out := make([]domain.MappingRecord, 0, len(records))
	for i, r := range records {
		if pnAt[r.PN] == i && lidAt[r.LID] == i {
			out = append(out, r)
		}
	}
	return out
}
