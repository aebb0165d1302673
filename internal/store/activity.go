package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

const activityPrefix = "session-activity:"

func ActivityKey(identity string) string { return activityPrefix + identity }

// ActivityRecord is the persisted form of one identity's recency.
type ActivityRecord struct {
	LastActivityAt int64 `json:"lastActivityAt"`
	CreatedAt      int64 `json:"createdAt"`
}

type ActivityStore struct{ s *Store }

func (s *Store) Activity() *ActivityStore { return &ActivityStore{s: s} }

func (a *ActivityStore) Get(ctx context.Context, identities []string) (map[string]ActivityRecord, error) {
	keys := make([]string, 0, len(identities))
	for _, id := range identities {
		keys = append(keys, ActivityKey(id))
	}
	raw, err := a.s.Get(ctx, NamespaceSessionActivity, keys)
	if err != nil {
		return nil, err
	}
	return decodeActivity(a.s.log, raw), nil
}

func (a *ActivityStore) All(ctx context.Context) (map[string]ActivityRecord, error) {
	keys, err := a.s.Keys(ctx, NamespaceSessionActivity, activityPrefix)
	if err != nil {
		return nil, err
	}
	raw, err := a.s.Get(ctx, NamespaceSessionActivity, keys)
	if err != nil {
		return nil, err
	}
	return decodeActivity(a.s.log, raw), nil
}

func (a *ActivityStore) Put(ctx context.Context, records map[string]ActivityRecord) error {
	values := make(map[string][]byte, len(records))
	for id, r := range records {
		if r.LastActivityAt <= 0 {
			return invalid(NamespaceSessionActivity, id, "non-positive lastActivityAt")
		}
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		values[ActivityKey(id)] = b
	}
	return a.s.Set(ctx, NamespaceSessionActivity, values)
}

func (a *ActivityStore) Delete(ctx context.Context, identities []string) error {
	keys := make([]string, 0, len(identities))
	for _, id := range identities {
		keys = append(keys, ActivityKey(id))
	}
	return a.s.Set(ctx, NamespaceSessionActivity, nilValues(keys))
}

func decodeActivity(log *slog.Logger, raw map[string][]byte) map[string]ActivityRecord {
	out := make(map[string]ActivityRecord, len(raw))
	for k, v := range raw {
		var r ActivityRecord
		if err := json.Unmarshal(v, &r); err != nil {
			log.Warn("dropping undecodable activity record", "key", k, "error", err)
			continue
		}
		out[strings.TrimPrefix(k, activityPrefix)] = r
	}
	return out
}
