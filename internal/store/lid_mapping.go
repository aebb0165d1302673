package store

import (
	"context"
	"fmt"
	"strings"

	"e2ee-sessions/internal/domain"
)

const (
	forwardPrefix = "pn:"
	reverseSuffix = "_reverse"
)

func ForwardKey(pnUser string) string  { return forwardPrefix + pnUser }
func ReverseKey(lidUser string) string { return lidUser + reverseSuffix }

// LIDMappingStore persists pn->lid under pn:{user} and lid->pn under
// {user}_reverse.
type LIDMappingStore struct{ s *Store }

func (s *Store) LIDMappings() *LIDMappingStore { return &LIDMappingStore{s: s} }

// Forward returns pnUser -> lidUser for the users that have a mapping.
// Values that fail validation are dropped.
func (m *LIDMappingStore) Forward(ctx context.Context, pnUsers []string) (map[string]string, error) {
	keys := make([]string, 0, len(pnUsers))
	for _, u := range pnUsers {
		keys = append(keys, ForwardKey(u))
	}
	raw, err := m.s.Get(ctx, NamespaceLIDMapping, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if lid := string(v); domain.ValidUser(domain.KindLID, lid) {
			out[strings.TrimPrefix(k, forwardPrefix)] = lid
		}
	}
	return out, nil
}

// Reverse returns lidUser -> pnUser for the users that have a mapping.
func (m *LIDMappingStore) Reverse(ctx context.Context, lidUsers []string) (map[string]string, error) {
	keys := make([]string, 0, len(lidUsers))
	for _, u := range lidUsers {
		keys = append(keys, ReverseKey(u))
	}
	raw, err := m.s.Get(ctx, NamespaceLIDMapping, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if pn := string(v); domain.ValidUser(domain.KindPN, pn) {
			out[strings.TrimSuffix(k, reverseSuffix)] = pn
		}
	}
	return out, nil
}

// Put writes both directions of every record.
func (m *LIDMappingStore) Put(ctx context.Context, records ...domain.MappingRecord) error {
	values := make(map[string][]byte, 2*len(records))
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		values[ForwardKey(r.PN)] = []byte(r.LID)
		values[ReverseKey(r.LID)] = []byte(r.PN)
	}
	return m.s.Set(ctx, NamespaceLIDMapping, values)
}

func (m *LIDMappingStore) DeleteForward(ctx context.Context, pnUsers ...string) error {
	keys := make([]string, 0, len(pnUsers))
	for _, u := range pnUsers {
		keys = append(keys, ForwardKey(u))
	}
	return m.s.Set(ctx, NamespaceLIDMapping, nilValues(keys))
}

func (m *LIDMappingStore) DeleteReverse(ctx context.Context, lidUsers ...string) error {
	keys := make([]string, 0, len(lidUsers))
	for _, u := range lidUsers {
		keys = append(keys, ReverseKey(u))
	}
	return m.s.Set(ctx, NamespaceLIDMapping, nilValues(keys))
}
