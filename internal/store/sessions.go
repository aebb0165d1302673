package store

import "context"

// SessionStore holds opaque per-device cipher state keyed by signal address.
type SessionStore struct{ s *Store }

func (s *Store) Sessions() *SessionStore { return &SessionStore{s: s} }

func (ss *SessionStore) Get(ctx context.Context, addrs []string) (map[string][]byte, error) {
	return ss.s.Get(ctx, NamespaceSession, addrs)
}

func (ss *SessionStore) Put(ctx context.Context, records map[string][]byte) error {
	for addr, v := range records {
		if len(v) == 0 {
			return invalid(NamespaceSession, addr, "empty session record")
		}
	}
	return ss.s.Set(ctx, NamespaceSession, records)
}

func (ss *SessionStore) Delete(ctx context.Context, addrs []string) error {
	return ss.s.Set(ctx, NamespaceSession, nilValues(addrs))
}

func (ss *SessionStore) Addresses(ctx context.Context) ([]string, error) {
	return ss.s.Keys(ctx, NamespaceSession, "")
}

func nilValues(keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		out[k] = nil
	}
	return out
}
