package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

func LedgerKey(pnUser string, device uint16) string {
	return pnUser + ":" + strconv.Itoa(int(device))
}

// LedgerStore records completed per-device migrations as {user}:{device} ->
// completion time in unix milliseconds.
type LedgerStore struct{ s *Store }

func (s *Store) MigrationLedger() *LedgerStore { return &LedgerStore{s: s} }

func (l *LedgerStore) Get(ctx context.Context, keys []string) (map[string]time.Time, error) {
	raw, err := l.s.Get(ctx, NamespaceMigrationLedger, keys)
	if err != nil {
		return nil, err
	}
	return decodeLedger(raw), nil
}

func (l *LedgerStore) All(ctx context.Context) (map[string]time.Time, error) {
	keys, err := l.s.Keys(ctx, NamespaceMigrationLedger, "")
	if err != nil {
		return nil, err
	}
	return l.Get(ctx, keys)
}

func (l *LedgerStore) Put(ctx context.Context, entries map[string]time.Time) error {
	values := make(map[string][]byte, len(entries))
	for k, at := range entries {
		if !strings.Contains(k, ":") {
			return invalid(NamespaceMigrationLedger, k, "key is not user:device")
		}
		values[k] = []byte(strconv.FormatInt(at.UnixMilli(), 10))
	}
	return l.s.Set(ctx, NamespaceMigrationLedger, values)
}

func (l *LedgerStore) Delete(ctx context.Context, keys []string) error {
	return l.s.Set(ctx, NamespaceMigrationLedger, nilValues(keys))
}

func decodeLedger(raw map[string][]byte) map[string]time.Time {
	out := make(map[string]time.Time, len(raw))
	for k, v := range raw {
		ms, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			continue
		}
		out[k] = time.UnixMilli(ms)
	}
	return out
}

func invalid(ns Namespace, key, why string) error {
	return fmt.Errorf("%w: %s/%s: %s", ErrInvalidValue, ns, key, why)
}
