package store

import (
	"context"
	"encoding/json"

	"e2ee-sessions/internal/domain"
)

type DeviceListStore struct{ s *Store }

func (s *Store) DeviceLists() *DeviceListStore { return &DeviceListStore{s: s} }

func (d *DeviceListStore) Get(ctx context.Context, users []string) (map[string][]uint16, error) {
	raw, err := d.s.Get(ctx, NamespaceDeviceList, users)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]uint16, len(raw))
	for user, v := range raw {
		var devices []uint16
		if err := json.Unmarshal(v, &devices); err != nil {
			d.s.log.Warn("dropping undecodable device list", "user", user, "error", err)
			continue
		}
		out[user] = domain.NormalizeDevices(devices)
	}
	return out, nil
}

// Put replaces the device list of each user. An empty list deletes it.
func (d *DeviceListStore) Put(ctx context.Context, lists map[string][]uint16) error {
	values := make(map[string][]byte, len(lists))
	for user, devices := range lists {
		devices = domain.NormalizeDevices(devices)
		if len(devices) == 0 {
			values[user] = nil
			continue
		}
		b, err := json.Marshal(devices)
		if err != nil {
			return err
		}
		values[user] = b
	}
	return d.s.Set(ctx, NamespaceDeviceList, values)
}
