package domain

import (
	"fmt"
	"slices"
)

// MappingRecord binds a phone-number user to its long-lived-id user.
type MappingRecord struct {
	PN  string `json:"pn"`
	LID string `json:"lid"`
}

func (m MappingRecord) Validate() error {
	if !ValidUser(KindPN, m.PN) {
		return fmt.Errorf("%w: bad pn user %q", ErrInvalidMapping, m.PN)
	}
	if !ValidUser(KindLID, m.LID) {
		return fmt.Errorf("%w: bad lid user %q", ErrInvalidMapping, m.LID)
	}
	if m.PN == m.LID {
		return fmt.Errorf("%w: pn and lid are equal", ErrInvalidMapping)
	}
	return nil
}

// Resolution is one authoritative answer from the directory service.
type Resolution struct {
	PN      string
	LID     string
	Devices []uint16
}

// NormalizeDevices returns a sorted, de-duplicated copy with out-of-range
// indices dropped.
func NormalizeDevices(in []uint16) []uint16 {
	out := make([]uint16, 0, len(in))
	for _, d := range in {
		if d > MaxDevice {
			continue
		}
		out = append(out, d)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
