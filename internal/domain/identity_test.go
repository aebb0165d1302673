package domain

import (
	"errors"
	"testing"
)

func TestParseIdentity(t *testing.T) {
	cases := []struct {
		in   string
		want Identity
		err  bool
	}{
		{in: "5511900000000@s.whatsapp.net", want: PN("5511900000000", 0)},
		{in: "5511900000000:5@s.whatsapp.net", want: PN("5511900000000", 5)},
		{in: "abc123@lid", want: LID("abc123", 0)},
		{in: "abc123.0:12@lid", want: LID("abc123", 12)},
		{in: "55119@c.us", want: PN("55119", 0)},
		{in: "abc@s.whatsapp.net", err: true},
		{in: "abc123:100@lid", err: true},
		{in: "abc123@g.us", err: true},
		{in: "@lid", err: true},
		{in: "plain", err: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseIdentity(tc.in)
			if tc.err {
				if !errors.Is(err, ErrInvalidIdentity) {
					t.Fatalf("expected ErrInvalidIdentity, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestSignalAddressRoundTrip(t *testing.T) {
	ids := []Identity{PN("5511900000000", 0), PN("5511900000000", 5), LID("abc123", 0), LID("abc123", 98)}
	for _, id := range ids {
		addr := id.SignalAddress()
		got, err := ParseSignalAddress(addr)
		if err != nil {
			t.Fatalf("parse %s: %v", addr, err)
		}
		if got != id {
			t.Fatalf("round trip %s: expected %+v, got %+v", addr, id, got)
		}
	}
	if addr := LID("abc123", 5).SignalAddress(); addr != "abc123_1.5" {
		t.Fatalf("unexpected address %q", addr)
	}
}

func TestParseSignalAddressRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "abc", "abc_1", "abc_7.0", "abc_1.x", "55_0.0"} {
		if _, err := ParseSignalAddress(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestMappingRecordValidate(t *testing.T) {
	if err := (MappingRecord{PN: "5511900000000", LID: "abc123"}).Validate(); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}
	bad := []MappingRecord{
		{PN: "", LID: "abc123"},
		{PN: "5511900000000", LID: ""},
		{PN: "55-11", LID: "abc123"},
		{PN: "5511900000000", LID: "abc 123"},
		{PN: "5511900000000", LID: "5511900000000"},
	}
	for _, m := range bad {
		if err := m.Validate(); !errors.Is(err, ErrInvalidMapping) {
			t.Fatalf("expected ErrInvalidMapping for %+v, got %v", m, err)
		}
	}
}

func TestNormalizeDevices(t *testing.T) {
	got := NormalizeDevices([]uint16{5, 0, 5, 120, 3})
	want := []uint16{0, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
