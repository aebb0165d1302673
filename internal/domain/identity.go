package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind tags which identifier space an Identity belongs to. The numeric value
// doubles as the domain component of session addresses.
type Kind uint8

const (
	KindPN  Kind = 0
	KindLID Kind = 1
)

const (
	ServerPN  = "s.whatsapp.net"
	ServerLID = "lid"

	PrimaryDevice  uint16 = 0
	ReservedDevice uint16 = 99
	MaxDevice      uint16 = 99
)

func (k Kind) String() string {
	switch k {
	case KindPN:
		return "pn"
	case KindLID:
		return "lid"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

func (k Kind) Server() string {
	if k == KindLID {
		return ServerLID
	}
	return ServerPN
}

// Identity is a peer or self address in either identifier space.
type Identity struct {
	User   string
	Kind   Kind
	Device uint16
}

func PN(user string, device uint16) Identity {
	return Identity{User: user, Kind: KindPN, Device: device}
}

func LID(user string, device uint16) Identity {
	return Identity{User: user, Kind: KindLID, Device: device}
}

func (id Identity) IsPN() bool      { return id.Kind == KindPN }
func (id Identity) IsLID() bool     { return id.Kind == KindLID }
func (id Identity) IsPrimary() bool { return id.Device == PrimaryDevice }
func (id Identity) IsZero() bool    { return id.User == "" }

func (id Identity) WithDevice(device uint16) Identity {
	id.Device = device
	return id
}

// String renders the network address form, user[:device]@server.
func (id Identity) String() string {
	if id.Device == PrimaryDevice {
		return id.User + "@" + id.Kind.Server()
	}
	return id.User + ":" + strconv.Itoa(int(id.Device)) + "@" + id.Kind.Server()
}

// SignalAddress is the session-store key for this identity: user_domain.device.
func (id Identity) SignalAddress() string {
	return id.User + "_" + strconv.Itoa(int(id.Kind)) + "." + strconv.Itoa(int(id.Device))
}

func (id Identity) Validate() error {
	if !ValidUser(id.Kind, id.User) {
		return fmt.Errorf("%w: bad %s user %q", ErrInvalidIdentity, id.Kind, id.User)
	}
	if id.Device > MaxDevice {
		return fmt.Errorf("%w: device %d out of range", ErrInvalidIdentity, id.Device)
	}
	return nil
}

// ValidUser reports whether user is syntactically valid for kind. Phone
// number users are 5 to 20 digits; long-lived ids are 1 to 64 alphanumerics.
func ValidUser(kind Kind, user string) bool {
	switch kind {
	case KindPN:
		if len(user) < 5 || len(user) > 20 {
			return false
		}
		for _, r := range user {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	case KindLID:
		if len(user) == 0 || len(user) > 64 {
			return false
		}
		for _, r := range user {
			switch {
			case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			default:
				return false
			}
		}
		return true
	}
	return false
}

// ParseIdentity parses user[:device]@server. An agent suffix (user.agent) is
// dropped.
func ParseIdentity(s string) (Identity, error) {
	at := strings.LastIndexByte(s, '@')
	if at <= 0 {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, s)
	}
	local, server := s[:at], s[at+1:]

	var id Identity
	switch server {
	case ServerPN, "c.us":
		id.Kind = KindPN
	case ServerLID:
		id.Kind = KindLID
	default:
		return Identity{}, fmt.Errorf("%w: unknown server %q", ErrInvalidIdentity, server)
	}

	if i := strings.IndexByte(local, ':'); i >= 0 {
		d, err := strconv.ParseUint(local[i+1:], 10, 16)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: bad device in %q", ErrInvalidIdentity, s)
		}
		id.Device = uint16(d)
		local = local[:i]
	}
	if i := strings.IndexByte(local, '.'); i >= 0 {
		local = local[:i]
	}
	id.User = local
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// ParseSignalAddress is the inverse of Identity.SignalAddress.
func ParseSignalAddress(addr string) (Identity, error) {
	dot := strings.LastIndexByte(addr, '.')
	us := strings.LastIndexByte(addr, '_')
	if dot <= 0 || us <= 0 || us > dot {
		return Identity{}, fmt.Errorf("%w: bad session address %q", ErrInvalidIdentity, addr)
	}
	device, err := strconv.ParseUint(addr[dot+1:], 10, 16)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: bad device in %q", ErrInvalidIdentity, addr)
	}
	kind, err := strconv.ParseUint(addr[us+1:dot], 10, 8)
	if err != nil || (Kind(kind) != KindPN && Kind(kind) != KindLID) {
		return Identity{}, fmt.Errorf("%w: bad domain in %q", ErrInvalidIdentity, addr)
	}
	id := Identity{User: addr[:us], Kind: Kind(kind), Device: uint16(device)}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}
