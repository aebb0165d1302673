package store

import "fmt"

// Namespace is the closed set of keyspaces the store accepts.
type Namespace string

const (
	NamespaceSession         Namespace = "session"
	NamespaceSenderKey       Namespace = "sender-key"
	NamespaceIdentity        Namespace = "identity"
	NamespaceLIDMapping      Namespace = "lid-mapping"
	NamespaceDeviceList      Namespace = "device-list"
	NamespaceSessionActivity Namespace = "session-activity"
	NamespaceMigrationLedger Namespace = "migration-ledger"
)

var namespaces = map[Namespace]struct{}{
	NamespaceSession:         {},
	NamespaceSenderKey:       {},
	NamespaceIdentity:        {},
	NamespaceLIDMapping:      {},
	NamespaceDeviceList:      {},
	NamespaceSessionActivity: {},
	NamespaceMigrationLedger: {},
}

func (n Namespace) Valid() bool {
	_, ok := namespaces[n]
	return ok
}

func (n Namespace) check() error {
	if !n.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownNamespace, string(n))
	}
	return nil
}
