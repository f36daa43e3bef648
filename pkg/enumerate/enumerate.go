// Package enumerate implements the Enumerator: it asks BlueZ which nearby
// devices currently expose the FIDO GATT service and returns identifiers
// pkg/link.Open can consume, without opening a GATT connection itself.
package enumerate

import "time"

// Candidate is one device the Enumerator judged usable: paired, connected,
// with services resolved, and advertising the FIDO service UUID.
type Candidate struct {
	// Path is a "ble:<dbus object path>" identifier, ready to pass to
	// pkg/link.Open.
	Path string
	// Name is the BlueZ "Name" or "Alias" property, for diagnostics only.
	Name string
}

// DefaultDiscoveryWait is the Manifest default for how long to let
// discovery run before collecting results. It is a parameter rather than a
// hardcoded sleep, so callers with tighter latency budgets can shorten it.
const DefaultDiscoveryWait = 3 * time.Second
