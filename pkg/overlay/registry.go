package overlay

import (
	"crypto/x509/pkix"
	"fmt"
	"sync"
)

// addrRegistry stands in for the discovery/NAT-traversal service a real
// overlay transport library provides: a process-wide map from id52 to a
// dialable UDP address, populated by whoever bound that identity's
// Endpoint. The core is explicitly not responsible for discovery (see
// Non-goals); this is the minimal seam that lets Dial resolve a peer within
// a single process or a locally reachable test topology.
var (
	addrRegistryMu sync.RWMutex
	addrRegistry   = map[string]string{}
)

// RegisterAddr makes peerID52 dialable at addr for the lifetime of the
// process (or until UnregisterAddr is called).
func RegisterAddr(peerID52, addr string) {
	addrRegistryMu.Lock()
	defer addrRegistryMu.Unlock()
	addrRegistry[peerID52] = addr
}

// UnregisterAddr removes a previously registered mapping.
func UnregisterAddr(peerID52 string) {
	addrRegistryMu.Lock()
	defer addrRegistryMu.Unlock()
	delete(addrRegistry, peerID52)
}

func resolvePeerAddr(peerID52 string) (string, error) {
	addrRegistryMu.RLock()
	defer addrRegistryMu.RUnlock()
	addr, ok := addrRegistry[peerID52]
	if !ok {
		return "", fmt.Errorf("no known address for peer %s (not registered/discovered)", peerID52)
	}
	return addr, nil
}

func pkixNameFor(id string) pkix.Name {
	return pkix.Name{CommonName: id}
}
