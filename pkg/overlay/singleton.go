package overlay

import (
	"context"
	"fmt"
	"sync"
)

// global holds the process-lifetime Endpoint for each hosted identity, plus
// a sentinel goroutine per endpoint: when the sentinel's context is
// cancelled (signalling the runtime that created it has gone away, e.g.
// between test runs in one process) the cached Endpoint is dropped so the
// next Global call rebuilds it.
var (
	globalMu  sync.Mutex
	globals   = map[string]*Endpoint{}
	sentinels = map[string]context.CancelFunc{}
)

// Global returns the process-wide Endpoint for identity.ID52, constructing
// it on first use. runCtx governs the sentinel: when runCtx is cancelled,
// the cached Endpoint is evicted so a later call with a fresh runCtx
// rebuilds it.
func Global(runCtx context.Context, cfg Config) (*Endpoint, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("overlay: identity is required")
	}
	id := cfg.Identity.ID52

	globalMu.Lock()
	if ep, ok := globals[id]; ok {
		globalMu.Unlock()
		return ep, nil
	}
	globalMu.Unlock()

	ep, err := New(cfg)
	if err != nil {
		return nil, err
	}

	sentinelCtx, cancel := context.WithCancel(runCtx)

	globalMu.Lock()
	globals[id] = ep
	sentinels[id] = cancel
	globalMu.Unlock()

	go func() {
		<-sentinelCtx.Done()
		globalMu.Lock()
		defer globalMu.Unlock()
		if globals[id] == ep {
			delete(globals, id)
			delete(sentinels, id)
		}
	}()

	return ep, nil
}

// ResetGlobal forcibly evicts the cached Endpoint for id, closing it, so the
// next Global call for id builds a fresh one.
func ResetGlobal(id string) {
	globalMu.Lock()
	ep, ok := globals[id]
	cancel, hasSentinel := sentinels[id]
	delete(globals, id)
	delete(sentinels, id)
	globalMu.Unlock()

	if hasSentinel {
		cancel()
	}
	if ok {
		_ = ep.Close()
	}
}
