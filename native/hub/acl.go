package hub

import (
	"sort"
	"sync"

	"crosslend/native/xchain"
)

// ACL lists the spoke relays allowed to deliver intents, keyed by
// (domain, address).
type ACL struct {
	mu      sync.RWMutex
	allowed map[xchain.Endpoint]struct{}
}

// NewACL seeds an allow-list.
func NewACL(endpoints ...xchain.Endpoint) *ACL {
	acl := &ACL{allowed: make(map[xchain.Endpoint]struct{})}
	for _, ep := range endpoints {
		acl.Allow(ep)
	}
	return acl
}

func (a *ACL) Allow(ep xchain.Endpoint) {
	if ep.IsZero() {
		return
	}
	a.mu.Lock()
	a.allowed[ep] = struct{}{}
	a.mu.Unlock()
}

func (a *ACL) Revoke(ep xchain.Endpoint) {
	a.mu.Lock()
	delete(a.allowed, ep)
	a.mu.Unlock()
}

// Allowed reports whether ep is a registered relay.
func (a *ACL) Allowed(ep xchain.Endpoint) bool {
	if a == nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.allowed[ep]
	return ok
}

// Endpoints lists the registered relays ordered by domain.
func (a *ACL) Endpoints() []xchain.Endpoint {
	a.mu.RLock()
	out := make([]xchain.Endpoint, 0, len(a.allowed))
	for ep := range a.allowed {
		out = append(out, ep)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain == out[j].Domain {
			return out[i].Address.Hex() < out[j].Address.Hex()
		}
		return out[i].Domain < out[j].Domain
	})
	return out
}
