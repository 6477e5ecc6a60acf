// Package nonces tracks the per-user replay counters consumed by the
// forwarder.
package nonces

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"crosslend/native/xchain"
)

// ErrReleaseMismatch is returned when a release does not undo the most recent
// consumption for the user.
var ErrReleaseMismatch = errors.New("nonces: release does not match a consumed nonce")

// Registry is the replay gate in front of every execution.
type Registry interface {
	// Next returns the nonce the user's next intent must carry.
	Next(ctx context.Context, user common.Address) (uint64, error)
	// Consume marks nonce as used, failing with xchain.ErrNonceMismatch when it
	// is not acceptable.
	Consume(ctx context.Context, user common.Address, nonce uint64) error
	// Release reverts a Consume made within the same execution.
	Release(ctx context.Context, user common.Address, nonce uint64) error
}

func mismatch(user common.Address, want, got uint64) error {
	return fmt.Errorf("%w: user %s expected %d, got %d", xchain.ErrNonceMismatch, user.Hex(), want, got)
}

// MemoryRegistry enforces strict equality: only the current counter executes
// and each success advances it by one.
type MemoryRegistry struct {
	mu   sync.Mutex
	next map[common.Address]uint64
}

// NewMemoryRegistry returns an empty strict registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{next: make(map[common.Address]uint64)}
}

func (r *MemoryRegistry) Next(_ context.Context, user common.Address) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next[user], nil
}

func (r *MemoryRegistry) Consume(_ context.Context, user common.Address, nonce uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.next[user]
	if nonce != current {
		return mismatch(user, current, nonce)
	}
	r.next[user] = current + 1
	return nil
}

func (r *MemoryRegistry) Release(_ context.Context, user common.Address, nonce uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next[user] != nonce+1 {
		return ErrReleaseMismatch
	}
	r.next[user] = nonce
	return nil
}
