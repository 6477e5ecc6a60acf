package nonces

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"crosslend/native/xchain"
)

// DefaultWindow is the number of nonces above the low-water mark that may be
// consumed out of order.
const DefaultWindow = 256

type windowState struct {
	low  uint64
	used map[uint64]struct{}
}

// WindowRegistry accepts any unused nonce in [low, low+width). The low-water
// mark advances over every contiguous run of consumed nonces, so each nonce
// executes at most once while bounded reordering is tolerated.
type WindowRegistry struct {
	mu     sync.Mutex
	width  uint64
	states map[common.Address]*windowState
}

// NewWindowRegistry builds a registry with the given width. Non-positive
// widths fall back to DefaultWindow.
func NewWindowRegistry(width int) *WindowRegistry {
	if width <= 0 {
		width = DefaultWindow
	}
	return &WindowRegistry{width: uint64(width), states: make(map[common.Address]*windowState)}
}

func (r *WindowRegistry) state(user common.Address) *windowState {
	st, ok := r.states[user]
	if !ok {
		st = &windowState{used: make(map[uint64]struct{})}
		r.states[user] = st
	}
	return st
}

// Next returns the low-water mark.
func (r *WindowRegistry) Next(_ context.Context, user common.Address) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[user]; ok {
		return st.low, nil
	}
	return 0, nil
}

func (r *WindowRegistry) Consume(_ context.Context, user common.Address, nonce uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state(user)
	if nonce < st.low || nonce-st.low >= r.width {
		return fmt.Errorf("%w: user %s nonce %d outside window [%d,%d)", xchain.ErrNonceMismatch, user.Hex(), nonce, st.low, st.low+r.width)
	}
	if _, seen := st.used[nonce]; seen {
		return fmt.Errorf("%w: user %s nonce %d already used", xchain.ErrNonceMismatch, user.Hex(), nonce)
	}
	st.used[nonce] = struct{}{}
	for {
		if _, ok := st.used[st.low]; !ok {
			break
		}
		delete(st.used, st.low)
		st.low++
	}
	return nil
}

func (r *WindowRegistry) Release(_ context.Context, user common.Address, nonce uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[user]
	if !ok {
		return ErrReleaseMismatch
	}
	if nonce >= st.low {
		if _, used := st.used[nonce]; !used {
			return ErrReleaseMismatch
		}
		delete(st.used, nonce)
		return nil
	}
	// The nonce was absorbed into the low-water mark. Everything in
	// (nonce, low) stays consumed.
	if st.low-nonce > r.width {
		return ErrReleaseMismatch
	}
	for k := nonce + 1; k < st.low; k++ {
		st.used[k] = struct{}{}
	}
	st.low = nonce
	return nil
}
