package spoke

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"crosslend/native/xchain"
)

// ErrRequestNotFound is returned when updating a request that was never
// logged.
var ErrRequestNotFound = errors.New("spoke: request not found")

// Request records one intent accepted or refused by the relay.
type Request struct {
	IntentID  xchain.IntentID
	MessageID xchain.MessageID
	Action    string
	User      common.Address
	Asset     string
	Amount    *big.Int
	Nonce     uint64
	Fee       *big.Int
	Status    xchain.Status
	Error     string
	CreatedAt time.Time
}

// RequestLog persists relay requests for off-chain tracking.
type RequestLog interface {
	Append(ctx context.Context, req Request) error
	ListByUser(ctx context.Context, user common.Address, limit int) ([]Request, error)
	// Update sets the status of the user's request carrying message id.
	Update(ctx context.Context, user common.Address, id xchain.MessageID, status xchain.Status, errText string) error
}

// MemoryRequestLog keeps requests in memory.
type MemoryRequestLog struct {
	mu     sync.RWMutex
	byUser map[common.Address][]Request
}

func NewMemoryRequestLog() *MemoryRequestLog {
	return &MemoryRequestLog{byUser: make(map[common.Address][]Request)}
}

func (l *MemoryRequestLog) Append(_ context.Context, req Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	req.Amount = xchain.CloneAmount(req.Amount)
	req.Fee = xchain.CloneAmount(req.Fee)
	l.byUser[req.User] = append(l.byUser[req.User], req)
	return nil
}

// ListByUser returns the newest requests first.
func (l *MemoryRequestLog) ListByUser(_ context.Context, user common.Address, limit int) ([]Request, error) {
	l.mu.RLock()
	out := append([]Request(nil), l.byUser[user]...)
	l.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryRequestLog) Update(_ context.Context, user common.Address, id xchain.MessageID, status xchain.Status, errText string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	reqs := l.byUser[user]
	for i := len(reqs) - 1; i >= 0; i-- {
		if reqs[i].MessageID == id {
			reqs[i].Status = status
			reqs[i].Error = errText
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
}
