package httprelay

import (
	"context"
	"sync"
	"time"

	"crosslend/native/xchain"
)

// Receipts remembers which message ids the handler has applied so that a
// re-posted delivery is answered with a conflict instead of a second apply.
type Receipts interface {
	Delivered(ctx context.Context, id xchain.MessageID) (bool, error)
	MarkDelivered(ctx context.Context, id xchain.MessageID, at time.Time) error
}

// MemoryReceipts keeps receipts in process memory.
type MemoryReceipts struct {
	mu  sync.RWMutex
	ids map[xchain.MessageID]time.Time
}

func NewMemoryReceipts() *MemoryReceipts {
	return &MemoryReceipts{ids: make(map[xchain.MessageID]time.Time)}
}

func (r *MemoryReceipts) Delivered(_ context.Context, id xchain.MessageID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ids[id]
	return ok, nil
}

func (r *MemoryReceipts) MarkDelivered(_ context.Context, id xchain.MessageID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; !ok {
		r.ids[id] = at
	}
	return nil
}
