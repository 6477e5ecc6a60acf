package hub

import (
	"context"
	"math/big"
	"sync"
	"time"

	"crosslend/native/xchain"
)

// Delivery is the audit record of one inbound message.
type Delivery struct {
	Digest     [32]byte
	Source     xchain.Endpoint
	IntentID   xchain.IntentID
	Action     string
	User       string
	Asset      string
	Amount     *big.Int
	Outcome    string
	Error      string
	ReceivedAt time.Time
}

// OutcomeExecuted marks a delivery whose intent executed.
const OutcomeExecuted = "executed"

// DeliveryLog persists delivery records.
type DeliveryLog interface {
	Append(ctx context.Context, d Delivery) error
}

// MemoryDeliveryLog keeps deliveries in memory.
type MemoryDeliveryLog struct {
	mu      sync.Mutex
	entries []Delivery
}

func (l *MemoryDeliveryLog) Append(_ context.Context, d Delivery) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	d.Amount = xchain.CloneAmount(d.Amount)
	l.entries = append(l.entries, d)
	return nil
}

// Entries returns a copy of the recorded deliveries.
func (l *MemoryDeliveryLog) Entries() []Delivery {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Delivery(nil), l.entries...)
}
