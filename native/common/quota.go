package common

import (
	"errors"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaAmountExceeded   = errors.New("quota amount cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for an address.
type QuotaNow struct {
	ReqCount uint32
	Amount   *big.Int
	EpochID  uint64
}

// Quota defines the limits enforced for a module interaction per address.
// Zero values disable the corresponding limit.
type Quota struct {
	MaxRequestsPerEpoch uint32
	MaxAmountPerEpoch   *big.Int
	EpochSeconds        uint32
}

// Epoch returns the epoch identifier for the supplied time.
func (q Quota) Epoch(now time.Time) uint64 {
	if q.EpochSeconds == 0 {
		return 0
	}
	return uint64(now.Unix()) / uint64(q.EpochSeconds)
}

// CheckQuota verifies whether the additional request and amount fit within the
// configured quota. The returned QuotaNow reflects the updated counters when the
// quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addAmount *big.Int) (QuotaNow, error) {
	next := QuotaNow{ReqCount: prev.ReqCount, EpochID: prev.EpochID, Amount: big.NewInt(0)}
	if prev.Amount != nil {
		next.Amount.Set(prev.Amount)
	}
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch, Amount: big.NewInt(0)}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addAmount != nil && addAmount.Sign() > 0 {
		next.Amount.Add(next.Amount, addAmount)
	}
	if q.MaxAmountPerEpoch != nil && q.MaxAmountPerEpoch.Sign() > 0 && next.Amount.Cmp(q.MaxAmountPerEpoch) > 0 {
		return prev, ErrQuotaAmountExceeded
	}

	return next, nil
}

// QuotaTracker applies a Quota per address.
type QuotaTracker struct {
	mu    sync.Mutex
	quota Quota
	usage map[common.Address]QuotaNow
}

func NewQuotaTracker(q Quota) *QuotaTracker {
	return &QuotaTracker{quota: q, usage: make(map[common.Address]QuotaNow)}
}

// Consume charges one request of the given amount against addr.
func (t *QuotaTracker) Consume(addr common.Address, amount *big.Int, now time.Time) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	next, err := CheckQuota(t.quota, t.quota.Epoch(now), t.usage[addr], 1, amount)
	if err != nil {
		return err
	}
	t.usage[addr] = next
	return nil
}

// Usage reports the counters recorded for addr.
func (t *QuotaTracker) Usage(addr common.Address) QuotaNow {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage[addr]
}
