package common

import (
	"errors"
	"math/big"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

func TestCheckQuotaRequestLimit(t *testing.T) {
	q := Quota{MaxRequestsPerEpoch: 10}
	prev := QuotaNow{EpochID: 1}

	next, err := CheckQuota(q, 1, prev, 10, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.ReqCount != 10 {
		t.Fatalf("unexpected request count: %d", next.ReqCount)
	}

	_, err = CheckQuota(q, 1, next, 1, nil)
	if !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected ErrQuotaRequestsExceeded, got %v", err)
	}

	rollover, err := CheckQuota(q, 2, next, 1, nil)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.EpochID != 2 || rollover.ReqCount != 1 {
		t.Fatalf("unexpected state after rollover: %+v", rollover)
	}
}

func TestCheckQuotaAmount(t *testing.T) {
	q := Quota{MaxAmountPerEpoch: big.NewInt(1000)}
	prev := QuotaNow{EpochID: 5}

	next, err := CheckQuota(q, 5, prev, 0, big.NewInt(600))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := CheckQuota(q, 5, next, 0, big.NewInt(401)); !errors.Is(err, ErrQuotaAmountExceeded) {
		t.Fatalf("expected ErrQuotaAmountExceeded, got %v", err)
	}
	if next.Amount.Int64() != 600 {
		t.Fatalf("counters mutated on denial: %s", next.Amount)
	}
}

func TestQuotaTracker(t *testing.T) {
	tracker := NewQuotaTracker(Quota{MaxRequestsPerEpoch: 2, EpochSeconds: 60})
	addr := ethcommon.HexToAddress("0x01")
	now := time.Unix(600, 0)
	for i := 0; i < 2; i++ {
		if err := tracker.Consume(addr, big.NewInt(1), now); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}
	if err := tracker.Consume(addr, big.NewInt(1), now); !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected request limit, got %v", err)
	}
	if err := tracker.Consume(addr, big.NewInt(1), now.Add(time.Minute)); err != nil {
		t.Fatalf("new epoch: %v", err)
	}
}

func TestPausesGuard(t *testing.T) {
	p := NewPauses("Forwarder")
	if !errors.Is(Guard(p, "forwarder"), ErrModulePaused) {
		t.Fatalf("expected forwarder paused")
	}
	p.Resume("forwarder")
	if err := Guard(p, "forwarder"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Guard(nil, "forwarder"); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
}
