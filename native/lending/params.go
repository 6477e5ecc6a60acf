package lending

import "math/big"

// BorrowCaps captures the throttles applied to lending markets to limit borrow growth.
type BorrowCaps struct {
	// Total constrains the aggregate outstanding borrow exposure.
	Total *big.Int
	// UtilisationBps bounds the borrow utilisation relative to supplied liquidity.
	UtilisationBps uint64
}

// Clone returns a deep copy of the borrow caps structure.
func (c BorrowCaps) Clone() BorrowCaps {
	clone := BorrowCaps{UtilisationBps: c.UtilisationBps}
	if c.Total != nil {
		clone.Total = new(big.Int).Set(c.Total)
	}
	return clone
}

// ActionPauses exposes fine-grained switches for pausing individual lending flows.
type ActionPauses struct {
	Supply bool
	Borrow bool
}
