package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Market captures the accounting state of a single lending market. Amounts
// are denominated in the smallest unit of the market asset.
type Market struct {
	// ID is the market identifier referenced by intents after symbol
	// resolution.
	ID string
	// Asset is the upper-case symbol of the underlying token.
	Asset string
	// Cash is the underlying currently held in custody for the market.
	Cash *big.Int
	// TotalSupplied is the aggregate liquidity deposited by lenders.
	TotalSupplied *big.Int
	// TotalBorrowed tracks the outstanding principal across all accounts.
	TotalBorrowed *big.Int
	// TotalSupplyShares is the number of supply shares in circulation.
	TotalSupplyShares *big.Int
	// SupplyIndex converts shares into underlying, in ray precision.
	SupplyIndex *big.Int
}

// Clone returns a deep copy of the market.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	return &Market{
		ID:                m.ID,
		Asset:             m.Asset,
		Cash:              cloneBig(m.Cash),
		TotalSupplied:     cloneBig(m.TotalSupplied),
		TotalBorrowed:     cloneBig(m.TotalBorrowed),
		TotalSupplyShares: cloneBig(m.TotalSupplyShares),
		SupplyIndex:       cloneBig(m.SupplyIndex),
	}
}

// UserAccount maintains the position of one participant in one market.
type UserAccount struct {
	Address common.Address
	// SupplyShares is the participant's claim on the market's supply.
	SupplyShares *big.Int
	// Debt is the outstanding borrowed principal.
	Debt *big.Int
}

// Clone returns a deep copy of the account.
func (a *UserAccount) Clone() *UserAccount {
	if a == nil {
		return nil
	}
	return &UserAccount{Address: a.Address, SupplyShares: cloneBig(a.SupplyShares), Debt: cloneBig(a.Debt)}
}

// Position is the read model of a user's holdings in one market.
type Position struct {
	Market   string
	Asset    string
	Supplied *big.Int
	Shares   *big.Int
	Debt     *big.Int
}

// RiskParameters groups the safety limits applied to a market.
type RiskParameters struct {
	// CollateralFactorBps is the share of supplied value that counts towards
	// borrowing power, expressed in basis points.
	CollateralFactorBps uint64
	// CircuitBreakerActive halts new borrowing in the market.
	CircuitBreakerActive bool
}

// MarketConfig registers a market with the engine.
type MarketConfig struct {
	ID     string
	Asset  string
	Risk   RiskParameters
	Caps   BorrowCaps
	Pauses ActionPauses
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
