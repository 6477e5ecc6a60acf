package xchain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// DomainID identifies an execution domain (chain id).
type DomainID uint64

func (d DomainID) String() string { return fmt.Sprintf("%d", uint64(d)) }

// Endpoint names a contract address on a domain.
type Endpoint struct {
	Domain  DomainID
	Address common.Address
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%d/%s", uint64(e.Domain), e.Address.Hex())
}

// IsZero reports whether the endpoint is unset.
func (e Endpoint) IsZero() bool {
	return e.Domain == 0 && e.Address == (common.Address{})
}

// NormalizeAsset canonicalises an asset symbol.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// CloneAmount returns a copy of the amount, or zero for nil input.
func CloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
