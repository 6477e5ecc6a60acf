package xchain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Action enumerates the lending actions an intent may authorise.
type Action uint8

const (
	ActionSupply Action = 1
	ActionBorrow Action = 2
)

func (a Action) String() string {
	switch a {
	case ActionSupply:
		return "supply"
	case ActionBorrow:
		return "borrow"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Valid reports whether the action is one the protocol executes.
func (a Action) Valid() bool {
	return a == ActionSupply || a == ActionBorrow
}

// ParseAction maps the textual action name used by APIs onto an Action.
func ParseAction(raw string) (Action, error) {
	switch raw {
	case "supply":
		return ActionSupply, nil
	case "borrow":
		return ActionBorrow, nil
	default:
		return 0, fmt.Errorf("%w: unknown action %q", ErrInvalidIntent, raw)
	}
}

// Intent is the unit of authorisation signed by a user off-chain.
type Intent struct {
	Action   Action
	User     common.Address
	Asset    string
	Amount   *big.Int
	Nonce    uint64
	// Deadline is a unix timestamp in seconds; zero means no expiry.
	Deadline uint64
}

// SignedIntent couples an intent with the user's typed-data signature.
type SignedIntent struct {
	Intent    Intent
	Signature []byte
}

// Validate checks the structural invariants independent of signature or nonce
// state.
func (i Intent) Validate() error {
	if !i.Action.Valid() {
		return fmt.Errorf("%w: unsupported action %d", ErrInvalidIntent, i.Action)
	}
	if i.User == (common.Address{}) {
		return fmt.Errorf("%w: user required", ErrInvalidIntent)
	}
	if NormalizeAsset(i.Asset) == "" {
		return fmt.Errorf("%w: asset required", ErrInvalidIntent)
	}
	if i.Asset != NormalizeAsset(i.Asset) {
		return fmt.Errorf("%w: asset must be an upper-case symbol", ErrInvalidIntent)
	}
	if i.Amount == nil || i.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidIntent)
	}
	if _, overflow := uint256.FromBig(i.Amount); overflow {
		return fmt.Errorf("%w: amount exceeds uint256", ErrInvalidIntent)
	}
	return nil
}

// Expired reports whether the deadline has passed at the supplied unix time.
func (i Intent) Expired(now uint64) bool {
	return i.Deadline != 0 && now > i.Deadline
}

// Clone returns a deep copy of the intent.
func (i Intent) Clone() Intent {
	out := i
	if i.Amount != nil {
		out.Amount = new(big.Int).Set(i.Amount)
	}
	return out
}
