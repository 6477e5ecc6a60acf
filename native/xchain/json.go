package xchain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SignedIntentJSON is the wire form of a signed intent used by the spoke API
// and the intentctl tool. Amounts are base-10 strings.
type SignedIntentJSON struct {
	Action    string `json:"action"`
	User      string `json:"user"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Deadline  uint64 `json:"deadline,omitempty"`
	Signature string `json:"signature"`
}

// ToJSON converts a signed intent into its wire form.
func (s SignedIntent) ToJSON() SignedIntentJSON {
	return SignedIntentJSON{
		Action:    s.Intent.Action.String(),
		User:      s.Intent.User.Hex(),
		Asset:     s.Intent.Asset,
		Amount:    CloneAmount(s.Intent.Amount).String(),
		Nonce:     s.Intent.Nonce,
		Deadline:  s.Intent.Deadline,
		Signature: hexutil.Encode(s.Signature),
	}
}

// Decode parses the wire form. Shape errors wrap ErrInvalidIntent; the
// signature itself is not verified here.
func (j SignedIntentJSON) Decode() (SignedIntent, error) {
	action, err := ParseAction(strings.ToLower(strings.TrimSpace(j.Action)))
	if err != nil {
		return SignedIntent{}, err
	}
	if !common.IsHexAddress(j.User) {
		return SignedIntent{}, fmt.Errorf("%w: invalid user %q", ErrInvalidIntent, j.User)
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(j.Amount), 10)
	if !ok {
		return SignedIntent{}, fmt.Errorf("%w: invalid amount %q", ErrInvalidIntent, j.Amount)
	}
	sig, err := hexutil.Decode(strings.TrimSpace(j.Signature))
	if err != nil {
		return SignedIntent{}, fmt.Errorf("%w: signature: %v", ErrInvalidSignature, err)
	}
	return SignedIntent{
		Intent: Intent{
			Action:   action,
			User:     common.HexToAddress(j.User),
			Asset:    j.Asset,
			Amount:   amount,
			Nonce:    j.Nonce,
			Deadline: j.Deadline,
		},
		Signature: sig,
	}, nil
}
