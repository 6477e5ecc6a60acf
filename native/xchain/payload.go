package xchain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// PayloadKind is the leading byte of every cross-domain payload.
type PayloadKind byte

const (
	KindIntent     PayloadKind = 0x01
	KindSettlement PayloadKind = 0x02
)

type intentRLP struct {
	Action    uint8
	User      common.Address
	Asset     string
	Amount    *big.Int
	Nonce     uint64
	Deadline  uint64
	Signature []byte
}

// SettlementPayload instructs the origin domain to release funds to the
// recipient on behalf of the identified borrow.
type SettlementPayload struct {
	IntentID  IntentID
	Recipient common.Address
	Asset     string
	Amount    *big.Int
}

// EncodeIntent serialises a signed intent for transport.
func EncodeIntent(signed SignedIntent) ([]byte, error) {
	if signed.Intent.Amount == nil {
		return nil, fmt.Errorf("%w: amount required", ErrInvalidPayload)
	}
	body, err := rlp.EncodeToBytes(intentRLP{
		Action:    uint8(signed.Intent.Action),
		User:      signed.Intent.User,
		Asset:     signed.Intent.Asset,
		Amount:    signed.Intent.Amount,
		Nonce:     signed.Intent.Nonce,
		Deadline:  signed.Intent.Deadline,
		Signature: signed.Signature,
	})
	if err != nil {
		return nil, fmt.Errorf("xchain: encode intent: %w", err)
	}
	return append([]byte{byte(KindIntent)}, body...), nil
}

// DecodeIntent parses an intent payload. Structural validation of the intent
// is left to the verifier so that rejections carry the precise reason.
func DecodeIntent(payload []byte) (SignedIntent, error) {
	if err := expectKind(payload, KindIntent); err != nil {
		return SignedIntent{}, err
	}
	var raw intentRLP
	if err := rlp.DecodeBytes(payload[1:], &raw); err != nil {
		return SignedIntent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := checkUint256(raw.Amount); err != nil {
		return SignedIntent{}, err
	}
	return SignedIntent{
		Intent: Intent{
			Action:   Action(raw.Action),
			User:     raw.User,
			Asset:    raw.Asset,
			Amount:   raw.Amount,
			Nonce:    raw.Nonce,
			Deadline: raw.Deadline,
		},
		Signature: raw.Signature,
	}, nil
}

// EncodeSettlement serialises a settlement instruction.
func EncodeSettlement(p SettlementPayload) ([]byte, error) {
	if err := checkUint256(p.Amount); err != nil {
		return nil, err
	}
	body, err := rlp.EncodeToBytes(&p)
	if err != nil {
		return nil, fmt.Errorf("xchain: encode settlement: %w", err)
	}
	return append([]byte{byte(KindSettlement)}, body...), nil
}

// DecodeSettlement parses a settlement payload.
func DecodeSettlement(payload []byte) (SettlementPayload, error) {
	if err := expectKind(payload, KindSettlement); err != nil {
		return SettlementPayload{}, err
	}
	var out SettlementPayload
	if err := rlp.DecodeBytes(payload[1:], &out); err != nil {
		return SettlementPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := checkUint256(out.Amount); err != nil {
		return SettlementPayload{}, err
	}
	if out.Amount.Sign() == 0 || out.Recipient == (common.Address{}) {
		return SettlementPayload{}, fmt.Errorf("%w: empty settlement", ErrInvalidPayload)
	}
	return out, nil
}

// PeekKind returns the payload kind without decoding the body.
func PeekKind(payload []byte) (PayloadKind, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	kind := PayloadKind(payload[0])
	if kind != KindIntent && kind != KindSettlement {
		return 0, fmt.Errorf("%w: unknown kind 0x%02x", ErrInvalidPayload, payload[0])
	}
	return kind, nil
}

func expectKind(payload []byte, want PayloadKind) error {
	kind, err := PeekKind(payload)
	if err != nil {
		return err
	}
	if kind != want {
		return fmt.Errorf("%w: kind 0x%02x, want 0x%02x", ErrInvalidPayload, byte(kind), byte(want))
	}
	return nil
}

func checkUint256(v *big.Int) error {
	if v == nil || v.Sign() < 0 {
		return fmt.Errorf("%w: invalid amount", ErrInvalidPayload)
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return fmt.Errorf("%w: amount exceeds uint256", ErrInvalidPayload)
	}
	return nil
}
