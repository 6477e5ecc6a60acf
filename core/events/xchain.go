package events

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"crosslend/core/types"
)

const (
	// TypeSupplyRequested is emitted by a spoke relay once a supply intent has
	// been escrowed and handed to the gateway.
	TypeSupplyRequested = "xchain.supply.requested"
	// TypeBorrowRequested is emitted by a spoke relay once a borrow intent has
	// been handed to the gateway.
	TypeBorrowRequested = "xchain.borrow.requested"
	// TypeSupplyExecuted is emitted by the forwarder after the ledger credited
	// a supply.
	TypeSupplyExecuted = "xchain.supply.executed"
	// TypeBorrowExecuted is emitted by the forwarder after the ledger released
	// borrowed funds.
	TypeBorrowExecuted = "xchain.borrow.executed"
	// TypeSettlementSent is emitted when borrowed funds were handed to the
	// gateway for delivery to the origin domain.
	TypeSettlementSent = "xchain.settlement.sent"
	// TypeSettlementReleased is emitted on the origin domain when settled funds
	// reached the user.
	TypeSettlementReleased = "xchain.settlement.released"
	// TypeIntentRejected is emitted by the hub when an intent failed
	// verification or execution.
	TypeIntentRejected = "xchain.intent.rejected"
)

// IntentRequested captures SupplyRequested and BorrowRequested. Borrow selects
// the emitted type.
type IntentRequested struct {
	Borrow    bool
	IntentID  [32]byte
	User      common.Address
	Asset     string
	Amount    *big.Int
	Nonce     uint64
	Signature []byte
	MessageID string
}

// EventType implements Event.
func (e IntentRequested) EventType() string {
	if e.Borrow {
		return TypeBorrowRequested
	}
	return TypeSupplyRequested
}

// Event renders the canonical attribute map.
func (e IntentRequested) Event() *types.Event {
	attrs := map[string]string{
		"user":      e.User.Hex(),
		"amount":    formatAmount(e.Amount),
		"nonce":     strconv.FormatUint(e.Nonce, 10),
		"signature": "0x" + hex.EncodeToString(e.Signature),
	}
	if asset := normalizeAsset(e.Asset); asset != "" {
		attrs["asset"] = asset
	}
	if id := formatHash(e.IntentID); id != "" {
		attrs["intentId"] = id
	}
	if e.MessageID != "" {
		attrs["messageId"] = e.MessageID
	}
	return &types.Event{Type: e.EventType(), Attributes: attrs}
}

// IntentExecuted captures SupplyExecuted and BorrowExecuted.
type IntentExecuted struct {
	Borrow   bool
	IntentID [32]byte
	User     common.Address
	Asset    string
	Market   string
	Amount   *big.Int
	Nonce    uint64
}

// EventType implements Event.
func (e IntentExecuted) EventType() string {
	if e.Borrow {
		return TypeBorrowExecuted
	}
	return TypeSupplyExecuted
}

// Event renders the canonical attribute map. The amount attribute is the
// credited (supply) or borrowed (borrow) amount.
func (e IntentExecuted) Event() *types.Event {
	attrs := map[string]string{
		"user":   e.User.Hex(),
		"amount": formatAmount(e.Amount),
		"nonce":  strconv.FormatUint(e.Nonce, 10),
	}
	if asset := normalizeAsset(e.Asset); asset != "" {
		attrs["asset"] = asset
	}
	if e.Market != "" {
		attrs["market"] = e.Market
	}
	if id := formatHash(e.IntentID); id != "" {
		attrs["intentId"] = id
	}
	return &types.Event{Type: e.EventType(), Attributes: attrs}
}

// SettlementSent is emitted once borrowed funds are on their way back.
type SettlementSent struct {
	IntentID          [32]byte
	User              common.Address
	Asset             string
	Amount            *big.Int
	DestinationDomain uint64
	MessageID         string
}

// EventType implements Event.
func (SettlementSent) EventType() string { return TypeSettlementSent }

// Event renders the canonical attribute map.
func (e SettlementSent) Event() *types.Event {
	attrs := map[string]string{
		"user":              e.User.Hex(),
		"amount":            formatAmount(e.Amount),
		"destinationDomain": strconv.FormatUint(e.DestinationDomain, 10),
	}
	if asset := normalizeAsset(e.Asset); asset != "" {
		attrs["asset"] = asset
	}
	if id := formatHash(e.IntentID); id != "" {
		attrs["intentId"] = id
	}
	if e.MessageID != "" {
		attrs["messageId"] = e.MessageID
	}
	return &types.Event{Type: TypeSettlementSent, Attributes: attrs}
}

// SettlementReleased is emitted on the origin domain when funds reach the user.
type SettlementReleased struct {
	IntentID [32]byte
	User     common.Address
	Asset    string
	Amount   *big.Int
}

// EventType implements Event.
func (SettlementReleased) EventType() string { return TypeSettlementReleased }

// Event renders the canonical attribute map.
func (e SettlementReleased) Event() *types.Event {
	attrs := map[string]string{
		"user":   e.User.Hex(),
		"amount": formatAmount(e.Amount),
	}
	if asset := normalizeAsset(e.Asset); asset != "" {
		attrs["asset"] = asset
	}
	if id := formatHash(e.IntentID); id != "" {
		attrs["intentId"] = id
	}
	return &types.Event{Type: TypeSettlementReleased, Attributes: attrs}
}

// IntentRejected records a failed execution attempt at the hub.
type IntentRejected struct {
	IntentID [32]byte
	User     common.Address
	Asset    string
	Nonce    uint64
	Reason   string
}

// EventType implements Event.
func (IntentRejected) EventType() string { return TypeIntentRejected }

// Event renders the canonical attribute map.
func (e IntentRejected) Event() *types.Event {
	attrs := map[string]string{
		"user":   e.User.Hex(),
		"nonce":  strconv.FormatUint(e.Nonce, 10),
		"reason": e.Reason,
	}
	if asset := normalizeAsset(e.Asset); asset != "" {
		attrs["asset"] = asset
	}
	if id := formatHash(e.IntentID); id != "" {
		attrs["intentId"] = id
	}
	return &types.Event{Type: TypeIntentRejected, Attributes: attrs}
}
