package xchain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSignature is returned when the recovered signer does not match
	// the intent's user or the signature is malformed.
	ErrInvalidSignature = errors.New("xchain: invalid signature")
	// ErrNonceMismatch is returned when the intent nonce is not acceptable to
	// the user's nonce registry entry.
	ErrNonceMismatch = errors.New("xchain: nonce mismatch")
	// ErrDeadlineExpired is returned when a nonzero deadline lies in the past.
	ErrDeadlineExpired = errors.New("xchain: deadline expired")
	// ErrLedgerRejected is matched by every LedgerError.
	ErrLedgerRejected = errors.New("xchain: ledger rejected")
	// ErrAssetMismatch is returned when the resolved market does not list the
	// intent's asset.
	ErrAssetMismatch = errors.New("xchain: asset mismatch")
	// ErrUnauthorizedSource is returned for deliveries from an unregistered
	// domain or address.
	ErrUnauthorizedSource = errors.New("xchain: unauthorized source")
	// ErrInsufficientRelayPayment is returned when the relay fee is below the
	// configured minimum.
	ErrInsufficientRelayPayment = errors.New("xchain: insufficient relay payment")
	// ErrInvalidPayload is returned for undecodable payloads or payloads that
	// do not match the delivery shape.
	ErrInvalidPayload = errors.New("xchain: invalid payload")
	// ErrInvalidIntent is returned for structurally invalid intents.
	ErrInvalidIntent = errors.New("xchain: invalid intent")
	// ErrUnknownAsset is returned when no market is registered for an asset.
	ErrUnknownAsset = errors.New("xchain: unknown asset")
	// ErrDuplicateSettlement is returned when a settlement for the same intent
	// was already released.
	ErrDuplicateSettlement = errors.New("xchain: duplicate settlement")
	// ErrPaused is returned when the component is paused by an operator.
	ErrPaused = errors.New("xchain: paused")
	// ErrAlreadyDelivered is returned for a message id the destination has
	// already applied.
	ErrAlreadyDelivered = errors.New("xchain: message already delivered")
	// ErrDeliveryInFlight is returned while an earlier attempt of the same
	// message is still being applied.
	ErrDeliveryInFlight = errors.New("xchain: delivery in flight")
	// ErrDeliveryUnconfirmed is returned when the outcome of a delivery is
	// unknown. Attached value stays locked until the message is reconciled.
	ErrDeliveryUnconfirmed = errors.New("xchain: delivery unconfirmed")
)

// LedgerError wraps a rejection reported by the lending ledger.
type LedgerError struct {
	Op     string
	Market string
	Reason error
}

func (e *LedgerError) Error() string {
	if e == nil {
		return ErrLedgerRejected.Error()
	}
	return fmt.Sprintf("%s: %s %s: %v", ErrLedgerRejected.Error(), e.Op, e.Market, e.Reason)
}

// Is reports whether target is ErrLedgerRejected.
func (e *LedgerError) Is(target error) bool {
	return target == ErrLedgerRejected
}

// Unwrap exposes the ledger's own reason.
func (e *LedgerError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Reason
}

// RejectionReason maps an execution error onto a stable label used in metrics
// and rejection events.
func RejectionReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrDeadlineExpired):
		return "deadline_expired"
	case errors.Is(err, ErrNonceMismatch):
		return "nonce_mismatch"
	case errors.Is(err, ErrLedgerRejected):
		return "ledger_rejected"
	case errors.Is(err, ErrAssetMismatch):
		return "asset_mismatch"
	case errors.Is(err, ErrUnauthorizedSource):
		return "unauthorized_source"
	case errors.Is(err, ErrInsufficientRelayPayment):
		return "insufficient_relay_payment"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrInvalidIntent):
		return "invalid_intent"
	case errors.Is(err, ErrUnknownAsset):
		return "unknown_asset"
	case errors.Is(err, ErrDuplicateSettlement):
		return "duplicate_settlement"
	case errors.Is(err, ErrPaused):
		return "paused"
	case errors.Is(err, ErrAlreadyDelivered):
		return "already_delivered"
	case errors.Is(err, ErrDeliveryInFlight):
		return "delivery_in_flight"
	case errors.Is(err, ErrDeliveryUnconfirmed):
		return "delivery_unconfirmed"
	default:
		return "internal"
	}
}
