// Package httprelay carries gateway messages between domains over HTTP. The
// sending side locks attached value in its domain's bridge account and POSTs
// the delivery; the receiving side releases the same amount from its bridge
// account to the destination and invokes the registered handler.
package httprelay

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"crosslend/native/xchain"
)

// DeliveryPath is the route deliveries are POSTed to.
const DeliveryPath = "/v1/deliveries"

// ScopeDeliver is the token scope required to post deliveries.
const ScopeDeliver = "deliver"

type endpointJSON struct {
	Domain  uint64 `json:"domain"`
	Address string `json:"address"`
}

type deliveryJSON struct {
	MessageID   string       `json:"messageId"`
	Source      endpointJSON `json:"source"`
	Destination endpointJSON `json:"destination"`
	Payload     string       `json:"payload"`
	Asset       string       `json:"asset,omitempty"`
	Amount      string       `json:"amount,omitempty"`
}

type errorJSON struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type ackJSON struct {
	MessageID string `json:"messageId"`
}

func encodeEndpoint(ep xchain.Endpoint) endpointJSON {
	return endpointJSON{Domain: uint64(ep.Domain), Address: ep.Address.Hex()}
}

func decodeEndpoint(raw endpointJSON) (xchain.Endpoint, error) {
	if !common.IsHexAddress(raw.Address) {
		return xchain.Endpoint{}, fmt.Errorf("invalid address %q", raw.Address)
	}
	return xchain.Endpoint{Domain: xchain.DomainID(raw.Domain), Address: common.HexToAddress(raw.Address)}, nil
}

func encodeDelivery(env xchain.Envelope) deliveryJSON {
	out := deliveryJSON{
		MessageID:   string(env.MessageID),
		Source:      encodeEndpoint(env.Source),
		Destination: encodeEndpoint(env.Destination),
		Payload:     "0x" + hex.EncodeToString(env.Payload),
	}
	if env.HasValue() {
		out.Asset = env.Asset
		out.Amount = env.Amount.String()
	}
	return out
}

func decodeDelivery(raw deliveryJSON) (xchain.Envelope, error) {
	if strings.TrimSpace(raw.MessageID) == "" {
		return xchain.Envelope{}, errors.New("messageId required")
	}
	src, err := decodeEndpoint(raw.Source)
	if err != nil {
		return xchain.Envelope{}, fmt.Errorf("source: %w", err)
	}
	dst, err := decodeEndpoint(raw.Destination)
	if err != nil {
		return xchain.Envelope{}, fmt.Errorf("destination: %w", err)
	}
	payload, err := hex.DecodeString(strings.TrimPrefix(raw.Payload, "0x"))
	if err != nil {
		return xchain.Envelope{}, fmt.Errorf("payload: %w", err)
	}
	env := xchain.Envelope{MessageID: xchain.MessageID(raw.MessageID), Source: src, Destination: dst, Payload: payload}
	if raw.Amount != "" || raw.Asset != "" {
		amount, ok := new(big.Int).SetString(raw.Amount, 10)
		if !ok || amount.Sign() <= 0 {
			return xchain.Envelope{}, fmt.Errorf("invalid amount %q", raw.Amount)
		}
		env.Asset = xchain.NormalizeAsset(raw.Asset)
		if env.Asset == "" {
			return xchain.Envelope{}, errors.New("asset required with amount")
		}
		env.Amount = amount
	}
	return env, nil
}

var reasonErrors = map[string]error{}

func init() {
	for _, err := range []error{
		xchain.ErrInvalidSignature,
		xchain.ErrNonceMismatch,
		xchain.ErrDeadlineExpired,
		xchain.ErrLedgerRejected,
		xchain.ErrAssetMismatch,
		xchain.ErrUnauthorizedSource,
		xchain.ErrInsufficientRelayPayment,
		xchain.ErrInvalidPayload,
		xchain.ErrInvalidIntent,
		xchain.ErrUnknownAsset,
		xchain.ErrDuplicateSettlement,
		xchain.ErrPaused,
		xchain.ErrAlreadyDelivered,
		xchain.ErrDeliveryInFlight,
	} {
		reasonErrors[xchain.RejectionReason(err)] = err
	}
}

// RemoteError is a rejection reported by the destination handler.
type RemoteError struct {
	Status  int
	Reason  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("httprelay: remote rejected delivery (%d %s): %s", e.Status, e.Reason, e.Message)
}

// Unwrap maps the remote reason back onto the matching sentinel so callers
// can use errors.Is across the wire.
func (e *RemoteError) Unwrap() error {
	return reasonErrors[e.Reason]
}
