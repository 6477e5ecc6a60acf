package xchain

import (
	"encoding/binary"
	"math/big"

	"lukechampine.com/blake3"
)

// MessageID is the gateway-assigned identifier of a queued message.
type MessageID string

// OutboundMessage is what a sender hands to a Gateway. Asset and Amount are
// optional attached value, debited from Source.Address on send. Fee is paid in
// the gateway's fee asset by the same account.
type OutboundMessage struct {
	Source      Endpoint
	Destination Endpoint
	Payload     []byte
	Asset       string
	Amount      *big.Int
	Fee         *big.Int
}

// HasValue reports whether the message carries attached funds.
func (m OutboundMessage) HasValue() bool {
	return m.Asset != "" && m.Amount != nil && m.Amount.Sign() > 0
}

// Envelope is a message in flight between domains.
type Envelope struct {
	MessageID   MessageID
	Source      Endpoint
	Destination Endpoint
	Payload     []byte
	Asset       string
	Amount      *big.Int
}

// NewEnvelope stamps an outbound message with its id.
func NewEnvelope(id MessageID, msg OutboundMessage) Envelope {
	env := Envelope{
		MessageID:   id,
		Source:      msg.Source,
		Destination: msg.Destination,
		Payload:     append([]byte(nil), msg.Payload...),
	}
	if msg.HasValue() {
		env.Asset = NormalizeAsset(msg.Asset)
		env.Amount = new(big.Int).Set(msg.Amount)
	}
	return env
}

// HasValue reports whether the envelope carries attached funds.
func (e Envelope) HasValue() bool {
	return e.Asset != "" && e.Amount != nil && e.Amount.Sign() > 0
}

// Digest is a content hash of the envelope used for delivery logging.
func (e Envelope) Digest() [32]byte {
	h := blake3.New(32, nil)
	var buf [8]byte
	writeEndpoint := func(ep Endpoint) {
		binary.BigEndian.PutUint64(buf[:], uint64(ep.Domain))
		h.Write(buf[:])
		h.Write(ep.Address.Bytes())
	}
	h.Write([]byte(e.MessageID))
	writeEndpoint(e.Source)
	writeEndpoint(e.Destination)
	binary.BigEndian.PutUint64(buf[:], uint64(len(e.Payload)))
	h.Write(buf[:])
	h.Write(e.Payload)
	h.Write([]byte(e.Asset))
	if e.Amount != nil {
		h.Write(e.Amount.Bytes())
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
