package xchain

import (
	"context"
	"math/big"
)

// Gateway queues a message for delivery to another domain. Send returns once
// the message is accepted; delivery happens asynchronously and may be
// reordered or duplicated.
type Gateway interface {
	Send(ctx context.Context, msg OutboundMessage) (MessageID, error)
}

// Handler receives delivered messages on the destination domain. A non-nil
// error reverts the delivery, including any attached value.
type Handler interface {
	OnMessage(ctx context.Context, source Endpoint, payload []byte) error
	OnMessageWithValue(ctx context.Context, source Endpoint, payload []byte, asset string, amount *big.Int) error
}

// GatewayFunc adapts a function into a Gateway.
type GatewayFunc func(ctx context.Context, msg OutboundMessage) (MessageID, error)

// Send implements Gateway.
func (f GatewayFunc) Send(ctx context.Context, msg OutboundMessage) (MessageID, error) {
	return f(ctx, msg)
}
