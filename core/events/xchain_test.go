package events

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestIntentRequestedEvent(t *testing.T) {
	user := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	evt := IntentRequested{
		IntentID:  [32]byte{1},
		User:      user,
		Asset:     "usdc",
		Amount:    big.NewInt(100),
		Nonce:     3,
		Signature: []byte{0xde, 0xad},
	}.Event()
	require.Equal(t, TypeSupplyRequested, evt.Type)
	require.Equal(t, "USDC", evt.Attributes["asset"])
	require.Equal(t, "100", evt.Attributes["amount"])
	require.Equal(t, "3", evt.Attributes["nonce"])
	require.Equal(t, "0xdead", evt.Attributes["signature"])
	require.Equal(t, user.Hex(), evt.Attributes["user"])
	require.Contains(t, evt.Attributes["intentId"], "0x01")

	borrow := IntentRequested{Borrow: true, User: user, Amount: big.NewInt(1)}
	require.Equal(t, TypeBorrowRequested, borrow.EventType())
	_, hasID := borrow.Event().Attributes["intentId"]
	require.False(t, hasID)
}

func TestSettlementSentEvent(t *testing.T) {
	evt := SettlementSent{
		User:              common.HexToAddress("0x01"),
		Asset:             "weth",
		Amount:            big.NewInt(50),
		DestinationDomain: 97,
		MessageID:         "msg-1",
	}.Event()
	require.Equal(t, TypeSettlementSent, evt.Type)
	require.Equal(t, "WETH", evt.Attributes["asset"])
	require.Equal(t, "97", evt.Attributes["destinationDomain"])
	require.Equal(t, "msg-1", evt.Attributes["messageId"])
}

func TestFanoutAndRecorder(t *testing.T) {
	first := &Recorder{}
	second := &Recorder{}
	fan := NewFanout(first, nil, second)
	fan.Emit(IntentRejected{Reason: "nonce"})
	fan.Emit(SettlementReleased{Amount: big.NewInt(1)})

	require.Len(t, first.Events(), 2)
	require.Len(t, second.Events(), 2)
	require.Len(t, first.OfType(TypeIntentRejected), 1)
	require.Equal(t, "nonce", first.OfType(TypeIntentRejected)[0].Event().Attributes["reason"])
}
