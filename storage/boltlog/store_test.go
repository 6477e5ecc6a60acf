package boltlog

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"crosslend/native/spoke"
	"crosslend/native/xchain"
	"crosslend/transport/httprelay"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spoke.db")
	store, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

var _ spoke.RequestLog = (*Store)(nil)
var _ spoke.ReleaseLog = (*Store)(nil)
var _ httprelay.Receipts = (*Store)(nil)

func TestRequestsNewestFirst(t *testing.T) {
	store, _ := openTemp(t)
	ctx := context.Background()
	alice := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	var id xchain.IntentID
	id[0] = 0xab

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(ctx, spoke.Request{
			IntentID:  id,
			Action:    "supply",
			User:      alice,
			Asset:     "USDC",
			Amount:    big.NewInt(int64(100 + i)),
			Nonce:     uint64(i),
			Fee:       big.NewInt(5),
			Status:    xchain.StatusSent,
			CreatedAt: time.Unix(int64(1_700_000_000+i), 0),
		}))
	}
	require.NoError(t, store.Append(ctx, spoke.Request{Action: "borrow", User: bob, Asset: "USDC", Amount: big.NewInt(1), Status: xchain.StatusFailed, Error: "paused"}))

	list, err := store.ListByUser(ctx, alice, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, uint64(2), list[0].Nonce)
	require.Equal(t, int64(102), list[0].Amount.Int64())
	require.Equal(t, id, list[0].IntentID)
	require.Equal(t, int64(5), list[0].Fee.Int64())

	others, err := store.ListByUser(ctx, bob, 0)
	require.NoError(t, err)
	require.Len(t, others, 1)
	require.Equal(t, xchain.StatusFailed, others[0].Status)
	require.True(t, others[0].IntentID.IsZero())

	none, err := store.ListByUser(ctx, common.HexToAddress("0x01"), 0)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestReleasesPersist(t *testing.T) {
	store, path := openTemp(t)
	ctx := context.Background()
	var id xchain.IntentID
	id[3] = 1

	fresh, err := store.MarkReleased(ctx, id)
	require.NoError(t, err)
	require.True(t, fresh)
	fresh, err = store.MarkReleased(ctx, id)
	require.NoError(t, err)
	require.False(t, fresh)
	require.NoError(t, store.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	released, err := reopened.Released(ctx, id)
	require.NoError(t, err)
	require.True(t, released)
}

func TestRequestStatusUpdate(t *testing.T) {
	store, path := openTemp(t)
	ctx := context.Background()
	alice := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	for i, id := range []xchain.MessageID{"m1", "m2"} {
		require.NoError(t, store.Append(ctx, spoke.Request{
			MessageID: id,
			Action:    "supply",
			User:      alice,
			Asset:     "USDC",
			Amount:    big.NewInt(10),
			Nonce:     uint64(i),
			Status:    xchain.StatusPending,
			CreatedAt: time.Unix(int64(1_700_000_000+i), 0),
		}))
	}

	require.NoError(t, store.Update(ctx, alice, "m1", xchain.StatusFailed, "nonce mismatch"))
	require.NoError(t, store.Update(ctx, alice, "m2", xchain.StatusSent, ""))
	require.ErrorIs(t, store.Update(ctx, alice, "m3", xchain.StatusSent, ""), spoke.ErrRequestNotFound)
	require.ErrorIs(t, store.Update(ctx, common.HexToAddress("0x01"), "m1", xchain.StatusSent, ""), spoke.ErrRequestNotFound)
	require.NoError(t, store.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	list, err := reopened.ListByUser(ctx, alice, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, xchain.MessageID("m2"), list[0].MessageID)
	require.Equal(t, xchain.StatusSent, list[0].Status)
	require.Empty(t, list[0].Error)
	require.Equal(t, xchain.StatusFailed, list[1].Status)
	require.Equal(t, "nonce mismatch", list[1].Error)
	require.Equal(t, uint64(0), list[1].Nonce)
}

func TestReceiptsPersist(t *testing.T) {
	store, path := openTemp(t)
	ctx := context.Background()

	delivered, err := store.Delivered(ctx, "m1")
	require.NoError(t, err)
	require.False(t, delivered)

	require.NoError(t, store.MarkDelivered(ctx, "m1", time.Unix(1_700_000_000, 0)))
	require.NoError(t, store.MarkDelivered(ctx, "m1", time.Unix(1_700_000_100, 0)))
	require.NoError(t, store.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	delivered, err = reopened.Delivered(ctx, "m1")
	require.NoError(t, err)
	require.True(t, delivered)
	delivered, err = reopened.Delivered(ctx, "m2")
	require.NoError(t, err)
	require.False(t, delivered)
}
