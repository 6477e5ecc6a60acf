package token

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca201")
)

func expectAmount(t *testing.T, what string, got *big.Int, want int64) {
	t.Helper()
	if got == nil || got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("%s: expected %d, got %v", what, want, got)
	}
}

func TestMintBurnTransfer(t *testing.T) {
	book := NewBook("hub")
	if err := book.Mint("usdc", alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	expectAmount(t, "alice balance", book.BalanceOf("USDC", alice), 100)
	expectAmount(t, "supply", book.TotalSupply("USDC"), 100)

	if err := book.Transfer("USDC", alice, bob, big.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	expectAmount(t, "alice balance", book.BalanceOf("USDC", alice), 60)
	expectAmount(t, "bob balance", book.BalanceOf("USDC", bob), 40)

	if err := book.Transfer("USDC", bob, alice, big.NewInt(41)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	if err := book.Burn("USDC", bob, big.NewInt(40)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	expectAmount(t, "supply", book.TotalSupply("USDC"), 60)
	expectAmount(t, "bob balance", book.BalanceOf("USDC", bob), 0)

	if err := book.Mint("USDC", alice, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := book.Mint("", alice, big.NewInt(1)); !errors.Is(err, ErrAssetRequired) {
		t.Fatalf("expected ErrAssetRequired, got %v", err)
	}
}

func TestAllowanceLifecycle(t *testing.T) {
	book := NewBook("spoke")
	if err := book.Mint("WETH", alice, big.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := book.TransferFrom("WETH", bob, alice, carol, big.NewInt(1)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}

	if err := book.Approve("WETH", alice, bob, big.NewInt(6)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := book.TransferFrom("WETH", bob, alice, carol, big.NewInt(4)); err != nil {
		t.Fatalf("transfer from: %v", err)
	}
	expectAmount(t, "allowance", book.Allowance("WETH", alice, bob), 2)
	expectAmount(t, "carol balance", book.BalanceOf("WETH", carol), 4)

	if err := book.Approve("WETH", alice, bob, nil); err != nil {
		t.Fatalf("clear approval: %v", err)
	}
	expectAmount(t, "allowance", book.Allowance("WETH", alice, bob), 0)

	if err := book.Approve("WETH", alice, bob, big.NewInt(100)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := book.TransferFrom("WETH", bob, alice, carol, big.NewInt(7)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	expectAmount(t, "allowance after failed transfer", book.Allowance("WETH", alice, bob), 100)
}
