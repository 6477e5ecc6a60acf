// Package token implements a per-domain fungible balance book with
// allowance-based custody transfers.
package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAmount         = errors.New("token: amount must be positive")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrAssetRequired         = errors.New("token: asset required")
	ErrZeroAddress           = errors.New("token: zero address")
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

type ledger struct {
	balances   map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int
	supply     *big.Int
}

// Book tracks balances for every asset on a single domain. It is safe for
// concurrent use.
type Book struct {
	mu     sync.RWMutex
	name   string
	assets map[string]*ledger
}

// NewBook constructs an empty book. The name only appears in error messages.
func NewBook(name string) *Book {
	return &Book{name: name, assets: make(map[string]*ledger)}
}

// Name returns the book label.
func (b *Book) Name() string { return b.name }

func normalise(asset string) string { return strings.ToUpper(strings.TrimSpace(asset)) }

func (b *Book) ledgerFor(asset string, create bool) (*ledger, error) {
	symbol := normalise(asset)
	if symbol == "" {
		return nil, ErrAssetRequired
	}
	l, ok := b.assets[symbol]
	if !ok {
		if !create {
			return nil, nil
		}
		l = &ledger{
			balances:   make(map[common.Address]*big.Int),
			allowances: make(map[allowanceKey]*big.Int),
			supply:     big.NewInt(0),
		}
		b.assets[symbol] = l
	}
	return l, nil
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (l *ledger) balance(addr common.Address) *big.Int {
	if bal, ok := l.balances[addr]; ok {
		return bal
	}
	return big.NewInt(0)
}

func (l *ledger) debit(addr common.Address, amount *big.Int) error {
	bal := l.balance(addr)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, bal, amount)
	}
	next := new(big.Int).Sub(bal, amount)
	if next.Sign() == 0 {
		delete(l.balances, addr)
		return nil
	}
	l.balances[addr] = next
	return nil
}

func (l *ledger) credit(addr common.Address, amount *big.Int) {
	l.balances[addr] = new(big.Int).Add(l.balance(addr), amount)
}

// Mint creates new units of asset in the recipient's balance.
func (b *Book) Mint(asset string, to common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	l, err := b.ledgerFor(asset, true)
	if err != nil {
		return err
	}
	l.credit(to, amount)
	l.supply.Add(l.supply, amount)
	return nil
}

// Burn destroys units held by from.
func (b *Book) Burn(asset string, from common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	l, err := b.ledgerFor(asset, true)
	if err != nil {
		return err
	}
	if err := l.debit(from, amount); err != nil {
		return fmt.Errorf("%s burn %s: %w", b.name, normalise(asset), err)
	}
	l.supply.Sub(l.supply, amount)
	return nil
}

// Transfer moves units between two accounts.
func (b *Book) Transfer(asset string, from, to common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	l, err := b.ledgerFor(asset, true)
	if err != nil {
		return err
	}
	if err := l.debit(from, amount); err != nil {
		return fmt.Errorf("%s transfer %s: %w", b.name, normalise(asset), err)
	}
	l.credit(to, amount)
	return nil
}

// Approve sets the amount spender may move out of owner's balance. A zero or
// nil amount revokes the allowance.
func (b *Book) Approve(asset string, owner, spender common.Address, amount *big.Int) error {
	if amount != nil && amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	l, err := b.ledgerFor(asset, true)
	if err != nil {
		return err
	}
	key := allowanceKey{owner: owner, spender: spender}
	if amount == nil || amount.Sign() == 0 {
		delete(l.allowances, key)
		return nil
	}
	l.allowances[key] = new(big.Int).Set(amount)
	return nil
}

// Allowance returns the remaining amount spender may move for owner.
func (b *Book) Allowance(asset string, owner, spender common.Address) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, err := b.ledgerFor(asset, false)
	if err != nil || l == nil {
		return big.NewInt(0)
	}
	if v, ok := l.allowances[allowanceKey{owner: owner, spender: spender}]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

// TransferFrom moves units from owner to recipient using spender's allowance.
func (b *Book) TransferFrom(asset string, spender, from, to common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	l, err := b.ledgerFor(asset, true)
	if err != nil {
		return err
	}
	key := allowanceKey{owner: from, spender: spender}
	allowed, ok := l.allowances[key]
	if !ok || allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%s transferFrom %s: %w", b.name, normalise(asset), ErrInsufficientAllowance)
	}
	if err := l.debit(from, amount); err != nil {
		return fmt.Errorf("%s transferFrom %s: %w", b.name, normalise(asset), err)
	}
	l.credit(to, amount)
	remaining := new(big.Int).Sub(allowed, amount)
	if remaining.Sign() == 0 {
		delete(l.allowances, key)
	} else {
		l.allowances[key] = remaining
	}
	return nil
}

// BalanceOf returns a copy of the account balance.
func (b *Book) BalanceOf(asset string, account common.Address) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, err := b.ledgerFor(asset, false)
	if err != nil || l == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(l.balance(account))
}

// TotalSupply returns the outstanding units of asset on this book.
func (b *Book) TotalSupply(asset string) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, err := b.ledgerFor(asset, false)
	if err != nil || l == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(l.supply)
}

// Assets lists the symbols the book has seen.
func (b *Book) Assets() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.assets))
	for symbol := range b.assets {
		out = append(out, symbol)
	}
	return out
}
