package lending

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "crosslend/native/common"
)

var (
	ErrUnknownMarket          = errors.New("lending engine: market not registered")
	ErrInvalidAmount          = errors.New("lending engine: amount must be positive")
	ErrInsufficientLiquidity  = errors.New("lending engine: insufficient liquidity")
	ErrInsufficientCollateral = errors.New("lending engine: insufficient collateral")
	ErrBorrowCapExceeded      = errors.New("lending engine: borrow cap exceeded")
	ErrActionPaused           = errors.New("lending engine: action paused")
	ErrOperatorRequired       = errors.New("lending engine: operator not configured")
	errNilState               = errors.New("lending engine: state not configured")
)

const moduleName = "lending"

// Vault is the token book holding market custody.
type Vault interface {
	Transfer(asset string, from, to common.Address, amount *big.Int) error
	TransferFrom(asset string, spender, from, to common.Address, amount *big.Int) error
	BalanceOf(asset string, account common.Address) *big.Int
}

// Engine is the hub's reference lending ledger. Supplies are pulled from the
// operator through an allowance and borrowed funds are released to it, so
// only the operator (the forwarder) can move value in or out.
type Engine struct {
	mu       sync.Mutex
	state    engineState
	vault    Vault
	custody  common.Address
	operator common.Address
	configs  map[string]MarketConfig
	pauses   nativecommon.PauseView
}

// NewEngine constructs an engine whose markets hold their underlying at
// custody on the supplied vault.
func NewEngine(vault Vault, custody common.Address) *Engine {
	return &Engine{
		state:   newMemoryState(),
		vault:   vault,
		custody: custody,
		configs: make(map[string]MarketConfig),
	}
}

// SetOperator grants the single address allowed to supply and receive
// borrowed funds.
func (e *Engine) SetOperator(operator common.Address) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.operator = operator
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// Custody returns the address holding market underlying.
func (e *Engine) Custody() common.Address { return e.custody }

// AddMarket registers a new market.
func (e *Engine) AddMarket(cfg MarketConfig) error {
	id := strings.TrimSpace(cfg.ID)
	asset := strings.ToUpper(strings.TrimSpace(cfg.Asset))
	if id == "" || asset == "" {
		return fmt.Errorf("lending engine: market id and asset required")
	}
	if cfg.Risk.CollateralFactorBps > 10_000 {
		return fmt.Errorf("lending engine: collateral factor above 100%%")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.configs[id]; exists {
		return fmt.Errorf("lending engine: market %q already registered", id)
	}
	cfg.ID = id
	cfg.Asset = asset
	cfg.Caps = cfg.Caps.Clone()
	e.configs[id] = cfg
	return e.state.PutMarket(id, &Market{
		ID:                id,
		Asset:             asset,
		Cash:              big.NewInt(0),
		TotalSupplied:     big.NewInt(0),
		TotalBorrowed:     big.NewInt(0),
		TotalSupplyShares: big.NewInt(0),
		SupplyIndex:       new(big.Int).Set(ray),
	})
}

// MarketAsset resolves the underlying symbol of a market.
func (e *Engine) MarketAsset(market string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, ok := e.configs[market]
	return cfg.Asset, ok
}

// CreditSupply pulls amount of the market asset from the operator and credits
// supply shares to user. The credited underlying amount is returned.
func (e *Engine) CreditSupply(ctx context.Context, market string, user common.Address, amount *big.Int) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, m, err := e.prepare(market, amount)
	if err != nil {
		return nil, err
	}
	if cfg.Pauses.Supply {
		return nil, fmt.Errorf("%w: supply %s", ErrActionPaused, market)
	}

	account, err := e.loadAccount(market, user)
	if err != nil {
		return nil, err
	}

	// Shares mint 1:1 while the market is empty.
	minted := new(big.Int)
	if m.TotalSupplyShares.Sign() == 0 {
		minted.Set(amount)
	} else {
		minted = sharesFromLiquidity(amount, m.SupplyIndex)
		if minted.Sign() == 0 {
			return nil, ErrInvalidAmount
		}
	}

	if err := e.vault.TransferFrom(m.Asset, e.custody, e.operator, e.custody, amount); err != nil {
		return nil, fmt.Errorf("lending engine: pull supply: %w", err)
	}

	account.SupplyShares = new(big.Int).Add(account.SupplyShares, minted)
	m.Cash = new(big.Int).Add(m.Cash, amount)
	m.TotalSupplied = new(big.Int).Add(m.TotalSupplied, amount)
	m.TotalSupplyShares = new(big.Int).Add(m.TotalSupplyShares, minted)

	if err := e.state.PutUserAccount(market, account); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(market, m); err != nil {
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

// CreditBorrow records debt for user and releases amount to the operator after
// the solvency check passes. The released amount is returned.
func (e *Engine) CreditBorrow(ctx context.Context, market string, user common.Address, amount *big.Int) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, m, err := e.prepare(market, amount)
	if err != nil {
		return nil, err
	}
	if cfg.Pauses.Borrow || cfg.Risk.CircuitBreakerActive {
		return nil, fmt.Errorf("%w: borrow %s", ErrActionPaused, market)
	}
	if m.Cash.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientLiquidity, m.Cash, amount)
	}
	nextBorrowed := new(big.Int).Add(m.TotalBorrowed, amount)
	if cfg.Caps.Total != nil && cfg.Caps.Total.Sign() > 0 && nextBorrowed.Cmp(cfg.Caps.Total) > 0 {
		return nil, fmt.Errorf("%w: total", ErrBorrowCapExceeded)
	}
	if cfg.Caps.UtilisationBps > 0 && m.TotalSupplied.Sign() > 0 {
		limit := applyBps(m.TotalSupplied, cfg.Caps.UtilisationBps)
		if nextBorrowed.Cmp(limit) > 0 {
			return nil, fmt.Errorf("%w: utilisation", ErrBorrowCapExceeded)
		}
	}

	power, debt, err := e.borrowPower(user)
	if err != nil {
		return nil, err
	}
	debt.Add(debt, amount)
	if power.Cmp(debt) < 0 {
		return nil, fmt.Errorf("%w: borrowing power %s, debt after borrow %s", ErrInsufficientCollateral, power, debt)
	}

	account, err := e.loadAccount(market, user)
	if err != nil {
		return nil, err
	}
	if err := e.vault.Transfer(m.Asset, e.custody, e.operator, amount); err != nil {
		return nil, fmt.Errorf("lending engine: release borrow: %w", err)
	}

	account.Debt = new(big.Int).Add(account.Debt, amount)
	m.Cash = new(big.Int).Sub(m.Cash, amount)
	m.TotalBorrowed = nextBorrowed

	if err := e.state.PutUserAccount(market, account); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(market, m); err != nil {
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

// CustodyOf reports the underlying held for a market.
func (e *Engine) CustodyOf(market string) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.state.GetMarket(market)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrUnknownMarket
	}
	return m.Cash, nil
}

// Market returns a snapshot of the market state.
func (e *Engine) Market(id string) (*Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.state.GetMarket(id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrUnknownMarket
	}
	return m, nil
}

// Positions lists user's non-empty positions across markets.
func (e *Engine) Positions(user common.Address) ([]Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids, err := e.state.MarketIDs()
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(ids))
	for _, id := range ids {
		m, err := e.state.GetMarket(id)
		if err != nil {
			return nil, err
		}
		acc, err := e.loadAccount(id, user)
		if err != nil {
			return nil, err
		}
		if acc.SupplyShares.Sign() == 0 && acc.Debt.Sign() == 0 {
			continue
		}
		out = append(out, Position{
			Market:   id,
			Asset:    m.Asset,
			Supplied: liquidityFromShares(acc.SupplyShares, m.SupplyIndex),
			Shares:   acc.SupplyShares,
			Debt:     acc.Debt,
		})
	}
	return out, nil
}

func (e *Engine) prepare(market string, amount *big.Int) (MarketConfig, *Market, error) {
	if e == nil || e.state == nil {
		return MarketConfig{}, nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return MarketConfig{}, nil, err
	}
	if e.operator == (common.Address{}) {
		return MarketConfig{}, nil, ErrOperatorRequired
	}
	if amount == nil || amount.Sign() <= 0 {
		return MarketConfig{}, nil, ErrInvalidAmount
	}
	cfg, ok := e.configs[market]
	if !ok {
		return MarketConfig{}, nil, fmt.Errorf("%w: %q", ErrUnknownMarket, market)
	}
	m, err := e.state.GetMarket(market)
	if err != nil {
		return MarketConfig{}, nil, err
	}
	if m == nil {
		return MarketConfig{}, nil, fmt.Errorf("%w: %q", ErrUnknownMarket, market)
	}
	return cfg, m, nil
}

func (e *Engine) loadAccount(market string, user common.Address) (*UserAccount, error) {
	acc, err := e.state.GetUserAccount(market, user)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = &UserAccount{Address: user, SupplyShares: big.NewInt(0), Debt: big.NewInt(0)}
	}
	return acc, nil
}

// borrowPower sums collateral-weighted supply and outstanding debt across
// markets. Prices are unit prices.
func (e *Engine) borrowPower(user common.Address) (*big.Int, *big.Int, error) {
	power := big.NewInt(0)
	debt := big.NewInt(0)
	ids, err := e.state.MarketIDs()
	if err != nil {
		return nil, nil, err
	}
	for _, id := range ids {
		m, err := e.state.GetMarket(id)
		if err != nil {
			return nil, nil, err
		}
		acc, err := e.loadAccount(id, user)
		if err != nil {
			return nil, nil, err
		}
		supplied := liquidityFromShares(acc.SupplyShares, m.SupplyIndex)
		power.Add(power, applyBps(supplied, e.configs[id].Risk.CollateralFactorBps))
		debt.Add(debt, acc.Debt)
	}
	return power, debt, nil
}
