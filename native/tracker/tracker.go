// Package tracker follows intents through their cross-domain lifecycle by
// consuming the events emitted on both domains, and keeps a running view of
// each user's cross-domain positions.
package tracker

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"crosslend/core/events"
	"crosslend/native/xchain"
)

// Transition is one recorded status change.
type Transition struct {
	Status xchain.Status
	At     time.Time
}

// Intent is the tracked view of a single intent.
type Intent struct {
	ID                  xchain.IntentID
	Action              string
	User                common.Address
	Asset               string
	Market              string
	Amount              *big.Int
	Nonce               uint64
	Status              xchain.Status
	RequestMessageID    string
	SettlementMessageID string
	Reason              string
	History             []Transition
	UpdatedAt           time.Time
}

// Position aggregates a user's executed activity per asset.
type Position struct {
	User     common.Address
	Asset    string
	Supplied *big.Int
	Borrowed *big.Int
	// Released counts borrowed value already paid out on the origin domain.
	Released  *big.Int
	UpdatedAt time.Time
}

type positionKey struct {
	user  common.Address
	asset string
}

// Tracker is an events.Emitter; plug it into a Fanout next to other sinks.
type Tracker struct {
	mu        sync.RWMutex
	intents   map[xchain.IntentID]*Intent
	positions map[positionKey]*Position
	now       func() time.Time
}

// Option customises a tracker.
type Option func(*Tracker)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.now = clock }
}

func New(opts ...Option) *Tracker {
	t := &Tracker{
		intents:   make(map[xchain.IntentID]*Intent),
		positions: make(map[positionKey]*Position),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Emit implements events.Emitter.
func (t *Tracker) Emit(evt events.Event) {
	switch e := evt.(type) {
	case events.IntentRequested:
		t.requested(e)
	case events.IntentExecuted:
		t.executed(e)
	case events.SettlementSent:
		t.settlementSent(e)
	case events.SettlementReleased:
		t.released(e)
	case events.IntentRejected:
		t.rejected(e)
	}
}

// Observe records a status reported out of band, such as a hub receiver
// accepting a delivery. It has the signature of hub.StatusHook.
func (t *Tracker) Observe(id xchain.IntentID, status xchain.Status) {
	if id.IsZero() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advance(t.entry(id), status)
}

// Intent returns a copy of the tracked intent.
func (t *Tracker) Intent(id xchain.IntentID) (Intent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.intents[id]
	if !ok {
		return Intent{}, false
	}
	return rec.clone(), true
}

// IntentsByUser returns the user's intents, most recently updated first.
func (t *Tracker) IntentsByUser(user common.Address) []Intent {
	t.mu.RLock()
	out := make([]Intent, 0)
	for _, rec := range t.intents {
		if rec.User == user {
			out = append(out, rec.clone())
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// Positions returns the user's positions sorted by asset.
func (t *Tracker) Positions(user common.Address) []Position {
	t.mu.RLock()
	out := make([]Position, 0)
	for key, pos := range t.positions {
		if key.user != user {
			continue
		}
		out = append(out, Position{
			User:      pos.User,
			Asset:     pos.Asset,
			Supplied:  new(big.Int).Set(pos.Supplied),
			Borrowed:  new(big.Int).Set(pos.Borrowed),
			Released:  new(big.Int).Set(pos.Released),
			UpdatedAt: pos.UpdatedAt,
		})
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Counts returns the number of tracked intents per status.
func (t *Tracker) Counts() map[xchain.Status]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	counts := make(map[xchain.Status]int)
	for _, rec := range t.intents {
		counts[rec.Status]++
	}
	return counts
}

func (t *Tracker) requested(e events.IntentRequested) {
	id := xchain.IntentID(e.IntentID)
	if id.IsZero() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.entry(id)
	rec.fill(actionOf(e.Borrow), e.User, e.Asset, e.Amount, e.Nonce)
	rec.RequestMessageID = e.MessageID
	t.advance(rec, xchain.StatusSent)
}

func (t *Tracker) executed(e events.IntentExecuted) {
	id := xchain.IntentID(e.IntentID)
	if id.IsZero() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.entry(id)
	rec.fill(actionOf(e.Borrow), e.User, e.Asset, e.Amount, e.Nonce)
	rec.Market = e.Market
	if rec.Status == xchain.StatusFailed {
		// A rolled-back intent can be executed again once its nonce was
		// released.
		rec.Status = xchain.StatusReceived
		rec.Reason = ""
	}
	// Execution implies the signature was verified.
	t.advance(rec, xchain.StatusVerified)
	t.advance(rec, xchain.StatusExecuted)

	pos := t.position(e.User, e.Asset)
	if e.Borrow {
		pos.Borrowed.Add(pos.Borrowed, amountOf(e.Amount))
	} else {
		pos.Supplied.Add(pos.Supplied, amountOf(e.Amount))
		// Supplies have no return leg.
		t.advance(rec, xchain.StatusSettled)
	}
}

func (t *Tracker) settlementSent(e events.SettlementSent) {
	id := xchain.IntentID(e.IntentID)
	if id.IsZero() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.entry(id)
	rec.SettlementMessageID = e.MessageID
	rec.UpdatedAt = t.now().UTC()
}

func (t *Tracker) released(e events.SettlementReleased) {
	id := xchain.IntentID(e.IntentID)
	if id.IsZero() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.entry(id)
	if rec.User == (common.Address{}) {
		rec.fill(actionOf(true), e.User, e.Asset, e.Amount, rec.Nonce)
	}
	t.advance(rec, xchain.StatusSettled)
	pos := t.position(e.User, e.Asset)
	pos.Released.Add(pos.Released, amountOf(e.Amount))
}

func (t *Tracker) rejected(e events.IntentRejected) {
	id := xchain.IntentID(e.IntentID)
	if id.IsZero() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.entry(id)
	// A replay of an intent that already executed is rejected without
	// affecting the original.
	if rec.Status == xchain.StatusExecuted || rec.Status.Terminal() {
		return
	}
	if rec.User == (common.Address{}) {
		rec.User = e.User
		rec.Asset = xchain.NormalizeAsset(e.Asset)
		rec.Nonce = e.Nonce
	}
	rec.Reason = e.Reason
	t.advance(rec, xchain.StatusFailed)
}

func (t *Tracker) entry(id xchain.IntentID) *Intent {
	rec, ok := t.intents[id]
	if !ok {
		rec = &Intent{ID: id, Status: xchain.StatusCreated, UpdatedAt: t.now().UTC()}
		rec.History = append(rec.History, Transition{Status: xchain.StatusCreated, At: rec.UpdatedAt})
		t.intents[id] = rec
	}
	return rec
}

func (t *Tracker) advance(rec *Intent, next xchain.Status) {
	if !rec.Status.Advances(next) {
		return
	}
	at := t.now().UTC()
	rec.Status = next
	rec.UpdatedAt = at
	rec.History = append(rec.History, Transition{Status: next, At: at})
}

func (t *Tracker) position(user common.Address, asset string) *Position {
	key := positionKey{user: user, asset: xchain.NormalizeAsset(asset)}
	pos, ok := t.positions[key]
	if !ok {
		pos = &Position{
			User:     user,
			Asset:    key.asset,
			Supplied: new(big.Int),
			Borrowed: new(big.Int),
			Released: new(big.Int),
		}
		t.positions[key] = pos
	}
	pos.UpdatedAt = t.now().UTC()
	return pos
}

func (rec *Intent) fill(action string, user common.Address, asset string, amount *big.Int, nonce uint64) {
	rec.Action = action
	rec.User = user
	rec.Asset = xchain.NormalizeAsset(asset)
	rec.Amount = amountOf(amount)
	rec.Nonce = nonce
}

func (rec *Intent) clone() Intent {
	out := *rec
	out.Amount = amountOf(rec.Amount)
	out.History = append([]Transition(nil), rec.History...)
	return out
}

func actionOf(borrow bool) string {
	if borrow {
		return xchain.ActionBorrow.String()
	}
	return xchain.ActionSupply.String()
}

func amountOf(v *big.Int) *big.Int {
	return xchain.CloneAmount(v)
}
