package settlement

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"crosslend/native/xchain"
)

var (
	// ErrRecordNotFound is returned when the journal has no record for an id.
	ErrRecordNotFound = errors.New("settlement: record not found")
	// ErrRecordExists is returned when a record is reserved twice.
	ErrRecordExists = errors.New("settlement: record already exists")
)

// State is the position of a record in the settlement saga.
type State string

const (
	// StateReserved marks a record created before the ledger released funds.
	StateReserved State = "reserved"
	// StateCredited marks funds held in settlement custody awaiting dispatch.
	StateCredited State = "credited"
	// StateSent marks a settlement accepted by the gateway.
	StateSent State = "sent"
)

// Record is the durable journal entry backing one settlement.
type Record struct {
	IntentID  xchain.IntentID
	User      common.Address
	Asset     string
	Amount    *big.Int
	Origin    xchain.DomainID
	State     State
	MessageID xchain.MessageID
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Amount = xchain.CloneAmount(r.Amount)
	return out
}

// Journal persists settlement records.
type Journal interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, id xchain.IntentID) (Record, error)
	Update(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id xchain.IntentID) error
	ListByState(ctx context.Context, state State, limit int) ([]Record, error)
	Counts(ctx context.Context) (map[State]int, error)
}

// MemoryJournal keeps records in process memory.
type MemoryJournal struct {
	mu      sync.RWMutex
	records map[xchain.IntentID]Record
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{records: make(map[xchain.IntentID]Record)}
}

func (j *MemoryJournal) Insert(_ context.Context, rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.records[rec.IntentID]; ok {
		return ErrRecordExists
	}
	j.records[rec.IntentID] = rec.Clone()
	return nil
}

func (j *MemoryJournal) Get(_ context.Context, id xchain.IntentID) (Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	rec, ok := j.records[id]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (j *MemoryJournal) Update(_ context.Context, rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.records[rec.IntentID]; !ok {
		return ErrRecordNotFound
	}
	j.records[rec.IntentID] = rec.Clone()
	return nil
}

func (j *MemoryJournal) Delete(_ context.Context, id xchain.IntentID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.records[id]; !ok {
		return ErrRecordNotFound
	}
	delete(j.records, id)
	return nil
}

// ListByState returns records in creation order. A non-positive limit
// returns every match.
func (j *MemoryJournal) ListByState(_ context.Context, state State, limit int) ([]Record, error) {
	j.mu.RLock()
	out := make([]Record, 0)
	for _, rec := range j.records {
		if rec.State == state {
			out = append(out, rec.Clone())
		}
	}
	j.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].IntentID.Hex() < out[b].IntentID.Hex()
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (j *MemoryJournal) Counts(_ context.Context) (map[State]int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	counts := make(map[State]int)
	for _, rec := range j.records {
		counts[rec.State]++
	}
	return counts, nil
}
