package lending

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type engineState interface {
	GetMarket(id string) (*Market, error)
	PutMarket(id string, market *Market) error
	MarketIDs() ([]string, error)
	GetUserAccount(id string, addr common.Address) (*UserAccount, error)
	PutUserAccount(id string, account *UserAccount) error
}

type accountKey struct {
	market string
	addr   common.Address
}

// memoryState keeps markets and accounts in process memory.
type memoryState struct {
	mu       sync.RWMutex
	markets  map[string]*Market
	accounts map[accountKey]*UserAccount
}

func newMemoryState() *memoryState {
	return &memoryState{
		markets:  make(map[string]*Market),
		accounts: make(map[accountKey]*UserAccount),
	}
}

func (s *memoryState) GetMarket(id string) (*Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markets[id].Clone(), nil
}

func (s *memoryState) PutMarket(id string, market *Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[id] = market.Clone()
	return nil
}

func (s *memoryState) MarketIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.markets))
	for id := range s.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memoryState) GetUserAccount(id string, addr common.Address) (*UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[accountKey{market: id, addr: addr}].Clone(), nil
}

func (s *memoryState) PutUserAccount(id string, account *UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[accountKey{market: id, addr: account.Address}] = account.Clone()
	return nil
}
