package nonces

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
)

const nonceKeyPrefix = "nonce:"

// LevelDBRegistry is a strict registry whose counters survive restarts.
type LevelDBRegistry struct {
	mu sync.Mutex
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) a LevelDB database at the provided path.
func OpenLevelDB(path string) (*LevelDBRegistry, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("nonces: leveldb path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("nonces: resolve leveldb path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("nonces: open leveldb: %w", err)
	}
	return &LevelDBRegistry{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (r *LevelDBRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func nonceKey(user common.Address) []byte {
	return append([]byte(nonceKeyPrefix), user.Bytes()...)
}

func (r *LevelDBRegistry) load(user common.Address) (uint64, error) {
	if r == nil || r.db == nil {
		return 0, fmt.Errorf("nonces: leveldb registry not configured")
	}
	raw, err := r.db.Get(nonceKey(user), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("nonces: load: %w", err)
	case len(raw) != 8:
		return 0, fmt.Errorf("nonces: corrupt counter for %s", user.Hex())
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (r *LevelDBRegistry) store(user common.Address, next uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	if err := r.db.Put(nonceKey(user), buf[:], nil); err != nil {
		return fmt.Errorf("nonces: store: %w", err)
	}
	return nil
}

func (r *LevelDBRegistry) Next(ctx context.Context, user common.Address) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(user)
}

func (r *LevelDBRegistry) Consume(ctx context.Context, user common.Address, nonce uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, err := r.load(user)
	if err != nil {
		return err
	}
	if nonce != current {
		return mismatch(user, current, nonce)
	}
	return r.store(user, current+1)
}

func (r *LevelDBRegistry) Release(_ context.Context, user common.Address, nonce uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, err := r.load(user)
	if err != nil {
		return err
	}
	if current != nonce+1 {
		return ErrReleaseMismatch
	}
	return r.store(user, nonce)
}
