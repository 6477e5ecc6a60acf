// Package boltlog persists spoke state in BoltDB: the relay request log, the
// set of released settlements and the inbound delivery receipts.
package boltlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"

	"crosslend/native/spoke"
	"crosslend/native/xchain"
)

var (
	bucketRequests = []byte("requests")
	bucketReleases = []byte("releases")
	bucketReceipts = []byte("receipts")
)

// Store implements spoke.RequestLog, spoke.ReleaseLog and httprelay.Receipts.
type Store struct {
	db *bolt.DB
}

type requestJSON struct {
	IntentID  string    `json:"intentId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Action    string    `json:"action"`
	User      string    `json:"user"`
	Asset     string    `json:"asset"`
	Amount    string    `json:"amount"`
	Nonce     uint64    `json:"nonce"`
	Fee       string    `json:"fee"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Open initialises the Bolt database at path.
func Open(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRequests, bucketReleases, bucketReceipts} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stores req under the user's bucket in arrival order.
func (s *Store) Append(_ context.Context, req spoke.Request) error {
	rec := requestJSON{
		MessageID: string(req.MessageID),
		Action:    req.Action,
		User:      req.User.Hex(),
		Asset:     req.Asset,
		Amount:    xchain.CloneAmount(req.Amount).String(),
		Nonce:     req.Nonce,
		Fee:       xchain.CloneAmount(req.Fee).String(),
		Status:    string(req.Status),
		Error:     req.Error,
		CreatedAt: req.CreatedAt.UTC(),
	}
	if !req.IntentID.IsZero() {
		rec.IntentID = req.IntentID.Hex()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(bucketRequests)
		bucket, err := users.CreateBucketIfNotExists(req.User.Bytes())
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bucket.Put(key[:], raw)
	})
}

// ListByUser returns the newest requests first.
func (s *Store) ListByUser(_ context.Context, user common.Address, limit int) ([]spoke.Request, error) {
	out := make([]spoke.Request, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRequests).Bucket(user.Bytes())
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			req, err := decodeRequest(v)
			if err != nil {
				return fmt.Errorf("boltlog: decode request %x: %w", k, err)
			}
			out = append(out, req)
		}
		return nil
	})
	return out, err
}

// Update rewrites the status of the user's request carrying message id.
func (s *Store) Update(_ context.Context, user common.Address, id xchain.MessageID, status xchain.Status, errText string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRequests).Bucket(user.Bytes())
		if bucket == nil {
			return fmt.Errorf("%w: %s", spoke.ErrRequestNotFound, id)
		}
		c := bucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec requestJSON
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("boltlog: decode request %x: %w", k, err)
			}
			if rec.MessageID != string(id) {
				continue
			}
			rec.Status = string(status)
			rec.Error = errText
			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			return bucket.Put(append([]byte(nil), k...), raw)
		}
		return fmt.Errorf("%w: %s", spoke.ErrRequestNotFound, id)
	})
}

func decodeRequest(raw []byte) (spoke.Request, error) {
	var rec requestJSON
	if err := json.Unmarshal(raw, &rec); err != nil {
		return spoke.Request{}, err
	}
	req := spoke.Request{
		MessageID: xchain.MessageID(rec.MessageID),
		Action:    rec.Action,
		User:      common.HexToAddress(rec.User),
		Asset:     rec.Asset,
		Nonce:     rec.Nonce,
		Status:    xchain.Status(rec.Status),
		Error:     rec.Error,
		CreatedAt: rec.CreatedAt,
	}
	var ok bool
	if req.Amount, ok = new(big.Int).SetString(rec.Amount, 10); !ok {
		return spoke.Request{}, fmt.Errorf("invalid amount %q", rec.Amount)
	}
	if req.Fee, ok = new(big.Int).SetString(rec.Fee, 10); !ok {
		return spoke.Request{}, fmt.Errorf("invalid fee %q", rec.Fee)
	}
	if rec.IntentID != "" {
		id, err := xchain.ParseIntentID(rec.IntentID)
		if err != nil {
			return spoke.Request{}, err
		}
		req.IntentID = id
	}
	return req, nil
}

// MarkReleased records the intent and reports false if it was already
// present.
func (s *Store) MarkReleased(_ context.Context, id xchain.IntentID) (bool, error) {
	fresh := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketReleases)
		if bucket.Get(id[:]) != nil {
			return nil
		}
		fresh = true
		var at [8]byte
		binary.BigEndian.PutUint64(at[:], uint64(time.Now().Unix()))
		return bucket.Put(id[:], at[:])
	})
	return fresh, err
}

// Released reports whether the intent was paid out.
func (s *Store) Released(_ context.Context, id xchain.IntentID) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketReleases).Get(id[:]) != nil
		return nil
	})
	return found, err
}

// Delivered reports whether an inbound message id was applied.
func (s *Store) Delivered(_ context.Context, id xchain.MessageID) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketReceipts).Get([]byte(id)) != nil
		return nil
	})
	return found, err
}

// MarkDelivered records an applied inbound message id. The first timestamp
// wins.
func (s *Store) MarkDelivered(_ context.Context, id xchain.MessageID, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketReceipts)
		if bucket.Get([]byte(id)) != nil {
			return nil
		}
		var stamp [8]byte
		binary.BigEndian.PutUint64(stamp[:], uint64(at.UnixNano()))
		return bucket.Put([]byte(id), stamp[:])
	})
}
