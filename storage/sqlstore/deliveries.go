package sqlstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"crosslend/native/hub"
	"crosslend/native/xchain"
)

// DeliveryLog implements hub.DeliveryLog.
type DeliveryLog struct {
	store *Store
}

// Deliveries returns the delivery log view of the store.
func (s *Store) Deliveries() *DeliveryLog { return &DeliveryLog{store: s} }

func (l *DeliveryLog) Append(ctx context.Context, d hub.Delivery) error {
	var intentID string
	if !d.IntentID.IsZero() {
		intentID = d.IntentID.Hex()
	}
	_, err := l.store.db.ExecContext(ctx,
		`INSERT INTO deliveries (digest, source_domain, source_address, intent_id, action, user_address, asset, amount, outcome, error, received_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		hex.EncodeToString(d.Digest[:]), int64(d.Source.Domain), d.Source.Address.Hex(), intentID, d.Action,
		d.User, d.Asset, amountString(d.Amount), d.Outcome, d.Error, d.ReceivedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlstore: append delivery: %w", err)
	}
	return nil
}

// Recent returns the newest deliveries first.
func (l *DeliveryLog) Recent(ctx context.Context, limit int) ([]hub.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.query(ctx, `SELECT digest, source_domain, source_address, intent_id, action, user_address, asset, amount, outcome, error, received_at
        FROM deliveries ORDER BY id DESC LIMIT ?`, limit)
}

// ForIntent returns every delivery attempt of an intent, oldest first.
func (l *DeliveryLog) ForIntent(ctx context.Context, id xchain.IntentID) ([]hub.Delivery, error) {
	return l.query(ctx, `SELECT digest, source_domain, source_address, intent_id, action, user_address, asset, amount, outcome, error, received_at
        FROM deliveries WHERE intent_id = ? ORDER BY id`, id.Hex())
}

func (l *DeliveryLog) query(ctx context.Context, query string, args ...any) ([]hub.Delivery, error) {
	rows, err := l.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query deliveries: %w", err)
	}
	defer rows.Close()
	out := make([]hub.Delivery, 0)
	for rows.Next() {
		var (
			digest, srcAddr, intentID, amount string
			srcDomain, received               int64
			d                                 hub.Delivery
		)
		if err := rows.Scan(&digest, &srcDomain, &srcAddr, &intentID, &d.Action, &d.User, &d.Asset, &amount, &d.Outcome, &d.Error, &received); err != nil {
			return nil, err
		}
		raw, err := hex.DecodeString(digest)
		if err != nil || len(raw) != len(d.Digest) {
			return nil, fmt.Errorf("sqlstore: corrupt digest %q", digest)
		}
		copy(d.Digest[:], raw)
		d.Source = xchain.Endpoint{Domain: xchain.DomainID(srcDomain), Address: common.HexToAddress(srcAddr)}
		if intentID != "" {
			if d.IntentID, err = xchain.ParseIntentID(intentID); err != nil {
				return nil, err
			}
		}
		d.Amount, _ = new(big.Int).SetString(amount, 10)
		d.ReceivedAt = time.Unix(0, received).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}
