package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"crosslend/native/xchain"
)

// Receipts implements httprelay.Receipts.
type Receipts struct {
	store *Store
}

// Receipts returns the relay receipt view of the store.
func (s *Store) Receipts() *Receipts { return &Receipts{store: s} }

func (r *Receipts) Delivered(ctx context.Context, id xchain.MessageID) (bool, error) {
	var at int64
	err := r.store.db.QueryRowContext(ctx, `SELECT delivered_at FROM relay_receipts WHERE message_id = ?`, string(id)).Scan(&at)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("sqlstore: read receipt: %w", err)
	}
	return true, nil
}

func (r *Receipts) MarkDelivered(ctx context.Context, id xchain.MessageID, at time.Time) error {
	_, err := r.store.db.ExecContext(ctx,
		`INSERT INTO relay_receipts (message_id, delivered_at) VALUES (?, ?) ON CONFLICT(message_id) DO NOTHING`,
		string(id), at.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlstore: mark receipt: %w", err)
	}
	return nil
}
