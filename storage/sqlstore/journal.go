package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"crosslend/native/settlement"
	"crosslend/native/xchain"
)

// Journal implements settlement.Journal.
type Journal struct {
	store *Store
}

// Journal returns the settlement journal view of the store.
func (s *Store) Journal() *Journal { return &Journal{store: s} }

const settlementColumns = `intent_id, user_address, asset, amount, origin, state, message_id, attempts, last_error, created_at, updated_at`

func (j *Journal) Insert(ctx context.Context, rec settlement.Record) error {
	_, err := j.store.db.ExecContext(ctx,
		`INSERT INTO settlements (`+settlementColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.IntentID.Hex(), rec.User.Hex(), rec.Asset, amountString(rec.Amount), int64(rec.Origin),
		string(rec.State), string(rec.MessageID), rec.Attempts, rec.LastError,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		if isConstraint(err) {
			return settlement.ErrRecordExists
		}
		return fmt.Errorf("sqlstore: insert settlement: %w", err)
	}
	return nil
}

func (j *Journal) Get(ctx context.Context, id xchain.IntentID) (settlement.Record, error) {
	row := j.store.db.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE intent_id = ?`, id.Hex())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Record{}, settlement.ErrRecordNotFound
	}
	return rec, err
}

func (j *Journal) Update(ctx context.Context, rec settlement.Record) error {
	res, err := j.store.db.ExecContext(ctx,
		`UPDATE settlements SET user_address = ?, asset = ?, amount = ?, origin = ?, state = ?, message_id = ?,
            attempts = ?, last_error = ?, updated_at = ? WHERE intent_id = ?`,
		rec.User.Hex(), rec.Asset, amountString(rec.Amount), int64(rec.Origin), string(rec.State),
		string(rec.MessageID), rec.Attempts, rec.LastError, rec.UpdatedAt.UnixNano(), rec.IntentID.Hex())
	if err != nil {
		return fmt.Errorf("sqlstore: update settlement: %w", err)
	}
	return expectOne(res)
}

func (j *Journal) Delete(ctx context.Context, id xchain.IntentID) error {
	res, err := j.store.db.ExecContext(ctx, `DELETE FROM settlements WHERE intent_id = ?`, id.Hex())
	if err != nil {
		return fmt.Errorf("sqlstore: delete settlement: %w", err)
	}
	return expectOne(res)
}

// ListByState returns records in creation order. A non-positive limit
// returns every match.
func (j *Journal) ListByState(ctx context.Context, state settlement.State, limit int) ([]settlement.Record, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE state = ? ORDER BY created_at, intent_id`
	args := []any{string(state)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := j.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list settlements: %w", err)
	}
	defer rows.Close()
	out := make([]settlement.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (j *Journal) Counts(ctx context.Context) (map[settlement.State]int, error) {
	rows, err := j.store.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM settlements GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: count settlements: %w", err)
	}
	defer rows.Close()
	counts := make(map[settlement.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[settlement.State(state)] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (settlement.Record, error) {
	var (
		id, user, asset, amount, state, msgID, lastErr string
		origin, created, updated                      int64
		attempts                                      int
	)
	if err := row.Scan(&id, &user, &asset, &amount, &origin, &state, &msgID, &attempts, &lastErr, &created, &updated); err != nil {
		return settlement.Record{}, err
	}
	intentID, err := xchain.ParseIntentID(id)
	if err != nil {
		return settlement.Record{}, fmt.Errorf("sqlstore: corrupt intent id %q: %w", id, err)
	}
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return settlement.Record{}, fmt.Errorf("sqlstore: corrupt amount %q", amount)
	}
	return settlement.Record{
		IntentID:  intentID,
		User:      common.HexToAddress(user),
		Asset:     asset,
		Amount:    value,
		Origin:    xchain.DomainID(origin),
		State:     settlement.State(state),
		MessageID: xchain.MessageID(msgID),
		Attempts:  attempts,
		LastError: lastErr,
		CreatedAt: time.Unix(0, created).UTC(),
		UpdatedAt: time.Unix(0, updated).UTC(),
	}, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return settlement.ErrRecordNotFound
	}
	return nil
}

func amountString(v *big.Int) string {
	return xchain.CloneAmount(v).String()
}

func isConstraint(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "constraint")
}
