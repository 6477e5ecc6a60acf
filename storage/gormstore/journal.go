// Package gormstore persists the settlement journal through gorm, for hubs
// that keep their state in PostgreSQL.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"crosslend/native/settlement"
	"crosslend/native/xchain"
)

// SettlementRow is the persisted form of a settlement record.
type SettlementRow struct {
	IntentID    string `gorm:"primaryKey;size:66"`
	UserAddress string `gorm:"size:42;index"`
	Asset       string `gorm:"size:32"`
	Amount      string `gorm:"not null"`
	Origin      uint64 `gorm:"not null"`
	State       string `gorm:"size:16;index:settlement_state_created,priority:1"`
	MessageID   string
	Attempts    int
	LastError   string
	CreatedAt   time.Time `gorm:"index:settlement_state_created,priority:2"`
	UpdatedAt   time.Time
}

// TableName pins the table name.
func (SettlementRow) TableName() string { return "settlements" }

// AutoMigrate creates or updates the journal schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&SettlementRow{})
}

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("gormstore: connect: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("gormstore: migrate: %w", err)
	}
	return db, nil
}

// Journal implements settlement.Journal.
type Journal struct {
	db *gorm.DB
}

func NewJournal(db *gorm.DB) *Journal { return &Journal{db: db} }

func (j *Journal) Insert(ctx context.Context, rec settlement.Record) error {
	row := toRow(rec)
	res := j.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return fmt.Errorf("gormstore: insert settlement: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return settlement.ErrRecordExists
	}
	return nil
}

func (j *Journal) Get(ctx context.Context, id xchain.IntentID) (settlement.Record, error) {
	var row SettlementRow
	err := j.db.WithContext(ctx).Where("intent_id = ?", id.Hex()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return settlement.Record{}, settlement.ErrRecordNotFound
	}
	if err != nil {
		return settlement.Record{}, fmt.Errorf("gormstore: get settlement: %w", err)
	}
	return fromRow(row)
}

func (j *Journal) Update(ctx context.Context, rec settlement.Record) error {
	row := toRow(rec)
	res := j.db.WithContext(ctx).Model(&SettlementRow{}).Where("intent_id = ?", row.IntentID).Updates(map[string]any{
		"user_address": row.UserAddress,
		"asset":        row.Asset,
		"amount":       row.Amount,
		"origin":       row.Origin,
		"state":        row.State,
		"message_id":   row.MessageID,
		"attempts":     row.Attempts,
		"last_error":   row.LastError,
		"updated_at":   row.UpdatedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("gormstore: update settlement: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return settlement.ErrRecordNotFound
	}
	return nil
}

func (j *Journal) Delete(ctx context.Context, id xchain.IntentID) error {
	res := j.db.WithContext(ctx).Where("intent_id = ?", id.Hex()).Delete(&SettlementRow{})
	if res.Error != nil {
		return fmt.Errorf("gormstore: delete settlement: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return settlement.ErrRecordNotFound
	}
	return nil
}

// ListByState returns records in creation order. A non-positive limit
// returns every match.
func (j *Journal) ListByState(ctx context.Context, state settlement.State, limit int) ([]settlement.Record, error) {
	var rows []SettlementRow
	q := j.db.WithContext(ctx).Where("state = ?", string(state)).Order("created_at").Order("intent_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("gormstore: list settlements: %w", err)
	}
	out := make([]settlement.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (j *Journal) Counts(ctx context.Context) (map[settlement.State]int, error) {
	var rows []struct {
		State string
		N     int
	}
	err := j.db.WithContext(ctx).Model(&SettlementRow{}).Select("state, COUNT(*) AS n").Group("state").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("gormstore: count settlements: %w", err)
	}
	counts := make(map[settlement.State]int, len(rows))
	for _, r := range rows {
		counts[settlement.State(r.State)] = r.N
	}
	return counts, nil
}

func toRow(rec settlement.Record) SettlementRow {
	return SettlementRow{
		IntentID:    rec.IntentID.Hex(),
		UserAddress: rec.User.Hex(),
		Asset:       rec.Asset,
		Amount:      xchain.CloneAmount(rec.Amount).String(),
		Origin:      uint64(rec.Origin),
		State:       string(rec.State),
		MessageID:   string(rec.MessageID),
		Attempts:    rec.Attempts,
		LastError:   rec.LastError,
		CreatedAt:   rec.CreatedAt.UTC(),
		UpdatedAt:   rec.UpdatedAt.UTC(),
	}
}

func fromRow(row SettlementRow) (settlement.Record, error) {
	id, err := xchain.ParseIntentID(row.IntentID)
	if err != nil {
		return settlement.Record{}, fmt.Errorf("gormstore: corrupt intent id %q: %w", row.IntentID, err)
	}
	amount, ok := new(big.Int).SetString(row.Amount, 10)
	if !ok {
		return settlement.Record{}, fmt.Errorf("gormstore: corrupt amount %q", row.Amount)
	}
	return settlement.Record{
		IntentID:  id,
		User:      common.HexToAddress(row.UserAddress),
		Asset:     row.Asset,
		Amount:    amount,
		Origin:    xchain.DomainID(row.Origin),
		State:     settlement.State(row.State),
		MessageID: xchain.MessageID(row.MessageID),
		Attempts:  row.Attempts,
		LastError: row.LastError,
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}, nil
}
