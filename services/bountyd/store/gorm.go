package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"labescrow/native/bounty"
)

// BountyRow stores the JSON snapshot of a bounty alongside indexed columns.
type BountyRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	FunderID  string `gorm:"size:128;index"`
	State     string `gorm:"size:32;index"`
	Payload   string `gorm:"type:text"`
	Version   int64  `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName pins the table name.
func (BountyRow) TableName() string { return "bounties" }

// TransitionRow is one accepted transition.
type TransitionRow struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	BountyID  string    `gorm:"size:64;index"`
	Event     string    `gorm:"size:32"`
	FromState string    `gorm:"size:32"`
	ToState   string    `gorm:"size:32"`
	Via       string    `gorm:"size:32"`
	Version   int64     `gorm:"index"`
	At        time.Time
}

// TableName pins the table name.
func (TransitionRow) TableName() string { return "bounty_transitions" }

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// DepositClaim records which bounty a confirmed deposit funds.
type DepositClaim struct {
	Key       string `gorm:"primaryKey;size:255"`
	BountyID  string `gorm:"size:64;index"`
	CreatedAt time.Time
}

// TableName pins the table name.
func (DepositClaim) TableName() string { return "deposit_claims" }

// AutoMigrate performs all schema migrations for the store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&BountyRow{},
		&TransitionRow{},
		&IdempotencyKey{},
		&DepositClaim{},
	)
}

// OpenDatabase connects to postgres or sqlite depending on driver.
func OpenDatabase(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	return db, nil
}

// GormStore is the relational Store.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore migrates the schema and returns a store backed by db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("store: nil database")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &GormStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB exposes the underlying handle.
func (s *GormStore) DB() *gorm.DB { return s.db }

func (s *GormStore) Create(ctx context.Context, b *bounty.Bounty) (*Record, error) {
	if b == nil || strings.TrimSpace(b.ID) == "" {
		return nil, errors.New("store: bounty id required")
	}
	payload, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("store: encode bounty: %w", err)
	}
	now := s.now()
	row := BountyRow{
		ID:        b.ID,
		FunderID:  b.FunderID,
		State:     string(b.State),
		Payload:   string(payload),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&BountyRow{}).Where("id = ?", b.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyExists
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return rowToRecord(row)
}

func (s *GormStore) Get(ctx context.Context, id string) (*Record, error) {
	var row BountyRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBountyNotFound
		}
		return nil, err
	}
	return rowToRecord(row)
}

func (s *GormStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	query := s.db.WithContext(ctx).Model(&BountyRow{})
	if filter.FunderID != "" {
		query = query.Where("funder_id = ?", filter.FunderID)
	}
	if filter.State != "" {
		query = query.Where("state = ?", string(filter.State))
	}
	var rows []BountyRow
	if err := query.Order("created_at ASC").Order("id ASC").Limit(listLimit(filter.Limit)).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(rows))
	for _, row := range rows {
		rec, err := rowToRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *GormStore) Save(ctx context.Context, b *bounty.Bounty, expectedVersion int64, transition *bounty.TransitionRecord) (*Record, error) {
	if b == nil {
		return nil, errors.New("store: nil bounty")
	}
	payload, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("store: encode bounty: %w", err)
	}
	now := s.now()
	next := expectedVersion + 1
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&BountyRow{}).
			Where("id = ? AND version = ?", b.ID, expectedVersion).
			Updates(map[string]any{
				"state":      string(b.State),
				"payload":    string(payload),
				"version":    next,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&BountyRow{}).Where("id = ?", b.ID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrBountyNotFound
			}
			return ErrVersionConflict
		}
		if transition == nil {
			return nil
		}
		return tx.Create(&TransitionRow{
			ID:        uuid.New(),
			BountyID:  b.ID,
			Event:     string(transition.Event),
			FromState: string(transition.From),
			ToState:   string(transition.To),
			Via:       string(transition.Via),
			Version:   next,
			At:        transition.At,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, b.ID)
}

func (s *GormStore) Transitions(ctx context.Context, id string) ([]bounty.TransitionRecord, error) {
	var rows []TransitionRow
	if err := s.db.WithContext(ctx).Where("bounty_id = ?", id).Order("version ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]bounty.TransitionRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, bounty.TransitionRecord{
			BountyID: row.BountyID,
			Event:    bounty.EventType(row.Event),
			From:     bounty.State(row.FromState),
			To:       bounty.State(row.ToState),
			Via:      bounty.State(row.Via),
			At:       row.At.UTC(),
		})
	}
	return out, nil
}

func (s *GormStore) ClaimDeposit(ctx context.Context, key, bountyID string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("store: deposit key required")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var claim DepositClaim
		err := tx.First(&claim, "key = ?", key).Error
		switch {
		case err == nil:
			if claim.BountyID != bountyID {
				return fmt.Errorf("%w: %s funds %s", ErrDepositClaimed, key, claim.BountyID)
			}
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&DepositClaim{Key: key, BountyID: bountyID, CreatedAt: s.now()}).Error
		default:
			return err
		}
	})
}

func (s *GormStore) LookupResponse(ctx context.Context, key string) (*Response, bool, error) {
	var record IdempotencyKey
	if err := s.db.WithContext(ctx).First(&record, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &Response{
		Key:       record.Key,
		Method:    record.Method,
		Path:      record.Path,
		Status:    record.Status,
		Body:      record.Response,
		CreatedAt: record.CreatedAt,
	}, true, nil
}

func (s *GormStore) SaveResponse(ctx context.Context, resp Response) error {
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = s.now()
	}
	return s.db.WithContext(ctx).Create(&IdempotencyKey{
		Key:       resp.Key,
		RequestID: uuid.NewString(),
		Method:    resp.Method,
		Path:      resp.Path,
		Status:    resp.Status,
		Response:  resp.Body,
		CreatedAt: resp.CreatedAt,
	}).Error
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func rowToRecord(row BountyRow) (*Record, error) {
	var b bounty.Bounty
	if err := json.Unmarshal([]byte(row.Payload), &b); err != nil {
		return nil, fmt.Errorf("store: decode bounty %s: %w", row.ID, err)
	}
	return &Record{
		Bounty:    &b,
		Version:   row.Version,
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}, nil
}
