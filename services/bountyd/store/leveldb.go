package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"labescrow/native/bounty"
)

const (
	bountyPrefix     = "bounty/"
	transitionPrefix = "transition/"
	idempotentPrefix = "idempotency/"
	depositPrefix    = "deposit/"
)

type levelRecord struct {
	Bounty    *bounty.Bounty `json:"bounty"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// LevelStore is the embedded single-node Store. Writes are serialised by an
// in-process mutex so the version check and the batch commit are atomic.
type LevelStore struct {
	mu  sync.Mutex
	db  *leveldb.DB
	now func() time.Time
}

// OpenLevelDB creates or opens a LevelDB database at the specified path.
func OpenLevelDB(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open leveldb: %w", err)
	}
	return NewLevelStore(db), nil
}

// NewLevelStore wraps an open database.
func NewLevelStore(db *leveldb.DB) *LevelStore {
	return &LevelStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func bountyKey(id string) []byte { return []byte(bountyPrefix + id) }

func transitionKey(id string, version int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", transitionPrefix, id, version))
}

func (s *LevelStore) load(id string) (*levelRecord, error) {
	raw, err := s.db.Get(bountyKey(id), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrBountyNotFound
		}
		return nil, err
	}
	var rec levelRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("store: decode bounty %s: %w", id, err)
	}
	return &rec, nil
}

func (s *LevelStore) Create(_ context.Context, b *bounty.Bounty) (*Record, error) {
	if b == nil || strings.TrimSpace(b.ID) == "" {
		return nil, errors.New("store: bounty id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.load(b.ID); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, ErrBountyNotFound) {
		return nil, err
	}
	now := s.now()
	rec := levelRecord{Bounty: b.Clone(), Version: 1, CreatedAt: now, UpdatedAt: now}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("store: encode bounty: %w", err)
	}
	if err := s.db.Put(bountyKey(b.ID), raw, nil); err != nil {
		return nil, err
	}
	return rec.record(), nil
}

func (s *LevelStore) Get(_ context.Context, id string) (*Record, error) {
	rec, err := s.load(id)
	if err != nil {
		return nil, err
	}
	return rec.record(), nil
}

func (s *LevelStore) List(_ context.Context, filter Filter) ([]*Record, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(bountyPrefix)), nil)
	defer iter.Release()
	var out []*Record
	for iter.Next() {
		var rec levelRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("store: decode %s: %w", iter.Key(), err)
		}
		if filter.match(rec.Bounty) {
			out = append(out, rec.record())
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Bounty.ID < out[j].Bounty.ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit := listLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *LevelStore) Save(_ context.Context, b *bounty.Bounty, expectedVersion int64, transition *bounty.TransitionRecord) (*Record, error) {
	if b == nil {
		return nil, errors.New("store: nil bounty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.load(b.ID)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	next := levelRecord{
		Bounty:    b.Clone(),
		Version:   expectedVersion + 1,
		CreatedAt: current.CreatedAt,
		UpdatedAt: s.now(),
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("store: encode bounty: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(bountyKey(b.ID), raw)
	if transition != nil {
		entry, err := json.Marshal(transition)
		if err != nil {
			return nil, fmt.Errorf("store: encode transition: %w", err)
		}
		batch.Put(transitionKey(b.ID, next.Version), entry)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return nil, err
	}
	return next.record(), nil
}

func (s *LevelStore) Transitions(_ context.Context, id string) ([]bounty.TransitionRecord, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(transitionPrefix+id+"/")), nil)
	defer iter.Release()
	out := []bounty.TransitionRecord{}
	for iter.Next() {
		var rec bounty.TransitionRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("store: decode transition: %w", err)
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

func (s *LevelStore) ClaimDeposit(_ context.Context, key, bountyID string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("store: deposit key required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, err := s.db.Get([]byte(depositPrefix+key), nil)
	switch {
	case err == nil:
		if string(owner) != bountyID {
			return fmt.Errorf("%w: %s funds %s", ErrDepositClaimed, key, owner)
		}
		return nil
	case errors.Is(err, leveldb.ErrNotFound):
		return s.db.Put([]byte(depositPrefix+key), []byte(bountyID), nil)
	default:
		return err
	}
}

func (s *LevelStore) LookupResponse(_ context.Context, key string) (*Response, bool, error) {
	raw, err := s.db.Get([]byte(idempotentPrefix+key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (s *LevelStore) SaveResponse(_ context.Context, resp Response) error {
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = s.now()
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(idempotentPrefix+resp.Key), raw, nil)
}

// Close closes the database connection.
func (s *LevelStore) Close() error {
	return s.db.Close()
}

func (r *levelRecord) record() *Record {
	return &Record{
		Bounty:    r.Bounty.Clone(),
		Version:   r.Version,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}
