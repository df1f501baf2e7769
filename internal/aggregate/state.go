package aggregate

import (
	"context"
	"time"

	"cofinance/internal/storage"
	"cofinance/internal/storage/postgres"
)

// StateStore persists the last fully aggregated event sequence.
type StateStore interface {
	Load(ctx context.Context) (uint64, bool, error)
	Save(ctx context.Context, seq uint64) error
}

type progress struct {
	LastProcessedSeq uint64    `json:"last_processed_seq"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// FileStateStore keeps progress in a local JSON document.
type FileStateStore struct {
	Path string
}

func (s *FileStateStore) Load(_ context.Context) (uint64, bool, error) {
	if s == nil {
		return 0, false, nil
	}
	var p progress
	ok, err := storage.NewSnapshotStore(s.Path, true).Load(&p)
	if err != nil || !ok {
		return 0, false, err
	}
	return p.LastProcessedSeq, true, nil
}

func (s *FileStateStore) Save(_ context.Context, seq uint64) error {
	if s == nil {
		return nil
	}
	return storage.NewSnapshotStore(s.Path, true).Save(progress{
		LastProcessedSeq: seq,
		UpdatedAt:        time.Now().UTC(),
	})
}

// DBStateStore keeps progress in the ledger_state table under Name.
type DBStateStore struct {
	Store *postgres.Store
	Name  string
}

func (s *DBStateStore) Load(ctx context.Context) (uint64, bool, error) {
	if s == nil || s.Store == nil {
		return 0, false, nil
	}
	return s.Store.LoadState(ctx, s.Name)
}

func (s *DBStateStore) Save(ctx context.Context, seq uint64) error {
	if s == nil || s.Store == nil {
		return nil
	}
	return s.Store.SaveState(ctx, s.Name, seq)
}
