package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const defaultListLimit = 100

type pgStore struct {
	db *bun.DB
}

// NewStore creates a new postgres implementation of the broadcast store
func NewStore(db *bun.DB) *pgStore {
	return &pgStore{db: db}
}

func (s *pgStore) RecordBroadcast(ctx context.Context, b *Broadcast) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	_, err := s.db.NewInsert().
		Model(toBroadcastDao(b)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to record broadcast: %w", err)
	}
	return nil
}

func (s *pgStore) GetBroadcast(ctx context.Context, id uuid.UUID) (*Broadcast, error) {
	dao := new(BroadcastDao)
	err := s.db.NewSelect().
		Model(dao).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBroadcastNotFound
		}
		return nil, fmt.Errorf("failed to get broadcast: %w", err)
	}
	return fromBroadcastDao(dao), nil
}

func (s *pgStore) ListBroadcasts(ctx context.Context, opts ...QueryOption) ([]*Broadcast, error) {
	options := &QueryOptions{Limit: defaultListLimit}
	for _, opt := range opts {
		opt(options)
	}

	var daos []BroadcastDao
	query := s.db.NewSelect().Model(&daos)
	if options.Chain != nil {
		query = query.
			Where("chain_type = ?", int(options.Chain.Type)).
			Where("chain_id = ?", int64(options.Chain.ID))
	}
	if options.Kind != nil {
		query = query.Where("kind = ?", string(*options.Kind))
	}
	if options.Limit > 0 {
		query = query.Limit(options.Limit)
	}

	if err := query.Order("created_at DESC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list broadcasts: %w", err)
	}

	out := make([]*Broadcast, 0, len(daos))
	for i := range daos {
		out = append(out, fromBroadcastDao(&daos[i]))
	}
	return out, nil
}
