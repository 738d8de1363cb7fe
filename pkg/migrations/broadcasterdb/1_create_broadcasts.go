package broadcasterdb

import (
	"context"

	"github.com/uptrace/bun"

	mghelper "github.com/chainsafe/shielded-broadcaster/pkg/pgutil/migrations"
	"github.com/chainsafe/shielded-broadcaster/pkg/store"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		if err := mghelper.CreateSchema(ctx, db, &store.BroadcastDao{}); err != nil {
			return err
		}
		return mghelper.CreateModelIndexes(ctx, db, &store.BroadcastDao{}, "tx_hash", "chain_type,chain_id", "created_at")
	}, func(ctx context.Context, db *bun.DB) error {
		return mghelper.DropTables(ctx, db, &store.BroadcastDao{})
	})
}
