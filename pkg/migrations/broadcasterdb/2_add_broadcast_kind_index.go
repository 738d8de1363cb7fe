package broadcasterdb

import (
	"context"

	"github.com/uptrace/bun"

	mghelper "github.com/chainsafe/shielded-broadcaster/pkg/pgutil/migrations"
	"github.com/chainsafe/shielded-broadcaster/pkg/store"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		return mghelper.CreateModelIndexes(ctx, db, &store.BroadcastDao{}, "kind,status")
	}, func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewDropIndex().Index("idx_broadcasts_kind_status").IfExists().Exec(ctx)
		return err
	})
}
