package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
)

// BroadcastDao maps directly to the 'broadcasts' table in PostgreSQL.
type BroadcastDao struct {
	bun.BaseModel `bun:"table:broadcasts,alias:b"`
	ID            uuid.UUID `bun:"id,pk,type:uuid"`
	ChainType     int       `bun:"chain_type,notnull"`
	ChainID       int64     `bun:"chain_id,notnull"`
	TxHash        *string   `bun:"tx_hash,type:varchar(66)"`
	Wallet        *string   `bun:"wallet,type:varchar(42)"`
	FeeToken      *string   `bun:"fee_token,type:varchar(42)"`
	FeeAmount     *string   `bun:"fee_amount,type:numeric(78,0)"`
	MaxGasCost    *string   `bun:"max_gas_cost,type:numeric(78,0)"`
	Kind          string    `bun:"kind,notnull,type:varchar(16)"`
	Status        string    `bun:"status,notnull,type:varchar(16)"`
	Error         *string   `bun:"error,type:text"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toBroadcastDao(b *Broadcast) *BroadcastDao {
	dao := &BroadcastDao{
		ID:        b.ID,
		ChainType: int(b.Chain.Type),
		ChainID:   int64(b.Chain.ID),
		TxHash:    optional(b.TxHash),
		Wallet:    optional(b.Wallet),
		FeeToken:  optional(b.FeeToken),
		Kind:      string(b.Kind),
		Status:    string(b.Status),
		Error:     optional(b.Error),
		CreatedAt: b.CreatedAt,
	}
	if b.FeeAmount != nil {
		dao.FeeAmount = optional(b.FeeAmount.String())
	}
	if b.MaxGasCost != nil {
		dao.MaxGasCost = optional(b.MaxGasCost.String())
	}
	return dao
}

func fromBroadcastDao(dao *BroadcastDao) *Broadcast {
	return &Broadcast{
		ID:         dao.ID,
		Chain:      chain.Chain{Type: chain.Type(dao.ChainType), ID: uint64(dao.ChainID)},
		TxHash:     deref(dao.TxHash),
		Wallet:     deref(dao.Wallet),
		FeeToken:   deref(dao.FeeToken),
		FeeAmount:  parseAmount(dao.FeeAmount),
		MaxGasCost: parseAmount(dao.MaxGasCost),
		Kind:       Kind(dao.Kind),
		Status:     Status(dao.Status),
		Error:      deref(dao.Error),
		CreatedAt:  dao.CreatedAt,
	}
}
