// Package store keeps an audit trail of relay and top-up broadcasts.
package store

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
)

// ErrBroadcastNotFound is returned when a lookup finds no matching record.
var ErrBroadcastNotFound = errors.New("broadcast not found")

// Kind distinguishes client relays from self-funding top-ups.
type Kind string

const (
	KindRelay Kind = "relay"
	KindTopUp Kind = "topup"
)

// Status is the outcome of a broadcast attempt.
type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Broadcast is one relay or top-up attempt.
type Broadcast struct {
	ID         uuid.UUID   `json:"id"`
	Chain      chain.Chain `json:"chain"`
	TxHash     string      `json:"txHash,omitempty"`
	Wallet     string      `json:"wallet"`
	FeeToken   string      `json:"feeToken,omitempty"`
	FeeAmount  *big.Int    `json:"feeAmount,omitempty"`
	MaxGasCost *big.Int    `json:"maxGasCost,omitempty"`
	Kind       Kind        `json:"kind"`
	Status     Status      `json:"status"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// NewBroadcast fills the id and timestamp of a fresh record.
func NewBroadcast(c chain.Chain, kind Kind) *Broadcast {
	return &Broadcast{
		ID:        uuid.New(),
		Chain:     c,
		Kind:      kind,
		Status:    StatusSent,
		CreatedAt: time.Now().UTC(),
	}
}

// Fail marks the record failed with err.
func (b *Broadcast) Fail(err error) {
	b.Status = StatusFailed
	if err != nil {
		b.Error = err.Error()
	}
}

// Recorder is the write side used by the relay and top-up paths.
type Recorder interface {
	RecordBroadcast(ctx context.Context, b *Broadcast) error
}

// Store defines the interface for broadcast persistence
type Store interface {
	Recorder
	GetBroadcast(ctx context.Context, id uuid.UUID) (*Broadcast, error)
	ListBroadcasts(ctx context.Context, opts ...QueryOption) ([]*Broadcast, error)
}

// QueryOptions defines filters for listing broadcasts
type QueryOptions struct {
	Chain *chain.Chain
	Kind  *Kind
	Limit int
}

// QueryOption is a functional option for listing broadcasts
type QueryOption func(*QueryOptions)

// WithChain restricts results to one chain
func WithChain(c chain.Chain) QueryOption {
	return func(opts *QueryOptions) {
		opts.Chain = &c
	}
}

// WithKind restricts results to relays or top-ups
func WithKind(k Kind) QueryOption {
	return func(opts *QueryOptions) {
		opts.Kind = &k
	}
}

// WithLimit caps the number of results
func WithLimit(n int) QueryOption {
	return func(opts *QueryOptions) {
		opts.Limit = n
	}
}

// Nop discards every record. Used when no database is configured.
type Nop struct{}

func (Nop) RecordBroadcast(context.Context, *Broadcast) error { return nil }

func (Nop) GetBroadcast(context.Context, uuid.UUID) (*Broadcast, error) {
	return nil, ErrBroadcastNotFound
}

func (Nop) ListBroadcasts(context.Context, ...QueryOption) ([]*Broadcast, error) {
	return nil, nil
}

func parseAmount(s *string) *big.Int {
	if s == nil {
		return nil
	}
	n, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil
	}
	return n
}
