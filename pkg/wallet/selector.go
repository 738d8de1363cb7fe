package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
)

var ErrNoWalletAvailable = errors.New("no wallet available")

type lockKey struct {
	chain   chain.Chain
	address common.Address
}

// Selector leases wallets to transactions. A leased wallet is not handed
// out again on the same chain until the lease is released.
type Selector struct {
	wallets  []*Wallet
	balances *BalanceCache
	logger   *zap.Logger

	mu     sync.Mutex
	locked map[lockKey]bool
}

// NewSelector creates a Selector over wallets, ordered by priority.
func NewSelector(wallets []*Wallet, balances *BalanceCache, logger *zap.Logger) *Selector {
	sorted := append([]*Wallet(nil), wallets...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return &Selector{
		wallets:  sorted,
		balances: balances,
		logger:   logger,
		locked:   make(map[lockKey]bool),
	}
}

// Wallets lists every wallet by priority.
func (s *Selector) Wallets() []*Wallet {
	return append([]*Wallet(nil), s.wallets...)
}

// Lease holds a wallet until Release.
type Lease struct {
	Wallet *Wallet
	once   sync.Once
	unlock func()
}

// Release returns the wallet to the pool. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(l.unlock)
}

// Select leases the highest-priority unlocked wallet whose balance covers
// budget. Balances are read before the lock is taken; choosing and
// locking happen under it.
func (s *Selector) Select(ctx context.Context, ch chain.Chain, budget *big.Int) (*Lease, error) {
	funded := make(map[common.Address]bool, len(s.wallets))
	for _, w := range s.wallets {
		balance, err := s.balances.Get(ctx, ch, w.Address)
		if err != nil {
			s.logger.Warn("Wallet balance unavailable",
				zap.String("chain", ch.String()),
				zap.String("wallet", w.Address.Hex()),
				zap.Error(err))
			continue
		}
		funded[w.Address] = balance.Cmp(budget) >= 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		key := lockKey{chain: ch, address: w.Address}
		if !funded[w.Address] || s.locked[key] {
			continue
		}
		s.locked[key] = true
		return &Lease{Wallet: w, unlock: func() { s.release(key) }}, nil
	}
	return nil, fmt.Errorf("%w on %s for budget %s", ErrNoWalletAvailable, ch, budget)
}

func (s *Selector) release(key lockKey) {
	s.mu.Lock()
	delete(s.locked, key)
	s.mu.Unlock()
}

// Available counts wallets not currently leased on the chain.
func (s *Selector) Available(ch chain.Chain) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.wallets {
		if !s.locked[lockKey{chain: ch, address: w.Address}] {
			n++
		}
	}
	return n
}
