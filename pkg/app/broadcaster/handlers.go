package broadcaster

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/shielded-broadcaster/pkg/app/errors"
	apphttp "github.com/chainsafe/shielded-broadcaster/pkg/app/http"
	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
	"github.com/chainsafe/shielded-broadcaster/pkg/fees"
	"github.com/chainsafe/shielded-broadcaster/pkg/price"
	"github.com/chainsafe/shielded-broadcaster/pkg/relayer"
	"github.com/chainsafe/shielded-broadcaster/pkg/store"
	"github.com/chainsafe/shielded-broadcaster/pkg/topup"
	"github.com/chainsafe/shielded-broadcaster/pkg/wallet"
)

const maxRequestBody = 1 << 20

// Transactor runs relay requests.
type Transactor interface {
	Transact(ctx context.Context, req relayer.Request) relayer.Response
}

// QuoteSource returns the latest fee quote of a chain.
type QuoteSource interface {
	Latest(ch chain.Chain) (*fees.Quote, bool)
}

// PriceSnapshotter copies the cached token prices of a chain.
type PriceSnapshotter interface {
	Snapshot(ch chain.Chain) map[common.Address]price.TokenPrice
}

// WalletPool reports wallets and how many are free per chain.
type WalletPool interface {
	Wallets() []*wallet.Wallet
	Available(ch chain.Chain) int
}

// BalanceReader reads cached wallet gas balances.
type BalanceReader interface {
	Get(ctx context.Context, ch chain.Chain, address common.Address) (*big.Int, error)
}

// TopUpRunner triggers a top-up cycle.
type TopUpRunner interface {
	RunChain(ctx context.Context, ch chain.Chain) (*topup.Result, error)
}

// ChainInfo is the public per-chain data returned with fees.
type ChainInfo struct {
	RelayAdapt common.Address
}

// Handler serves the broadcaster HTTP API.
type Handler struct {
	relayer  Transactor
	quotes   QuoteSource
	prices   PriceSnapshotter
	wallets  WalletPool
	balances BalanceReader
	topUps   TopUpRunner
	history  store.Store
	chains   map[chain.Chain]ChainInfo
	quoteTTL time.Duration
	logger   *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(
	relayer Transactor,
	quotes QuoteSource,
	prices PriceSnapshotter,
	wallets WalletPool,
	balances BalanceReader,
	topUps TopUpRunner,
	history store.Store,
	chains map[chain.Chain]ChainInfo,
	quoteTTL time.Duration,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		relayer:  relayer,
		quotes:   quotes,
		prices:   prices,
		wallets:  wallets,
		balances: balances,
		topUps:   topUps,
		history:  history,
		chains:   chains,
		quoteTTL: quoteTTL,
		logger:   logger,
	}
}

type feesResponse struct {
	FeesID           string            `json:"feesID"`
	Fees             map[string]string `json:"fees"`
	FeeExpiration    int64             `json:"feeExpiration"`
	AvailableWallets int               `json:"availableWallets"`
	RelayAdapt       string            `json:"relayAdapt"`
}

func (h *Handler) getFees(w http.ResponseWriter, r *http.Request) error {
	ch, err := h.chainParam(r)
	if err != nil {
		return err
	}
	quote, ok := h.quotes.Latest(ch)
	if !ok {
		return apperrors.ResourceNotFoundError(nil, "no fee quote available")
	}

	unitFees := quote.UnitFees()
	out := make(map[string]string, len(unitFees))
	for token, fee := range unitFees {
		out[token.Hex()] = hexutil.EncodeBig(fee)
	}

	apphttp.WriteJSON(w, http.StatusOK, &feesResponse{
		FeesID:           quote.ID,
		Fees:             out,
		FeeExpiration:    quote.CreatedAt.Add(h.quoteTTL).UnixMilli(),
		AvailableWallets: h.wallets.Available(ch),
		RelayAdapt:       h.chains[ch].RelayAdapt.Hex(),
	})
	return nil
}

type pricesResponse struct {
	Chain  string                      `json:"chain"`
	Prices map[string]price.TokenPrice `json:"prices"`
}

// listPrices shows the prices fee quotes are currently built from.
func (h *Handler) listPrices(w http.ResponseWriter, r *http.Request) error {
	ch, err := h.chainParam(r)
	if err != nil {
		return err
	}
	snapshot := h.prices.Snapshot(ch)
	out := make(map[string]price.TokenPrice, len(snapshot))
	for token, p := range snapshot {
		out[token.Hex()] = p
	}
	apphttp.WriteJSON(w, http.StatusOK, &pricesResponse{Chain: ch.String(), Prices: out})
	return nil
}

// transact answers with 200 for every decodable request; relay failures
// travel in the body as sanitized messages.
func (h *Handler) transact(w http.ResponseWriter, r *http.Request) error {
	var req relayer.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		return apperrors.BadRequestError(err, "invalid request body")
	}
	apphttp.WriteJSON(w, http.StatusOK, h.relayer.Transact(r.Context(), req))
	return nil
}

type walletBalance struct {
	Chain   string `json:"chain"`
	Balance string `json:"balance,omitempty"`
	Error   string `json:"error,omitempty"`
}

type walletResponse struct {
	Address  string          `json:"address"`
	Index    uint32          `json:"index"`
	Priority int             `json:"priority"`
	Balances []walletBalance `json:"balances"`
}

func (h *Handler) listWallets(w http.ResponseWriter, r *http.Request) error {
	wallets := h.wallets.Wallets()
	out := make([]walletResponse, 0, len(wallets))
	for _, wal := range wallets {
		resp := walletResponse{Address: wal.Address.Hex(), Index: wal.Index, Priority: wal.Priority}
		for ch := range h.chains {
			b := walletBalance{Chain: ch.String()}
			balance, err := h.balances.Get(r.Context(), ch, wal.Address)
			if err != nil {
				b.Error = err.Error()
			} else {
				b.Balance = balance.String()
			}
			resp.Balances = append(resp.Balances, b)
		}
		out = append(out, resp)
	}
	apphttp.WriteJSON(w, http.StatusOK, map[string]any{"wallets": out})
	return nil
}

type topUpResponse struct {
	TxHash     string            `json:"txHash,omitempty"`
	Recipient  string            `json:"recipient,omitempty"`
	Payer      string            `json:"payer,omitempty"`
	Amounts    map[string]string `json:"amounts,omitempty"`
	MaxGasCost string            `json:"maxGasCost,omitempty"`
	Needed     bool              `json:"needed"`
}

func (h *Handler) triggerTopUp(w http.ResponseWriter, r *http.Request) error {
	ch, err := h.chainParam(r)
	if err != nil {
		return err
	}
	res, err := h.topUps.RunChain(r.Context(), ch)
	switch {
	case errors.Is(err, topup.ErrUnknownChain):
		return apperrors.ResourceNotFoundError(err, "top-up not configured for chain")
	case errors.Is(err, topup.ErrTopUpInFlight):
		return apperrors.PolicyRejectionError(err, "top-up already running")
	case errors.Is(err, topup.ErrTopUpTooCostly), errors.Is(err, topup.ErrNothingToUnshield):
		return apperrors.PolicyRejectionError(err, err.Error())
	case err != nil:
		h.logger.Error("Manual top-up failed", zap.String("chain", ch.String()), zap.Error(err))
		return apperrors.GeneralError(err)
	}

	if res == nil {
		apphttp.WriteJSON(w, http.StatusOK, &topUpResponse{})
		return nil
	}
	amounts := make(map[string]string, len(res.Amounts))
	for _, a := range res.Amounts {
		amounts[a.Token.Hex()] = a.Amount.String()
	}
	apphttp.WriteJSON(w, http.StatusOK, &topUpResponse{
		TxHash:     res.TxHash.Hex(),
		Recipient:  res.Recipient.Hex(),
		Payer:      res.Payer.Hex(),
		Amounts:    amounts,
		MaxGasCost: res.MaxGasCost.String(),
		Needed:     true,
	})
	return nil
}

func (h *Handler) listBroadcasts(w http.ResponseWriter, r *http.Request) error {
	var opts []store.QueryOption
	q := r.URL.Query()
	if key := q.Get("chain"); key != "" {
		ch, err := chain.Parse(key)
		if err != nil {
			return apperrors.BadRequestError(err, "invalid chain")
		}
		opts = append(opts, store.WithChain(ch))
	}
	if kind := q.Get("kind"); kind != "" {
		opts = append(opts, store.WithKind(store.Kind(kind)))
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return apperrors.BadRequestError(err, "invalid limit")
		}
		opts = append(opts, store.WithLimit(n))
	}

	broadcasts, err := h.history.ListBroadcasts(r.Context(), opts...)
	if err != nil {
		return apperrors.GeneralError(err)
	}
	apphttp.WriteJSON(w, http.StatusOK, map[string]any{"broadcasts": broadcasts})
	return nil
}

func (h *Handler) getBroadcast(w http.ResponseWriter, r *http.Request) error {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return apperrors.BadRequestError(err, "invalid id")
	}
	b, err := h.history.GetBroadcast(r.Context(), id)
	if errors.Is(err, store.ErrBroadcastNotFound) {
		return apperrors.ResourceNotFoundError(err, "broadcast not found")
	}
	if err != nil {
		return apperrors.GeneralError(err)
	}
	apphttp.WriteJSON(w, http.StatusOK, b)
	return nil
}

func (h *Handler) chainParam(r *http.Request) (chain.Chain, error) {
	ch, err := chain.FromParts(chi.URLParam(r, "chainType"), chi.URLParam(r, "chainID"))
	if err != nil {
		return chain.Chain{}, apperrors.BadRequestError(err, "invalid chain")
	}
	if _, ok := h.chains[ch]; !ok {
		return chain.Chain{}, apperrors.ResourceNotFoundError(nil, "chain not served")
	}
	return ch, nil
}
