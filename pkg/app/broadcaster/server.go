// Package broadcaster implements app.Runner for the broadcaster process.
package broadcaster

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apphttp "github.com/chainsafe/shielded-broadcaster/pkg/app/http"
	"github.com/chainsafe/shielded-broadcaster/pkg/app/httpserver"
	"github.com/chainsafe/shielded-broadcaster/pkg/auth"
	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
	"github.com/chainsafe/shielded-broadcaster/pkg/config"
	"github.com/chainsafe/shielded-broadcaster/pkg/evm"
	"github.com/chainsafe/shielded-broadcaster/pkg/extract"
	"github.com/chainsafe/shielded-broadcaster/pkg/fees"
	"github.com/chainsafe/shielded-broadcaster/pkg/gas"
	"github.com/chainsafe/shielded-broadcaster/pkg/keys"
	"github.com/chainsafe/shielded-broadcaster/pkg/pgutil"
	"github.com/chainsafe/shielded-broadcaster/pkg/price"
	"github.com/chainsafe/shielded-broadcaster/pkg/provider"
	"github.com/chainsafe/shielded-broadcaster/pkg/relayer"
	"github.com/chainsafe/shielded-broadcaster/pkg/shielded"
	"github.com/chainsafe/shielded-broadcaster/pkg/store"
	"github.com/chainsafe/shielded-broadcaster/pkg/topup"
	"github.com/chainsafe/shielded-broadcaster/pkg/wallet"
)

const (
	defaultHTTPMiddlewareTimeout = 5 * time.Minute
	defaultHTTPReadTimeout       = 15 * time.Second
	defaultHTTPWriteTimeout      = 5 * time.Minute
	defaultHTTPIdleTimeout       = 60 * time.Second
)

// Server holds configuration for the broadcaster process.
type Server struct {
	cfg *config.Config
}

// NewServer initializes a new broadcaster Server.
func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

// Run wires every component, starts the background engine and serves
// HTTP until an OS shutdown signal is received or the server fails.
func (s *Server) Run() error {
	if s.cfg == nil {
		return fmt.Errorf("nil config")
	}
	cfg := s.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting shielded broadcaster", zap.Int("chains", len(cfg.Chains)))

	chains, err := newChainSet(cfg.Chains)
	if err != nil {
		return err
	}

	history, closeStore, err := openStore(ctx, &cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	pool := provider.NewPool(nil, logger)
	if err := pool.Init(ctx, chains.providers); err != nil {
		return err
	}
	defer pool.Reset()

	for ch, tokens := range chains.fees {
		fb, err := pool.Get(ch)
		if err != nil {
			return err
		}
		if err := evm.VerifyDecimals(ctx, fb, tokens.TokenDecimals); err != nil {
			return fmt.Errorf("chain %s: %w", ch, err)
		}
	}

	engine, err := shielded.Dial(ctx, cfg.Engine.URL, cfg.Engine.Timeout, logger)
	if err != nil {
		return fmt.Errorf("connect shielded engine: %w", err)
	}

	mnemonic, err := keys.ResolveMnemonic(cfg.Wallets.Mnemonic, cfg.Wallets.EncryptedMnemonic, cfg.Wallets.MasterKey)
	if err != nil {
		return fmt.Errorf("load wallet mnemonic: %w", err)
	}
	wallets, err := wallet.DeriveAll(mnemonic, walletParams(cfg.Wallets.Wallets))
	if err != nil {
		return fmt.Errorf("derive wallets: %w", err)
	}

	gasBackends := func(c chain.Chain) (gas.Backend, error) { return pool.Get(c) }
	balanceBackends := func(c chain.Chain) (wallet.BalanceBackend, error) { return pool.Get(c) }
	senders := newSenders(pool, logger)

	estimator := gas.NewEstimator(gasBackends, logger)
	balances := wallet.NewBalanceCache(balanceBackends, cfg.Wallets.BalanceCacheTTL)
	selector := wallet.NewSelector(wallets, balances, logger)

	prices := price.NewCache()
	poller := price.NewPoller(
		price.NewZeroXSource(cfg.Prices.ZeroXBaseURL, cfg.Prices.ZeroXAPIKey, nil),
		prices, cfg.Prices.TokenTimeout, cfg.Prices.LookupDelay, logger,
	)

	settings := feeSettings(cfg.Fees)
	quotes := fees.NewCache(cfg.Fees.QuoteTTL)
	quoter := fees.NewQuoter(quotes, prices, chains.fees, settings, cfg.Fees.PriceStaleAfter, logger)
	validator := fees.NewValidator(quotes, prices, chains.fees, settings, cfg.Fees.PriceStaleAfter, logger)

	speed := gas.Speed(cfg.Relay.GasSpeed)
	replay := relayer.NewReplayGuard(cfg.Relay.ReplayTTL, cfg.Relay.ReplayCapacity)

	relay := relayer.New(relayer.Options{
		Chains:           chains.gasTypes,
		Extractor:        extract.NewExtractor(engine, chains.contracts, logger),
		Validator:        validator,
		Estimator:        estimator,
		Wallets:          selector,
		Balances:         balances,
		Senders:          func(c chain.Chain) (relayer.Sender, error) { return senders(c) },
		Replay:           replay,
		Recorder:         history,
		ViewingPublicKey: engine.ViewingKeyPair().PublicKey,
		BufferPercent:    cfg.Fees.GasBufferPercent,
		Speed:            speed,
	}, logger)

	topUps := topup.NewEngine(topup.Options{
		Chains:        chains.topUps,
		Engine:        engine,
		Estimator:     estimator,
		Wallets:       selector,
		Balances:      balances,
		Senders:       func(c chain.Chain) (topup.Sender, error) { return senders(c) },
		Prices:        prices,
		Recorder:      history,
		BufferPercent: cfg.Fees.GasBufferPercent,
		Speed:         speed,
		StaleAfter:    cfg.Fees.PriceStaleAfter,
	}, logger)

	background := relayer.NewEngine(relayer.EngineOptions{
		Poller:        poller,
		PriceChains:   chains.prices,
		PriceInterval: cfg.Prices.RefreshInterval,
		Quoter:        quoter,
		Health:        pool,
		TopUp:         topUps,
		Replay:        replay,
		Quotes:        quotes,
	}, logger)
	background.Start(ctx)
	defer background.Stop()

	handler := NewHandler(relay, quotes, prices, selector, balances, topUps, history, chains.info, cfg.Fees.QuoteTTL, logger)
	router := s.newRouter(handler, background, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  defaultHTTPReadTimeout,
		WriteTimeout: defaultHTTPWriteTimeout,
		IdleTimeout:  defaultHTTPIdleTimeout,
	}
	return httpserver.ServeAndWait(ctx, logger, httpServer, cfg.Server.ShutdownTimeout)
}

// ReadinessChecker reports whether the process can serve relays.
type ReadinessChecker interface {
	IsReady() bool
}

func (s *Server) newRouter(h *Handler, ready ReadinessChecker, logger *zap.Logger) http.Handler {
	cfg := s.cfg

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(defaultHTTPMiddlewareTimeout))
	r.Use(requestLogger(logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !ready.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT_READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	})

	if cfg.Monitoring.Enabled {
		r.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics enabled", zap.String("path", "/metrics"))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/fees/{chainType}/{chainID}", apphttp.HandleError(h.getFees))
		r.Post("/transact", apphttp.HandleError(h.transact))

		jwtValidator := auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
		if !jwtValidator.IsConfigured() {
			logger.Warn("Admin routes disabled, no JWT secret configured")
			return
		}
		r.Route("/admin", func(r chi.Router) {
			r.Use(jwtValidator.Middleware)
			r.Get("/wallets", apphttp.HandleError(h.listWallets))
			r.Get("/prices/{chainType}/{chainID}", apphttp.HandleError(h.listPrices))
			r.Post("/topup/{chainType}/{chainID}", apphttp.HandleError(h.triggerTopUp))
			r.Get("/broadcasts", apphttp.HandleError(h.listBroadcasts))
			r.Get("/broadcasts/{id}", apphttp.HandleError(h.getBroadcast))
		})
	})

	return r
}

// requestLogger writes one zap line per request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

func openStore(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (store.Store, func(), error) {
	if !cfg.Enabled {
		logger.Info("Database disabled, broadcast history is not persisted")
		return store.Nop{}, func() {}, nil
	}
	db, err := pgutil.ConnectDB(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect broadcaster db: %w", err)
	}
	return store.NewStore(db), func() { _ = db.Close() }, nil
}

// newSenders returns an evm.Sender bound to the chain's provider handle.
func newSenders(pool *provider.Pool, logger *zap.Logger) func(chain.Chain) (*evm.Sender, error) {
	return func(c chain.Chain) (*evm.Sender, error) {
		fb, err := pool.Get(c)
		if err != nil {
			return nil, err
		}
		return evm.NewSender(fb, new(big.Int).SetUint64(c.ID), logger), nil
	}
}
