package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RelayRequestsTotal counts relay requests by chain and outcome
	RelayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcaster_relay_requests_total",
			Help: "Total number of relay requests",
		},
		[]string{"chain", "result"},
	)

	// RelayDuration tracks end-to-end relay processing time
	RelayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broadcaster_relay_duration_seconds",
			Help:    "Relay processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain"},
	)

	// FeeTheftAttemptsTotal counts fee notes whose commitment did not match
	FeeTheftAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcaster_fee_theft_attempts_total",
			Help: "Total number of spoofed fee notes detected",
		},
		[]string{"chain"},
	)

	// PriceRefreshTotal counts token price refresh cycles
	PriceRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcaster_token_price_refresh_total",
			Help: "Total number of token price refresh cycles",
		},
		[]string{"chain", "result"},
	)

	// WalletGasBalance tracks the gas token balance of each wallet (in whole tokens)
	WalletGasBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broadcaster_wallet_gas_balance",
			Help: "Gas token balance per wallet",
		},
		[]string{"chain", "wallet"},
	)

	// TopUpsTotal counts top-up attempts by outcome
	TopUpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcaster_topups_total",
			Help: "Total number of wallet top-up attempts",
		},
		[]string{"chain", "result"},
	)

	// ProviderEndpointHealthy is 1 while an endpoint is usable, 0 while quarantined
	ProviderEndpointHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broadcaster_provider_endpoint_healthy",
			Help: "Whether an RPC endpoint is currently usable",
		},
		[]string{"chain", "endpoint"},
	)

	// MaxGasCost tracks buffered gas cost budgets in wei
	MaxGasCost = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broadcaster_max_gas_cost_wei",
			Help:    "Maximum gas cost computed per attempt, in wei",
			Buckets: prometheus.ExponentialBuckets(1e12, 10, 8),
		},
		[]string{"chain"},
	)

	// ErrorsTotal counts errors by component and type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcaster_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "type"},
	)
)
