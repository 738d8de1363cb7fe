package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "BROADCASTER"

// Config represents the broadcaster configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Fees       FeesConfig       `mapstructure:"fees"`
	Prices     PricesConfig     `mapstructure:"prices"`
	Wallets    WalletsConfig    `mapstructure:"wallets"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Chains     []ChainConfig    `mapstructure:"chains" validate:"required,min=1,dive"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// AuthConfig protects the admin routes. An empty secret disables them.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

// FeesConfig holds the fee ratio parameters shared by every chain
type FeesConfig struct {
	Precision        int64         `mapstructure:"precision" validate:"gt=0"`
	RatioMinimum     int64         `mapstructure:"ratio_minimum" validate:"gte=0"`
	QuoteTTL         time.Duration `mapstructure:"quote_ttl" validate:"gt=0"`
	GasBufferPercent int64         `mapstructure:"gas_buffer_percent" validate:"gte=0"`
	SlippageBuffer   float64       `mapstructure:"slippage_buffer" validate:"gte=0,lt=1"`
	ProfitMargin     float64       `mapstructure:"profit_margin" validate:"gte=0"`
	PriceStaleAfter  time.Duration `mapstructure:"price_stale_after" validate:"gt=0"`
}

// PricesConfig configures the secondary price source and its poller
type PricesConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval" validate:"gt=0"`
	TokenTimeout    time.Duration `mapstructure:"token_timeout" validate:"gt=0"`
	LookupDelay     time.Duration `mapstructure:"lookup_delay"`
	ZeroXBaseURL    string        `mapstructure:"zerox_base_url" validate:"required,url"`
	ZeroXAPIKey     string        `mapstructure:"zerox_api_key"`
}

// WalletsConfig describes the HD wallets derived from the relay mnemonic
type WalletsConfig struct {
	Mnemonic          string         `mapstructure:"mnemonic"`
	EncryptedMnemonic string         `mapstructure:"encrypted_mnemonic"`
	MasterKey         string         `mapstructure:"master_key"`
	BalanceCacheTTL   time.Duration  `mapstructure:"balance_cache_ttl"`
	Wallets           []WalletConfig `mapstructure:"wallets" validate:"required,min=1,dive"`
}

// WalletConfig is one derived wallet. Lower priority numbers are preferred.
type WalletConfig struct {
	Index    uint32 `mapstructure:"index"`
	Priority int    `mapstructure:"priority"`
}

// RelayConfig configures the relay request boundary
type RelayConfig struct {
	ReplayTTL      time.Duration `mapstructure:"replay_ttl"`
	ReplayCapacity uint64        `mapstructure:"replay_capacity"`
	GasSpeed       int           `mapstructure:"gas_speed"`
}

// EngineConfig locates the shielded engine sidecar
type EngineConfig struct {
	URL     string        `mapstructure:"url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ChainConfig is everything the broadcaster needs to serve one chain
type ChainConfig struct {
	Type       int             `mapstructure:"type"`
	ID         uint64          `mapstructure:"id" validate:"required"`
	EVMGasType string          `mapstructure:"evm_gas_type" default:"type2" validate:"oneof=type0 type2"`
	GasToken   GasTokenConfig  `mapstructure:"gas_token"`
	Contracts  ContractsConfig `mapstructure:"contracts"`
	Stablecoin string          `mapstructure:"stablecoin" validate:"omitempty,eth_addr"`
	Tokens     []TokenConfig   `mapstructure:"tokens" validate:"dive"`
	Providers  ProvidersConfig `mapstructure:"providers"`
	TopUp      TopUpConfig     `mapstructure:"top_up"`
}

// GasTokenConfig describes the native token and its wrapped ERC20
type GasTokenConfig struct {
	Symbol         string `mapstructure:"symbol" default:"ETH"`
	Decimals       int    `mapstructure:"decimals" default:"18" validate:"gte=0,lte=36"`
	WrappedAddress string `mapstructure:"wrapped_address" validate:"required,eth_addr"`
}

// ContractsConfig holds the shielded pool and relay adapter addresses
type ContractsConfig struct {
	Pool    string `mapstructure:"pool" validate:"required,eth_addr"`
	Adapter string `mapstructure:"adapter" validate:"required,eth_addr"`
}

// TokenConfig is a fee token accepted on a chain
type TokenConfig struct {
	Address  string `mapstructure:"address" validate:"required,eth_addr"`
	Symbol   string `mapstructure:"symbol"`
	Decimals int    `mapstructure:"decimals" default:"18" validate:"gte=0,lte=36"`
}

// ProvidersConfig is the fallback provider set of a chain
type ProvidersConfig struct {
	ChainID   uint64           `mapstructure:"chain_id" validate:"required"`
	Providers []ProviderConfig `mapstructure:"providers" validate:"required,min=1,dive"`
}

// ProviderConfig is one RPC endpoint candidate
type ProviderConfig struct {
	URL             string        `mapstructure:"url" validate:"required"`
	Priority        int           `mapstructure:"priority"`
	Weight          int           `mapstructure:"weight" default:"1" validate:"gte=1"`
	StallTimeout    time.Duration `mapstructure:"stall_timeout" default:"2500ms"`
	MaxLogsPerBatch int           `mapstructure:"max_logs_per_batch" default:"10"`
}

// TopUpConfig is the per-chain self-funding risk policy
type TopUpConfig struct {
	Enabled                   bool          `mapstructure:"enabled"`
	Interval                  time.Duration `mapstructure:"interval" default:"1m"`
	MaxSpendPercentage        float64       `mapstructure:"max_spend_percentage" default:"0.05" validate:"gte=0,lte=1"`
	MinimumGasBalanceForTopup string        `mapstructure:"minimum_gas_balance_for_topup" default:"0"`
	SwapThresholdIntoGasToken string        `mapstructure:"swap_threshold_into_gas_token" default:"0"`
	AccumulateNativeToken     bool          `mapstructure:"accumulate_native_token"`
	SkipTokens                []string      `mapstructure:"skip_tokens" validate:"dive,eth_addr"`
}

// GetConnectionString returns PostgreSQL connection string
func (c *DatabaseConfig) GetConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyStructDefaults(&config); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.database", "broadcaster")
	v.SetDefault("database.pool_size", 10)

	v.SetDefault("monitoring.enabled", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("fees.precision", 100_000_000)
	v.SetDefault("fees.ratio_minimum", 1_000)
	v.SetDefault("fees.quote_ttl", "2m")
	v.SetDefault("fees.gas_buffer_percent", 20)
	v.SetDefault("fees.slippage_buffer", 0.05)
	v.SetDefault("fees.profit_margin", 0.05)
	v.SetDefault("fees.price_stale_after", "90s")

	v.SetDefault("prices.refresh_interval", "30s")
	v.SetDefault("prices.token_timeout", "10s")
	v.SetDefault("prices.lookup_delay", "1500ms")
	v.SetDefault("prices.zerox_base_url", "https://api.0x.org")

	v.SetDefault("wallets.balance_cache_ttl", "5m")

	v.SetDefault("relay.replay_ttl", "1h")
	v.SetDefault("relay.replay_capacity", 100_000)
	v.SetDefault("relay.gas_speed", 25)

	v.SetDefault("engine.url", "http://localhost:3100")
	v.SetDefault("engine.timeout", "30s")

	// secrets are usually supplied through the environment only
	_ = v.BindEnv("wallets.mnemonic")
	_ = v.BindEnv("wallets.master_key")
	_ = v.BindEnv("auth.jwt_secret")
	_ = v.BindEnv("prices.zerox_api_key")
}

// applyStructDefaults fills list elements viper cannot default.
func applyStructDefaults(config *Config) error {
	for i := range config.Chains {
		if err := defaults.Set(&config.Chains[i]); err != nil {
			return fmt.Errorf("chain %d: %w", config.Chains[i].ID, err)
		}
	}
	return nil
}

func validate(config *Config) error {
	if err := validator.New().Struct(config); err != nil {
		return err
	}

	if config.Wallets.Mnemonic == "" && config.Wallets.EncryptedMnemonic == "" {
		return fmt.Errorf("wallets.mnemonic or wallets.encrypted_mnemonic is required")
	}
	if config.Wallets.EncryptedMnemonic != "" && config.Wallets.MasterKey == "" {
		return fmt.Errorf("wallets.master_key is required with an encrypted mnemonic")
	}
	if config.Database.Enabled && config.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}

	seen := make(map[uint64]bool, len(config.Chains))
	for _, c := range config.Chains {
		if seen[c.ID] {
			return fmt.Errorf("chain %d configured twice", c.ID)
		}
		seen[c.ID] = true

		if c.Providers.ChainID != c.ID {
			return fmt.Errorf("chain %d: providers.chain_id %d does not match", c.ID, c.Providers.ChainID)
		}
		for _, field := range []struct{ name, value string }{
			{"minimum_gas_balance_for_topup", c.TopUp.MinimumGasBalanceForTopup},
			{"swap_threshold_into_gas_token", c.TopUp.SwapThresholdIntoGasToken},
		} {
			if _, ok := new(big.Int).SetString(field.value, 10); !ok {
				return fmt.Errorf("chain %d: top_up.%s must be an integer, got %q", c.ID, field.name, field.value)
			}
		}
	}
	return nil
}

// BigInt parses a decimal integer string already checked by validate.
func BigInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return n
}

// Address converts a validated hex string.
func Address(s string) common.Address {
	return common.HexToAddress(s)
}
