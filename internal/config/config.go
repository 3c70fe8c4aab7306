package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	PoisonStop = "stop"
	PoisonExit = "exit"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL     string
	WSURL      string
	Commitment string
	LogLevel   string
	LogFile    string

	DataDir     string
	Journal     string
	PGDSN       string
	MetricsAddr string

	NATSURL     string
	NATSSubject string
	WebhookURL  string

	FeePayerKeypair  string
	ConfigProgram    string
	GlobalConfig     string
	MintProgram      string
	ProtocolProgram  string
	SolUSDOracle     string
	GlobalConfigPoll time.Duration
	OnCachePoison    string

	MaxAccountsPerTx     int
	MaxRetries           int
	RetryBackoff         time.Duration
	BackoffMax           time.Duration
	BackoffKind          string
	StalePriceErrorCodes []uint32
	CUPriceMicroLamports uint64
	CUBudgetMultiplier   float64
	FetchInterval        time.Duration

	MinCheckDelay time.Duration
	MaxCheckDelay time.Duration

	VenueProgram      string
	StakePoolPrograms []string
	StakePoolPoll     time.Duration
	MarinadeState     string
	MarinadeMint      string
	MarinadeProgram   string

	Markets []MarketConfig
	Vaults  []VaultConfig
}

// MarketConfig describes one venue market family to cache.
type MarketConfig struct {
	Kind              string        `mapstructure:"kind"`
	Program           string        `mapstructure:"program"`
	Account           string        `mapstructure:"account"`
	Size              int           `mapstructure:"size"`
	PubkeyOffset      int           `mapstructure:"pubkey-offset"`
	OracleOffset      int           `mapstructure:"oracle-offset"`
	MarketIndexOffset int           `mapstructure:"market-index-offset"`
	PoolIDOffset      int           `mapstructure:"pool-id-offset"`
	StatusOffset      int           `mapstructure:"status-offset"`
	ActiveStatus      uint8         `mapstructure:"active-status"`
	PollInterval      time.Duration `mapstructure:"poll-interval"`
}

// VaultConfig is one vault served by the fulfillment engine.
type VaultConfig struct {
	Name                 string   `mapstructure:"name"`
	State                string   `mapstructure:"state"`
	Mint                 string   `mapstructure:"mint"`
	BaseAssetMint        string   `mapstructure:"base-asset-mint"`
	BaseAssetUSDOracle   string   `mapstructure:"base-asset-usd-oracle"`
	NoticePeriod         uint64   `mapstructure:"notice-period"`
	WindowInSeconds      bool     `mapstructure:"window-in-seconds"`
	VaultSoftRedeem      bool     `mapstructure:"vault-soft-redeem"`
	SoftRedeem           bool     `mapstructure:"soft-redeem"`
	FulfillEnabled       bool     `mapstructure:"fulfill-enabled"`
	WarnFeePayerLamports uint64   `mapstructure:"warn-fee-payer-lamports"`
	MinFeePayerLamports  uint64   `mapstructure:"min-fee-payer-lamports"`
	PricedAssets         []string `mapstructure:"priced-assets"`
	VenueSubAccounts     []uint16 `mapstructure:"venue-sub-accounts"`
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VAULTD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("commitment", "confirmed")
	v.SetDefault("log-level", "info")
	v.SetDefault("data-dir", "./data/snapshots")
	v.SetDefault("journal", "./data/journal")
	v.SetDefault("metrics-addr", ":9102")
	v.SetDefault("nats-subject", "vaultd.alerts")
	v.SetDefault("global-config-poll", 30*time.Minute)
	v.SetDefault("on-cache-poison", PoisonExit)
	v.SetDefault("max-accounts-per-tx", 64)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("backoff-max", 30*time.Second)
	v.SetDefault("backoff-kind", "exponential")
	v.SetDefault("cu-budget-multiplier", 1.1)
	v.SetDefault("fetch-interval", time.Second)
	v.SetDefault("min-check-delay", 5*time.Second)
	v.SetDefault("max-check-delay", 5*time.Minute)
	v.SetDefault("venue-program", "dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH")
	v.SetDefault("stake-pool-programs", []string{
		"SPoo1Ku8WFXoNDMHPsrGSTSG1Y47rzgn41SLUNakuHy",
		"SPMBzsVUuoHA4Jm6KunbsotaahvVikZs1JyTW6iJvbn",
		"SP12tWFxD9oJsVWNavTTBZvMbA6gkAmxtVgxdqvyvhY",
	})
	v.SetDefault("stake-pool-poll", time.Hour)
	v.SetDefault("marinade-program", "MarBmsSgKXdrN1egZf5sqe1TMai9K1rChYNDJgjq7aD")
	v.SetDefault("marinade-state", "8szGkuLTAux9XMgZ2vtY39jVSowEcpBfFfD8hXSEqdGC")
	v.SetDefault("marinade-mint", "mSoLzYCxHdYgdzU16g5QSh3i5K3z3KZK7ytfqcJm7So")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	codes, err := parseCodes(getStringSlice(v, "stale-price-error-codes"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RPCURL:               v.GetString("rpc"),
		WSURL:                v.GetString("ws"),
		Commitment:           v.GetString("commitment"),
		LogLevel:             v.GetString("log-level"),
		LogFile:              v.GetString("log-file"),
		DataDir:              v.GetString("data-dir"),
		Journal:              v.GetString("journal"),
		PGDSN:                v.GetString("pg-dsn"),
		MetricsAddr:          v.GetString("metrics-addr"),
		NATSURL:              v.GetString("nats-url"),
		NATSSubject:          v.GetString("nats-subject"),
		WebhookURL:           v.GetString("webhook-url"),
		FeePayerKeypair:      v.GetString("fee-payer-keypair"),
		ConfigProgram:        v.GetString("config-program"),
		GlobalConfig:         v.GetString("global-config"),
		MintProgram:          v.GetString("mint-program"),
		ProtocolProgram:      v.GetString("protocol-program"),
		SolUSDOracle:         v.GetString("sol-usd-oracle"),
		GlobalConfigPoll:     v.GetDuration("global-config-poll"),
		OnCachePoison:        v.GetString("on-cache-poison"),
		MaxAccountsPerTx:     v.GetInt("max-accounts-per-tx"),
		MaxRetries:           v.GetInt("max-retries"),
		RetryBackoff:         v.GetDuration("retry-backoff"),
		BackoffMax:           v.GetDuration("backoff-max"),
		BackoffKind:          v.GetString("backoff-kind"),
		StalePriceErrorCodes: codes,
		CUPriceMicroLamports: v.GetUint64("cu-price-micro-lamports"),
		CUBudgetMultiplier:   v.GetFloat64("cu-budget-multiplier"),
		FetchInterval:        v.GetDuration("fetch-interval"),
		MinCheckDelay:        v.GetDuration("min-check-delay"),
		MaxCheckDelay:        v.GetDuration("max-check-delay"),
		VenueProgram:         v.GetString("venue-program"),
		StakePoolPrograms:    getStringSlice(v, "stake-pool-programs"),
		StakePoolPoll:        v.GetDuration("stake-pool-poll"),
		MarinadeProgram:      v.GetString("marinade-program"),
		MarinadeState:        v.GetString("marinade-state"),
		MarinadeMint:         v.GetString("marinade-mint"),
	}
	if err := v.UnmarshalKey("markets", &cfg.Markets); err != nil {
		return Config{}, fmt.Errorf("decode markets: %w", err)
	}
	if err := v.UnmarshalKey("vaults", &cfg.Vaults); err != nil {
		return Config{}, fmt.Errorf("decode vaults: %w", err)
	}

	return cfg, nil
}

// Validate checks the settings needed to run the service.
func (c Config) Validate() error {
	var errs []error
	if c.RPCURL == "" {
		errs = append(errs, errors.New("rpc url is required"))
	}
	if c.FeePayerKeypair == "" {
		errs = append(errs, errors.New("fee-payer-keypair is required"))
	}
	if c.OnCachePoison != PoisonStop && c.OnCachePoison != PoisonExit {
		errs = append(errs, fmt.Errorf("on-cache-poison must be %q or %q, got %q", PoisonStop, PoisonExit, c.OnCachePoison))
	}
	if c.MinCheckDelay > c.MaxCheckDelay {
		errs = append(errs, fmt.Errorf("min-check-delay %s exceeds max-check-delay %s", c.MinCheckDelay, c.MaxCheckDelay))
	}
	for _, field := range []struct{ name, value string }{
		{"config-program", c.ConfigProgram},
		{"global-config", c.GlobalConfig},
		{"mint-program", c.MintProgram},
		{"protocol-program", c.ProtocolProgram},
	} {
		if _, err := PublicKey(field.name, field.value); err != nil {
			errs = append(errs, err)
		}
	}
	for i, p := range c.StakePoolPrograms {
		if _, err := PublicKey(fmt.Sprintf("stake-pool-programs[%d]", i), p); err != nil {
			errs = append(errs, err)
		}
	}
	if (c.MarinadeState == "") != (c.MarinadeMint == "") {
		errs = append(errs, errors.New("marinade-state and marinade-mint must be set together"))
	}
	kinds := make(map[string]bool, 2)
	for i, m := range c.Markets {
		kinds[m.Kind] = true
		if m.Kind != "spot" && m.Kind != "perp" {
			errs = append(errs, fmt.Errorf("markets[%d]: kind must be spot or perp, got %q", i, m.Kind))
		}
		if _, err := PublicKey(fmt.Sprintf("markets[%d].program", i), m.Program); err != nil {
			errs = append(errs, err)
		}
		if m.Size <= 0 || m.Account == "" {
			errs = append(errs, fmt.Errorf("markets[%d]: account and size are required", i))
		}
	}
	if len(c.Vaults) == 0 {
		errs = append(errs, errors.New("at least one vault is required"))
	}
	names := make(map[string]struct{}, len(c.Vaults))
	for i, vc := range c.Vaults {
		if vc.Name == "" {
			errs = append(errs, fmt.Errorf("vaults[%d]: name is required", i))
		} else if _, dup := names[vc.Name]; dup {
			errs = append(errs, fmt.Errorf("vaults[%d]: duplicate name %q", i, vc.Name))
		}
		names[vc.Name] = struct{}{}
		for _, field := range []struct{ name, value string }{
			{"state", vc.State},
			{"mint", vc.Mint},
			{"base-asset-mint", vc.BaseAssetMint},
		} {
			if _, err := PublicKey(fmt.Sprintf("vaults[%d].%s", i, field.name), field.value); err != nil {
				errs = append(errs, err)
			}
		}
		if vc.MinFeePayerLamports > vc.WarnFeePayerLamports && vc.WarnFeePayerLamports != 0 {
			errs = append(errs, fmt.Errorf("vaults[%d]: min-fee-payer-lamports exceeds warn-fee-payer-lamports", i))
		}
		if len(vc.VenueSubAccounts) > 0 {
			if _, err := PublicKey("venue-program", c.VenueProgram); err != nil {
				errs = append(errs, fmt.Errorf("vaults[%d]: %w", i, err))
			}
			if !kinds["spot"] || !kinds["perp"] {
				errs = append(errs, fmt.Errorf("vaults[%d]: venue-sub-accounts need spot and perp markets", i))
			}
		}
	}
	return errors.Join(errs...)
}

// PublicKey parses a required base58 key setting.
func PublicKey(name, value string) (solana.PublicKey, error) {
	if value == "" {
		return solana.PublicKey{}, fmt.Errorf("%s is required", name)
	}
	key, err := solana.PublicKeyFromBase58(value)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%s: %w", name, err)
	}
	return key, nil
}

// OptionalPublicKey parses a key setting that may be empty.
func OptionalPublicKey(name, value string) (solana.PublicKey, error) {
	if value == "" {
		return solana.PublicKey{}, nil
	}
	return PublicKey(name, value)
}

func parseCodes(items []string) ([]uint32, error) {
	codes := make([]uint32, 0, len(items))
	for _, item := range items {
		n, err := strconv.ParseUint(item, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("stale-price-error-codes: %q: %w", item, err)
		}
		codes = append(codes, uint32(n))
	}
	return codes, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
