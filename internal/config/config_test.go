package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
rpc: https://rpc.example.org
fee-payer-keypair: /keys/payer.json
config-program: gConFzxKL9USmwTdJoeQJvfKmqhJ2CyUaXTyQ8v9TGX
global-config: 9JpHmRXbwYoTrUjS2KuuTYnq1WwfQR4Jw8T8h4vXcGx5
mint-program: GM1NtvvnSXUptTrMCqbogAdZJydZSNv98DoU5AZVLmGh
protocol-program: GLAMbTqav9N9witRjswJ8enwp9vv5G8bsSJ2kPJ4rcyc
stale-price-error-codes: "6001, 0x1772"
min-check-delay: 2s
markets:
  - kind: spot
    program: dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH
    account: SpotMarket
    size: 776
    oracle-offset: 40
    status-offset: -1
    poll-interval: 2h
vaults:
  - name: usdc-vault
    state: 9JpHmRXbwYoTrUjS2KuuTYnq1WwfQR4Jw8T8h4vXcGx5
    mint: GM1NtvvnSXUptTrMCqbogAdZJydZSNv98DoU5AZVLmGh
    base-asset-mint: EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v
    notice-period: 3600
    window-in-seconds: true
    vault-soft-redeem: true
    warn-fee-payer-lamports: 100000000
    min-fee-payer-lamports: 10000000
    priced-assets: [EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample), nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://rpc.example.org", cfg.RPCURL)
	assert.Equal(t, []uint32{6001, 6002}, cfg.StalePriceErrorCodes)
	assert.Equal(t, 2*time.Second, cfg.MinCheckDelay)
	assert.Equal(t, 5*time.Minute, cfg.MaxCheckDelay)
	assert.Equal(t, PoisonExit, cfg.OnCachePoison)
	assert.Equal(t, 64, cfg.MaxAccountsPerTx)

	require.Len(t, cfg.Markets, 1)
	assert.Equal(t, -1, cfg.Markets[0].StatusOffset)
	assert.Equal(t, 2*time.Hour, cfg.Markets[0].PollInterval)

	require.Len(t, cfg.Vaults, 1)
	v := cfg.Vaults[0]
	assert.Equal(t, "usdc-vault", v.Name)
	assert.Equal(t, uint64(3600), v.NoticePeriod)
	assert.True(t, v.WindowInSeconds)
	assert.True(t, v.VaultSoftRedeem)
	assert.False(t, v.SoftRedeem)
	assert.Equal(t, uint64(10_000_000), v.MinFeePayerLamports)
	assert.Len(t, v.PricedAssets, 1)
}

func TestLoadEnvAndFlagsOverrideFile(t *testing.T) {
	t.Setenv("VAULTD_ON_CACHE_POISON", "stop")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	require.NoError(t, flags.Parse([]string{"--log-level=debug"}))

	cfg, err := Load(writeConfig(t, sample), flags)
	require.NoError(t, err)
	assert.Equal(t, PoisonStop, cfg.OnCachePoison)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsBadErrorCodes(t *testing.T) {
	_, err := Load(writeConfig(t, "stale-price-error-codes: \"abc\"\n"), nil)
	assert.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample), nil)
	require.NoError(t, err)

	cfg.RPCURL = ""
	cfg.OnCachePoison = "ignore"
	cfg.Vaults = append(cfg.Vaults, VaultConfig{Name: "usdc-vault", State: "not-a-key"})
	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"rpc url", "on-cache-poison", "duplicate name", "vaults[1].state", "vaults[1].mint is required"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestPublicKey(t *testing.T) {
	_, err := PublicKey("mint", "")
	assert.ErrorContains(t, err, "mint is required")

	key, err := OptionalPublicKey("oracle", "")
	require.NoError(t, err)
	assert.True(t, key.IsZero())

	_, err = OptionalPublicKey("oracle", "xyz0")
	assert.Error(t, err)
}

func TestLoadVenueAndStakePoolSettings(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample), nil)
	require.NoError(t, err)
	assert.Equal(t, "dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH", cfg.VenueProgram)
	assert.Len(t, cfg.StakePoolPrograms, 3)
	assert.Equal(t, time.Hour, cfg.StakePoolPoll)
	assert.Equal(t, "mSoLzYCxHdYgdzU16g5QSh3i5K3z3KZK7ytfqcJm7So", cfg.MarinadeMint)
	assert.Empty(t, cfg.Vaults[0].VenueSubAccounts)

	body := sample + "    venue-sub-accounts: [0, 3]\n"
	cfg, err = Load(writeConfig(t, body), nil)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 3}, cfg.Vaults[0].VenueSubAccounts)

	// only spot markets are configured
	err = cfg.Validate()
	assert.ErrorContains(t, err, "venue-sub-accounts need spot and perp markets")

	cfg.Markets = append(cfg.Markets, MarketConfig{Kind: "perp", Program: cfg.VenueProgram, Account: "PerpMarket", Size: 1216})
	require.NoError(t, cfg.Validate())

	cfg.MarinadeMint = ""
	cfg.StakePoolPrograms = []string{"nope0"}
	err = cfg.Validate()
	assert.ErrorContains(t, err, "marinade-state and marinade-mint")
	assert.ErrorContains(t, err, "stake-pool-programs[0]")
}
