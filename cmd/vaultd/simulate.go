package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"

	"vaultKeeper/internal/chain"
	"vaultKeeper/internal/config"
	"vaultKeeper/internal/execution"
	"vaultKeeper/internal/globalconfig"
	"vaultKeeper/internal/mints"
	"vaultKeeper/internal/snapshot"
	"vaultKeeper/internal/valuation"
)

// runSimulate prices one vault and runs the AUM check in a simulation,
// reporting whether a fulfillment would currently pass pricing.
func runSimulate(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	vc, err := findVault(cfg, args[0])
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.FeePayerKeypair)
	if err != nil {
		return fmt.Errorf("load fee payer keypair: %w", err)
	}
	programs, err := parsePrograms(cfg)
	if err != nil {
		return err
	}
	client, err := chain.NewClient(ctx, cfg.RPCURL, cfg.Commitment)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer client.Close()

	mintCache := mints.NewCache()
	configCache := globalconfig.New(globalconfig.Options{
		Program: programs.config,
		Account: programs.globalConfig,
	}, mintCache, nil, nil, nil, nil, logger)
	if err := configCache.Init(ctx, client); err != nil {
		return err
	}

	// markets and pools come from the service's snapshots when present;
	// there is no account queue, so an unknown venue market fails pricing
	snapshots := func(namespace string) snapshot.Store {
		return snapshot.NewFileStore(filepath.Join(cfg.DataDir, namespace))
	}
	markets, err := buildMarkets(ctx, cfg, client, nil, snapshots, nil, nil, logger)
	if err != nil {
		return err
	}
	pools, err := buildStakePools(ctx, cfg, client, snapshots, nil, logger)
	if err != nil {
		return err
	}

	submitter := execution.NewLedgerSubmitter(client, signer, execution.LedgerConfig{
		CUPriceMicroLamports: cfg.CUPriceMicroLamports,
		CUBudgetMultiplier:   cfg.CUBudgetMultiplier,
	}, logger)
	parts, err := buildVault(ctx, vc, programs, submitter.FeePayer(), client, mintCache, newPricingSources(configCache, pools, markets))
	if err != nil {
		return fmt.Errorf("vault %s: %w", vc.Name, err)
	}

	balance, err := client.GetBalance(ctx, submitter.FeePayer())
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "fee_payer=%s lamports=%d\n", submitter.FeePayer(), balance)
	if err := printOracles(w, configCache, vc.PricedAssets); err != nil {
		return err
	}

	needed := parts.positions.AccountsNeeded()
	infos, err := client.GetMultipleAccounts(ctx, needed)
	if err != nil {
		return err
	}
	accounts := make(map[solana.PublicKey]*chain.AccountInfo, len(needed))
	for i, key := range needed {
		accounts[key] = infos[i]
	}

	result, err := valuation.Simulate(ctx, parts.positions, parts.accounts, accounts, submitter, client, cfg.StalePriceErrorCodes)
	fmt.Fprintf(w, "vault=%s slot=%d units=%d\n", vc.Name, result.Slot, result.UnitsConsumed)
	for _, line := range result.Logs {
		fmt.Fprintln(w, "  "+line)
	}
	if errors.Is(err, valuation.ErrPriceStale) {
		fmt.Fprintln(w, "pricing: stale oracle, fulfillment would be retried")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "pricing: ok")
	return nil
}

func findVault(cfg config.Config, name string) (config.VaultConfig, error) {
	for _, vc := range cfg.Vaults {
		if vc.Name == name {
			return vc, nil
		}
	}
	return config.VaultConfig{}, fmt.Errorf("vault %q is not configured", name)
}

// printOracles lists the config entries backing each priced asset.
func printOracles(w io.Writer, cache *globalconfig.Cache, assets []string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ASSET\tPRIORITY\tSOURCE\tORACLE")
	for _, s := range assets {
		asset, err := config.PublicKey("priced-assets", s)
		if err != nil {
			return err
		}
		entries := cache.Entries(asset)
		if len(entries) == 0 {
			fmt.Fprintf(tw, "%s\t-\t-\tno oracle configured\n", asset)
			continue
		}
		for _, m := range entries {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", asset, m.Priority, m.OracleSource, m.Oracle)
		}
	}
	return tw.Flush()
}
