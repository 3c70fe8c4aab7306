package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"

	"vaultKeeper/internal/chain"
	"vaultKeeper/internal/config"
	"vaultKeeper/internal/fulfillment"
	"vaultKeeper/internal/globalconfig"
	"vaultKeeper/internal/layout"
	"vaultKeeper/internal/snapshot"
)

func runInspectConfig(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	account, err := config.PublicKey("global-config", cfg.GlobalConfig)
	if err != nil {
		return err
	}

	store := snapshot.NewFileStore(filepath.Join(cfg.DataDir, "global_config"))
	data, ok, err := store.Load(cmd.Context(), account)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no snapshot for %s in %s", account, store.Dir)
	}
	gc, err := layout.DecodeGlobalConfig(data)
	if err != nil {
		return err
	}
	index, err := globalconfig.Validate(gc.AssetMetas, nil, nil)
	if err != nil {
		return fmt.Errorf("snapshot %s is invalid: %w", account, err)
	}
	var only *layout.OracleSource
	if name, _ := cmd.Flags().GetString("source"); name != "" {
		source, err := layout.OracleSourceFromName(name)
		if err != nil {
			return err
		}
		only = &source
	}
	return printIndex(cmd.OutOrStdout(), gc, index, only)
}

// printIndex writes the index sorted by asset. A non-nil only restricts the
// rows to one oracle source.
func printIndex(w io.Writer, gc layout.GlobalConfig, index globalconfig.Index, only *layout.OracleSource) error {
	fmt.Fprintf(w, "admin=%s fee_authority=%s entries=%d assets=%d\n", gc.Admin, gc.FeeAuthority, len(gc.AssetMetas), len(index))

	assets := make([]solana.PublicKey, 0, len(index))
	for asset := range index {
		assets = append(assets, asset)
	}
	sort.Slice(assets, func(i, j int) bool { return bytes.Compare(assets[i][:], assets[j][:]) < 0 })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ASSET\tPRIORITY\tSOURCE\tORACLE\tDECIMALS\tMAX_AGE")
	for _, asset := range assets {
		for _, m := range index[asset] {
			if only != nil && m.OracleSource != *only {
				continue
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%d\n", asset, m.Priority, m.OracleSource, m.Oracle, m.Decimals, m.MaxAgeSeconds)
		}
	}
	return tw.Flush()
}

func runSummary(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	vc, err := findVault(cfg, args[0])
	if err != nil {
		return err
	}
	if cfg.RPCURL == "" {
		return errors.New("rpc url is required")
	}
	mintProgram, err := config.PublicKey("mint-program", cfg.MintProgram)
	if err != nil {
		return err
	}
	shareMint, err := config.PublicKey("mint", vc.Mint)
	if err != nil {
		return err
	}
	queueKey, _, err := solana.FindProgramAddress([][]byte{[]byte("request-queue"), shareMint[:]}, mintProgram)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client, err := chain.NewClient(ctx, cfg.RPCURL, cfg.Commitment)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer client.Close()

	accounts, err := client.GetMultipleAccounts(ctx, []solana.PublicKey{queueKey, solana.SysVarClockPubkey, shareMint})
	if err != nil {
		return err
	}
	if accounts[1] == nil || accounts[2] == nil {
		return errors.New("clock or share mint missing")
	}
	clock, err := layout.DecodeClock(accounts[1].Data)
	if err != nil {
		return err
	}
	mint, err := layout.DecodeMint(accounts[2].Data)
	if err != nil {
		return err
	}
	var queue layout.RequestQueue
	if accounts[0] != nil {
		if queue, err = layout.DecodeRequestQueue(accounts[0].Data); err != nil {
			return err
		}
	}

	window := fulfillment.Window{Notice: vc.NoticePeriod, InSeconds: vc.WindowInSeconds, Soft: vc.VaultSoftRedeem && vc.SoftRedeem}
	s := fulfillment.Summarize(queue, clock.UnixTimestamp, clock.Slot, window, mint.Decimals)

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "vault=%s queue=%s slot=%d epoch_seconds=%d\n", vc.Name, queueKey, s.Slot, s.EpochSeconds)
	fmt.Fprintf(w, "outstanding=%s fulfillable=%d (%s shares) soft_fulfillable=%d (%s shares)\n",
		s.OutstandingShares, s.Fulfillable, s.FulfillableShares, s.SoftFulfillable, s.SoftFulfillableShares)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tCREATED_AT\tSHARES")
	for _, r := range s.Requests {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", r.User, r.CreatedAt, r.Shares)
	}
	return tw.Flush()
}
