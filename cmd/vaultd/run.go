package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vaultKeeper/internal/chain"
	"vaultKeeper/internal/config"
	"vaultKeeper/internal/execution"
	"vaultKeeper/internal/fetch"
	"vaultKeeper/internal/fulfillment"
	"vaultKeeper/internal/globalconfig"
	"vaultKeeper/internal/layout"
	"vaultKeeper/internal/market"
	"vaultKeeper/internal/metrics"
	"vaultKeeper/internal/mints"
	"vaultKeeper/internal/notify"
	"vaultKeeper/internal/retry"
	"vaultKeeper/internal/snapshot"
	"vaultKeeper/internal/stakepool"
	"vaultKeeper/internal/storage"
	"vaultKeeper/internal/storage/postgres"
	"vaultKeeper/internal/valuation"
)

const notifySource = "vaultd"

func runService(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backoff, err := retry.New(cfg.BackoffKind, cfg.RetryBackoff, cfg.BackoffMax)
	if err != nil {
		return err
	}
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.FeePayerKeypair)
	if err != nil {
		return fmt.Errorf("load fee payer keypair: %w", err)
	}
	programs, err := parsePrograms(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()

	client, err := chain.NewClient(ctx, cfg.RPCURL, cfg.Commitment)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer client.Close()

	notifier, closeNotifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	sink, pg, err := buildStorage(ctx, cfg)
	if err != nil {
		return err
	}
	if pg != nil {
		defer pg.Close()
	}
	snapshots := func(namespace string) snapshot.Store {
		if pg != nil {
			return &snapshot.DBStore{Store: pg, Namespace: namespace}
		}
		return snapshot.NewFileStore(filepath.Join(cfg.DataDir, namespace))
	}

	var sub *chain.Subscriber
	if cfg.WSURL != "" {
		sub = chain.NewSubscriber(cfg.WSURL, cfg.Commitment, backoff, logger)
	}

	mintCache := mints.NewCache()
	fetcher := fetch.New(client, fetch.Config{
		Interval:   cfg.FetchInterval,
		MaxRetries: cfg.MaxRetries,
		Backoff:    backoff,
	}, m, logger)

	configCache := globalconfig.New(globalconfig.Options{
		Program:      programs.config,
		Account:      programs.globalConfig,
		PollInterval: cfg.GlobalConfigPoll,
	}, mintCache, snapshots("global_config"), fetcher, notifier, m, logger)
	if err := configCache.Init(ctx, client); err != nil {
		return err
	}

	markets, err := buildMarkets(ctx, cfg, client, fetcher, snapshots, notifier, m, logger)
	if err != nil {
		return err
	}
	pools, err := buildStakePools(ctx, cfg, client, snapshots, m, logger)
	if err != nil {
		return err
	}
	sources := newPricingSources(configCache, pools, markets)

	submitter := execution.NewLedgerSubmitter(client, signer, execution.LedgerConfig{
		CUPriceMicroLamports: cfg.CUPriceMicroLamports,
		CUBudgetMultiplier:   cfg.CUBudgetMultiplier,
		MaxRetries:           cfg.MaxRetries,
		Backoff:              backoff,
	}, logger)
	executor := execution.New(submitter, execution.Options{
		MaxAccountsPerTx: cfg.MaxAccountsPerTx,
		StalePriceCodes:  cfg.StalePriceErrorCodes,
		StaleProgram:     programs.mint,
	}, notifier, sink, m, logger)
	slotClock := fulfillment.NewSampledSlotClock(client, 0)

	engines := make([]*fulfillment.Engine, 0, len(cfg.Vaults))
	for _, vc := range cfg.Vaults {
		engine, err := buildEngine(ctx, cfg, vc, programs, submitter.FeePayer(), client, mintCache, sources, backoff, slotClock, executor, notifier, sink, m, logger)
		if err != nil {
			return fmt.Errorf("vault %s: %w", vc.Name, err)
		}
		engines = append(engines, engine)
	}

	if sub != nil {
		sub.AccountSubscribe(programs.globalConfig, configCache.Handler(ctx))
		for _, mc := range markets {
			mc.Subscribe(ctx, sub)
		}
		pools.Subscribe(ctx, sub)
		for _, engine := range engines {
			engine.Subscribe(sub)
		}
	}

	logger.Info("vaultd start",
		zap.String("rpc", cfg.RPCURL),
		zap.Bool("push_updates", sub != nil),
		zap.Stringer("fee_payer", submitter.FeePayer()),
		zap.Int("vaults", len(engines)),
		zap.Int("market_caches", len(markets)),
		zap.Int("stake_pools", pools.Len()),
		zap.String("on_cache_poison", cfg.OnCachePoison),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fetcher.Run(ctx) })
	if sub != nil {
		g.Go(func() error { return sub.Run(ctx) })
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, m, logger) })
	}
	g.Go(cacheLoop(ctx, cfg.OnCachePoison, "global_config", configCache.Run, logger))
	for _, mc := range markets {
		g.Go(cacheLoop(ctx, cfg.OnCachePoison, "markets", mc.Run, logger))
	}
	g.Go(func() error { return pools.Run(ctx) })
	for _, engine := range engines {
		engine := engine
		g.Go(func() error { return engine.Run(ctx) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type programKeys struct {
	config       solana.PublicKey
	globalConfig solana.PublicKey
	mint         solana.PublicKey
	protocol     solana.PublicKey
	solUSDOracle solana.PublicKey
	venue        solana.PublicKey
}

func parsePrograms(cfg config.Config) (programKeys, error) {
	var p programKeys
	var err error
	if p.config, err = config.PublicKey("config-program", cfg.ConfigProgram); err != nil {
		return p, err
	}
	if p.globalConfig, err = config.PublicKey("global-config", cfg.GlobalConfig); err != nil {
		return p, err
	}
	if p.mint, err = config.PublicKey("mint-program", cfg.MintProgram); err != nil {
		return p, err
	}
	if p.protocol, err = config.PublicKey("protocol-program", cfg.ProtocolProgram); err != nil {
		return p, err
	}
	if p.solUSDOracle, err = config.OptionalPublicKey("sol-usd-oracle", cfg.SolUSDOracle); err != nil {
		return p, err
	}
	if p.venue, err = config.OptionalPublicKey("venue-program", cfg.VenueProgram); err != nil {
		return p, err
	}
	return p, nil
}

func buildNotifier(cfg config.Config, logger *zap.Logger) (notify.Notifier, func(), error) {
	sinks := notify.Multi{notify.Log{Logger: logger}}
	closer := func() {}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(cfg.WebhookURL, notifySource, logger))
	}
	if cfg.NATSURL != "" {
		nc, err := notify.ConnectNATS(cfg.NATSURL, cfg.NATSSubject, notifySource, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		sinks = append(sinks, nc)
		closer = nc.Close
	}
	return sinks, closer, nil
}

func buildStorage(ctx context.Context, cfg config.Config) (storage.Storage, *postgres.Store, error) {
	sinks := storage.Multi{storage.NewJsonlStorage(cfg.Journal)}
	if cfg.PGDSN == "" {
		return sinks, nil, nil
	}
	pg, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return append(sinks, pg), pg, nil
}

func buildMarkets(
	ctx context.Context,
	cfg config.Config,
	client *chain.Client,
	queue market.AccountQueue,
	snapshots func(string) snapshot.Store,
	notifier notify.Notifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) ([]*market.Cache, error) {
	caches := make([]*market.Cache, 0, len(cfg.Markets))
	for _, mc := range cfg.Markets {
		program, err := config.PublicKey("markets.program", mc.Program)
		if err != nil {
			return nil, err
		}
		kind := market.Kind(mc.Kind)
		cache := market.New(market.Options{
			Program: program,
			Kind:    kind,
			Layout: layout.MarketLayout{
				Name:              mc.Account,
				Discriminator:     layout.AccountDiscriminator(mc.Account),
				Size:              mc.Size,
				PubkeyOffset:      mc.PubkeyOffset,
				OracleOffset:      mc.OracleOffset,
				MarketIndexOffset: mc.MarketIndexOffset,
				PoolIDOffset:      mc.PoolIDOffset,
			},
			StatusOffset: mc.StatusOffset,
			ActiveStatus: mc.ActiveStatus,
			PollInterval: mc.PollInterval,
		}, snapshots(kind.Namespace()), queue, notifier, m, logger)
		if err := cache.Init(ctx, client); err != nil {
			return nil, fmt.Errorf("%s markets: %w", kind, err)
		}
		logger.Info("market cache ready", zap.String("kind", string(kind)), zap.Int("markets", cache.Len()), zap.Int("oracles", len(cache.Oracles())))
		caches = append(caches, cache)
	}
	return caches, nil
}

func buildStakePools(
	ctx context.Context,
	cfg config.Config,
	lister stakepool.ProgramAccountLister,
	snapshots func(string) snapshot.Store,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*stakepool.Cache, error) {
	opts := stakepool.Options{PollInterval: cfg.StakePoolPoll}
	for _, s := range cfg.StakePoolPrograms {
		program, err := config.PublicKey("stake-pool-programs", s)
		if err != nil {
			return nil, err
		}
		opts.Programs = append(opts.Programs, program)
	}
	if cfg.MarinadeState != "" {
		var marinade layout.StakePoolContext
		var err error
		if marinade.State, err = config.PublicKey("marinade-state", cfg.MarinadeState); err != nil {
			return nil, err
		}
		if marinade.Mint, err = config.PublicKey("marinade-mint", cfg.MarinadeMint); err != nil {
			return nil, err
		}
		if marinade.Program, err = config.OptionalPublicKey("marinade-program", cfg.MarinadeProgram); err != nil {
			return nil, err
		}
		opts.Static = append(opts.Static, marinade)
	}
	pools := stakepool.New(opts, lister, func(program solana.PublicKey) snapshot.Store {
		return snapshots("stake_pools/" + program.String())
	}, m, logger)
	if err := pools.Init(ctx); err != nil {
		return nil, err
	}
	return pools, nil
}

// pricingSources are the caches vault positions are priced against. spot
// and perp stay nil when that market family is not configured.
type pricingSources struct {
	oracles valuation.OracleLookup
	pools   valuation.StakePoolLookup
	spot    valuation.MarketLookup
	perp    valuation.MarketLookup
}

func newPricingSources(oracles valuation.OracleLookup, pools valuation.StakePoolLookup, markets []*market.Cache) pricingSources {
	src := pricingSources{oracles: oracles, pools: pools}
	for _, mc := range markets {
		switch mc.Kind() {
		case market.KindSpot:
			src.spot = mc
		case market.KindPerp:
			src.perp = mc
		}
	}
	return src
}

// loadMints resolves mint contexts missing from the cache.
func loadMints(ctx context.Context, client *chain.Client, cache *mints.Cache, keys ...solana.PublicKey) error {
	missing := cache.Missing(keys)
	if len(missing) == 0 {
		return nil
	}
	accounts, err := client.GetMultipleAccounts(ctx, missing)
	if err != nil {
		return fmt.Errorf("fetch mints: %w", err)
	}
	for i, info := range accounts {
		if info == nil {
			return fmt.Errorf("mint %s not found", missing[i])
		}
		if _, err := cache.SetFromAccount(missing[i], info.Owner, info.Data); err != nil {
			return err
		}
	}
	return nil
}

// vaultAddress derives the vault account of a protocol state.
func vaultAddress(state, protocol solana.PublicKey) (solana.PublicKey, error) {
	key, _, err := solana.FindProgramAddress([][]byte{[]byte("vault"), state[:]}, protocol)
	return key, err
}

// vaultParts is everything derived from one vault's config entry.
type vaultParts struct {
	accounts  valuation.VaultAccounts
	shareMint solana.PublicKey
	baseMint  solana.PublicKey
	share     mints.Context
	base      mints.Context
	positions *valuation.Set
}

func buildVault(
	ctx context.Context,
	vc config.VaultConfig,
	programs programKeys,
	feePayer solana.PublicKey,
	client *chain.Client,
	mintCache *mints.Cache,
	sources pricingSources,
) (vaultParts, error) {
	var parts vaultParts
	state, err := config.PublicKey("state", vc.State)
	if err != nil {
		return parts, err
	}
	if parts.shareMint, err = config.PublicKey("mint", vc.Mint); err != nil {
		return parts, err
	}
	if parts.baseMint, err = config.PublicKey("base-asset-mint", vc.BaseAssetMint); err != nil {
		return parts, err
	}
	baseOracle, err := config.OptionalPublicKey("base-asset-usd-oracle", vc.BaseAssetUSDOracle)
	if err != nil {
		return parts, err
	}
	priced := make([]solana.PublicKey, 0, len(vc.PricedAssets))
	for _, s := range vc.PricedAssets {
		key, err := config.PublicKey("priced-assets", s)
		if err != nil {
			return parts, err
		}
		priced = append(priced, key)
	}

	if err := loadMints(ctx, client, mintCache, append([]solana.PublicKey{parts.shareMint, parts.baseMint}, priced...)...); err != nil {
		return parts, err
	}
	parts.share, _ = mintCache.Get(parts.shareMint)
	parts.base, _ = mintCache.Get(parts.baseMint)

	vault, err := vaultAddress(state, programs.protocol)
	if err != nil {
		return parts, fmt.Errorf("vault address: %w", err)
	}
	parts.accounts = valuation.VaultAccounts{
		MintProgram:        programs.mint,
		State:              state,
		Vault:              vault,
		FeePayer:           feePayer,
		GlobalConfig:       programs.globalConfig,
		ProtocolProgram:    programs.protocol,
		SolUSDOracle:       programs.solUSDOracle,
		BaseAssetUSDOracle: baseOracle,
	}

	parts.positions = valuation.NewSet()
	if len(priced) > 0 {
		tokens := valuation.NewTokenPosition(parts.accounts, sources.oracles, sources.pools)
		for _, mint := range priced {
			mc, _ := mintCache.Get(mint)
			if _, err := tokens.AddAsset(mint, mc.TokenProgram); err != nil {
				return parts, err
			}
		}
		parts.positions.Add(vault, tokens)
	}
	if len(vc.VenueSubAccounts) > 0 {
		if sources.spot == nil || sources.perp == nil {
			return parts, errors.New("venue-sub-accounts need spot and perp market caches")
		}
		users, err := valuation.NewVenueUserPosition(parts.accounts, programs.venue, sources.spot, sources.perp, vc.VenueSubAccounts)
		if err != nil {
			return parts, err
		}
		parts.positions.Add(users.Stats(), users)
	}
	return parts, nil
}

func buildEngine(
	ctx context.Context,
	cfg config.Config,
	vc config.VaultConfig,
	programs programKeys,
	feePayer solana.PublicKey,
	client *chain.Client,
	mintCache *mints.Cache,
	sources pricingSources,
	fetchBackoff retry.Backoff,
	slotClock fulfillment.SlotClock,
	executor fulfillment.Executor,
	notifier notify.Notifier,
	sink storage.Storage,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*fulfillment.Engine, error) {
	parts, err := buildVault(ctx, vc, programs, feePayer, client, mintCache, sources)
	if err != nil {
		return nil, err
	}
	accounts, err := fulfillment.DeriveAccounts(parts.accounts, parts.shareMint, parts.baseMint, parts.base.TokenProgram)
	if err != nil {
		return nil, err
	}
	engineCfg, err := engineConfig(cfg, vc, parts, fetchBackoff)
	if err != nil {
		return nil, err
	}
	return fulfillment.New(engineCfg, accounts, client, slotClock, executor, parts.positions, notifier, sink, m, logger), nil
}

// engineConfig maps one vault's settings onto the engine. Failed
// fulfillments back off by backoff-kind between the check delays; the bulk
// read retries on the service's RPC backoff.
func engineConfig(cfg config.Config, vc config.VaultConfig, parts vaultParts, fetchBackoff retry.Backoff) (fulfillment.Config, error) {
	backoff, err := retry.New(cfg.BackoffKind, cfg.MinCheckDelay, cfg.MaxCheckDelay)
	if err != nil {
		return fulfillment.Config{}, err
	}
	return fulfillment.Config{
		Name:                 vc.Name,
		Notice:               vc.NoticePeriod,
		WindowInSeconds:      vc.WindowInSeconds,
		VaultSoftRedeem:      vc.VaultSoftRedeem,
		SoftRedeem:           vc.SoftRedeem,
		MonitorOnly:          !vc.FulfillEnabled,
		ShareDecimals:        parts.share.Decimals,
		BaseDecimals:         parts.base.Decimals,
		WarnFeePayerLamports: vc.WarnFeePayerLamports,
		MinFeePayerLamports:  vc.MinFeePayerLamports,
		MinCheckDelay:        cfg.MinCheckDelay,
		MaxCheckDelay:        cfg.MaxCheckDelay,
		Backoff:              backoff,
		FetchRetries:         cfg.MaxRetries,
		FetchBackoff:         fetchBackoff,
	}, nil
}

// cacheLoop applies the poison policy to a cache refresh loop: stop ends
// only that loop, exit fails the whole group.
func cacheLoop(ctx context.Context, policy, name string, run func(context.Context) error, logger *zap.Logger) func() error {
	return func() error {
		err := run(ctx)
		if errors.Is(err, globalconfig.ErrPoisoned) || errors.Is(err, market.ErrPoisoned) {
			if policy == config.PoisonStop {
				logger.Error("cache poisoned, refresh stopped until restart", zap.String("cache", name))
				return nil
			}
			return fmt.Errorf("%s: %w", name, err)
		}
		return err
	}
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
