package globalconfig

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultKeeper/internal/chain"
	"vaultKeeper/internal/fetch"
	"vaultKeeper/internal/layout"
	"vaultKeeper/internal/mints"
	"vaultKeeper/internal/snapshot"
)

var (
	program   = solana.MustPublicKeyFromBase58("GLAMbTqav9N9witRjswJ8enwp9vv5G8bsSJ2kPJ4rcyc")
	configKey = solana.MustPublicKeyFromBase58("9JpHmRXbwYoTrUjS2KuuTYnq1WwfQR4Jw8T8h4vXcGx5")
	usdc      = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	sol       = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
)

func oracle(b byte) solana.PublicKey {
	var k solana.PublicKey
	k[0], k[31] = 0xee, b
	return k
}

func baseMetas() []layout.AssetMeta {
	return []layout.AssetMeta{
		{Asset: usdc, Decimals: 6, Oracle: oracle(1), OracleSource: layout.OracleSourceQuoteAsset, MaxAgeSeconds: 60, Priority: 0},
		{Asset: sol, Decimals: 9, Oracle: oracle(2), OracleSource: layout.OracleSourcePythPull, MaxAgeSeconds: 30, Priority: 0},
		{Asset: sol, Decimals: 9, Oracle: oracle(3), OracleSource: layout.OracleSourceSwitchboardOnDemand, MaxAgeSeconds: 30, Priority: 1},
	}
}

func encode(t *testing.T, metas []layout.AssetMeta) []byte {
	t.Helper()
	data, err := layout.GlobalConfig{Admin: program, AssetMetas: metas}.MarshalBinary()
	require.NoError(t, err)
	return data
}

func update(t *testing.T, slot uint64, metas []layout.AssetMeta) chain.AccountInfo {
	return chain.AccountInfo{Key: configKey, Slot: slot, Owner: program, Data: encode(t, metas)}
}

type recordingNotifier struct{ msgs []string }

func (r *recordingNotifier) Notify(_ context.Context, msg string) { r.msgs = append(r.msgs, msg) }

type fakeQueue struct {
	queued   [][]solana.PublicKey
	priority [][]solana.PublicKey
}

func (q *fakeQueue) Queue(keys []solana.PublicKey, _ fetch.Callback) {
	q.queued = append(q.queued, keys)
}

func (q *fakeQueue) PriorityQueue(keys []solana.PublicKey, _ fetch.Callback) {
	q.priority = append(q.priority, keys)
}

type fakeGetter struct {
	info *chain.AccountInfo
	err  error
}

func (g fakeGetter) GetAccountInfo(context.Context, solana.PublicKey) (*chain.AccountInfo, error) {
	return g.info, g.err
}

type harness struct {
	cache    *Cache
	mints    *mints.Cache
	store    *snapshot.FileStore
	queue    *fakeQueue
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		mints:    mints.NewCache(),
		store:    snapshot.NewFileStore(t.TempDir()),
		queue:    &fakeQueue{},
		notifier: &recordingNotifier{},
	}
	h.cache = New(Options{Program: program, Account: configKey, PollInterval: 10 * time.Millisecond},
		h.mints, h.store, h.queue, h.notifier, nil, nil)
	return h
}

func (h *harness) accept(t *testing.T, slot uint64, metas []layout.AssetMeta) bool {
	return h.cache.Accept(context.Background(), update(t, slot, metas))
}

func requirePoisoned(t *testing.T, h *harness) {
	t.Helper()
	assert.True(t, h.cache.Poisoned())
	assert.Nil(t, h.cache.Current())
	_, ok := h.cache.ByIndex(0)
	assert.False(t, ok)
	_, ok = h.cache.TopPriorityFor(sol)
	assert.False(t, ok)
	select {
	case <-h.cache.Done():
	default:
		t.Fatalf("done channel not closed")
	}
	require.Len(t, h.notifier.msgs, 1)
}

func TestAcceptPublishesAndIndexes(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.accept(t, 100, baseMetas()))

	snap := h.cache.Current()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(100), snap.Slot)

	top, ok := h.cache.TopPriorityFor(sol)
	require.True(t, ok)
	assert.Equal(t, oracle(2), top.Oracle)

	meta, ok := h.cache.ByIndex(2)
	require.True(t, ok)
	assert.Equal(t, oracle(3), meta.Oracle)
	_, ok = h.cache.ByIndex(3)
	assert.False(t, ok)
	_, ok = h.cache.TopPriorityFor(solana.NewWallet().PublicKey())
	assert.False(t, ok)

	persisted, ok, err := h.store.Load(context.Background(), configKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.Data, persisted)

	require.Len(t, h.queue.queued, 1)
	assert.ElementsMatch(t, []solana.PublicKey{usdc, sol}, h.queue.queued[0])
}

func TestAcceptIsMonotonicInSlot(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.accept(t, 100, baseMetas()))

	grown := append(baseMetas(), layout.AssetMeta{Asset: usdc, Decimals: 6, Oracle: oracle(4), OracleSource: layout.OracleSourcePythLazerStableCoin, Priority: 1})
	assert.False(t, h.accept(t, 100, grown))
	assert.False(t, h.accept(t, 99, grown))
	assert.Equal(t, uint64(100), h.cache.Current().Slot)
	assert.Len(t, h.cache.Current().Config.AssetMetas, 3)

	require.True(t, h.accept(t, 101, grown))
	assert.Len(t, h.cache.Current().Config.AssetMetas, 4)
	assert.False(t, h.cache.Poisoned())
}

func TestAcceptIgnoresIdenticalBytes(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.accept(t, 100, baseMetas()))
	assert.False(t, h.accept(t, 200, baseMetas()))
	assert.Equal(t, uint64(100), h.cache.Current().Slot)
}

func TestAcceptRejectsForeignAccountWithoutPoison(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.accept(t, 100, baseMetas()))

	info := update(t, 101, baseMetas())
	info.Owner = solana.SystemProgramID
	assert.False(t, h.cache.Accept(context.Background(), info))

	info = update(t, 102, baseMetas())
	info.Data[0] ^= 0xff
	assert.False(t, h.cache.Accept(context.Background(), info))

	assert.False(t, h.cache.Poisoned())
	assert.Equal(t, uint64(100), h.cache.Current().Slot)
}

func TestShrinkPoisonsCache(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.accept(t, 100, baseMetas()))

	assert.False(t, h.accept(t, 101, baseMetas()[:2]))
	requirePoisoned(t, h)
	assert.Contains(t, h.notifier.msgs[0], "oracle removed")

	// further updates are refused
	assert.False(t, h.accept(t, 102, baseMetas()))
	assert.Nil(t, h.cache.Current())
}

func TestRunExitsWhenPoisoned(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.accept(t, 100, baseMetas()))

	errc := make(chan error, 1)
	go func() { errc <- h.cache.Run(context.Background()) }()

	h.accept(t, 101, baseMetas()[:1])
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrPoisoned))
	case <-time.After(2 * time.Second):
		t.Fatalf("run loop did not exit")
	}
}

func TestRunPollsConfigAccount(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, h.cache.Run(ctx))
	require.NotEmpty(t, h.queue.priority)
	assert.Equal(t, []solana.PublicKey{configKey}, h.queue.priority[0])
}

func TestTuningInPlaceIsAccepted(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.accept(t, 100, baseMetas()))

	next := baseMetas()
	next[1].Priority = 2
	next[1].MaxAgeSeconds = 90
	require.True(t, h.accept(t, 101, next))

	top, ok := h.cache.TopPriorityFor(sol)
	require.True(t, ok)
	assert.Equal(t, oracle(3), top.Oracle)
}

func TestRotationRequiresNegativePriority(t *testing.T) {
	t.Run("rotated entry may be replaced", func(t *testing.T) {
		h := newHarness(t)
		metas := baseMetas()
		metas[2].Priority = -1
		require.True(t, h.accept(t, 100, metas))

		next := baseMetas()
		next[2] = layout.AssetMeta{Asset: sol, Decimals: 9, Oracle: oracle(9), OracleSource: layout.OracleSourcePythLazer, Priority: 1}
		require.True(t, h.accept(t, 101, next))
		assert.False(t, h.cache.Poisoned())
	})

	t.Run("active entry may not be replaced", func(t *testing.T) {
		h := newHarness(t)
		require.True(t, h.accept(t, 100, baseMetas()))

		next := baseMetas()
		next[2] = layout.AssetMeta{Asset: sol, Decimals: 9, Oracle: oracle(9), OracleSource: layout.OracleSourcePythLazer, Priority: 1}
		assert.False(t, h.accept(t, 101, next))
		requirePoisoned(t, h)
		assert.Contains(t, h.notifier.msgs[0], "unexpected change")
	})
}

func TestStructuralViolationsPoison(t *testing.T) {
	cases := map[string]func([]layout.AssetMeta) []layout.AssetMeta{
		"decimals changed": func(m []layout.AssetMeta) []layout.AssetMeta {
			m[0].Decimals = 8
			return m
		},
		"oracle source changed": func(m []layout.AssetMeta) []layout.AssetMeta {
			m[1].OracleSource = layout.OracleSourcePyth1KPull
			return m
		},
		"duplicate oracle for asset": func(m []layout.AssetMeta) []layout.AssetMeta {
			return append(m, layout.AssetMeta{Asset: sol, Decimals: 9, Oracle: oracle(2), OracleSource: layout.OracleSourcePythPull, Priority: 5})
		},
		"oracle used with sources": func(m []layout.AssetMeta) []layout.AssetMeta {
			return append(m,
				layout.AssetMeta{Asset: usdc, Decimals: 6, Oracle: oracle(20), OracleSource: layout.OracleSourcePythLazer, Priority: 3},
				layout.AssetMeta{Asset: sol, Decimals: 9, Oracle: oracle(20), OracleSource: layout.OracleSourcePythLazer1K, Priority: 3},
			)
		},
		"unsupported oracle source": func(m []layout.AssetMeta) []layout.AssetMeta {
			return append(m, layout.AssetMeta{Asset: usdc, Decimals: 6, Oracle: oracle(7), OracleSource: layout.OracleSourcePyth, Priority: 3})
		},
		"decimals disagree across entries": func(m []layout.AssetMeta) []layout.AssetMeta {
			return append(m, layout.AssetMeta{Asset: sol, Decimals: 8, Oracle: oracle(8), OracleSource: layout.OracleSourcePythLazer, Priority: 4})
		},
	}

	for reason, mutate := range cases {
		t.Run(reason, func(t *testing.T) {
			h := newHarness(t)
			require.True(t, h.accept(t, 100, baseMetas()))
			assert.False(t, h.accept(t, 101, mutate(baseMetas())))
			requirePoisoned(t, h)
			assert.Contains(t, h.notifier.msgs[0], reason)
		})
	}
}

func TestMintDecimalsMismatchPoisons(t *testing.T) {
	h := newHarness(t)
	h.mints.Set(mints.Context{Mint: usdc, Decimals: 9, TokenProgram: solana.TokenProgramID})
	assert.False(t, h.accept(t, 100, baseMetas()))
	requirePoisoned(t, h)
}

func TestTopPriorityForCheckedPoisonsOnMintMismatch(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.accept(t, 100, baseMetas()))

	h.mints.Set(mints.Context{Mint: sol, Decimals: 9, TokenProgram: solana.TokenProgramID})
	meta, ok := h.cache.TopPriorityForChecked(context.Background(), sol)
	require.True(t, ok)
	assert.Equal(t, oracle(2), meta.Oracle)

	h.mints.Set(mints.Context{Mint: usdc, Decimals: 8, TokenProgram: solana.TokenProgramID})
	_, ok = h.cache.TopPriorityForChecked(context.Background(), usdc)
	assert.False(t, ok)
	requirePoisoned(t, h)
}

func TestInitPrefersPersistedSnapshot(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Save(context.Background(), configKey, encode(t, baseMetas())))

	require.NoError(t, h.cache.Init(context.Background(), fakeGetter{err: errors.New("must not be called")}))
	require.NotNil(t, h.cache.Current())
	assert.Equal(t, uint64(0), h.cache.Current().Slot)

	// any remote observation supersedes the persisted one
	next := baseMetas()
	next[0].MaxAgeSeconds = 120
	require.True(t, h.accept(t, 1, next))
}

func TestInitFetchesRemoteWhenNoSnapshot(t *testing.T) {
	h := newHarness(t)
	info := update(t, 55, baseMetas())
	require.NoError(t, h.cache.Init(context.Background(), fakeGetter{info: &info}))
	assert.Equal(t, uint64(55), h.cache.Current().Slot)

	_, ok, err := h.store.Load(context.Background(), configKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInitFailsForMissingOrInvalidAccount(t *testing.T) {
	h := newHarness(t)
	require.Error(t, h.cache.Init(context.Background(), fakeGetter{}))

	h = newHarness(t)
	bad := update(t, 55, append(baseMetas(), layout.AssetMeta{Asset: usdc, Decimals: 6, Oracle: oracle(7), OracleSource: layout.OracleSourceNotSet}))
	err := h.cache.Init(context.Background(), fakeGetter{info: &bad})
	require.ErrorIs(t, err, ErrPoisoned)
}
