package stakepool

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultKeeper/internal/chain"
	"vaultKeeper/internal/layout"
	"vaultKeeper/internal/snapshot"
)

var (
	splPool   = solana.MustPublicKeyFromBase58("SPoo1Ku8WFXoNDMHPsrGSTSG1Y47rzgn41SLUNakuHy")
	sanctum   = solana.MustPublicKeyFromBase58("SPMBzsVUuoHA4Jm6KunbsotaahvVikZs1JyTW6iJvbn")
	marinade  = solana.MustPublicKeyFromBase58("8szGkuLTAux9XMgZ2vtY39jVSowEcpBfFfD8hXSEqdGC")
	msol      = solana.MustPublicKeyFromBase58("mSoLzYCxHdYgdzU16g5QSh3i5K3z3KZK7ytfqcJm7So")
	marinadeP = solana.MustPublicKeyFromBase58("MarBmsSgKXdrN1egZf5sqe1TMai9K1rChYNDJgjq7aD")
)

func key(b byte) solana.PublicKey {
	var k solana.PublicKey
	k[0], k[31] = 0x5e, b
	return k
}

func poolData(mint solana.PublicKey) []byte {
	data := make([]byte, 611)
	data[0] = layout.StakePoolAccountType
	copy(data[162:], mint[:])
	return data
}

func poolInfo(program, pool, mint solana.PublicKey) chain.AccountInfo {
	return chain.AccountInfo{Key: pool, Owner: program, Slot: 9, Data: poolData(mint)}
}

type fakeLister struct {
	accounts map[solana.PublicKey][]chain.AccountInfo
	scanned  []solana.PublicKey
	filters  []chain.Filter
	err      error
}

func (l *fakeLister) GetProgramAccounts(_ context.Context, program solana.PublicKey, filters []chain.Filter) ([]chain.AccountInfo, error) {
	l.scanned = append(l.scanned, program)
	l.filters = filters
	return l.accounts[program], l.err
}

func newCache(lister ProgramAccountLister, stores func(solana.PublicKey) snapshot.Store) *Cache {
	return New(Options{
		Programs: []solana.PublicKey{splPool, sanctum},
		Static:   []layout.StakePoolContext{{Program: marinadeP, State: marinade, Mint: msol}},
	}, lister, stores, nil, nil)
}

func TestAcceptFirstPoolPerMintWins(t *testing.T) {
	c := newCache(&fakeLister{}, nil)
	ctx := context.Background()

	require.True(t, c.Accept(ctx, poolInfo(splPool, key(1), key(101))))
	assert.False(t, c.Accept(ctx, poolInfo(splPool, key(1), key(101))))
	assert.False(t, c.Accept(ctx, poolInfo(sanctum, key(2), key(101))))

	p, ok := c.Get(key(101))
	require.True(t, ok)
	assert.Equal(t, layout.StakePoolContext{Program: splPool, State: key(1), Mint: key(101)}, p)

	m, ok := c.Get(msol)
	require.True(t, ok)
	assert.Equal(t, marinade, m.State)
	assert.Equal(t, 2, c.Len())
}

func TestAcceptRejectsForeignAccounts(t *testing.T) {
	c := newCache(&fakeLister{}, nil)
	ctx := context.Background()

	assert.False(t, c.Accept(ctx, poolInfo(key(50), key(1), key(101))))

	validatorList := poolInfo(splPool, key(2), key(102))
	validatorList.Data[0] = 2
	assert.False(t, c.Accept(ctx, validatorList))

	_, ok := c.Get(key(102))
	assert.False(t, ok)
}

func TestInitScansProgramsWithoutSnapshots(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	stores := func(program solana.PublicKey) snapshot.Store {
		return snapshot.NewFileStore(dir + "/" + program.String())
	}

	// sanctum pools were persisted by an earlier run
	require.NoError(t, stores(sanctum).Save(ctx, key(3), poolData(key(103))))

	lister := &fakeLister{accounts: map[solana.PublicKey][]chain.AccountInfo{
		splPool: {poolInfo(splPool, key(1), key(101)), poolInfo(splPool, key(2), key(102))},
		sanctum: {poolInfo(sanctum, key(4), key(104))},
	}}
	c := newCache(lister, stores)
	require.NoError(t, c.Init(ctx))

	assert.Equal(t, []solana.PublicKey{splPool}, lister.scanned)
	require.Len(t, lister.filters, 1)
	for _, mint := range []solana.PublicKey{key(101), key(102), key(103)} {
		_, ok := c.Get(mint)
		assert.True(t, ok, mint.String())
	}
	_, ok := c.Get(key(104))
	assert.False(t, ok)

	keys, err := stores(splPool).List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []solana.PublicKey{key(1), key(2)}, keys)

	// a restart loads both programs from disk
	lister = &fakeLister{err: errors.New("must not scan")}
	c = newCache(lister, stores)
	require.NoError(t, c.Init(ctx))
	assert.Equal(t, 4, c.Len())
}

func TestInitScanFailure(t *testing.T) {
	c := newCache(&fakeLister{err: errors.New("rate limited")}, nil)
	err := c.Init(context.Background())
	assert.ErrorContains(t, err, "rate limited")
	assert.ErrorContains(t, err, splPool.String())
}
