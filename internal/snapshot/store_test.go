package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "global")
	store := NewFileStore(dir)
	ctx := context.Background()
	key := solana.NewWallet().PublicKey()

	_, ok, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save(ctx, key, []byte{1, 2, 3}))
	require.NoError(t, store.Save(ctx, key, []byte{4, 5}))

	data, ok, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{4, 5}, data)

	_, err = os.Stat(filepath.Join(dir, FileName(key)+".tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreList(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	ctx := context.Background()

	a := solana.NewWallet().PublicKey()
	b := solana.NewWallet().PublicKey()
	require.NoError(t, store.Save(ctx, a, []byte{1}))
	require.NoError(t, store.Save(ctx, b, []byte{2}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.dat"), []byte("x"), 0o644))

	keys, err := store.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []solana.PublicKey{a, b}, keys)
}

func TestNilStoreIsNoop(t *testing.T) {
	var store *FileStore
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, solana.PublicKey{}, []byte{1}))
	_, ok, err := store.Load(ctx, solana.PublicKey{})
	require.NoError(t, err)
	assert.False(t, ok)
}
