package snapshot

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"vaultKeeper/internal/storage/postgres"
)

// DBStore keeps snapshots in the account_snapshots table under Namespace.
type DBStore struct {
	Store     *postgres.Store
	Namespace string
}

func (s *DBStore) Load(ctx context.Context, key solana.PublicKey) ([]byte, bool, error) {
	if s == nil || s.Store == nil {
		return nil, false, nil
	}
	return s.Store.LoadSnapshot(ctx, s.Namespace, key.String())
}

func (s *DBStore) Save(ctx context.Context, key solana.PublicKey, data []byte) error {
	if s == nil || s.Store == nil {
		return nil
	}
	return s.Store.SaveSnapshot(ctx, s.Namespace, key.String(), data)
}

func (s *DBStore) List(ctx context.Context) ([]solana.PublicKey, error) {
	if s == nil || s.Store == nil {
		return nil, nil
	}
	names, err := s.Store.ListSnapshots(ctx, s.Namespace)
	if err != nil {
		return nil, err
	}
	keys := make([]solana.PublicKey, 0, len(names))
	for _, name := range names {
		key, err := solana.PublicKeyFromBase58(name)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}
