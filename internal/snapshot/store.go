package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// FileExtension is appended to the base58 account key to name snapshot files.
const FileExtension = ".dat"

// Store persists the latest validated raw bytes of an account.
type Store interface {
	Load(ctx context.Context, key solana.PublicKey) ([]byte, bool, error)
	Save(ctx context.Context, key solana.PublicKey, data []byte) error
	List(ctx context.Context) ([]solana.PublicKey, error)
}

// FileName returns the snapshot file name for an account key.
func FileName(key solana.PublicKey) string {
	return key.String() + FileExtension
}

// FileStore keeps one flat file per account key in Dir.
type FileStore struct {
	Dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

func (s *FileStore) path(key solana.PublicKey) string {
	return filepath.Join(s.Dir, FileName(key))
}

func (s *FileStore) Load(ctx context.Context, key solana.PublicKey) ([]byte, bool, error) {
	if s == nil || s.Dir == "" {
		return nil, false, nil
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	return data, true, nil
}

// Save overwrites the snapshot atomically via a tmp file and rename.
func (s *FileStore) Save(ctx context.Context, key solana.PublicKey, data []byte) error {
	if s == nil || s.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	target := s.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot tmp: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// List returns the keys of all persisted snapshots, sorted.
func (s *FileStore) List(ctx context.Context) ([]solana.PublicKey, error) {
	if s == nil || s.Dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	keys := make([]solana.PublicKey, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, FileExtension) {
			continue
		}
		key, err := solana.PublicKeyFromBase58(strings.TrimSuffix(name, FileExtension))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}
