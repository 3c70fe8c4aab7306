package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"vaultKeeper/internal/model"
)

const (
	attemptsFile = "attempts.jsonl"
	navFile      = "nav.jsonl"
)

// JsonlStorage appends records as JSON lines under dir.
type JsonlStorage struct {
	dir string
	mu  sync.Mutex
}

func NewJsonlStorage(dir string) *JsonlStorage {
	return &JsonlStorage{dir: dir}
}

// PutAttempts appends executor attempts to attempts.jsonl.
func (s *JsonlStorage) PutAttempts(_ context.Context, records []model.AttemptRecord) error {
	if len(records) == 0 {
		return nil
	}
	items := make([]any, len(records))
	for i := range records {
		items[i] = records[i]
	}
	return s.appendLines(attemptsFile, items)
}

// PutNav appends valuations to nav.jsonl.
func (s *JsonlStorage) PutNav(_ context.Context, records []model.NavRecord) error {
	if len(records) == 0 {
		return nil
	}
	items := make([]any, len(records))
	for i := range records {
		items[i] = records[i]
	}
	return s.appendLines(navFile, items)
}

func (s *JsonlStorage) appendLines(name string, items []any) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, item := range items {
		line, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	return nil
}
