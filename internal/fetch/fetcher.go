package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"vaultKeeper/internal/chain"
	"vaultKeeper/internal/metrics"
	"vaultKeeper/internal/retry"
)

// AccountReader reads accounts in bulk.
type AccountReader interface {
	GetMultipleAccounts(ctx context.Context, keys []solana.PublicKey) ([]*chain.AccountInfo, error)
}

// Callback receives the accounts for the queued keys, in queue order.
// Missing accounts are nil.
type Callback func(accounts []*chain.AccountInfo)

type request struct {
	keys     []solana.PublicKey
	callback Callback
}

// Config tunes the fetcher.
type Config struct {
	Interval   time.Duration
	MaxRetries int
	Backoff    retry.Backoff
}

// Fetcher coalesces queued account reads into bulk requests. Priority
// requests are served before normal ones in each round.
type Fetcher struct {
	reader  AccountReader
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	priority []request
	normal   []request
	wake     chan struct{}
}

func New(reader AccountReader, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.Exponential{Base: 500 * time.Millisecond, Max: 30 * time.Second}
	}
	return &Fetcher{
		reader:  reader,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// Queue schedules keys for the next round.
func (f *Fetcher) Queue(keys []solana.PublicKey, callback Callback) {
	f.enqueue(&f.normal, keys, callback)
}

// PriorityQueue schedules keys ahead of normal requests and wakes the loop.
func (f *Fetcher) PriorityQueue(keys []solana.PublicKey, callback Callback) {
	f.enqueue(&f.priority, keys, callback)
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *Fetcher) enqueue(queue *[]request, keys []solana.PublicKey, callback Callback) {
	if len(keys) == 0 || callback == nil {
		return
	}
	f.mu.Lock()
	*queue = append(*queue, request{keys: append([]solana.PublicKey(nil), keys...), callback: callback})
	f.mu.Unlock()
}

// Run serves queued requests every Interval until ctx is done.
func (f *Fetcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-f.wake:
		}
		if err := f.Flush(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("account fetch failed", zap.Error(err))
		}
	}
}

// Flush serves every queued request once. Requests whose fetch failed are
// requeued ahead of newer ones in the queue they came from.
func (f *Fetcher) Flush(ctx context.Context) error {
	f.mu.Lock()
	priority, normal := f.priority, f.normal
	f.priority, f.normal = nil, nil
	f.mu.Unlock()
	reqs := append(append(make([]request, 0, len(priority)+len(normal)), priority...), normal...)
	if len(reqs) == 0 {
		return nil
	}

	unique := make([]solana.PublicKey, 0)
	position := make(map[solana.PublicKey]int)
	for _, req := range reqs {
		for _, key := range req.keys {
			if _, ok := position[key]; ok {
				continue
			}
			position[key] = len(unique)
			unique = append(unique, key)
		}
	}

	var accounts []*chain.AccountInfo
	err := retry.Do(ctx, f.cfg.MaxRetries, f.cfg.Backoff, func(ctx context.Context) error {
		var err error
		accounts, err = f.reader.GetMultipleAccounts(ctx, unique)
		return err
	})
	f.metrics.Fetched(len(unique), err)
	if err != nil {
		f.mu.Lock()
		f.priority = append(priority, f.priority...)
		f.normal = append(normal, f.normal...)
		f.mu.Unlock()
		return err
	}

	for _, req := range reqs {
		out := make([]*chain.AccountInfo, len(req.keys))
		for i, key := range req.keys {
			out[i] = accounts[position[key]]
		}
		req.callback(out)
	}
	return nil
}

// Pending returns the number of queued requests.
func (f *Fetcher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.priority) + len(f.normal)
}
