package chain

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gagliardetto/solana-go"
)

// MaxAccountsPerRequest is the getMultipleAccounts key limit.
const MaxAccountsPerRequest = 100

// AccountInfo is a raw account observed at a ledger slot.
type AccountInfo struct {
	Key        solana.PublicKey
	Slot       uint64
	Owner      solana.PublicKey
	Lamports   uint64
	Executable bool
	Data       []byte
}

// Client speaks the ledger JSON-RPC dialect over the go-ethereum RPC transport.
type Client struct {
	rpcClient  *rpc.Client
	commitment string
}

// NewClient dials the RPC endpoint.
func NewClient(ctx context.Context, rpcURL, commitment string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return NewClientWithRPC(rpcClient, commitment), nil
}

// NewClientWithRPC wraps an existing RPC client.
func NewClientWithRPC(rpcClient *rpc.Client, commitment string) *Client {
	if commitment == "" {
		commitment = "confirmed"
	}
	return &Client{rpcClient: rpcClient, commitment: commitment}
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

func (c *Client) accountConfig() map[string]any {
	return map[string]any{"encoding": "base64", "commitment": c.commitment}
}

// GetMultipleAccounts fetches accounts in chunks of MaxAccountsPerRequest,
// sending the chunks as one batch. Missing accounts are nil in the result.
func (c *Client) GetMultipleAccounts(ctx context.Context, keys []solana.PublicKey) ([]*AccountInfo, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	chunks := ChunkKeys(keys, MaxAccountsPerRequest)
	results := make([]multipleAccountsResult, len(chunks))
	batch := make([]rpc.BatchElem, len(chunks))
	for i, chunk := range chunks {
		batch[i] = rpc.BatchElem{
			Method: "getMultipleAccounts",
			Args:   []any{base58Keys(chunk), c.accountConfig()},
			Result: &results[i],
		}
	}
	if err := c.rpcClient.BatchCallContext(ctx, batch); err != nil {
		return nil, fmt.Errorf("getMultipleAccounts: %w", err)
	}

	out := make([]*AccountInfo, 0, len(keys))
	for i, chunk := range chunks {
		if batch[i].Error != nil {
			return nil, fmt.Errorf("getMultipleAccounts: %w", batch[i].Error)
		}
		if len(results[i].Value) != len(chunk) {
			return nil, fmt.Errorf("getMultipleAccounts: %d accounts returned for %d keys", len(results[i].Value), len(chunk))
		}
		for j, raw := range results[i].Value {
			if raw == nil {
				out = append(out, nil)
				continue
			}
			info, err := raw.toAccountInfo(chunk[j], results[i].Context.Slot)
			if err != nil {
				return nil, err
			}
			out = append(out, info)
		}
	}
	return out, nil
}

// GetAccountInfo fetches one account, returning nil when it does not exist.
func (c *Client) GetAccountInfo(ctx context.Context, key solana.PublicKey) (*AccountInfo, error) {
	var result accountInfoResult
	if err := c.rpcClient.CallContext(ctx, &result, "getAccountInfo", key.String(), c.accountConfig()); err != nil {
		return nil, fmt.Errorf("getAccountInfo %s: %w", key, err)
	}
	if result.Value == nil {
		return nil, nil
	}
	return result.Value.toAccountInfo(key, result.Context.Slot)
}

// Filter is a getProgramAccounts filter. Set exactly one field.
type Filter struct {
	DataSize *uint64
	Memcmp   *Memcmp
}

// Memcmp matches Bytes at Offset.
type Memcmp struct {
	Offset uint64
	Bytes  []byte
}

// SizeFilter matches accounts of exactly size bytes.
func SizeFilter(size uint64) Filter {
	return Filter{DataSize: &size}
}

// MemcmpFilter matches raw bytes at an offset.
func MemcmpFilter(offset uint64, b []byte) Filter {
	return Filter{Memcmp: &Memcmp{Offset: offset, Bytes: b}}
}

func (f Filter) toRPC() map[string]any {
	if f.DataSize != nil {
		return map[string]any{"dataSize": *f.DataSize}
	}
	return map[string]any{"memcmp": map[string]any{
		"offset":   f.Memcmp.Offset,
		"bytes":    base64.StdEncoding.EncodeToString(f.Memcmp.Bytes),
		"encoding": "base64",
	}}
}

// GetProgramAccounts lists accounts owned by program that match filters.
func (c *Client) GetProgramAccounts(ctx context.Context, program solana.PublicKey, filters []Filter) ([]AccountInfo, error) {
	cfg := c.accountConfig()
	cfg["withContext"] = true
	if len(filters) > 0 {
		rpcFilters := make([]map[string]any, len(filters))
		for i, f := range filters {
			rpcFilters[i] = f.toRPC()
		}
		cfg["filters"] = rpcFilters
	}

	var result programAccountsResult
	if err := c.rpcClient.CallContext(ctx, &result, "getProgramAccounts", program.String(), cfg); err != nil {
		return nil, fmt.Errorf("getProgramAccounts %s: %w", program, err)
	}

	out := make([]AccountInfo, 0, len(result.Value))
	for _, keyed := range result.Value {
		key, err := solana.PublicKeyFromBase58(keyed.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("getProgramAccounts pubkey: %w", err)
		}
		info, err := keyed.Account.toAccountInfo(key, result.Context.Slot)
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	return out, nil
}

// GetBalance returns the lamport balance of an account.
func (c *Client) GetBalance(ctx context.Context, key solana.PublicKey) (uint64, error) {
	var result struct {
		Context rpcContext `json:"context"`
		Value   uint64     `json:"value"`
	}
	if err := c.rpcClient.CallContext(ctx, &result, "getBalance", key.String(), map[string]any{"commitment": c.commitment}); err != nil {
		return 0, fmt.Errorf("getBalance %s: %w", key, err)
	}
	return result.Value, nil
}

// LatestBlockhash is a recent blockhash usable for signing.
type LatestBlockhash struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
	Slot                 uint64
}

func (c *Client) GetLatestBlockhash(ctx context.Context) (LatestBlockhash, error) {
	var result struct {
		Context rpcContext `json:"context"`
		Value   struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := c.rpcClient.CallContext(ctx, &result, "getLatestBlockhash", map[string]any{"commitment": c.commitment}); err != nil {
		return LatestBlockhash{}, fmt.Errorf("getLatestBlockhash: %w", err)
	}
	hash, err := solana.HashFromBase58(result.Value.Blockhash)
	if err != nil {
		return LatestBlockhash{}, fmt.Errorf("parse blockhash: %w", err)
	}
	return LatestBlockhash{
		Blockhash:            hash,
		LastValidBlockHeight: result.Value.LastValidBlockHeight,
		Slot:                 result.Context.Slot,
	}, nil
}

// PerformanceSample is one entry of getRecentPerformanceSamples.
type PerformanceSample struct {
	Slot             uint64 `json:"slot"`
	NumSlots         uint64 `json:"numSlots"`
	NumTransactions  uint64 `json:"numTransactions"`
	SamplePeriodSecs uint64 `json:"samplePeriodSecs"`
}

func (c *Client) GetRecentPerformanceSamples(ctx context.Context, limit int) ([]PerformanceSample, error) {
	var samples []PerformanceSample
	if err := c.rpcClient.CallContext(ctx, &samples, "getRecentPerformanceSamples", limit); err != nil {
		return nil, fmt.Errorf("getRecentPerformanceSamples: %w", err)
	}
	return samples, nil
}

// GetFeeForMessage returns the fee in lamports for a serialized message.
func (c *Client) GetFeeForMessage(ctx context.Context, message []byte) (uint64, error) {
	var result struct {
		Value *uint64 `json:"value"`
	}
	encoded := base64.StdEncoding.EncodeToString(message)
	if err := c.rpcClient.CallContext(ctx, &result, "getFeeForMessage", encoded, map[string]any{"commitment": c.commitment}); err != nil {
		return 0, fmt.Errorf("getFeeForMessage: %w", err)
	}
	if result.Value == nil {
		return 0, fmt.Errorf("getFeeForMessage: blockhash expired")
	}
	return *result.Value, nil
}

// ChunkKeys splits keys into consecutive chunks of at most size keys.
func ChunkKeys(keys []solana.PublicKey, size int) [][]solana.PublicKey {
	if size <= 0 {
		size = MaxAccountsPerRequest
	}
	chunks := make([][]solana.PublicKey, 0, (len(keys)+size-1)/size)
	for start := 0; start < len(keys); start += size {
		end := min(start+size, len(keys))
		chunks = append(chunks, keys[start:end])
	}
	return chunks
}

func base58Keys(keys []solana.PublicKey) []string {
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = key.String()
	}
	return out
}
