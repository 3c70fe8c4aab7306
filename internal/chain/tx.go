package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gagliardetto/solana-go"
)

// MaxTransactionSize is the ledger packet limit for a serialized transaction.
const MaxTransactionSize = 1232

// TxError is a decoded ledger transaction error.
type TxError struct {
	Raw              json.RawMessage
	Kind             string
	InstructionIndex int
	Custom           *uint32
	Detail           string
}

func (e *TxError) Error() string {
	switch {
	case e.Custom != nil:
		return fmt.Sprintf("%s at instruction %d: custom program error %d", e.Kind, e.InstructionIndex, *e.Custom)
	case e.InstructionIndex >= 0:
		return fmt.Sprintf("%s at instruction %d: %s", e.Kind, e.InstructionIndex, e.Detail)
	default:
		return fmt.Sprintf("transaction error: %s", string(e.Raw))
	}
}

// ParseTxError decodes a transaction error. It returns nil for null or empty input.
func ParseTxError(raw json.RawMessage) *TxError {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	txErr := &TxError{Raw: append(json.RawMessage(nil), trimmed...), InstructionIndex: -1}

	var name string
	if err := json.Unmarshal(trimmed, &name); err == nil {
		txErr.Kind = name
		return txErr
	}

	var variant map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &variant); err != nil || len(variant) != 1 {
		txErr.Kind = "Unknown"
		return txErr
	}
	for kind, body := range variant {
		txErr.Kind = kind
		if kind != "InstructionError" {
			continue
		}
		var pair []json.RawMessage
		if err := json.Unmarshal(body, &pair); err != nil || len(pair) != 2 {
			continue
		}
		if err := json.Unmarshal(pair[0], &txErr.InstructionIndex); err != nil {
			txErr.InstructionIndex = -1
			continue
		}
		var detail string
		if err := json.Unmarshal(pair[1], &detail); err == nil {
			txErr.Detail = detail
			continue
		}
		var custom struct {
			Custom *uint32 `json:"Custom"`
		}
		if err := json.Unmarshal(pair[1], &custom); err == nil && custom.Custom != nil {
			txErr.Custom = custom.Custom
			txErr.Detail = "Custom"
		} else {
			txErr.Detail = string(pair[1])
		}
	}
	return txErr
}

// SimulationResult is the outcome of simulateTransaction.
type SimulationResult struct {
	Slot          uint64
	Err           *TxError
	Logs          []string
	UnitsConsumed uint64
	Accounts      []*AccountInfo
}

type simulationValue struct {
	Err           json.RawMessage `json:"err"`
	Logs          []string        `json:"logs"`
	UnitsConsumed uint64          `json:"unitsConsumed"`
	Accounts      []*rpcAccount   `json:"accounts"`
}

func (v simulationValue) toResult(slot uint64, keys []solana.PublicKey) (SimulationResult, error) {
	res := SimulationResult{
		Slot:          slot,
		Err:           ParseTxError(v.Err),
		Logs:          v.Logs,
		UnitsConsumed: v.UnitsConsumed,
	}
	if len(keys) > 0 && len(v.Accounts) == len(keys) {
		res.Accounts = make([]*AccountInfo, len(keys))
		for i, raw := range v.Accounts {
			if raw == nil {
				continue
			}
			info, err := raw.toAccountInfo(keys[i], slot)
			if err != nil {
				return SimulationResult{}, err
			}
			res.Accounts[i] = info
		}
	}
	return res, nil
}

// SimulateTransaction simulates a serialized transaction, returning the
// post-state of returnAccounts.
func (c *Client) SimulateTransaction(ctx context.Context, tx []byte, returnAccounts []solana.PublicKey) (SimulationResult, error) {
	cfg := map[string]any{
		"encoding":               "base64",
		"sigVerify":              false,
		"replaceRecentBlockhash": true,
		"commitment":             c.commitment,
	}
	if len(returnAccounts) > 0 {
		cfg["accounts"] = map[string]any{
			"encoding":  "base64",
			"addresses": base58Keys(returnAccounts),
		}
	}

	var result struct {
		Context rpcContext      `json:"context"`
		Value   simulationValue `json:"value"`
	}
	if err := c.rpcClient.CallContext(ctx, &result, "simulateTransaction", base64.StdEncoding.EncodeToString(tx), cfg); err != nil {
		return SimulationResult{}, fmt.Errorf("simulateTransaction: %w", err)
	}
	return result.Value.toResult(result.Context.Slot, returnAccounts)
}

// PreflightError is returned by SendTransaction when preflight simulation fails.
type PreflightError struct {
	Code       int
	Message    string
	Simulation SimulationResult
}

func (e *PreflightError) Error() string {
	if e.Simulation.Err != nil {
		return fmt.Sprintf("preflight failed: %s", e.Simulation.Err)
	}
	return fmt.Sprintf("preflight failed: %s", e.Message)
}

// SendTransaction submits a signed, serialized transaction.
func (c *Client) SendTransaction(ctx context.Context, tx []byte) (solana.Signature, error) {
	cfg := map[string]any{
		"encoding":            "base64",
		"preflightCommitment": c.commitment,
		"maxRetries":          0,
	}
	var sig string
	if err := c.rpcClient.CallContext(ctx, &sig, "sendTransaction", base64.StdEncoding.EncodeToString(tx), cfg); err != nil {
		return solana.Signature{}, wrapSendError(err)
	}
	out, err := solana.SignatureFromBase58(sig)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("parse signature: %w", err)
	}
	return out, nil
}

func wrapSendError(err error) error {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return fmt.Errorf("sendTransaction: %w", err)
	}
	if strings.Contains(rpcErr.Error(), "too large") {
		return fmt.Errorf("sendTransaction: %w: %s", ErrTransactionTooLarge, rpcErr.Error())
	}
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) || dataErr.ErrorData() == nil {
		return fmt.Errorf("sendTransaction: %w", err)
	}
	raw, mErr := json.Marshal(dataErr.ErrorData())
	if mErr != nil {
		return fmt.Errorf("sendTransaction: %w", err)
	}
	var value simulationValue
	if json.Unmarshal(raw, &value) != nil {
		return fmt.Errorf("sendTransaction: %w", err)
	}
	sim, sErr := value.toResult(0, nil)
	if sErr != nil {
		return fmt.Errorf("sendTransaction: %w", err)
	}
	return &PreflightError{Code: rpcErr.ErrorCode(), Message: rpcErr.Error(), Simulation: sim}
}

// ErrTransactionTooLarge means the serialized transaction exceeds MaxTransactionSize.
var ErrTransactionTooLarge = errors.New("transaction too large")

// SignatureStatus is the confirmation state of a submitted transaction.
type SignatureStatus struct {
	Slot               uint64
	Err                *TxError
	ConfirmationStatus string
}

// GetSignatureStatuses returns one status per signature, nil when unknown.
func (c *Client) GetSignatureStatuses(ctx context.Context, sigs []solana.Signature) ([]*SignatureStatus, error) {
	encoded := make([]string, len(sigs))
	for i, sig := range sigs {
		encoded[i] = sig.String()
	}
	var result struct {
		Value []*struct {
			Slot               uint64          `json:"slot"`
			Err                json.RawMessage `json:"err"`
			ConfirmationStatus string          `json:"confirmationStatus"`
		} `json:"value"`
	}
	if err := c.rpcClient.CallContext(ctx, &result, "getSignatureStatuses", encoded, map[string]any{"searchTransactionHistory": false}); err != nil {
		return nil, fmt.Errorf("getSignatureStatuses: %w", err)
	}

	out := make([]*SignatureStatus, len(sigs))
	for i, v := range result.Value {
		if i >= len(out) || v == nil {
			continue
		}
		out[i] = &SignatureStatus{Slot: v.Slot, Err: ParseTxError(v.Err), ConfirmationStatus: v.ConfirmationStatus}
	}
	return out, nil
}
