package model

import (
	"encoding/json"
)

// Attempt outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeSizeExceeded = "size_exceeded"
	OutcomeStalePrice   = "stale_price"
	OutcomeFailed       = "failed"
	OutcomeError        = "error"
)

// AttemptRecord is one terminal transaction submission of an executor run.
type AttemptRecord struct {
	RunID        string   `json:"run_id"`
	Attempt      int      `json:"attempt"`
	Vault        string   `json:"vault"`
	Label        string   `json:"label"`
	Signature    string   `json:"signature,omitempty"`
	Slot         uint64   `json:"slot"`
	Instructions int      `json:"instructions"`
	Accounts     []string `json:"accounts"`
	ComputeUnits uint64   `json:"compute_units"`
	FeeLamports  uint64   `json:"fee_lamports"`
	Outcome      string   `json:"outcome"`
	Error        string   `json:"error,omitempty"`
	Logs         []string `json:"logs,omitempty"`
	At           string   `json:"at"`
}

// MarshalJSON keeps nil account lists encoded as empty arrays.
func (r AttemptRecord) MarshalJSON() ([]byte, error) {
	type Alias AttemptRecord
	if r.Accounts == nil {
		r.Accounts = []string{}
	}
	return json.Marshal(Alias(r))
}
