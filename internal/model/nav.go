package model

// NavRecord is a per-observation valuation of a vault's share mint.
type NavRecord struct {
	Vault             string `json:"vault"`
	Slot              uint64 `json:"slot"`
	EpochSeconds      int64  `json:"epoch_seconds"`
	Supply            string `json:"supply"`
	Holdings          string `json:"holdings"`
	Nav               string `json:"nav"`
	OutstandingShares string `json:"outstanding_shares"`
	FulfillableShares string `json:"fulfillable_shares"`
	PendingRequests   int    `json:"pending_requests"`
	At                string `json:"at"`
}
