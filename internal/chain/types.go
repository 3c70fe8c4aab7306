package chain

import (
	"encoding/base64"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

type rpcContext struct {
	Slot uint64 `json:"slot"`
}

type rpcAccount struct {
	Data       []string `json:"data"`
	Executable bool     `json:"executable"`
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
}

func (a *rpcAccount) toAccountInfo(key solana.PublicKey, slot uint64) (*AccountInfo, error) {
	owner, err := solana.PublicKeyFromBase58(a.Owner)
	if err != nil {
		return nil, fmt.Errorf("account %s owner: %w", key, err)
	}
	data, err := decodeAccountData(a.Data)
	if err != nil {
		return nil, fmt.Errorf("account %s data: %w", key, err)
	}
	return &AccountInfo{
		Key:        key,
		Slot:       slot,
		Owner:      owner,
		Lamports:   a.Lamports,
		Executable: a.Executable,
		Data:       data,
	}, nil
}

func decodeAccountData(data []string) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) > 1 && data[1] != "base64" {
		return nil, fmt.Errorf("unexpected encoding %q", data[1])
	}
	return base64.StdEncoding.DecodeString(data[0])
}

type multipleAccountsResult struct {
	Context rpcContext    `json:"context"`
	Value   []*rpcAccount `json:"value"`
}

type accountInfoResult struct {
	Context rpcContext  `json:"context"`
	Value   *rpcAccount `json:"value"`
}

type keyedAccount struct {
	Pubkey  string     `json:"pubkey"`
	Account rpcAccount `json:"account"`
}

type programAccountsResult struct {
	Context rpcContext     `json:"context"`
	Value   []keyedAccount `json:"value"`
}
