// Package chains abstracts the blockchain RPC layer. The rest of the daemon
// talks to a narrow Service interface that submits transactions and returns
// normalised receipts; concrete backends (the signer service, raw JSON-RPC)
// live behind it.
package chains

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/pkg/errors"

	"github.com/everclear/mark/core"
)

// Transaction is a chain-agnostic transaction request.
type Transaction struct {
	ChainID core.ChainID `json:"chainId"`
	To      string       `json:"to"`
	Data    string       `json:"data"`
	Value   *big.Int     `json:"-"`
	Funcsig string       `json:"funcsig,omitempty"`
}

func (t Transaction) MarshalJSON() ([]byte, error) {
	type alias Transaction
	return json.Marshal(struct {
		alias
		Value string `json:"value"`
	}{alias(t), core.FormatAmount(t.Value)})
}

// Log is a single event log attached to a receipt.
type Log struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// Receipt is the normalised transaction receipt shape. Status is nil when
// the backend reported anything other than success; Confirmations is nil
// when the backend did not report a numeric value.
type Receipt struct {
	TransactionHash   string `json:"transactionHash"`
	From              string `json:"from"`
	To                string `json:"to"`
	EffectiveGasPrice string `json:"effectiveGasPrice,omitempty"`
	Status            *int   `json:"status,omitempty"`
	Logs              []Log  `json:"logs"`
	Confirmations     *int   `json:"confirmations,omitempty"`
	BlockNumber       uint64 `json:"blockNumber,omitempty"`
}

// Succeeded reports whether the receipt carries a success status.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status != nil && *r.Status == 1
}

// Service submits transactions and monitors them to inclusion. When a chain
// is configured with a policy module (e.g. a safe-role module) the
// implementation wraps the transaction before broadcast.
//
//go:generate mockgen -destination=./mocks/service_mock.go -package=mocks github.com/everclear/mark/chains Service
type Service interface {
	SubmitAndMonitor(ctx context.Context, chainID core.ChainID, tx *Transaction) (*Receipt, error)
}

// BalanceSource reports mark's own balances per chain for a ticker, in
// 18-decimal canonical units.
type BalanceSource interface {
	Balances(ctx context.Context, tickerHash string) (map[core.ChainID]*big.Int, error)
}

// ErrUnsupportedChain is returned when no provider is configured for the
// requested chain.
var ErrUnsupportedChain = errors.New("chains: unsupported chain")
