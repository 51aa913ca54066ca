// Package core holds the domain model shared by every mark subsystem:
// invoices and intents as the hub shapes them, earmarks and rebalance
// operations as the operations store persists them, and the queued event
// envelope.
package core

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// ChainID identifies a settlement domain. The hub serialises chain ids as
// decimal strings; internally they are plain integers.
type ChainID uint64

func (c ChainID) String() string { return strconv.FormatUint(uint64(c), 10) }

func (c ChainID) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ChainID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, perr := strconv.ParseUint(s, 10, 64)
		if perr != nil {
			return errors.Wrapf(perr, "invalid chain id %q", s)
		}
		*c = ChainID(v)
		return nil
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.Wrap(err, "invalid chain id")
	}
	*c = ChainID(n)
	return nil
}

// ParseChainID parses a decimal chain id string.
func ParseChainID(s string) (ChainID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid chain id %q", s)
	}
	return ChainID(v), nil
}

// Invoice is a hub-issued request to move a ticker amount to one of several
// candidate destination chains. Amounts are decimal strings in 18-decimal
// canonical units.
type Invoice struct {
	IntentID     string    `json:"intent_id"`
	Amount       string    `json:"amount"`
	TickerHash   string    `json:"ticker_hash"`
	Owner        string    `json:"owner"`
	Origin       ChainID   `json:"origin"`
	Destinations []ChainID `json:"destinations"`
	HubStatus    string    `json:"hub_status"`
	EnqueuedAt   int64     `json:"hub_invoice_enqueued_timestamp"` // unix seconds
	TxNonce      uint64    `json:"tx_nonce"`
}

// Age returns how long the invoice has been enqueued on the hub.
func (i *Invoice) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(i.EnqueuedAt, 0))
}

// Intent is a single transaction mark submits to offer liquidity against an
// invoice. Every intent carries the full destination set so the hub may
// settle on any of them.
type Intent struct {
	Origin       ChainID   `json:"origin"`
	Destinations []ChainID `json:"destinations"`
	InputAsset   string    `json:"input_asset"`
	Amount       *big.Int  `json:"-"`
	TickerHash   string    `json:"ticker_hash"`
	To           string    `json:"to"`
}

// MarshalJSON serialises the amount as a decimal string, per the boundary
// rule for monetary quantities.
func (in Intent) MarshalJSON() ([]byte, error) {
	type alias Intent
	return json.Marshal(struct {
		alias
		Amount string `json:"amount"`
	}{alias(in), FormatAmount(in.Amount)})
}

// PurchaseRecord is the fingerprint cached after intents have been submitted
// for an invoice. It suppresses duplicate purchases until the hub emits the
// matching settlement event.
type PurchaseRecord struct {
	InvoiceID       string    `json:"invoiceId"`
	Target          Invoice   `json:"target"`
	Intent          Intent    `json:"intent"`
	TransactionHash string    `json:"transactionHash"`
	CachedAt        time.Time `json:"cachedAt"`
}

// EarmarkStatus enumerates the earmark lifecycle.
type EarmarkStatus string

const (
	EarmarkPending   EarmarkStatus = "pending"
	EarmarkReady     EarmarkStatus = "ready"
	EarmarkCompleted EarmarkStatus = "completed"
	EarmarkCancelled EarmarkStatus = "cancelled"
	EarmarkFailed    EarmarkStatus = "failed"
	EarmarkExpired   EarmarkStatus = "expired"
)

// ActiveEarmarkStatuses are the non-terminal statuses; at most one earmark
// per invoice may be in one of them.
var ActiveEarmarkStatuses = []EarmarkStatus{EarmarkPending, EarmarkReady}

// Terminal reports whether no further transition is permitted.
func (s EarmarkStatus) Terminal() bool {
	switch s {
	case EarmarkCompleted, EarmarkCancelled, EarmarkFailed, EarmarkExpired:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is a legal move: pending -> ready ->
// completed forward, or {pending, ready} into a terminal failure state.
func (s EarmarkStatus) CanTransition(to EarmarkStatus) bool {
	switch s {
	case EarmarkPending:
		return to == EarmarkReady || to == EarmarkCancelled || to == EarmarkFailed || to == EarmarkExpired
	case EarmarkReady:
		return to == EarmarkCompleted || to == EarmarkCancelled || to == EarmarkFailed || to == EarmarkExpired
	}
	return false
}

// Earmark reserves yet-to-arrive bridged funds against a specific invoice.
type Earmark struct {
	ID                      string        `json:"id" gorm:"primary_key;size:64"`
	InvoiceID               string        `json:"invoiceId" gorm:"index;size:128"`
	DesignatedPurchaseChain ChainID       `json:"designatedPurchaseChain"`
	TickerHash              string        `json:"tickerHash" gorm:"size:128"`
	MinAmount               string        `json:"minAmount" gorm:"size:96"`
	Status                  EarmarkStatus `json:"status" gorm:"size:16;index"`
	CreatedAt               time.Time     `json:"createdAt"`
	UpdatedAt               time.Time     `json:"updatedAt"`
}

// OperationStatus enumerates the rebalance operation lifecycle.
type OperationStatus string

const (
	OperationPending          OperationStatus = "pending"
	OperationAwaitingCallback OperationStatus = "awaiting_callback"
	OperationCompleted        OperationStatus = "completed"
	OperationExpired          OperationStatus = "expired"
	OperationCancelled        OperationStatus = "cancelled"
)

// CanTransition reports whether s -> to is legal: forward through pending ->
// awaiting_callback -> completed, or laterally into cancelled/expired.
func (s OperationStatus) CanTransition(to OperationStatus) bool {
	switch s {
	case OperationPending:
		return to == OperationAwaitingCallback || to == OperationCompleted ||
			to == OperationCancelled || to == OperationExpired
	case OperationAwaitingCallback:
		return to == OperationCompleted || to == OperationCancelled || to == OperationExpired
	}
	return false
}

// Terminal reports whether the operation can no longer advance.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationCompleted, OperationExpired, OperationCancelled:
		return true
	}
	return false
}

// TransactionEntry is the receipt metadata recorded for one chain touched by
// an operation.
type TransactionEntry struct {
	Hash              string    `json:"hash"`
	From              string    `json:"from"`
	To                string    `json:"to"`
	Memo              string    `json:"memo,omitempty"`
	EffectiveGasPrice string    `json:"effectiveGasPrice,omitempty"`
	SubmittedAt       time.Time `json:"submittedAt"`
}

// TransactionMap stores per-chain transaction entries inside the operation
// row as a JSON column.
type TransactionMap map[ChainID]TransactionEntry

func (m TransactionMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *TransactionMap) Scan(src interface{}) error {
	if src == nil {
		*m = TransactionMap{}
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into TransactionMap", src)
	}
	if len(data) == 0 {
		*m = TransactionMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// RebalanceOperation is one directional transfer of mark's own liquidity,
// possibly one leg of a multi-leg route. EarmarkID is nil for standalone
// threshold operations.
type RebalanceOperation struct {
	ID                 string          `json:"id" gorm:"primary_key;size:64"`
	EarmarkID          *string         `json:"earmarkId" gorm:"index;size:64"`
	OriginChainID      ChainID         `json:"originChainId" gorm:"index"`
	DestinationChainID ChainID         `json:"destinationChainId" gorm:"index"`
	TickerHash         string          `json:"tickerHash" gorm:"size:128"`
	Amount             string          `json:"amount" gorm:"size:96"`
	SlippageDbps       int64           `json:"slippageDbps"`
	Bridge             string          `json:"bridge" gorm:"size:32"`
	Status             OperationStatus `json:"status" gorm:"size:24;index"`
	Recipient          string          `json:"recipient" gorm:"size:128"`
	IsOrphaned         bool            `json:"isOrphaned"`
	Transactions       TransactionMap  `json:"transactions" gorm:"type:text"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}
