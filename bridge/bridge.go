// Package bridge defines the uniform capability set every rebalancing
// back-end implements, whether it is an onchain bridge, a CEX withdrawal
// API, or a two-leg bridge, plus the registry the engine selects adapters
// from.
package bridge

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/everclear/mark/chains"
	"github.com/everclear/mark/core"
)

// SupportedBridge tags a registered adapter.
type SupportedBridge string

const (
	Across  SupportedBridge = "across"
	CCTPV1  SupportedBridge = "cctpv1"
	CCTPV2  SupportedBridge = "cctpv2"
	Binance SupportedBridge = "binance"
	Near    SupportedBridge = "near"
	TAC     SupportedBridge = "tac"

	UnknownBridge SupportedBridge = ""
)

func ConvertStringToBridge(s string) SupportedBridge {
	switch strings.ToLower(s) {
	case "across":
		return Across
	case "cctp", "cctpv1":
		return CCTPV1
	case "cctpv2":
		return CCTPV2
	case "binance":
		return Binance
	case "near":
		return Near
	case "tac":
		return TAC
	default:
		return UnknownBridge
	}
}

// MemoType classifies the transactions an adapter emits for one send.
type MemoType string

const (
	MemoApproval  MemoType = "Approval"
	MemoRebalance MemoType = "Rebalance"
	MemoWrap      MemoType = "Wrap"
	MemoMint      MemoType = "Mint"
)

// MemoizedTransaction pairs a transaction with the role it plays in the
// transfer. Approvals always precede the bridge call in Send output.
type MemoizedTransaction struct {
	Memo MemoType
	Tx   *chains.Transaction
}

// Route is one directional origin/destination/asset triple an adapter can
// move funds along.
type Route struct {
	Origin           core.ChainID `json:"origin"`
	Destination      core.ChainID `json:"destination"`
	AssetOrigin      string       `json:"assetOrigin"`
	AssetDestination string       `json:"assetDestination"`
	TickerHash       string       `json:"tickerHash"`
}

// ErrUnsupportedRoute is returned by adapters that cannot serve the
// requested asset or chain pair.
var ErrUnsupportedRoute = errors.New("bridge: unsupported route")

// ErrPermanentFailure marks a transfer the back-end has declared dead (for
// example a FAILED status from the TAC SDK). The engine cancels the
// operation instead of retrying.
var ErrPermanentFailure = errors.New("bridge: permanent failure")

// Adapter is the capability set over one rebalancing back-end.
//
//go:generate mockgen -destination=./mocks/adapter_mock.go -package=mocks github.com/everclear/mark/bridge Adapter
type Adapter interface {
	// Type returns the registry tag.
	Type() SupportedBridge

	// GetReceivedAmount quotes the amount delivered on the destination for
	// sending amount along route. No side effects.
	GetReceivedAmount(ctx context.Context, amount *big.Int, route Route) (*big.Int, error)

	// Send builds the ordered transactions (approvals first, then the bridge
	// call) that move amount from sender on the origin to recipient on the
	// destination.
	Send(ctx context.Context, sender, recipient string, amount *big.Int, route Route) ([]MemoizedTransaction, error)

	// ReadyOnDestination reports whether the transfer observed in
	// originReceipt can be finalised on the destination.
	ReadyOnDestination(ctx context.Context, amount *big.Int, route Route, originReceipt *chains.Receipt) (bool, error)

	// DestinationCallback returns the finaliser transaction for the
	// destination, or nil when the back-end needs none.
	DestinationCallback(ctx context.Context, route Route, originReceipt *chains.Receipt) (*chains.Transaction, error)
}

// MinimumBounded is implemented by adapters with a lower bound per route.
type MinimumBounded interface {
	MinimumAmount(ctx context.Context, route Route) (*big.Int, error)
}

// Registry holds the adapters selected at construction time, keyed by tag.
type Registry struct {
	mu       sync.RWMutex
	adapters map[SupportedBridge]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[SupportedBridge]Adapter)}
}

// Register adds an adapter; a second registration for the same tag replaces
// the first.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
}

// Get returns the adapter registered for tag.
func (r *Registry) Get(tag SupportedBridge) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[tag]
	if !ok {
		return nil, errors.Errorf("bridge: no adapter registered for %q", tag)
	}
	return a, nil
}

// Tags returns the registered tags in stable order.
func (r *Registry) Tags() []SupportedBridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]SupportedBridge, 0, len(r.adapters))
	for t := range r.adapters {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}
