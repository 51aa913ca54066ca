// Package rebalance moves mark's own liquidity between chains: a periodic
// tick first drives in-flight operations through their state machine
// (callbacks), then bridges funds on demand for specific invoices behind
// earmarks, then tops destinations back up along configured maintenance
// routes. One tick runs at a time; an overrunning tick makes the next one
// skip.
package rebalance

import (
	"context"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/everclear/mark/bridge"
	"github.com/everclear/mark/chains"
	"github.com/everclear/mark/core"
	"github.com/everclear/mark/log"
	"github.com/everclear/mark/metrics"
	"github.com/everclear/mark/params"
	"github.com/everclear/mark/storage/opstore"
)

var logger = log.NewModuleLogger("rebalance")

// InvoiceSource is the slice of the hub API the on-demand phase needs.
type InvoiceSource interface {
	OutstandingInvoices(ctx context.Context) ([]core.Invoice, error)
	GetMinAmounts(ctx context.Context, id string) (map[core.ChainID]*big.Int, error)
}

// Engine is the rebalance controller.
type Engine struct {
	cfg      *params.Config
	store    *opstore.Store
	registry *bridge.Registry
	chainSvc chains.Service
	balances chains.BalanceSource
	hub      InvoiceSource

	ticking int32
}

// New wires an Engine.
func New(cfg *params.Config, store *opstore.Store, registry *bridge.Registry,
	chainSvc chains.Service, balances chains.BalanceSource, hub InvoiceSource) *Engine {
	return &Engine{cfg: cfg, store: store, registry: registry, chainSvc: chainSvc, balances: balances, hub: hub}
}

// Run ticks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RebalanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one engine pass: callbacks, then on-demand, then threshold.
// Callbacks run first so funds that just arrived are not re-bridged; a tick
// still in flight makes this one a no-op.
func (e *Engine) Tick(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&e.ticking, 0, 1) {
		metrics.RebalanceTicks.WithLabelValues("skipped").Inc()
		logger.Warnw("previous tick still running, skipping")
		return
	}
	defer atomic.StoreInt32(&e.ticking, 0)
	metrics.RebalanceTicks.WithLabelValues("run").Inc()

	if err := e.runCallbacks(ctx); err != nil {
		logger.Errorw("callback phase failed", "err", err)
	}
	if _, err := e.store.ExpireStaleEarmarks(e.cfg.EarmarkTTL); err != nil {
		logger.Errorw("earmark expiry failed", "err", err)
	}

	// Pause flags are re-read every tick, never cached.
	if paused, err := e.store.GetPauseFlag(opstore.FlagOnDemand); err != nil {
		logger.Errorw("ondemand pause flag read failed", "err", err)
	} else if !paused {
		committed := newCommitments()
		if err := e.runOnDemand(ctx, committed); err != nil {
			logger.Errorw("on-demand phase failed", "err", err)
		}
		if paused, err := e.store.GetPauseFlag(opstore.FlagRebalance); err != nil {
			logger.Errorw("rebalance pause flag read failed", "err", err)
		} else if !paused {
			if err := e.runThreshold(ctx, committed); err != nil {
				logger.Errorw("threshold phase failed", "err", err)
			}
		}
		return
	}

	if paused, err := e.store.GetPauseFlag(opstore.FlagRebalance); err != nil {
		logger.Errorw("rebalance pause flag read failed", "err", err)
	} else if !paused {
		if err := e.runThreshold(ctx, newCommitments()); err != nil {
			logger.Errorw("threshold phase failed", "err", err)
		}
	}
}

// commitments tracks origin balance spent earlier in the same tick so later
// invoices and routes cannot double-spend it. Scoped to one tick only.
type commitments struct {
	spent map[string]*big.Int
}

func newCommitments() *commitments { return &commitments{spent: map[string]*big.Int{}} }

func commitKey(chain core.ChainID, ticker string) string { return chain.String() + ":" + ticker }

func (c *commitments) committed(chain core.ChainID, ticker string) *big.Int {
	if v, ok := c.spent[commitKey(chain, ticker)]; ok {
		return v
	}
	return new(big.Int)
}

func (c *commitments) commit(chain core.ChainID, ticker string, amount *big.Int) {
	key := commitKey(chain, ticker)
	if v, ok := c.spent[key]; ok {
		v.Add(v, amount)
		return
	}
	c.spent[key] = new(big.Int).Set(amount)
}

// runOnDemand bridges funds toward invoices whose designated purchase chain
// is short, behind a fresh earmark per invoice.
func (e *Engine) runOnDemand(ctx context.Context, committed *commitments) error {
	invoices, err := e.hub.OutstandingInvoices(ctx)
	if err != nil {
		return errors.Wrap(err, "outstanding invoices")
	}

	for i := range invoices {
		invoice := &invoices[i]
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := e.rebalanceForInvoice(ctx, invoice, committed); err != nil {
			logger.Warnw("on-demand rebalance skipped", "invoiceId", invoice.IntentID, "err", err)
		}
	}
	return nil
}

func (e *Engine) rebalanceForInvoice(ctx context.Context, invoice *core.Invoice, committed *commitments) error {
	destination, ok := e.monitoredDestination(invoice)
	if !ok {
		return nil
	}
	if _, err := e.store.GetActiveEarmarkForInvoice(invoice.IntentID); err == nil {
		return nil // already earmarked
	} else if err != opstore.ErrNotFound {
		return err
	}

	required, err := e.requiredAmount(ctx, invoice, destination)
	if err != nil {
		return err
	}
	balances, err := e.balances.Balances(ctx, invoice.TickerHash)
	if err != nil {
		return errors.Wrap(err, "balances")
	}

	destBalance := balances[destination]
	if destBalance == nil {
		destBalance = new(big.Int)
	}
	shortfall := new(big.Int).Sub(required, destBalance)
	minAmount := e.cfg.MinRebalance(invoice.TickerHash)
	if shortfall.Sign() <= 0 || shortfall.Cmp(minAmount) < 0 {
		return nil
	}

	route, origin, available := e.pickOnDemandRoute(invoice.TickerHash, destination, balances, committed, minAmount)
	if route == nil {
		return nil
	}
	amountToBridge := core.MinBig(shortfall, available)

	earmark, err := e.store.CreateEarmark(invoice.IntentID, destination, invoice.TickerHash, core.FormatAmount(required))
	if err == opstore.ErrDuplicateEarmark {
		return nil // another worker won
	}
	if err != nil {
		return err
	}

	if err := e.executeLeg(ctx, &earmark.ID, *route, amountToBridge); err != nil {
		if ferr := e.store.UpdateEarmarkStatus(earmark.ID, core.EarmarkFailed); ferr != nil {
			logger.Errorw("earmark failure mark failed", "earmarkId", earmark.ID, "err", ferr)
		}
		return err
	}
	committed.commit(origin, invoice.TickerHash, amountToBridge)
	logger.Infow("on-demand rebalance started", "invoiceId", invoice.IntentID,
		"origin", origin, "destination", destination, "amount", core.FormatAmount(amountToBridge))
	return nil
}

// monitoredDestination picks the first invoice destination mark has an
// asset configured on.
func (e *Engine) monitoredDestination(invoice *core.Invoice) (core.ChainID, bool) {
	for _, d := range invoice.Destinations {
		if _, ok := e.cfg.Asset(uint64(d), invoice.TickerHash); ok {
			return d, true
		}
	}
	return 0, false
}

func (e *Engine) requiredAmount(ctx context.Context, invoice *core.Invoice, destination core.ChainID) (*big.Int, error) {
	minAmounts, err := e.hub.GetMinAmounts(ctx, invoice.IntentID)
	if err == nil {
		if m, ok := minAmounts[destination]; ok && m.Sign() > 0 {
			return m, nil
		}
	}
	return core.ParseAmount(invoice.Amount)
}

// pickOnDemandRoute walks the configured routes into the destination and
// returns the first with spendable origin balance after this tick's
// commitments.
func (e *Engine) pickOnDemandRoute(ticker string, destination core.ChainID,
	balances map[core.ChainID]*big.Int, committed *commitments, minAmount *big.Int) (*params.RouteConfig, core.ChainID, *big.Int) {

	for i := range e.cfg.Routes {
		r := &e.cfg.Routes[i]
		if core.ChainID(r.Destination) != destination || !equalTicker(r.TickerHash, ticker) {
			continue
		}
		origin := core.ChainID(r.Origin)
		balance := balances[origin]
		if balance == nil {
			continue
		}
		available := new(big.Int).Sub(balance, committed.committed(origin, ticker))
		if available.Sign() <= 0 || available.Cmp(minAmount) < 0 {
			continue
		}
		return r, origin, available
	}
	return nil, 0, nil
}

// runThreshold walks the configured maintenance routes and skims origins
// above their maximum.
func (e *Engine) runThreshold(ctx context.Context, committed *commitments) error {
	for i := range e.cfg.Routes {
		r := &e.cfg.Routes[i]
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := e.thresholdForRoute(ctx, r, committed); err != nil {
			logger.Warnw("threshold rebalance skipped", "origin", r.Origin, "destination", r.Destination, "err", err)
		}
	}
	return nil
}

func (e *Engine) thresholdForRoute(ctx context.Context, r *params.RouteConfig, committed *commitments) error {
	maximum, ok := new(big.Int).SetString(r.Maximum, 10)
	if !ok || maximum.Sign() <= 0 {
		return nil
	}
	balances, err := e.balances.Balances(ctx, r.TickerHash)
	if err != nil {
		return errors.Wrap(err, "balances")
	}
	origin := core.ChainID(r.Origin)
	balance := balances[origin]
	if balance == nil {
		return nil
	}
	available := new(big.Int).Sub(balance, committed.committed(origin, r.TickerHash))
	if available.Cmp(maximum) <= 0 {
		return nil
	}

	reserve := maximum
	if r.Reserve != "" {
		if v, ok := new(big.Int).SetString(r.Reserve, 10); ok {
			reserve = v
		}
	}
	amountToBridge := new(big.Int).Sub(available, reserve)
	if amountToBridge.Sign() <= 0 {
		return nil
	}

	if err := e.executeLeg(ctx, nil, *r, amountToBridge); err != nil {
		return err
	}
	committed.commit(origin, r.TickerHash, amountToBridge)
	logger.Infow("threshold rebalance started", "origin", r.Origin, "destination", r.Destination,
		"amount", core.FormatAmount(amountToBridge))
	return nil
}

// executeLeg walks the route's bridge preferences, quotes each, and
// executes the first whose quote clears the slippage envelope and minimum.
// amount is in 18-decimal canonical units. Routes with Via bridge to the
// intermediate chain here; the callback phase creates the onward leg once
// funds land.
func (e *Engine) executeLeg(ctx context.Context, earmarkID *string, r params.RouteConfig, amount *big.Int) error {
	if r.Via != 0 {
		r.Destination = r.Via
	}
	route, nativeAmount, originDecimals, err := e.resolveRoute(r, amount)
	if err != nil {
		return err
	}

	var lastErr error
	for i, pref := range r.Preferences {
		tag := bridge.ConvertStringToBridge(pref)
		adapter, err := e.registry.Get(tag)
		if err != nil {
			lastErr = err
			continue
		}
		slippage := slippageFor(r, i)

		quote, err := adapter.GetReceivedAmount(ctx, nativeAmount, *route)
		if err != nil {
			lastErr = errors.Wrapf(err, "%s quote", tag)
			continue
		}
		floor := core.MinReceived(nativeAmount, slippage)
		if quote.Cmp(floor) < 0 {
			lastErr = errors.Errorf("%s quote %s below slippage floor %s", tag,
				core.FormatAmount(quote), core.FormatAmount(floor))
			continue
		}
		if mb, ok := adapter.(bridge.MinimumBounded); ok {
			minimum, err := mb.MinimumAmount(ctx, *route)
			if err == nil && quote.Cmp(minimum) < 0 {
				lastErr = errors.Errorf("%s quote below route minimum", tag)
				continue
			}
		}

		if err := e.sendViaAdapter(ctx, earmarkID, adapter, *route, nativeAmount, slippage, originDecimals); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no bridge preference usable")
	}
	return lastErr
}

// sendViaAdapter builds and submits the adapter's transactions in order
// (approvals first), then persists the operation in pending with the origin
// receipt.
func (e *Engine) sendViaAdapter(ctx context.Context, earmarkID *string, adapter bridge.Adapter,
	route bridge.Route, nativeAmount *big.Int, slippage int64, originDecimals int) error {

	txs, err := adapter.Send(ctx, e.cfg.SignerAddress, e.cfg.SignerAddress, nativeAmount, route)
	if err != nil {
		return errors.Wrapf(err, "%s send", adapter.Type())
	}

	var originReceipt *chains.Receipt
	entries := core.TransactionMap{}
	for _, mtx := range txs {
		receipt, err := e.chainSvc.SubmitAndMonitor(ctx, mtx.Tx.ChainID, mtx.Tx)
		if err != nil {
			// Approvals are idempotent on the adapter side; leaving nothing
			// persisted means the next tick retries the whole leg.
			return errors.Wrapf(err, "submit %s tx", mtx.Memo)
		}
		entries[mtx.Tx.ChainID] = core.TransactionEntry{
			Hash:              receipt.TransactionHash,
			From:              receipt.From,
			To:                receipt.To,
			Memo:              string(mtx.Memo),
			EffectiveGasPrice: receipt.EffectiveGasPrice,
			SubmittedAt:       time.Now().UTC(),
		}
		if mtx.Memo == bridge.MemoRebalance {
			originReceipt = receipt
		}
	}
	if originReceipt == nil {
		return errors.New("adapter emitted no rebalance transaction")
	}

	op := &core.RebalanceOperation{
		EarmarkID:          earmarkID,
		OriginChainID:      route.Origin,
		DestinationChainID: route.Destination,
		TickerHash:         route.TickerHash,
		Amount:             core.FormatAmount(core.ToCanonical(nativeAmount, originDecimals)),
		SlippageDbps:       slippage,
		Bridge:             string(adapter.Type()),
		Status:             core.OperationPending,
		Recipient:          e.cfg.SignerAddress,
		Transactions:       entries,
	}
	if err := e.store.CreateOperation(op); err != nil {
		return errors.Wrap(err, "persist operation")
	}
	metrics.RebalanceOperations.WithLabelValues(op.Bridge, "created").Inc()
	return nil
}

// resolveRoute turns a route config into the adapter route plus the amount
// in the origin asset's native decimals.
func (e *Engine) resolveRoute(r params.RouteConfig, amount *big.Int) (*bridge.Route, *big.Int, int, error) {
	originAsset, ok := e.cfg.Asset(r.Origin, r.TickerHash)
	if !ok {
		return nil, nil, 0, errors.Errorf("no asset for ticker on origin %d", r.Origin)
	}
	destAsset, ok := e.cfg.Asset(r.Destination, r.TickerHash)
	if !ok {
		return nil, nil, 0, errors.Errorf("no asset for ticker on destination %d", r.Destination)
	}
	native := core.FromCanonical(amount, originAsset.Decimals)
	if native.Sign() <= 0 {
		return nil, nil, 0, errors.New("amount rounds to zero in native units")
	}
	return &bridge.Route{
		Origin:           core.ChainID(r.Origin),
		Destination:      core.ChainID(r.Destination),
		AssetOrigin:      originAsset.Address,
		AssetDestination: destAsset.Address,
		TickerHash:       r.TickerHash,
	}, native, originAsset.Decimals, nil
}

func slippageFor(r params.RouteConfig, i int) int64 {
	if i < len(r.SlippageDbps) {
		return r.SlippageDbps[i]
	}
	if len(r.SlippageDbps) > 0 {
		return r.SlippageDbps[len(r.SlippageDbps)-1]
	}
	return 5000 // 50 bps default
}

func equalTicker(a, b string) bool { return strings.EqualFold(a, b) }
