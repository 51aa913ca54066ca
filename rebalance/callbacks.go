package rebalance

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/everclear/mark/bridge"
	"github.com/everclear/mark/chains"
	"github.com/everclear/mark/core"
	"github.com/everclear/mark/metrics"
	"github.com/everclear/mark/params"
	"github.com/everclear/mark/storage/opstore"
)

// runCallbacks drives every live operation one step: pending ops are polled
// for destination readiness, awaiting ops get their finaliser submitted.
// Orphaned ops are driven too so the funds still land; their cancelled
// earmark just never turns ready.
func (e *Engine) runCallbacks(ctx context.Context) error {
	ops, err := e.store.LiveOperations()
	if err != nil {
		return errors.Wrap(err, "live operations")
	}
	for i := range ops {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		op := &ops[i]
		if err := e.driveOperation(ctx, op); err != nil {
			logger.Warnw("operation not advanced", "operationId", op.ID,
				"status", op.Status, "bridge", op.Bridge, "err", err)
		}
	}
	return nil
}

func (e *Engine) driveOperation(ctx context.Context, op *core.RebalanceOperation) error {
	adapter, err := e.registry.Get(bridge.ConvertStringToBridge(op.Bridge))
	if err != nil {
		return err
	}
	route, err := e.operationRoute(op)
	if err != nil {
		return err
	}
	amount, err := core.ParseAmount(op.Amount)
	if err != nil {
		return errors.Wrap(err, "operation amount")
	}
	originAsset, ok := e.cfg.Asset(uint64(op.OriginChainID), op.TickerHash)
	if !ok {
		return errors.Errorf("no asset for ticker on origin %s", op.OriginChainID)
	}
	nativeAmount := core.FromCanonical(amount, originAsset.Decimals)
	originReceipt := receiptFromEntry(op.Transactions[op.OriginChainID])

	if op.Status == core.OperationPending {
		if e.cfg.CallbackPollBound > 0 && time.Since(op.CreatedAt) > e.cfg.CallbackPollBound {
			logger.Warnw("operation exceeded callback poll bound, expiring",
				"operationId", op.ID, "age", time.Since(op.CreatedAt))
			if err := e.store.UpdateOperationStatus(op.ID, core.OperationExpired); err != nil {
				return err
			}
			metrics.RebalanceOperations.WithLabelValues(op.Bridge, "expired").Inc()
			return nil
		}

		ready, err := adapter.ReadyOnDestination(ctx, nativeAmount, *route, originReceipt)
		if err != nil {
			return e.maybeCancel(op, err)
		}
		if !ready {
			return nil
		}
		if err := e.store.UpdateOperationStatus(op.ID, core.OperationAwaitingCallback); err != nil {
			return err
		}
		op.Status = core.OperationAwaitingCallback
		metrics.RebalanceOperations.WithLabelValues(op.Bridge, "ready").Inc()
	}

	return e.finalize(ctx, op, adapter, route, originReceipt)
}

// finalize submits the destination callback (when the back-end needs one)
// and completes the operation.
func (e *Engine) finalize(ctx context.Context, op *core.RebalanceOperation, adapter bridge.Adapter,
	route *bridge.Route, originReceipt *chains.Receipt) error {

	tx, err := adapter.DestinationCallback(ctx, *route, originReceipt)
	if err != nil {
		return e.maybeCancel(op, err)
	}
	if tx != nil {
		receipt, err := e.chainSvc.SubmitAndMonitor(ctx, tx.ChainID, tx)
		if err != nil {
			return errors.Wrap(err, "submit callback")
		}
		entry := core.TransactionEntry{
			Hash:              receipt.TransactionHash,
			From:              receipt.From,
			To:                receipt.To,
			Memo:              string(bridge.MemoMint),
			EffectiveGasPrice: receipt.EffectiveGasPrice,
			SubmittedAt:       time.Now().UTC(),
		}
		if err := e.store.RecordTransaction(op.ID, tx.ChainID, entry); err != nil {
			return err
		}
	}

	if err := e.store.UpdateOperationStatus(op.ID, core.OperationCompleted); err != nil {
		return err
	}
	op.Status = core.OperationCompleted
	metrics.RebalanceOperations.WithLabelValues(op.Bridge, "completed").Inc()
	logger.Infow("rebalance operation completed", "operationId", op.ID,
		"origin", op.OriginChainID, "destination", op.DestinationChainID, "bridge", op.Bridge)

	return e.afterCompletion(ctx, op)
}

// afterCompletion continues multi-leg routes and flips earmarks to ready
// once their final leg lands.
func (e *Engine) afterCompletion(ctx context.Context, op *core.RebalanceOperation) error {
	if op.EarmarkID == nil {
		return e.continueStandalone(ctx, op)
	}

	em, err := e.store.GetEarmark(*op.EarmarkID)
	if err != nil {
		return err
	}
	if op.IsOrphaned || em.Status.Terminal() {
		// Funds landed but nobody is waiting; the threshold phase will fold
		// them back into the maintenance targets.
		return nil
	}

	if op.DestinationChainID != em.DesignatedPurchaseChain {
		next, ok := e.findContinuation(op.DestinationChainID, em.DesignatedPurchaseChain, op.TickerHash)
		if !ok {
			return errors.Errorf("no route from %s to designated chain %s",
				op.DestinationChainID, em.DesignatedPurchaseChain)
		}
		amount, err := core.ParseAmount(op.Amount)
		if err != nil {
			return err
		}
		return e.executeLeg(ctx, op.EarmarkID, next, amount)
	}

	return e.maybeReadyEarmark(em)
}

// maybeReadyEarmark flips a pending earmark to ready once every linked
// operation is terminal and the designated chain received a completed leg.
func (e *Engine) maybeReadyEarmark(em *core.Earmark) error {
	if em.Status != core.EarmarkPending {
		return nil
	}
	ops, err := e.store.OperationsForEarmark(em.ID)
	if err != nil {
		return err
	}
	delivered := false
	for i := range ops {
		if !ops[i].Status.Terminal() {
			return nil
		}
		if ops[i].Status == core.OperationCompleted &&
			ops[i].DestinationChainID == em.DesignatedPurchaseChain {
			delivered = true
		}
	}
	if !delivered {
		return nil
	}
	if err := e.store.UpdateEarmarkStatus(em.ID, core.EarmarkReady); err != nil {
		return err
	}
	logger.Infow("earmark ready", "earmarkId", em.ID, "invoiceId", em.InvoiceID,
		"chain", em.DesignatedPurchaseChain)
	return nil
}

// continueStandalone creates the onward leg for threshold routes that bridge
// through an intermediate chain.
func (e *Engine) continueStandalone(ctx context.Context, op *core.RebalanceOperation) error {
	for i := range e.cfg.Routes {
		r := &e.cfg.Routes[i]
		if core.ChainID(r.Origin) != op.OriginChainID || core.ChainID(r.Via) != op.DestinationChainID ||
			!equalTicker(r.TickerHash, op.TickerHash) {
			continue
		}
		next := params.RouteConfig{
			Origin:       r.Via,
			Destination:  r.Destination,
			TickerHash:   r.TickerHash,
			SlippageDbps: r.SlippageDbps,
			Preferences:  r.Preferences,
		}
		amount, err := core.ParseAmount(op.Amount)
		if err != nil {
			return err
		}
		return e.executeLeg(ctx, nil, next, amount)
	}
	return nil
}

// findContinuation picks the route config for an onward leg: an exact
// origin/destination match first, else a Via route ending at the target.
func (e *Engine) findContinuation(from, to core.ChainID, ticker string) (params.RouteConfig, bool) {
	for i := range e.cfg.Routes {
		r := e.cfg.Routes[i]
		if !equalTicker(r.TickerHash, ticker) {
			continue
		}
		if core.ChainID(r.Origin) == from && core.ChainID(r.Destination) == to && r.Via == 0 {
			return r, true
		}
	}
	for i := range e.cfg.Routes {
		r := e.cfg.Routes[i]
		if !equalTicker(r.TickerHash, ticker) {
			continue
		}
		if core.ChainID(r.Via) == from && core.ChainID(r.Destination) == to {
			return params.RouteConfig{
				Origin:       uint64(from),
				Destination:  r.Destination,
				TickerHash:   r.TickerHash,
				SlippageDbps: r.SlippageDbps,
				Preferences:  r.Preferences,
			}, true
		}
	}
	return params.RouteConfig{}, false
}

// maybeCancel cancels the operation when the back-end declared the transfer
// dead; transient errors surface for the next tick to retry.
func (e *Engine) maybeCancel(op *core.RebalanceOperation, err error) error {
	if errors.Cause(err) != bridge.ErrPermanentFailure {
		return err
	}
	logger.Errorw("bridge declared transfer dead, cancelling operation",
		"operationId", op.ID, "bridge", op.Bridge, "err", err)
	if cerr := e.store.CancelOperation(op.ID); cerr != nil {
		return cerr
	}
	metrics.RebalanceOperations.WithLabelValues(op.Bridge, "cancelled").Inc()
	if op.EarmarkID != nil && !op.IsOrphaned {
		if ferr := e.store.UpdateEarmarkStatus(*op.EarmarkID, core.EarmarkFailed); ferr != nil &&
			errors.Cause(ferr) != opstore.ErrBadTransition {
			logger.Errorw("earmark failure mark failed", "earmarkId", *op.EarmarkID, "err", ferr)
		}
	}
	return nil
}

func (e *Engine) operationRoute(op *core.RebalanceOperation) (*bridge.Route, error) {
	originAsset, ok := e.cfg.Asset(uint64(op.OriginChainID), op.TickerHash)
	if !ok {
		return nil, errors.Errorf("no asset for ticker on origin %s", op.OriginChainID)
	}
	destAsset, ok := e.cfg.Asset(uint64(op.DestinationChainID), op.TickerHash)
	if !ok {
		return nil, errors.Errorf("no asset for ticker on destination %s", op.DestinationChainID)
	}
	return &bridge.Route{
		Origin:           op.OriginChainID,
		Destination:      op.DestinationChainID,
		AssetOrigin:      originAsset.Address,
		AssetDestination: destAsset.Address,
		TickerHash:       op.TickerHash,
	}, nil
}

// receiptFromEntry rebuilds the confirmed origin receipt adapters inspect
// from the persisted transaction entry.
func receiptFromEntry(entry core.TransactionEntry) *chains.Receipt {
	status := 1
	return &chains.Receipt{
		TransactionHash:   entry.Hash,
		From:              entry.From,
		To:                entry.To,
		EffectiveGasPrice: entry.EffectiveGasPrice,
		Status:            &status,
		Logs:              []chains.Log{},
	}
}
