// Package processor handles invoice and settlement events drained from the
// event queue: it validates invoices, plans split intents, submits them
// through the chain service, and clears purchase fingerprints on
// settlement.
package processor

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/pkg/errors"

	"github.com/everclear/mark/chains"
	"github.com/everclear/mark/core"
	"github.com/everclear/mark/everclear"
	"github.com/everclear/mark/log"
	"github.com/everclear/mark/metrics"
	"github.com/everclear/mark/params"
	"github.com/everclear/mark/planner"
	"github.com/everclear/mark/storage/opstore"
	"github.com/everclear/mark/storage/purchase"
)

var logger = log.NewModuleLogger("processor")

// Result classifies a handled event.
type Result int

const (
	ResultSuccess Result = iota
	ResultFailure
	ResultInvalid
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	case ResultInvalid:
		return "invalid"
	}
	return "unknown"
}

// Outcome is what a handler returns to the consumer pool.
type Outcome struct {
	Result     Result
	EventID    string
	Err        error
	RetryAfter time.Duration
}

func success(id string) Outcome { return Outcome{Result: ResultSuccess, EventID: id} }

func failure(id string, err error, retryAfter time.Duration) Outcome {
	return Outcome{Result: ResultFailure, EventID: id, Err: err, RetryAfter: retryAfter}
}

func invalid(id string, reason string) Outcome {
	metrics.InvalidInvoices.WithLabelValues(reason).Inc()
	return Outcome{Result: ResultInvalid, EventID: id, Err: errors.New(reason)}
}

// HubClient is the slice of the hub API the processor needs.
type HubClient interface {
	FetchInvoiceByID(ctx context.Context, id string) (*core.Invoice, error)
	GetMinAmounts(ctx context.Context, id string) (map[core.ChainID]*big.Int, error)
	FetchEconomyData(ctx context.Context) (*everclear.EconomyData, error)
	CreateIntent(ctx context.Context, intent core.Intent) (*chains.Transaction, error)
}

// EarmarkStore is the slice of the operations store the processor needs.
type EarmarkStore interface {
	GetActiveEarmarkForInvoice(invoiceID string) (*core.Earmark, error)
	CancelEarmarksForInvoice(invoiceID string) error
	UpdateEarmarkStatus(id string, to core.EarmarkStatus) error
}

// Processor handles the two core event types.
type Processor struct {
	cfg      *params.Config
	hub      HubClient
	store    EarmarkStore
	cache    *purchase.Cache
	chainSvc chains.Service
	balances chains.BalanceSource
}

// New wires a Processor.
func New(cfg *params.Config, hub HubClient, store EarmarkStore, cache *purchase.Cache,
	chainSvc chains.Service, balances chains.BalanceSource) *Processor {
	return &Processor{cfg: cfg, hub: hub, store: store, cache: cache, chainSvc: chainSvc, balances: balances}
}

// Handle dispatches an event to its handler.
func (p *Processor) Handle(ctx context.Context, ev *core.QueuedEvent) Outcome {
	switch ev.Type {
	case core.EventInvoiceEnqueued:
		return p.processInvoiceEnqueued(ctx, ev)
	case core.EventSettlementEnqueued:
		return p.processSettlementEnqueued(ctx, ev)
	default:
		return invalid(ev.ID, "unknown_event_type")
	}
}

func (p *Processor) processInvoiceEnqueued(ctx context.Context, ev *core.QueuedEvent) Outcome {
	invoiceID := invoiceIDOf(ev)

	invoice, err := p.hub.FetchInvoiceByID(ctx, invoiceID)
	if err == everclear.ErrInvoiceNotFound {
		// Settled and pruned on the hub: clean up any earmark still
		// reserving funds for it.
		if err := p.store.CancelEarmarksForInvoice(invoiceID); err != nil {
			logger.Errorw("stale earmark cleanup failed", "invoiceId", invoiceID, "err", err)
		}
		return success(ev.ID)
	}
	if err != nil {
		return failure(ev.ID, err, time.Minute)
	}

	minAmounts, err := p.hub.GetMinAmounts(ctx, invoiceID)
	if err != nil {
		return failure(ev.ID, errors.Wrap(err, "min amounts"), time.Minute)
	}

	paused, err := p.cache.IsPaused(ctx)
	if err != nil {
		return failure(ev.ID, err, time.Minute)
	}
	if paused {
		return failure(ev.ID, errors.New("purchase loop paused"), time.Minute)
	}

	if em, err := p.store.GetActiveEarmarkForInvoice(invoiceID); err == nil && em.Status == core.EarmarkPending {
		// Funds are still in flight for this invoice; another cycle retries.
		return failure(ev.ID, errors.New("pending earmark in flight"), 10*time.Second)
	} else if err != nil && err != opstore.ErrNotFound {
		return failure(ev.ID, err, time.Minute)
	}

	if out, ok := p.validateInvoice(ev, invoice); !ok {
		return out
	}

	if p.xerc20Only(invoice) {
		return invalid(ev.ID, "xerc20_destinations")
	}

	if _, err := p.cache.Get(ctx, invoiceID); err == nil {
		metrics.PendingPurchaseHits.Inc()
		return success(ev.ID)
	} else if err != purchase.ErrNotFound {
		return failure(ev.ID, err, time.Minute)
	}

	result, err := p.plan(ctx, invoice, minAmounts)
	if err != nil {
		return failure(ev.ID, err, time.Minute)
	}
	if len(result.Intents) == 0 {
		return failure(ev.ID, errors.New("no purchasable split"), 10*time.Second)
	}

	return p.submit(ctx, ev, invoice, result)
}

func (p *Processor) processSettlementEnqueued(ctx context.Context, ev *core.QueuedEvent) Outcome {
	invoiceID := invoiceIDOf(ev)
	rec, err := p.cache.Get(ctx, invoiceID)
	if err == purchase.ErrNotFound {
		return success(ev.ID)
	}
	if err != nil {
		return failure(ev.ID, err, time.Minute)
	}
	if err := p.cache.Remove(ctx, invoiceID); err != nil {
		return failure(ev.ID, err, time.Minute)
	}
	metrics.SettlementClearance.Observe(time.Since(rec.CachedAt).Seconds())
	logger.Infow("purchase cleared by settlement", "invoiceId", invoiceID,
		"clearance", time.Since(rec.CachedAt))

	// A ready earmark whose invoice just settled has done its job.
	if em, err := p.store.GetActiveEarmarkForInvoice(invoiceID); err == nil && em.Status == core.EarmarkReady {
		if err := p.store.UpdateEarmarkStatus(em.ID, core.EarmarkCompleted); err != nil {
			logger.Errorw("earmark completion failed", "earmarkId", em.ID, "err", err)
		}
	}
	return success(ev.ID)
}

// validateInvoice applies the shape and age rules. Permanent defects are
// Invalid; an invoice that is merely too young retries on a short fuse.
func (p *Processor) validateInvoice(ev *core.QueuedEvent, invoice *core.Invoice) (Outcome, bool) {
	if invoice.IntentID == "" || invoice.Owner == "" || invoice.TickerHash == "" {
		return invalid(ev.ID, "malformed_invoice"), false
	}
	if len(invoice.Destinations) == 0 {
		return invalid(ev.ID, "no_destinations"), false
	}
	// Amounts are decimal strings end to end; anything else is malformed.
	amount, err := core.ParseAmount(invoice.Amount)
	if err != nil || amount.Sign() == 0 {
		return invalid(ev.ID, "bad_amount"), false
	}
	if age := invoice.Age(time.Now()); age < p.cfg.InvoiceAge {
		return failure(ev.ID, errors.Errorf("invoice age %s below threshold", age), 30*time.Second), false
	}
	return Outcome{}, true
}

func (p *Processor) xerc20Only(invoice *core.Invoice) bool {
	sawConfigured := false
	for _, d := range invoice.Destinations {
		if _, ok := p.cfg.Asset(uint64(d), invoice.TickerHash); !ok {
			continue
		}
		sawConfigured = true
		if !p.cfg.XERC20Only(uint64(d), invoice.TickerHash) {
			return false
		}
	}
	return sawConfigured
}

func (p *Processor) plan(ctx context.Context, invoice *core.Invoice, minAmounts map[core.ChainID]*big.Int) (planner.Result, error) {
	balances, err := p.balances.Balances(ctx, invoice.TickerHash)
	if err != nil {
		return planner.Result{}, errors.Wrap(err, "balances")
	}
	economy, err := p.hub.FetchEconomyData(ctx)
	if err != nil {
		return planner.Result{}, errors.Wrap(err, "economy data")
	}
	custodied := economy.Custodied[invoice.TickerHash]

	supported := make([]core.ChainID, 0, len(p.cfg.SupportedSettlementDomains))
	for _, d := range p.cfg.SupportedSettlementDomains {
		supported = append(supported, core.ChainID(d))
	}
	return planner.Plan(planner.Input{
		Invoice:          invoice,
		MinAmounts:       minAmounts,
		Balances:         balances,
		Custodied:        custodied,
		SupportedDomains: supported,
		MaxDestinations:  p.cfg.MaxDestinations,
	}), nil
}

func (p *Processor) submit(ctx context.Context, ev *core.QueuedEvent, invoice *core.Invoice, result planner.Result) Outcome {
	for i := range result.Intents {
		intent := result.Intents[i]
		intent.To = p.cfg.SignerAddress
		if asset, ok := p.cfg.Asset(uint64(intent.Origin), invoice.TickerHash); ok {
			intent.InputAsset = asset.Address
		}

		tx, err := p.hub.CreateIntent(ctx, intent)
		if err != nil {
			return failure(ev.ID, errors.Wrap(err, "create intent"), 30*time.Second)
		}
		receipt, err := p.chainSvc.SubmitAndMonitor(ctx, intent.Origin, tx)
		if err != nil {
			return failure(ev.ID, errors.Wrap(err, "submit intent"), 30*time.Second)
		}

		rec := &core.PurchaseRecord{
			InvoiceID:       invoice.IntentID,
			Target:          *invoice,
			Intent:          intent,
			TransactionHash: receipt.TransactionHash,
			CachedAt:        time.Now().UTC(),
		}
		if err := p.cache.Add(ctx, rec); err != nil {
			// The intent is on chain; failing the event now would double
			// purchase. Log and carry on.
			logger.Errorw("purchase record write failed", "invoiceId", invoice.IntentID, "err", err)
		}
		metrics.PurchasesSubmitted.WithLabelValues(intent.Origin.String()).Inc()
		logger.Infow("intent submitted", "invoiceId", invoice.IntentID, "origin", intent.Origin,
			"amount", core.FormatAmount(intent.Amount), "hash", receipt.TransactionHash)
	}

	// The invoice is purchased: the ready earmark that reserved funds for it
	// has served its purpose.
	if em, err := p.store.GetActiveEarmarkForInvoice(invoice.IntentID); err == nil && em.Status == core.EarmarkReady {
		if err := p.store.UpdateEarmarkStatus(em.ID, core.EarmarkCompleted); err != nil {
			logger.Errorw("earmark completion failed", "earmarkId", em.ID, "err", err)
		}
	}
	return success(ev.ID)
}

func invoiceIDOf(ev *core.QueuedEvent) string {
	var payload core.InvoicePayload
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &payload); err == nil && payload.InvoiceID != "" {
			return payload.InvoiceID
		}
	}
	return ev.ID
}
