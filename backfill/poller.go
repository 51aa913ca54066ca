// Package backfill is the safety net behind the push ingress: it scans the
// hub invoice list for events a webhook or kafka message may have missed,
// and probes cached purchases for settlements the hub never announced.
package backfill

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/everclear/mark/core"
	"github.com/everclear/mark/everclear"
	"github.com/everclear/mark/log"
	"github.com/everclear/mark/storage/purchase"
	"github.com/everclear/mark/storage/queue"
)

var logger = log.NewModuleLogger("backfill")

const pageSize = 100

// HubSource is the slice of the hub client the poller needs.
type HubSource interface {
	FetchInvoicesByTxNonce(ctx context.Context, cursor uint64, limit int) (*everclear.InvoicePage, error)
	FetchInvoiceByID(ctx context.Context, id string) (*core.Invoice, error)
}

// Poller runs the two backfill sweeps on an interval.
type Poller struct {
	hub      HubSource
	queue    *queue.Queue
	cache    *purchase.Cache
	interval time.Duration
}

// New wires a Poller.
func New(hub HubSource, q *queue.Queue, cache *purchase.Cache, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Poller{hub: hub, queue: q, cache: cache, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.SweepInvoices(ctx); err != nil {
				logger.Errorw("invoice sweep failed", "err", err)
			}
			if err := p.SweepSettlements(ctx); err != nil {
				logger.Errorw("settlement sweep failed", "err", err)
			}
		}
	}
}

// SweepInvoices pages the hub invoice list from the persisted cursor and
// enqueues anything the queue has not seen. Enqueue is idempotent on the
// payload hash, so re-reading a page after a crash is harmless.
func (p *Poller) SweepInvoices(ctx context.Context) error {
	cursor, err := p.queue.GetBackfillCursor(ctx)
	if err != nil {
		return errors.Wrap(err, "read cursor")
	}

	for {
		page, err := p.hub.FetchInvoicesByTxNonce(ctx, cursor, pageSize)
		if err != nil {
			return errors.Wrap(err, "fetch invoices")
		}
		enqueued := 0
		for i := range page.Invoices {
			inv := &page.Invoices[i]
			added, err := p.enqueueInvoice(ctx, inv)
			if err != nil {
				logger.Warnw("backfill enqueue failed", "invoiceId", inv.IntentID, "err", err)
				continue
			}
			if added {
				enqueued++
			}
		}
		if enqueued > 0 {
			logger.Infow("backfilled invoices", "count", enqueued, "cursor", cursor)
		}
		if page.NextCursor <= cursor || len(page.Invoices) < pageSize {
			if page.NextCursor > cursor {
				cursor = page.NextCursor
			}
			break
		}
		cursor = page.NextCursor
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return errors.Wrap(p.queue.SetBackfillCursor(ctx, cursor), "persist cursor")
}

func (p *Poller) enqueueInvoice(ctx context.Context, inv *core.Invoice) (bool, error) {
	if inv.IntentID == "" {
		return false, nil
	}
	if seen, err := p.queue.HasEvent(ctx, core.EventInvoiceEnqueued, inv.IntentID); err != nil || seen {
		return false, err
	}
	if invalid, err := p.queue.IsInvalidInvoice(ctx, inv.IntentID); err != nil || invalid {
		return false, err
	}
	if settled, err := p.queue.IsSettledInvoice(ctx, inv.IntentID); err != nil || settled {
		return false, err
	}
	ev := core.NewInvoiceEnqueued(inv.IntentID, core.PriorityLow, time.Now())
	return p.queue.Enqueue(ctx, ev, false)
}

// SweepSettlements probes every cached purchase against the hub; a 404 means
// the invoice settled and was pruned, so the settlement event the hub never
// delivered is synthesized here.
func (p *Poller) SweepSettlements(ctx context.Context) error {
	records, err := p.cache.All(ctx)
	if err != nil {
		return errors.Wrap(err, "list purchases")
	}
	for _, rec := range records {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, err := p.hub.FetchInvoiceByID(ctx, rec.InvoiceID)
		if err == nil {
			continue // still open
		}
		if err != everclear.ErrInvoiceNotFound {
			logger.Warnw("settlement probe failed", "invoiceId", rec.InvoiceID, "err", err)
			continue
		}
		ev := core.NewSettlementEnqueued(rec.InvoiceID, core.PriorityNormal, time.Now())
		if _, err := p.queue.Enqueue(ctx, ev, false); err != nil {
			logger.Warnw("settlement enqueue failed", "invoiceId", rec.InvoiceID, "err", err)
			continue
		}
		if err := p.queue.AddSettledInvoice(ctx, rec.InvoiceID); err != nil {
			logger.Warnw("settled marker write failed", "invoiceId", rec.InvoiceID, "err", err)
		}
		logger.Infow("settlement backfilled", "invoiceId", rec.InvoiceID)
	}
	return nil
}
