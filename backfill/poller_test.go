package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everclear/mark/core"
	"github.com/everclear/mark/everclear"
	"github.com/everclear/mark/storage/purchase"
	"github.com/everclear/mark/storage/queue"
)

type stubHub struct {
	pages    map[uint64]*everclear.InvoicePage
	invoices map[string]*core.Invoice
	probes   []string
}

func (h *stubHub) FetchInvoicesByTxNonce(_ context.Context, cursor uint64, _ int) (*everclear.InvoicePage, error) {
	if page, ok := h.pages[cursor]; ok {
		return page, nil
	}
	return &everclear.InvoicePage{NextCursor: cursor}, nil
}

func (h *stubHub) FetchInvoiceByID(_ context.Context, id string) (*core.Invoice, error) {
	h.probes = append(h.probes, id)
	if inv, ok := h.invoices[id]; ok {
		return inv, nil
	}
	return nil, everclear.ErrInvoiceNotFound
}

func newTestPoller(t *testing.T, hub *stubHub) (*Poller, *queue.Queue, *purchase.Cache, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(client, time.Hour, time.Hour)
	cache := purchase.NewCache(client, time.Hour)
	return New(hub, q, cache, time.Second), q, cache, func() {
		client.Close()
		mr.Close()
	}
}

func invoicesNamed(ids ...string) []core.Invoice {
	out := make([]core.Invoice, len(ids))
	for i, id := range ids {
		out[i] = core.Invoice{IntentID: id, Amount: "100", TickerHash: "0xticker", Origin: 10, TxNonce: uint64(i + 1)}
	}
	return out
}

func TestSweepInvoicesAdvancesCursor(t *testing.T) {
	hub := &stubHub{pages: map[uint64]*everclear.InvoicePage{
		0: {Invoices: invoicesNamed("0xa", "0xb"), NextCursor: 2},
	}}
	p, q, _, done := newTestPoller(t, hub)
	defer done()
	ctx := context.Background()

	require.NoError(t, p.SweepInvoices(ctx))

	for _, id := range []string{"0xa", "0xb"} {
		has, err := q.HasEvent(ctx, core.EventInvoiceEnqueued, id)
		require.NoError(t, err)
		assert.True(t, has, id)
	}

	cursor, err := q.GetBackfillCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cursor)

	// The next sweep resumes from the persisted cursor and finds nothing new.
	require.NoError(t, p.SweepInvoices(ctx))
	cursor, err = q.GetBackfillCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cursor)
}

func TestSweepInvoicesSkipsMarked(t *testing.T) {
	hub := &stubHub{pages: map[uint64]*everclear.InvoicePage{
		0: {Invoices: invoicesNamed("0xqueued", "0xinvalid", "0xsettled", "0xnew"), NextCursor: 4},
	}}
	p, q, _, done := newTestPoller(t, hub)
	defer done()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, core.NewInvoiceEnqueued("0xqueued", core.PriorityNormal, time.Now()), false)
	require.NoError(t, err)
	require.NoError(t, q.AddInvalidInvoice(ctx, "0xinvalid"))
	require.NoError(t, q.AddSettledInvoice(ctx, "0xsettled"))

	require.NoError(t, p.SweepInvoices(ctx))

	depths, err := q.GetQueueDepths(ctx)
	require.NoError(t, err)
	// 0xqueued from the seed plus 0xnew from the sweep.
	assert.Equal(t, int64(2), depths.Pending[core.EventInvoiceEnqueued])

	has, err := q.HasEvent(ctx, core.EventInvoiceEnqueued, "0xnew")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestSweepSettlements(t *testing.T) {
	hub := &stubHub{invoices: map[string]*core.Invoice{
		"0xopen": {IntentID: "0xopen"},
	}}
	p, q, cache, done := newTestPoller(t, hub)
	defer done()
	ctx := context.Background()

	require.NoError(t, cache.Add(ctx, &core.PurchaseRecord{InvoiceID: "0xopen", CachedAt: time.Now()}))
	require.NoError(t, cache.Add(ctx, &core.PurchaseRecord{InvoiceID: "0xgone", CachedAt: time.Now()}))

	require.NoError(t, p.SweepSettlements(ctx))

	assert.Len(t, hub.probes, 2)

	// Only the vanished invoice gets a synthesized settlement.
	has, err := q.HasEvent(ctx, core.EventSettlementEnqueued, "0xgone")
	require.NoError(t, err)
	assert.True(t, has)
	has, err = q.HasEvent(ctx, core.EventSettlementEnqueued, "0xopen")
	require.NoError(t, err)
	assert.False(t, has)

	settled, err := q.IsSettledInvoice(ctx, "0xgone")
	require.NoError(t, err)
	assert.True(t, settled)
}
