package processor

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v7"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everclear/mark/chains"
	chainmocks "github.com/everclear/mark/chains/mocks"
	"github.com/everclear/mark/core"
	"github.com/everclear/mark/everclear"
	"github.com/everclear/mark/params"
	"github.com/everclear/mark/storage/opstore"
	"github.com/everclear/mark/storage/purchase"
)

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

type stubHub struct {
	invoice    *core.Invoice
	notFound   bool
	minAmounts map[core.ChainID]*big.Int
	custodied  map[core.ChainID]*big.Int
	intentTx   *chains.Transaction
	created    []core.Intent
}

func (h *stubHub) FetchInvoiceByID(context.Context, string) (*core.Invoice, error) {
	if h.notFound {
		return nil, everclear.ErrInvoiceNotFound
	}
	return h.invoice, nil
}

func (h *stubHub) GetMinAmounts(context.Context, string) (map[core.ChainID]*big.Int, error) {
	return h.minAmounts, nil
}

func (h *stubHub) FetchEconomyData(context.Context) (*everclear.EconomyData, error) {
	return &everclear.EconomyData{
		Custodied: map[string]map[core.ChainID]*big.Int{"0xticker": h.custodied},
	}, nil
}

func (h *stubHub) CreateIntent(_ context.Context, intent core.Intent) (*chains.Transaction, error) {
	h.created = append(h.created, intent)
	return h.intentTx, nil
}

type stubStore struct {
	active    *core.Earmark
	cancelled []string
	updated   map[string]core.EarmarkStatus
}

func (s *stubStore) GetActiveEarmarkForInvoice(string) (*core.Earmark, error) {
	if s.active == nil {
		return nil, opstore.ErrNotFound
	}
	return s.active, nil
}

func (s *stubStore) CancelEarmarksForInvoice(invoiceID string) error {
	s.cancelled = append(s.cancelled, invoiceID)
	return nil
}

func (s *stubStore) UpdateEarmarkStatus(id string, to core.EarmarkStatus) error {
	if s.updated == nil {
		s.updated = map[string]core.EarmarkStatus{}
	}
	s.updated[id] = to
	return nil
}

type stubBalances struct {
	byChain map[core.ChainID]*big.Int
}

func (b *stubBalances) Balances(context.Context, string) (map[core.ChainID]*big.Int, error) {
	return b.byChain, nil
}

func testConfig() *params.Config {
	cfg := params.DefaultConfig()
	cfg.SignerAddress = "0xmark"
	cfg.SupportedSettlementDomains = []uint64{1, 8453}
	cfg.Chains = map[string]params.ChainConfig{
		"1":    {Assets: []params.AssetConfig{{TickerHash: "0xticker", Address: "0xusdt1", Decimals: 18}}},
		"8453": {Assets: []params.AssetConfig{{TickerHash: "0xticker", Address: "0xusdt8453", Decimals: 18}}},
	}
	return cfg
}

func testCache(t *testing.T) (*purchase.Cache, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return purchase.NewCache(client, time.Hour), func() {
		client.Close()
		mr.Close()
	}
}

func matureInvoice() *core.Invoice {
	return &core.Invoice{
		IntentID:     "0xinv",
		Amount:       eth(100).String(),
		TickerHash:   "0xticker",
		Owner:        "0xowner",
		Origin:       10,
		Destinations: []core.ChainID{1},
		EnqueuedAt:   time.Now().Add(-time.Hour).Unix(),
	}
}

func TestInvoiceNotFoundCleansEarmarks(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	cache, done := testCache(t)
	defer done()

	hub := &stubHub{notFound: true}
	store := &stubStore{}
	p := New(testConfig(), hub, store, cache, chainmocks.NewMockService(ctrl), &stubBalances{})

	out := p.Handle(context.Background(), core.NewInvoiceEnqueued("0xinv", core.PriorityNormal, time.Now()))
	assert.Equal(t, ResultSuccess, out.Result)
	assert.Equal(t, []string{"0xinv"}, store.cancelled)
}

func TestYoungInvoiceRetries(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	cache, done := testCache(t)
	defer done()

	invoice := matureInvoice()
	invoice.EnqueuedAt = time.Now().Unix()
	hub := &stubHub{invoice: invoice}
	p := New(testConfig(), hub, &stubStore{}, cache, chainmocks.NewMockService(ctrl), &stubBalances{})

	out := p.Handle(context.Background(), core.NewInvoiceEnqueued("0xinv", core.PriorityNormal, time.Now()))
	assert.Equal(t, ResultFailure, out.Result)
	assert.Equal(t, 30*time.Second, out.RetryAfter)
}

func TestMalformedInvoiceIsInvalid(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	cache, done := testCache(t)
	defer done()

	invoice := matureInvoice()
	invoice.Destinations = nil
	hub := &stubHub{invoice: invoice}
	p := New(testConfig(), hub, &stubStore{}, cache, chainmocks.NewMockService(ctrl), &stubBalances{})

	out := p.Handle(context.Background(), core.NewInvoiceEnqueued("0xinv", core.PriorityNormal, time.Now()))
	assert.Equal(t, ResultInvalid, out.Result)
}

func TestPendingEarmarkDefersPurchase(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	cache, done := testCache(t)
	defer done()

	hub := &stubHub{invoice: matureInvoice()}
	store := &stubStore{active: &core.Earmark{ID: "em1", Status: core.EarmarkPending}}
	p := New(testConfig(), hub, store, cache, chainmocks.NewMockService(ctrl), &stubBalances{})

	out := p.Handle(context.Background(), core.NewInvoiceEnqueued("0xinv", core.PriorityNormal, time.Now()))
	assert.Equal(t, ResultFailure, out.Result)
	assert.Equal(t, 10*time.Second, out.RetryAfter)
}

func TestCachedPurchaseSuppressesResubmission(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	cache, done := testCache(t)
	defer done()
	ctx := context.Background()

	require.NoError(t, cache.Add(ctx, &core.PurchaseRecord{InvoiceID: "0xinv", CachedAt: time.Now()}))

	hub := &stubHub{invoice: matureInvoice()}
	p := New(testConfig(), hub, &stubStore{}, cache, chainmocks.NewMockService(ctrl), &stubBalances{})

	out := p.Handle(ctx, core.NewInvoiceEnqueued("0xinv", core.PriorityNormal, time.Now()))
	assert.Equal(t, ResultSuccess, out.Result)
	assert.Empty(t, hub.created)
}

func TestPurchaseHappyPath(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	cache, done := testCache(t)
	defer done()
	ctx := context.Background()

	intentTx := &chains.Transaction{ChainID: 8453, To: "0xhub", Data: "0xcalldata", Value: new(big.Int)}
	hub := &stubHub{
		invoice:   matureInvoice(),
		custodied: map[core.ChainID]*big.Int{1: eth(100)},
		intentTx:  intentTx,
	}
	svc := chainmocks.NewMockService(ctrl)
	svc.EXPECT().SubmitAndMonitor(gomock.Any(), core.ChainID(8453), intentTx).
		Return(&chains.Receipt{TransactionHash: "0xsubmitted", From: "0xmark"}, nil)

	balances := &stubBalances{map[core.ChainID]*big.Int{8453: eth(100)}}
	p := New(testConfig(), hub, &stubStore{}, cache, svc, balances)

	out := p.Handle(ctx, core.NewInvoiceEnqueued("0xinv", core.PriorityNormal, time.Now()))
	assert.Equal(t, ResultSuccess, out.Result)

	require.Len(t, hub.created, 1)
	intent := hub.created[0]
	assert.Equal(t, core.ChainID(8453), intent.Origin)
	assert.Equal(t, eth(100), intent.Amount)
	assert.Equal(t, "0xmark", intent.To)
	assert.Equal(t, "0xusdt8453", intent.InputAsset)

	rec, err := cache.Get(ctx, "0xinv")
	require.NoError(t, err)
	assert.Equal(t, "0xsubmitted", rec.TransactionHash)
}

func TestPurchaseCompletesReadyEarmark(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	cache, done := testCache(t)
	defer done()
	ctx := context.Background()

	intentTx := &chains.Transaction{ChainID: 8453, To: "0xhub", Data: "0xcalldata", Value: new(big.Int)}
	hub := &stubHub{
		invoice:   matureInvoice(),
		custodied: map[core.ChainID]*big.Int{1: eth(100)},
		intentTx:  intentTx,
	}
	svc := chainmocks.NewMockService(ctrl)
	svc.EXPECT().SubmitAndMonitor(gomock.Any(), core.ChainID(8453), intentTx).
		Return(&chains.Receipt{TransactionHash: "0xsubmitted", From: "0xmark"}, nil)

	// A ready earmark does not defer the purchase; once the intent is
	// submitted it moves to completed.
	store := &stubStore{active: &core.Earmark{ID: "em1", Status: core.EarmarkReady}}
	balances := &stubBalances{map[core.ChainID]*big.Int{8453: eth(100)}}
	p := New(testConfig(), hub, store, cache, svc, balances)

	out := p.Handle(ctx, core.NewInvoiceEnqueued("0xinv", core.PriorityNormal, time.Now()))
	assert.Equal(t, ResultSuccess, out.Result)
	require.Len(t, hub.created, 1)
	assert.Equal(t, core.EarmarkCompleted, store.updated["em1"])
}

func TestSettlementClearsFingerprint(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	cache, done := testCache(t)
	defer done()
	ctx := context.Background()

	require.NoError(t, cache.Add(ctx, &core.PurchaseRecord{InvoiceID: "0xinv", CachedAt: time.Now().Add(-time.Minute)}))
	store := &stubStore{active: &core.Earmark{ID: "em1", Status: core.EarmarkReady}}
	p := New(testConfig(), &stubHub{}, store, cache, chainmocks.NewMockService(ctrl), &stubBalances{})

	out := p.Handle(ctx, core.NewSettlementEnqueued("0xinv", core.PriorityHigh, time.Now()))
	assert.Equal(t, ResultSuccess, out.Result)

	_, err := cache.Get(ctx, "0xinv")
	assert.Equal(t, purchase.ErrNotFound, err)
	assert.Equal(t, core.EarmarkCompleted, store.updated["em1"])
}

func TestSettlementWithoutFingerprintIsNoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	cache, done := testCache(t)
	defer done()

	p := New(testConfig(), &stubHub{}, &stubStore{}, cache, chainmocks.NewMockService(ctrl), &stubBalances{})
	out := p.Handle(context.Background(), core.NewSettlementEnqueued("0xmissing", core.PriorityHigh, time.Now()))
	assert.Equal(t, ResultSuccess, out.Result)
}

func TestPurchasePauseDefersInvoice(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	cache, done := testCache(t)
	defer done()
	ctx := context.Background()

	require.NoError(t, cache.SetPaused(ctx, true))
	p := New(testConfig(), &stubHub{invoice: matureInvoice()}, &stubStore{}, cache,
		chainmocks.NewMockService(ctrl), &stubBalances{})

	out := p.Handle(ctx, core.NewInvoiceEnqueued("0xinv", core.PriorityNormal, time.Now()))
	assert.Equal(t, ResultFailure, out.Result)
}
