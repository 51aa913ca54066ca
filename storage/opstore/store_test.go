package opstore

import (
	"testing"
	"time"

	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everclear/mark/core"
)

func newTestStore(t *testing.T) (*Store, func()) {
	db, err := gorm.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.DB().SetMaxOpenConns(1)
	s, err := NewWithDB(db)
	require.NoError(t, err)
	return s, func() { db.Close() }
}

func TestEarmarkUniquenessPerInvoice(t *testing.T) {
	s, done := newTestStore(t)
	defer done()

	em, err := s.CreateEarmark("0xinv", 10, "0xticker", "100")
	require.NoError(t, err)
	assert.Equal(t, core.EarmarkPending, em.Status)
	assert.NotEmpty(t, em.ID)

	_, err = s.CreateEarmark("0xinv", 8453, "0xticker", "50")
	assert.Equal(t, ErrDuplicateEarmark, err)

	// A terminal earmark frees the invoice for a new one.
	require.NoError(t, s.UpdateEarmarkStatus(em.ID, core.EarmarkFailed))
	_, err = s.CreateEarmark("0xinv", 8453, "0xticker", "50")
	require.NoError(t, err)
}

func TestCreateEarmarkInsertErrorNotDuplicate(t *testing.T) {
	s, done := newTestStore(t)
	defer done()

	// A failed insert is a DB error, not a lost race with another worker.
	require.NoError(t, s.db.Exec(
		"CREATE TRIGGER reject_earmarks BEFORE INSERT ON earmarks BEGIN SELECT RAISE(ABORT, 'rejected'); END",
	).Error)

	_, err := s.CreateEarmark("0xinv", 10, "0xticker", "100")
	require.Error(t, err)
	assert.NotEqual(t, ErrDuplicateEarmark, errors.Cause(err))
	assert.Contains(t, err.Error(), "create earmark")
}

func TestEarmarkTransitionDAG(t *testing.T) {
	s, done := newTestStore(t)
	defer done()

	em, err := s.CreateEarmark("0xinv", 10, "0xticker", "100")
	require.NoError(t, err)

	// pending -> completed skips ready and must be refused.
	err = s.UpdateEarmarkStatus(em.ID, core.EarmarkCompleted)
	assert.Equal(t, ErrBadTransition, errors.Cause(err))

	require.NoError(t, s.UpdateEarmarkStatus(em.ID, core.EarmarkReady))
	require.NoError(t, s.UpdateEarmarkStatus(em.ID, core.EarmarkCompleted))

	// Terminal states never move again.
	err = s.UpdateEarmarkStatus(em.ID, core.EarmarkCancelled)
	assert.Equal(t, ErrBadTransition, errors.Cause(err))
}

func TestGetActiveEarmarkForInvoice(t *testing.T) {
	s, done := newTestStore(t)
	defer done()

	_, err := s.GetActiveEarmarkForInvoice("0xnone")
	assert.Equal(t, ErrNotFound, err)

	em, err := s.CreateEarmark("0xinv", 10, "0xticker", "100")
	require.NoError(t, err)

	got, err := s.GetActiveEarmarkForInvoice("0xinv")
	require.NoError(t, err)
	assert.Equal(t, em.ID, got.ID)

	require.NoError(t, s.UpdateEarmarkStatus(em.ID, core.EarmarkExpired))
	_, err = s.GetActiveEarmarkForInvoice("0xinv")
	assert.Equal(t, ErrNotFound, err)
}

func TestCancelEarmarkOrphansLiveOperations(t *testing.T) {
	s, done := newTestStore(t)
	defer done()

	em, err := s.CreateEarmark("0xinv", 10, "0xticker", "100")
	require.NoError(t, err)

	ops := make([]*core.RebalanceOperation, 2)
	for i := range ops {
		ops[i] = &core.RebalanceOperation{
			EarmarkID:          &em.ID,
			OriginChainID:      1,
			DestinationChainID: 10,
			TickerHash:         "0xticker",
			Amount:             "50",
			Bridge:             "across",
			Status:             core.OperationPending,
		}
		require.NoError(t, s.CreateOperation(ops[i]))
	}

	require.NoError(t, s.CancelEarmark(em.ID))

	got, err := s.GetEarmark(em.ID)
	require.NoError(t, err)
	assert.Equal(t, core.EarmarkCancelled, got.Status)

	// Operations keep their status so the engine still drives them; only
	// the orphan flag flips.
	for _, op := range ops {
		reloaded, err := s.GetOperation(op.ID)
		require.NoError(t, err)
		assert.Equal(t, core.OperationPending, reloaded.Status)
		assert.True(t, reloaded.IsOrphaned)
	}
}

func TestExpireStaleEarmarks(t *testing.T) {
	s, done := newTestStore(t)
	defer done()

	stale := &core.Earmark{
		ID:                      "stale-earmark",
		InvoiceID:               "0xold",
		DesignatedPurchaseChain: 10,
		TickerHash:              "0xticker",
		MinAmount:               "100",
		Status:                  core.EarmarkPending,
		CreatedAt:               time.Now().Add(-48 * time.Hour),
	}
	require.NoError(t, s.db.Create(stale).Error)

	fresh, err := s.CreateEarmark("0xnew", 10, "0xticker", "100")
	require.NoError(t, err)

	expired, err := s.ExpireStaleEarmarks(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := s.GetEarmark("stale-earmark")
	require.NoError(t, err)
	assert.Equal(t, core.EarmarkExpired, got.Status)

	got, err = s.GetEarmark(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, core.EarmarkPending, got.Status)
}

func TestOperationLifecycle(t *testing.T) {
	s, done := newTestStore(t)
	defer done()

	op := &core.RebalanceOperation{
		OriginChainID:      1,
		DestinationChainID: 10,
		TickerHash:         "0xticker",
		Amount:             "100",
		SlippageDbps:       5000,
		Bridge:             "cctpv2",
	}
	require.NoError(t, s.CreateOperation(op))
	assert.NotEmpty(t, op.ID)
	assert.Equal(t, core.OperationPending, op.Status)

	err := s.UpdateOperationStatus(op.ID, core.OperationCompleted)
	require.NoError(t, err)

	// completed is terminal
	err = s.UpdateOperationStatus(op.ID, core.OperationCancelled)
	assert.Equal(t, ErrBadTransition, errors.Cause(err))
}

func TestRecordTransaction(t *testing.T) {
	s, done := newTestStore(t)
	defer done()

	op := &core.RebalanceOperation{
		OriginChainID:      1,
		DestinationChainID: 10,
		TickerHash:         "0xticker",
		Amount:             "100",
		Bridge:             "across",
	}
	require.NoError(t, s.CreateOperation(op))

	entry := core.TransactionEntry{
		Hash:        "0xhash1",
		From:        "0xmark",
		Memo:        "Rebalance",
		SubmittedAt: time.Now().UTC(),
	}
	require.NoError(t, s.RecordTransaction(op.ID, 1, entry))
	require.NoError(t, s.RecordTransaction(op.ID, 10, core.TransactionEntry{Hash: "0xhash2", Memo: "Mint"}))

	got, err := s.GetOperation(op.ID)
	require.NoError(t, err)
	require.Len(t, got.Transactions, 2)
	assert.Equal(t, "0xhash1", got.Transactions[1].Hash)
	assert.Equal(t, "Mint", got.Transactions[10].Memo)
}

func TestListOperationsFilters(t *testing.T) {
	s, done := newTestStore(t)
	defer done()

	em, err := s.CreateEarmark("0xinv", 10, "0xticker", "100")
	require.NoError(t, err)

	mk := func(origin, dest core.ChainID, status core.OperationStatus, earmarkID *string) {
		require.NoError(t, s.CreateOperation(&core.RebalanceOperation{
			EarmarkID:          earmarkID,
			OriginChainID:      origin,
			DestinationChainID: dest,
			TickerHash:         "0xticker",
			Amount:             "10",
			Bridge:             "across",
			Status:             status,
		}))
	}
	mk(1, 10, core.OperationPending, &em.ID)
	mk(10, 8453, core.OperationCompleted, nil)
	mk(42161, 1, core.OperationAwaitingCallback, nil)

	ops, err := s.ListOperations(OperationFilter{Statuses: []core.OperationStatus{core.OperationPending}})
	require.NoError(t, err)
	assert.Len(t, ops, 1)

	// ChainID matches origin or destination.
	ops, err = s.ListOperations(OperationFilter{ChainID: 1})
	require.NoError(t, err)
	assert.Len(t, ops, 2)

	ops, err = s.ListOperations(OperationFilter{EarmarkID: em.ID})
	require.NoError(t, err)
	assert.Len(t, ops, 1)

	live, err := s.LiveOperations()
	require.NoError(t, err)
	assert.Len(t, live, 2)
}

func TestPauseFlags(t *testing.T) {
	s, done := newTestStore(t)
	defer done()

	paused, err := s.GetPauseFlag(FlagRebalance)
	require.NoError(t, err)
	assert.False(t, paused)

	require.NoError(t, s.SetPauseFlag(FlagRebalance, true))
	paused, err = s.GetPauseFlag(FlagRebalance)
	require.NoError(t, err)
	assert.True(t, paused)

	require.NoError(t, s.SetPauseFlag(FlagRebalance, false))
	paused, err = s.GetPauseFlag(FlagRebalance)
	require.NoError(t, err)
	assert.False(t, paused)

	// Flags are independent.
	require.NoError(t, s.SetPauseFlag(FlagOnDemand, true))
	paused, err = s.GetPauseFlag(FlagRebalance)
	require.NoError(t, err)
	assert.False(t, paused)
}
