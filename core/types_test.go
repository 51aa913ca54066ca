package core

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainIDJSON(t *testing.T) {
	// Marshals as a decimal string, the hub's wire form.
	b, err := json.Marshal(ChainID(8453))
	require.NoError(t, err)
	assert.Equal(t, `"8453"`, string(b))

	// Accepts both string and bare-number forms.
	var c ChainID
	require.NoError(t, json.Unmarshal([]byte(`"42161"`), &c))
	assert.Equal(t, ChainID(42161), c)
	require.NoError(t, json.Unmarshal([]byte(`10`), &c))
	assert.Equal(t, ChainID(10), c)

	assert.Error(t, json.Unmarshal([]byte(`"mainnet"`), &c))
}

func TestInvoiceAge(t *testing.T) {
	now := time.Now()
	inv := Invoice{EnqueuedAt: now.Add(-10 * time.Minute).Unix()}
	assert.InDelta(t, 10*time.Minute, inv.Age(now), float64(time.Second))
}

func TestIntentMarshalAmountAsString(t *testing.T) {
	b, err := json.Marshal(Intent{
		Origin:     8453,
		InputAsset: "0xusdt",
		Amount:     big.NewInt(100),
		TickerHash: "0xticker",
		To:         "0xmark",
	})
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "100", out["amount"])
	assert.Equal(t, "8453", out["origin"])
}

func TestEarmarkStatusTransitions(t *testing.T) {
	assert.True(t, EarmarkPending.CanTransition(EarmarkReady))
	assert.True(t, EarmarkReady.CanTransition(EarmarkCompleted))
	assert.True(t, EarmarkPending.CanTransition(EarmarkCancelled))

	// completed requires going through ready first.
	assert.False(t, EarmarkPending.CanTransition(EarmarkCompleted))
	// terminal states are frozen.
	assert.False(t, EarmarkCancelled.CanTransition(EarmarkPending))
	assert.False(t, EarmarkCompleted.CanTransition(EarmarkFailed))

	assert.False(t, EarmarkPending.Terminal())
	assert.False(t, EarmarkReady.Terminal())
	for _, s := range []EarmarkStatus{EarmarkCompleted, EarmarkCancelled, EarmarkFailed, EarmarkExpired} {
		assert.True(t, s.Terminal(), string(s))
	}
}

func TestOperationStatusTransitions(t *testing.T) {
	assert.True(t, OperationPending.CanTransition(OperationAwaitingCallback))
	assert.True(t, OperationAwaitingCallback.CanTransition(OperationCompleted))
	// A callback-free bridge may complete straight from pending.
	assert.True(t, OperationPending.CanTransition(OperationCompleted))

	assert.False(t, OperationCompleted.CanTransition(OperationCancelled))
	assert.False(t, OperationAwaitingCallback.CanTransition(OperationPending))

	assert.False(t, OperationPending.Terminal())
	assert.True(t, OperationExpired.Terminal())
}

func TestTransactionMapValueScan(t *testing.T) {
	m := TransactionMap{
		1:  {Hash: "0xa", From: "0xmark", Memo: "Rebalance"},
		10: {Hash: "0xb", Memo: "Mint"},
	}
	v, err := m.Value()
	require.NoError(t, err)

	var out TransactionMap
	require.NoError(t, out.Scan(v))
	assert.Equal(t, m, out)

	// nil map persists as an empty object, and scans back non-nil.
	var empty TransactionMap
	v, err = empty.Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", v)

	var scanned TransactionMap
	require.NoError(t, scanned.Scan(nil))
	assert.NotNil(t, scanned)
	assert.Error(t, scanned.Scan(42))
}

func TestEventTypeAndPriorityConversion(t *testing.T) {
	assert.Equal(t, EventInvoiceEnqueued, ConvertStringToEventType("invoice"))
	assert.Equal(t, EventSettlementEnqueued, ConvertStringToEventType("SETTLEMENT_ENQUEUED"))
	assert.Equal(t, UnknownEvent, ConvertStringToEventType("gossip"))

	assert.Equal(t, PriorityHigh, ConvertStringToPriority("high"))
	assert.Equal(t, UnknownPriority, ConvertStringToPriority("urgent"))
	assert.Equal(t, "NORMAL", ConvertPriorityToString(PriorityNormal))
	assert.True(t, PriorityLow.Known())
	assert.False(t, UnknownPriority.Known())
}

func TestEventConstructors(t *testing.T) {
	now := time.Now()

	ev := NewInvoiceEnqueued("0xinv", PriorityLow, now)
	assert.Equal(t, "0xinv", ev.ID)
	assert.Equal(t, InfiniteRetries, ev.MaxRetries)
	assert.Equal(t, now.UnixNano()/int64(time.Millisecond), ev.ScheduledAt)

	var payload InvoicePayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "0xinv", payload.InvoiceID)

	sv := NewSettlementEnqueued("0xinv", PriorityHigh, now)
	assert.Equal(t, EventSettlementEnqueued, sv.Type)
	assert.Equal(t, 3, sv.MaxRetries)
}
