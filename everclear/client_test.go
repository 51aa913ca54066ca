package everclear

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everclear/mark/core"
)

func TestFetchInvoiceByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/invoices/0xinv", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"intent_id":   "0xinv",
			"amount":      "100000000000000000000",
			"ticker_hash": "0xticker",
			"origin":      "10",
			"destinations": []string{"1", "8453"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	invoice, err := c.FetchInvoiceByID(context.Background(), "0xinv")
	require.NoError(t, err)
	assert.Equal(t, "0xinv", invoice.IntentID)
	assert.Equal(t, core.ChainID(10), invoice.Origin)
	assert.Equal(t, []core.ChainID{1, 8453}, invoice.Destinations)
}

func TestFetchInvoiceNotFoundIsCached(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	for i := 0; i < 3; i++ {
		_, err := c.FetchInvoiceByID(context.Background(), "0xgone")
		assert.Equal(t, ErrInvoiceNotFound, err)
	}
	// The 404 cache absorbs the repeats.
	assert.Equal(t, 1, hits)
}

func TestFetchInvoicesByTxNonce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "42", r.URL.Query().Get("cursor"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"invoices": []map[string]interface{}{
				{"intent_id": "0xa", "amount": "1", "origin": "10"},
				{"intent_id": "0xb", "amount": "2", "origin": "10"},
			},
			"nextCursor": "57",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	page, err := c.FetchInvoicesByTxNonce(context.Background(), 42, 100)
	require.NoError(t, err)
	assert.Len(t, page.Invoices, 2)
	assert.Equal(t, uint64(57), page.NextCursor)
}

func TestFetchInvoicesPastEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	page, err := c.FetchInvoicesByTxNonce(context.Background(), 99, 100)
	require.NoError(t, err)
	assert.Empty(t, page.Invoices)
	assert.Equal(t, uint64(99), page.NextCursor)
}

func TestGetMinAmounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/invoices/0xinv/min-amounts", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"minAmounts": map[string]string{
				"1":  "100000000000000000000",
				"10": "50000000000000000000",
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	amounts, err := c.GetMinAmounts(context.Background(), "0xinv")
	require.NoError(t, err)
	require.Len(t, amounts, 2)
	hundred, _ := new(big.Int).SetString("100000000000000000000", 10)
	assert.Equal(t, hundred, amounts[1])
}

func TestFetchEconomyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"custodied": map[string]map[string]string{
				"0xticker": {"1": "75000000000000000000"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	data, err := c.FetchEconomyData(context.Background())
	require.NoError(t, err)
	amount, ok := data.Custodied["0xticker"][1]
	require.True(t, ok)
	assert.Equal(t, "75000000000000000000", amount.String())
}

func TestCreateIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/intents", r.URL.Path)

		var intent core.Intent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&intent))
		assert.Equal(t, core.ChainID(8453), intent.Origin)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"chainId": 8453,
			"to":      "0xspoke",
			"data":    "0xcalldata",
			"value":   "0",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	tx, err := c.CreateIntent(context.Background(), core.Intent{
		Origin: 8453,
		To:     "0xmark",
		Amount: big.NewInt(100),
	})
	require.NoError(t, err)
	assert.Equal(t, core.ChainID(8453), tx.ChainID)
	assert.Equal(t, "0xspoke", tx.To)
	assert.Equal(t, "0xcalldata", tx.Data)
	assert.Zero(t, tx.Value.Sign())
}

func TestCreateIntentHubError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient custodied balance", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.CreateIntent(context.Background(), core.Intent{Origin: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
}
