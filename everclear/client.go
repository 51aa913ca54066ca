// Package everclear is the REST client for the settlement hub.
package everclear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/everclear/mark/chains"
	"github.com/everclear/mark/core"
	"github.com/everclear/mark/log"
)

var logger = log.NewModuleLogger("everclear")

// ErrInvoiceNotFound is the 404 signal: the hub has settled and pruned the
// invoice.
var ErrInvoiceNotFound = errors.New("everclear: invoice not found")

// notFoundCacheSize bounds the per-sweep 404 cache. Entries are only hints;
// eviction costs one extra GET.
const notFoundCacheSize = 4096

// Client talks to the hub API with bounded timeouts.
type Client struct {
	baseURL  string
	http     *http.Client
	notFound *lru.Cache // invoiceID -> expiry time.Time
	cacheTTL time.Duration
}

// NewClient builds a hub client. timeout bounds every request.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cache, _ := lru.New(notFoundCacheSize)
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: timeout},
		notFound: cache,
		cacheTTL: time.Minute,
	}
}

// FetchInvoiceByID fetches a single invoice. A hub 404 returns
// ErrInvoiceNotFound; recent 404s are served from a short-lived cache so a
// backfill sweep does not hammer the hub for invoices it just saw vanish.
func (c *Client) FetchInvoiceByID(ctx context.Context, id string) (*core.Invoice, error) {
	if exp, ok := c.notFound.Get(id); ok {
		if t, ok := exp.(time.Time); ok && time.Now().Before(t) {
			return nil, ErrInvoiceNotFound
		}
		c.notFound.Remove(id)
	}

	var invoice core.Invoice
	status, err := c.get(ctx, "/invoices/"+url.PathEscape(id), nil, &invoice)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		c.notFound.Add(id, time.Now().Add(c.cacheTTL))
		return nil, ErrInvoiceNotFound
	}
	return &invoice, nil
}

// InvoicePage is one page of the tx-nonce scan.
type InvoicePage struct {
	Invoices   []core.Invoice `json:"invoices"`
	NextCursor uint64         `json:"nextCursor,string"`
}

// FetchInvoicesByTxNonce pages through invoices from the cursor onwards.
func (c *Client) FetchInvoicesByTxNonce(ctx context.Context, cursor uint64, limit int) (*InvoicePage, error) {
	q := url.Values{
		"cursor": {strconv.FormatUint(cursor, 10)},
		"limit":  {strconv.Itoa(limit)},
	}
	var page InvoicePage
	status, err := c.get(ctx, "/invoices", q, &page)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return &InvoicePage{NextCursor: cursor}, nil
	}
	return &page, nil
}

// OutstandingInvoices returns the hub's current open invoices, first page
// from the start of the nonce scan. The rebalance engine sizes its
// on-demand transfers from this set.
func (c *Client) OutstandingInvoices(ctx context.Context) ([]core.Invoice, error) {
	page, err := c.FetchInvoicesByTxNonce(ctx, 0, 100)
	if err != nil {
		return nil, err
	}
	return page.Invoices, nil
}

// GetMinAmounts fetches the per-destination purchase thresholds for an
// invoice, in 18-decimal canonical units.
func (c *Client) GetMinAmounts(ctx context.Context, id string) (map[core.ChainID]*big.Int, error) {
	var body struct {
		MinAmounts map[string]string `json:"minAmounts"`
	}
	status, err := c.get(ctx, "/invoices/"+url.PathEscape(id)+"/min-amounts", nil, &body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrInvoiceNotFound
	}
	out := make(map[core.ChainID]*big.Int, len(body.MinAmounts))
	for chainStr, amountStr := range body.MinAmounts {
		chain, err := core.ParseChainID(chainStr)
		if err != nil {
			return nil, err
		}
		amount, err := core.ParseAmount(amountStr)
		if err != nil {
			return nil, errors.Wrapf(err, "minAmount for chain %s", chainStr)
		}
		out[chain] = amount
	}
	return out, nil
}

// EconomyData is the hub's view of custodied liquidity:
// ticker -> chain -> amount in 18-decimal canonical units.
type EconomyData struct {
	Custodied map[string]map[core.ChainID]*big.Int
}

// FetchEconomyData fetches hub-custodied liquidity per ticker and chain.
func (c *Client) FetchEconomyData(ctx context.Context) (*EconomyData, error) {
	var body struct {
		Custodied map[string]map[string]string `json:"custodied"`
	}
	if _, err := c.get(ctx, "/economy", nil, &body); err != nil {
		return nil, err
	}
	out := &EconomyData{Custodied: make(map[string]map[core.ChainID]*big.Int, len(body.Custodied))}
	for ticker, chains := range body.Custodied {
		m := make(map[core.ChainID]*big.Int, len(chains))
		for chainStr, amountStr := range chains {
			chain, err := core.ParseChainID(chainStr)
			if err != nil {
				return nil, err
			}
			amount, err := core.ParseAmount(amountStr)
			if err != nil {
				return nil, errors.Wrapf(err, "custodied for %s on %s", ticker, chainStr)
			}
			m[chain] = amount
		}
		out.Custodied[ticker] = m
	}
	return out, nil
}

// CreateIntent asks the hub to encode a new-intent transaction for the
// origin chain. The returned transaction is submitted through the chain
// service as-is.
func (c *Client) CreateIntent(ctx context.Context, intent core.Intent) (*chains.Transaction, error) {
	payload, err := json.Marshal(intent)
	if err != nil {
		return nil, errors.Wrap(err, "marshal intent")
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/intents", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "create intent")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := ioutil.ReadAll(resp.Body)
		return nil, errors.Errorf("hub returned %d for intent: %s", resp.StatusCode, trim(body))
	}

	var body struct {
		ChainID core.ChainID `json:"chainId"`
		To      string       `json:"to"`
		Data    string       `json:"data"`
		Value   string       `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "decode intent response")
	}
	value, err := core.ParseAmount(orZero(body.Value))
	if err != nil {
		return nil, errors.Wrap(err, "intent value")
	}
	return &chains.Transaction{
		ChainID: body.ChainID,
		To:      body.To,
		Data:    body.Data,
		Value:   value,
	}, nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// UpdateInvoiceStatus reports a status back to the hub. Not used by the
// core loops; exposed for the admin trigger endpoints.
func (c *Client) UpdateInvoiceStatus(ctx context.Context, id, status string) error {
	payload, _ := json.Marshal(map[string]string{"status": status})
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/invoices/"+url.PathEscape(id)+"/status", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "update invoice status")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("hub returned %d", resp.StatusCode)
	}
	return nil
}

// get performs a GET, decoding 200 bodies into out. 404 is returned as a
// status for the caller to interpret; other non-200s are errors.
func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) (int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	req = req.WithContext(ctx)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "GET %s", path)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return 0, errors.Wrapf(err, "decode %s response", path)
		}
		return http.StatusOK, nil
	case http.StatusNotFound:
		return http.StatusNotFound, nil
	default:
		body, _ := ioutil.ReadAll(resp.Body)
		logger.Warnw("hub request failed", "path", path, "status", resp.StatusCode)
		return resp.StatusCode, fmt.Errorf("hub returned %d for %s: %s", resp.StatusCode, path, trim(body))
	}
}

func trim(b []byte) string {
	const max = 200
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
