package chains

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/everclear/mark/core"
	"github.com/everclear/mark/log"
)

var logger = log.NewModuleLogger("chains")

// SignerService submits transactions through the external signer service,
// which owns the keys, wraps transactions through a policy module where one
// is configured for the chain, broadcasts, and waits for inclusion.
type SignerService struct {
	url     string
	sender  string
	client  *http.Client
	timeout time.Duration
}

// NewSignerService builds a Service over the signer HTTP endpoint. timeout
// bounds each submit-and-monitor round trip.
func NewSignerService(url, sender string, timeout time.Duration) *SignerService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SignerService{
		url:     url,
		sender:  sender,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

type submitRequest struct {
	ChainID string `json:"chainId"`
	From    string `json:"from"`
	To      string `json:"to"`
	Data    string `json:"data"`
	Value   string `json:"value"`
}

// SubmitAndMonitor posts the transaction to the signer service and
// normalises whatever receipt shape comes back.
func (s *SignerService) SubmitAndMonitor(ctx context.Context, chainID core.ChainID, tx *Transaction) (*Receipt, error) {
	body, err := json.Marshal(submitRequest{
		ChainID: chainID.String(),
		From:    s.sender,
		To:      tx.To,
		Data:    tx.Data,
		Value:   core.FormatAmount(tx.Value),
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal submit request")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequest(http.MethodPost, s.url+"/transactions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "submit transaction")
	}
	defer resp.Body.Close()

	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read signer response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("signer returned %d: %s", resp.StatusCode, truncate(data, 256))
	}

	receipt, err := NormalizeReceiptJSON(data)
	if err != nil {
		return nil, err
	}
	logger.Infow("transaction submitted", "chainId", chainID, "hash", receipt.TransactionHash)
	return receipt, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s...", b[:n])
}
