package chains

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/everclear/mark/core"
)

// balanceOfSelector is the 4-byte selector of ERC20 balanceOf(address).
const balanceOfSelector = "0x70a08231"

// AssetRef locates one ticker's asset on one chain.
type AssetRef struct {
	ChainID  core.ChainID
	Address  string // empty for the chain's native asset
	Decimals int
}

// RPCBalanceSource reads mark's balances over plain JSON-RPC. One provider
// URL per chain; results are scaled to 18-decimal canonical units.
type RPCBalanceSource struct {
	providers map[core.ChainID]string
	holder    string
	assets    map[string][]AssetRef // tickerHash -> per-chain refs
	client    *http.Client
	reqID     uint64
}

// NewRPCBalanceSource builds a BalanceSource for the given holder address.
func NewRPCBalanceSource(providers map[core.ChainID]string, holder string, assets map[string][]AssetRef, timeout time.Duration) *RPCBalanceSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPCBalanceSource{
		providers: providers,
		holder:    holder,
		assets:    assets,
		client:    &http.Client{Timeout: timeout},
	}
}

// Balances fetches the holder balance of the ticker on every chain the asset
// is configured on. Chains whose provider errors are skipped; a missing
// chain is indistinguishable from a zero balance to the planner, which is
// the conservative direction.
func (s *RPCBalanceSource) Balances(ctx context.Context, tickerHash string) (map[core.ChainID]*big.Int, error) {
	refs, ok := s.assets[strings.ToLower(tickerHash)]
	if !ok {
		return nil, errors.Errorf("no assets configured for ticker %s", tickerHash)
	}

	out := make(map[core.ChainID]*big.Int, len(refs))
	for _, ref := range refs {
		provider, ok := s.providers[ref.ChainID]
		if !ok {
			continue
		}
		raw, err := s.fetchBalance(ctx, provider, ref)
		if err != nil {
			logger.Warnw("balance fetch failed", "chainId", ref.ChainID, "ticker", tickerHash, "err", err)
			continue
		}
		out[ref.ChainID] = core.ToCanonical(raw, ref.Decimals)
	}
	return out, nil
}

func (s *RPCBalanceSource) fetchBalance(ctx context.Context, provider string, ref AssetRef) (*big.Int, error) {
	var result string
	var err error
	if ref.Address == "" {
		err = s.call(ctx, provider, &result, "eth_getBalance", s.holder, "latest")
	} else {
		data := balanceOfSelector + pad32(strings.TrimPrefix(s.holder, "0x"))
		err = s.call(ctx, provider, &result, "eth_call", map[string]string{
			"to":   ref.Address,
			"data": data,
		}, "latest")
	}
	if err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(strings.TrimPrefix(result, "0x"), 16)
	if !ok {
		return nil, errors.Errorf("non-hex balance %q", result)
	}
	return v, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *RPCBalanceSource) call(ctx context.Context, provider string, result interface{}, method string, params ...interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      atomic.AddUint64(&s.reqID, 1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, provider, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "rpc %s", method)
	}
	defer resp.Body.Close()

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return errors.Wrapf(err, "decode rpc %s response", method)
	}
	if decoded.Error != nil {
		return errors.Errorf("rpc %s: %d %s", method, decoded.Error.Code, decoded.Error.Message)
	}
	return json.Unmarshal(decoded.Result, result)
}

func pad32(hexAddr string) string {
	return fmt.Sprintf("%064s", strings.ToLower(hexAddr))
}
