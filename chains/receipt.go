package chains

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// NormalizeReceipt converts a heterogeneous backend receipt into the Receipt
// shape every downstream consumer assumes:
//
//   - transactionHash and from are required
//   - to defaults to the empty string
//   - effectiveGasPrice falls back to gasPrice
//   - status maps "success"/1 to 1, anything else to absent
//   - logs defaults to the empty list
//   - confirmations is preserved only when numeric
//
// It is applied at every ingress of a receipt, never selectively.
func NormalizeReceipt(raw map[string]interface{}) (*Receipt, error) {
	hash, _ := raw["transactionHash"].(string)
	if hash == "" {
		return nil, errors.New("receipt missing transactionHash")
	}
	from, _ := raw["from"].(string)
	if from == "" {
		return nil, errors.New("receipt missing from")
	}

	out := &Receipt{
		TransactionHash: hash,
		From:            from,
		Logs:            []Log{},
	}
	out.To, _ = raw["to"].(string)

	if gp := stringish(raw["effectiveGasPrice"]); gp != "" {
		out.EffectiveGasPrice = gp
	} else {
		out.EffectiveGasPrice = stringish(raw["gasPrice"])
	}

	switch v := raw["status"].(type) {
	case string:
		if v == "success" || v == "1" || v == "0x1" {
			one := 1
			out.Status = &one
		}
	case float64:
		if v == 1 {
			one := 1
			out.Status = &one
		}
	case int:
		if v == 1 {
			one := 1
			out.Status = &one
		}
	}

	if rawLogs, ok := raw["logs"].([]interface{}); ok {
		for _, rl := range rawLogs {
			b, err := json.Marshal(rl)
			if err != nil {
				continue
			}
			var l Log
			if json.Unmarshal(b, &l) == nil {
				out.Logs = append(out.Logs, l)
			}
		}
	}

	if c, ok := raw["confirmations"].(float64); ok {
		n := int(c)
		out.Confirmations = &n
	}

	if bn, ok := raw["blockNumber"].(float64); ok && bn >= 0 {
		out.BlockNumber = uint64(bn)
	}

	return out, nil
}

// NormalizeReceiptJSON decodes raw JSON and normalises it in one step.
func NormalizeReceiptJSON(data []byte) (*Receipt, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "malformed receipt")
	}
	return NormalizeReceipt(raw)
}

func stringish(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}
