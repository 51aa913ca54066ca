package node

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/everclear/mark/core"
	"github.com/everclear/mark/metrics"
	"github.com/everclear/mark/params"
	"github.com/everclear/mark/storage/queue"
)

const gaugeInterval = 30 * time.Second

// gaugeLoop refreshes the queue depth and chain balance gauges. Counters are
// incremented at their call sites; these two are read-out gauges and someone
// has to do the reading.
func (n *Node) gaugeLoop(ctx context.Context) {
	tick := time.NewTicker(gaugeInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if depths, err := n.queue.GetQueueDepths(ctx); err != nil {
				logger.Errorw("queue depth read failed", "err", err)
			} else {
				recordQueueDepths(depths)
			}
			for _, th := range n.tickers {
				byChain, err := n.balances.Balances(ctx, th)
				if err != nil {
					logger.Debugw("balance read failed", "ticker", th, "err", err)
					continue
				}
				recordChainBalances(th, byChain)
			}
		}
	}
}

func recordQueueDepths(d *queue.Depths) {
	for t, v := range d.Pending {
		metrics.QueueDepth.WithLabelValues("pending:" + string(t)).Set(float64(v))
	}
	for t, v := range d.Processing {
		metrics.QueueDepth.WithLabelValues("processing:" + string(t)).Set(float64(v))
	}
	metrics.QueueDepth.WithLabelValues("dead-letter").Set(float64(d.DeadLetter))
}

// recordChainBalances exports canonical 18-decimal balances as floats. The
// approximation is for dashboards only; accounting stays in big.Int.
func recordChainBalances(tickerHash string, byChain map[core.ChainID]*big.Int) {
	for chain, amount := range byChain {
		v, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), big.NewFloat(1e18)).Float64()
		metrics.ChainBalance.WithLabelValues(tickerHash, chain.String()).Set(v)
	}
}

// tickersOf collects the distinct lowercased ticker hashes configured across
// all chains.
func tickersOf(cfg *params.Config) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, cc := range cfg.Chains {
		for _, a := range cc.Assets {
			th := strings.ToLower(a.TickerHash)
			if seen[th] {
				continue
			}
			seen[th] = true
			out = append(out, th)
		}
	}
	return out
}
