// Package planner chooses an origin chain and a minimal set of intents to
// purchase an invoice out of mark's balances and the hub's custodied
// liquidity. Plan is a pure function: identical inputs give identical
// outputs, with every tie broken by chain id.
package planner

import (
	"math/big"
	"sort"

	"github.com/everclear/mark/core"
)

// Input is everything Plan may look at. All amounts are 18-decimal
// canonical units.
type Input struct {
	Invoice          *core.Invoice
	MinAmounts       map[core.ChainID]*big.Int // per-origin purchase threshold
	Balances         map[core.ChainID]*big.Int // mark's balances for the ticker
	Custodied        map[core.ChainID]*big.Int // hub-custodied liquidity per chain
	SupportedDomains []core.ChainID
	MaxDestinations  int
	MinAllocation    *big.Int // partial allocations below this are discarded
}

// Result is the chosen origin and the intents to submit. Empty Intents
// means "nothing purchasable now, retry later".
type Result struct {
	OriginDomain   core.ChainID
	TotalAllocated *big.Int
	Intents        []core.Intent
}

type candidate struct {
	origin         core.ChainID
	totalAllocated *big.Int
	intents        []core.Intent
	fullyAllocated bool
	topNUsage      int
}

// Plan runs the split-intent algorithm: for every origin where mark holds
// balance, greedily allocate against destinations in custodied-liquidity
// order, then pick the best candidate lexicographically by (full coverage,
// fewer splits, top-N usage, larger allocation).
func Plan(in Input) Result {
	empty := Result{TotalAllocated: new(big.Int)}
	if in.Invoice == nil || in.MaxDestinations <= 0 {
		return empty
	}
	invoiceAmount, err := core.ParseAmount(in.Invoice.Amount)
	if err != nil || invoiceAmount.Sign() == 0 {
		return empty
	}

	destinations := allocationTargets(in.Custodied)
	if len(destinations) == 0 {
		return empty
	}
	intentDestinations := destinationSet(in)
	supported := make(map[core.ChainID]bool, len(in.SupportedDomains))
	for _, d := range in.SupportedDomains {
		supported[d] = true
	}

	var best *candidate
	for _, origin := range sortedChains(in.Balances) {
		balance := in.Balances[origin]
		if balance == nil || balance.Sign() == 0 {
			continue
		}
		required := invoiceAmount
		if m, ok := in.MinAmounts[origin]; ok && m != nil && m.Sign() > 0 {
			required = m
		}

		c := allocate(origin, balance, required, destinations, in.Custodied, intentDestinations, in.Invoice, in.MaxDestinations, supported)
		if c.totalAllocated.Sign() == 0 {
			continue
		}
		if better(c, best) {
			best = c
		}
	}

	if best == nil {
		return empty
	}
	if !best.fullyAllocated && in.MinAllocation != nil && best.totalAllocated.Cmp(in.MinAllocation) < 0 {
		return empty
	}
	return Result{
		OriginDomain:   best.origin,
		TotalAllocated: best.totalAllocated,
		Intents:        best.intents,
	}
}

func allocate(origin core.ChainID, balance, required *big.Int, destinations []core.ChainID,
	custodied map[core.ChainID]*big.Int, intentDestinations []core.ChainID,
	invoice *core.Invoice, maxDestinations int, supported map[core.ChainID]bool) *candidate {

	remainingBalance := new(big.Int).Set(balance)
	remainingInvoice := new(big.Int).Set(required)
	c := &candidate{origin: origin, totalAllocated: new(big.Int)}

	for _, d := range destinations {
		if d == origin {
			continue
		}
		if remainingBalance.Sign() == 0 || remainingInvoice.Sign() == 0 || len(c.intents) >= maxDestinations {
			break
		}
		size := core.MinBig(core.MinBig(remainingBalance, custodied[d]), remainingInvoice)
		if size.Sign() == 0 {
			continue
		}
		c.intents = append(c.intents, core.Intent{
			Origin:       origin,
			Destinations: intentDestinations,
			Amount:       size,
			TickerHash:   invoice.TickerHash,
		})
		if supported[d] {
			c.topNUsage++
		}
		c.totalAllocated.Add(c.totalAllocated, size)
		remainingBalance.Sub(remainingBalance, size)
		remainingInvoice.Sub(remainingInvoice, size)
	}
	c.fullyAllocated = remainingInvoice.Sign() == 0
	return c
}

// better orders candidates by the lexicographic key
// (-fullyAllocated, intentCount, -topNUsage, -totalAllocated). Earlier
// origins win ties because the caller iterates origins in sorted order.
func better(c *candidate, best *candidate) bool {
	if best == nil {
		return true
	}
	if c.fullyAllocated != best.fullyAllocated {
		return c.fullyAllocated
	}
	if len(c.intents) != len(best.intents) {
		return len(c.intents) < len(best.intents)
	}
	if c.topNUsage != best.topNUsage {
		return c.topNUsage > best.topNUsage
	}
	return c.totalAllocated.Cmp(best.totalAllocated) > 0
}

// allocationTargets returns the chains with non-zero custodied liquidity,
// highest first, ties by chain id.
func allocationTargets(custodied map[core.ChainID]*big.Int) []core.ChainID {
	out := make([]core.ChainID, 0, len(custodied))
	for chain, amount := range custodied {
		if amount != nil && amount.Sign() > 0 {
			out = append(out, chain)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		cmp := custodied[out[i]].Cmp(custodied[out[j]])
		if cmp != 0 {
			return cmp > 0
		}
		return out[i] < out[j]
	})
	return out
}

// destinationSet is the full candidate destination list every intent
// carries: the invoice's destinations plus every chain with balance or
// custodied liquidity, sorted.
func destinationSet(in Input) []core.ChainID {
	seen := map[core.ChainID]bool{}
	for _, d := range in.Invoice.Destinations {
		seen[d] = true
	}
	for chain, amount := range in.Custodied {
		if amount != nil && amount.Sign() > 0 {
			seen[chain] = true
		}
	}
	for chain, amount := range in.Balances {
		if amount != nil && amount.Sign() > 0 {
			seen[chain] = true
		}
	}
	out := make([]core.ChainID, 0, len(seen))
	for chain := range seen {
		out = append(out, chain)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedChains(m map[core.ChainID]*big.Int) []core.ChainID {
	out := make([]core.ChainID, 0, len(m))
	for chain := range m {
		out = append(out, chain)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
