package planner

import (
	"math/big"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everclear/mark/core"
)

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func amounts(m map[uint64]int64) map[core.ChainID]*big.Int {
	out := make(map[core.ChainID]*big.Int, len(m))
	for id, n := range m {
		out[core.ChainID(id)] = eth(n)
	}
	return out
}

func TestPlanSingleOriginFullCoverage(t *testing.T) {
	in := Input{
		Invoice: &core.Invoice{
			IntentID:     "0xinv1",
			Amount:       eth(100).String(),
			TickerHash:   "0xticker",
			Owner:        "0xowner",
			Destinations: []core.ChainID{10, 8453},
		},
		Balances:         amounts(map[uint64]int64{1: 0, 10: 0, 8453: 100, 42161: 0}),
		Custodied:        amounts(map[uint64]int64{1: 50, 42161: 50}),
		SupportedDomains: []core.ChainID{1, 10, 8453, 42161},
		MaxDestinations:  10,
	}

	result := Plan(in)

	assert.Equal(t, core.ChainID(8453), result.OriginDomain)
	assert.Equal(t, eth(100), result.TotalAllocated)
	require.Len(t, result.Intents, 2)
	for _, intent := range result.Intents {
		assert.Equal(t, eth(50), intent.Amount)
		assert.Equal(t, core.ChainID(8453), intent.Origin)
		assert.Equal(t, []core.ChainID{1, 10, 8453, 42161}, intent.Destinations)
		assert.Equal(t, "0xticker", intent.TickerHash)
	}
}

func TestPlanPartialAllocation(t *testing.T) {
	in := Input{
		Invoice: &core.Invoice{
			IntentID:     "0xinv2",
			Amount:       eth(200).String(),
			TickerHash:   "0xticker",
			Owner:        "0xowner",
			Destinations: []core.ChainID{1, 8453},
		},
		Balances:         amounts(map[uint64]int64{10: 200}),
		Custodied:        amounts(map[uint64]int64{1: 40, 10: 10, 8453: 30, 42161: 0}),
		SupportedDomains: []core.ChainID{1, 10, 8453},
		MaxDestinations:  10,
	}

	result := Plan(in)

	assert.Equal(t, core.ChainID(10), result.OriginDomain)
	assert.Equal(t, eth(70), result.TotalAllocated)
	require.Len(t, result.Intents, 2)
	// Custodied order: chain 1 (40) before 8453 (30); origin 10 skipped.
	assert.Equal(t, eth(40), result.Intents[0].Amount)
	assert.Equal(t, eth(30), result.Intents[1].Amount)
}

func TestPlanSkipsOriginAsDestination(t *testing.T) {
	in := Input{
		Invoice: &core.Invoice{
			IntentID:     "0xinv3",
			Amount:       eth(10).String(),
			TickerHash:   "0xticker",
			Destinations: []core.ChainID{10},
		},
		Balances:        amounts(map[uint64]int64{10: 100}),
		Custodied:       amounts(map[uint64]int64{10: 100}),
		MaxDestinations: 10,
	}

	result := Plan(in)
	assert.Empty(t, result.Intents)
	assert.Zero(t, result.TotalAllocated.Sign())
}

func TestPlanMinAmountOverridesInvoiceAmount(t *testing.T) {
	in := Input{
		Invoice: &core.Invoice{
			IntentID:     "0xinv4",
			Amount:       eth(100).String(),
			TickerHash:   "0xticker",
			Destinations: []core.ChainID{1},
		},
		MinAmounts:      map[core.ChainID]*big.Int{8453: eth(60)},
		Balances:        amounts(map[uint64]int64{8453: 100}),
		Custodied:       amounts(map[uint64]int64{1: 100}),
		MaxDestinations: 10,
	}

	result := Plan(in)
	assert.Equal(t, core.ChainID(8453), result.OriginDomain)
	assert.Equal(t, eth(60), result.TotalAllocated)
}

func TestPlanRespectsMaxDestinations(t *testing.T) {
	in := Input{
		Invoice: &core.Invoice{
			IntentID:     "0xinv5",
			Amount:       eth(100).String(),
			TickerHash:   "0xticker",
			Destinations: []core.ChainID{1},
		},
		Balances:        amounts(map[uint64]int64{137: 100}),
		Custodied:       amounts(map[uint64]int64{1: 10, 10: 10, 8453: 10, 42161: 10}),
		MaxDestinations: 2,
	}

	result := Plan(in)
	assert.Len(t, result.Intents, 2)
	assert.Equal(t, eth(20), result.TotalAllocated)
}

func TestPlanMinAllocationDiscardsDust(t *testing.T) {
	in := Input{
		Invoice: &core.Invoice{
			IntentID:     "0xinv6",
			Amount:       eth(100).String(),
			TickerHash:   "0xticker",
			Destinations: []core.ChainID{1},
		},
		Balances:        amounts(map[uint64]int64{10: 100}),
		Custodied:       amounts(map[uint64]int64{1: 1}),
		MinAllocation:   eth(5),
		MaxDestinations: 10,
	}

	result := Plan(in)
	assert.Empty(t, result.Intents)
}

func TestPlanDeterminism(t *testing.T) {
	in := Input{
		Invoice: &core.Invoice{
			IntentID:     "0xinv7",
			Amount:       eth(120).String(),
			TickerHash:   "0xticker",
			Destinations: []core.ChainID{1, 10, 8453},
		},
		Balances:         amounts(map[uint64]int64{1: 80, 10: 80, 8453: 80}),
		Custodied:        amounts(map[uint64]int64{1: 40, 10: 40, 8453: 40, 42161: 40}),
		SupportedDomains: []core.ChainID{1, 10},
		MaxDestinations:  10,
	}

	first := Plan(in)
	for i := 0; i < 20; i++ {
		again := Plan(in)
		require.True(t, reflect.DeepEqual(first, again), "plan differed on run %d", i)
	}
}
