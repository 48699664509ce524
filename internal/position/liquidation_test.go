package position

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimplifiedModelSides(t *testing.T) {
	model := DefaultModel()
	for _, lev := range []int{1, 2, 5, 10, 20, 50, 125} {
		long := Position{Side: SideLong, EntryPrice: d("50000"), Quantity: d("1"), Leverage: lev}
		short := Position{Side: SideShort, EntryPrice: d("50000"), Quantity: d("1"), Leverage: lev}
		assert.True(t, model.LiquidationPrice(long).LessThan(d("50000")), "leverage %d", lev)
		assert.True(t, model.LiquidationPrice(short).GreaterThan(d("50000")), "leverage %d", lev)
	}
}

func TestSimplifiedModelDistanceShrinksWithLeverage(t *testing.T) {
	model := DefaultModel()
	entry := d("50000")
	prev := entry
	for _, lev := range []int{1, 2, 5, 10, 25, 100} {
		liq := model.LiquidationPrice(Position{Side: SideLong, EntryPrice: entry, Quantity: d("1"), Leverage: lev})
		dist := entry.Sub(liq)
		assert.True(t, dist.LessThan(prev), "leverage %d", lev)
		prev = dist
	}
}

func TestSimplifiedModelInvalidLeverage(t *testing.T) {
	liq := DefaultModel().LiquidationPrice(Position{Side: SideLong, EntryPrice: d("100"), Quantity: d("1")})
	assert.True(t, liq.IsZero())
}

func TestTieredModelBracketSelection(t *testing.T) {
	model := NewTieredModel(nil)
	assertDecimal(t, "0.004", model.Bracket(d("50000")).Rate)
	assertDecimal(t, "0.005", model.Bracket(d("60000")).Rate)
	assertDecimal(t, "1300", model.Bracket(d("999999")).Amount)
	assertDecimal(t, "0.15", model.Bracket(d("500000000")).Rate)
}

func TestTieredModelPrices(t *testing.T) {
	model := NewTieredModel(nil)

	long, err := Open("BTCUSDT", SideLong, d("50000"), d("0.1"), 10, model, time.Now())
	require.NoError(t, err)
	assert.True(t, d("4500").Div(d("0.0996")).Equal(long.LiquidationPrice), "got %s", long.LiquidationPrice)
	assert.True(t, long.LiquidationPrice.LessThan(long.EntryPrice))

	short, err := Open("BTCUSDT", SideShort, d("50000"), d("0.1"), 10, model, time.Now())
	require.NoError(t, err)
	assert.True(t, d("5500").Div(d("0.1004")).Equal(short.LiquidationPrice), "got %s", short.LiquidationPrice)
	assert.True(t, short.LiquidationPrice.GreaterThan(short.EntryPrice))
}

func TestTieredModelNeverNegative(t *testing.T) {
	model := NewTieredModel(nil)
	p := Position{Side: SideLong, EntryPrice: d("100"), Quantity: d("1"), Leverage: 1}
	assert.False(t, model.LiquidationPrice(p).IsNegative())
}

func TestModelByName(t *testing.T) {
	m, err := ModelByName("Tiered")
	require.NoError(t, err)
	assert.Equal(t, "tiered", m.Name())

	m, err = ModelByName("")
	require.NoError(t, err)
	assert.Equal(t, "simplified", m.Name())

	_, err = ModelByName("exotic")
	assert.Error(t, err)
}
