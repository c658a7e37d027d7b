package cart

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/packfinderz-cartsync/pkg/errors"
)

func price(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestAddLineIncrementsExistingKey(t *testing.T) {
	store := NewStore(DefaultPricing())

	first, err := store.AddLine(AddLineInput{ProductID: "p1", Quantity: 1, UnitPrice: price("10")})
	require.NoError(t, err)
	assert.True(t, IsPlaceholderID(first.LineID))

	second, err := store.AddLine(AddLineInput{ProductID: "p1", Quantity: 2, UnitPrice: price("12")})
	require.NoError(t, err)

	lines := store.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, 3, lines[0].Quantity)
	assert.Equal(t, first.LineID, second.LineID)
	assert.True(t, lines[0].UnitPrice.Equal(price("10")), "first price snapshot is kept")
}

func TestAddLineVariantsAreDistinctLines(t *testing.T) {
	store := NewStore(DefaultPricing())
	_, err := store.AddLine(AddLineInput{ProductID: "shirt", VariantID: "m", Quantity: 1, UnitPrice: price("20")})
	require.NoError(t, err)
	_, err = store.AddLine(AddLineInput{ProductID: "shirt", VariantID: "l", Quantity: 1, UnitPrice: price("20")})
	require.NoError(t, err)
	_, err = store.AddLine(AddLineInput{ProductID: "shirt", Quantity: 1, UnitPrice: price("20")})
	require.NoError(t, err)

	assert.Equal(t, 3, store.LineCount())
	assert.Equal(t, 3, store.ItemCount())
}

func TestAddLinePriceOverride(t *testing.T) {
	store := NewStore(DefaultPricing())
	override := price("7.50")
	line, err := store.AddLine(AddLineInput{ProductID: "p1", Quantity: 2, UnitPrice: price("10"), PriceOverride: &override})
	require.NoError(t, err)
	assert.True(t, line.UnitPrice.Equal(override))
	assert.True(t, store.Subtotal().Equal(price("15")))
}

func TestAddLineRejectsInvalidQuantity(t *testing.T) {
	store := NewStore(DefaultPricing())
	for _, qty := range []int{0, -3} {
		_, err := store.AddLine(AddLineInput{ProductID: "p1", Quantity: qty, UnitPrice: price("1")})
		require.Error(t, err)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidQuantity), "qty %d", qty)
	}
	assert.True(t, store.IsEmpty())
	assert.Equal(t, uint64(0), store.Version(), "failed adds must not touch the store")
}

func TestAddLineRejectsMissingProductAndNegativePrice(t *testing.T) {
	store := NewStore(DefaultPricing())
	_, err := store.AddLine(AddLineInput{Quantity: 1, UnitPrice: price("1")})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = store.AddLine(AddLineInput{ProductID: "p1", Quantity: 1, UnitPrice: price("-1")})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestRemoveLineIsIdempotent(t *testing.T) {
	store := NewStore(DefaultPricing())
	line, err := store.AddLine(AddLineInput{ProductID: "p1", Quantity: 1, UnitPrice: price("1")})
	require.NoError(t, err)

	assert.True(t, store.RemoveLine(ByID(line.LineID)))
	assert.False(t, store.RemoveLine(ByID(line.LineID)))
	assert.False(t, store.RemoveLine(ByKey("ghost", "")))
	assert.True(t, store.IsEmpty())
}

func TestSetQuantity(t *testing.T) {
	store := NewStore(DefaultPricing())
	line, err := store.AddLine(AddLineInput{ProductID: "p1", Quantity: 1, UnitPrice: price("1")})
	require.NoError(t, err)

	require.NoError(t, store.SetQuantity(ByID(line.LineID), 5))
	got, ok := store.Line(ByKey("p1", ""))
	require.True(t, ok)
	assert.Equal(t, 5, got.Quantity)

	require.NoError(t, store.SetQuantity(ByKey("p1", ""), 0))
	assert.True(t, store.IsEmpty(), "quantity zero removes the line")

	err = store.SetQuantity(ByID("missing"), 2)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestSetQuantityNegativeRemovesLine(t *testing.T) {
	store := NewStore(DefaultPricing())
	_, err := store.AddLine(AddLineInput{ProductID: "p1", Quantity: 3, UnitPrice: price("2")})
	require.NoError(t, err)
	_, err = store.AddLine(AddLineInput{ProductID: "p2", Quantity: 1, UnitPrice: price("1")})
	require.NoError(t, err)

	require.NoError(t, store.SetQuantity(ByKey("p1", ""), -5))
	_, ok := store.Line(ByKey("p1", ""))
	assert.False(t, ok)
	assert.Equal(t, 1, store.LineCount())
	assert.Equal(t, 1, store.ItemCount())
}

func TestSetQuantityNonPositiveOnAbsentLineIsNoOp(t *testing.T) {
	store := NewStore(DefaultPricing())
	_, err := store.AddLine(AddLineInput{ProductID: "p1", Quantity: 1, UnitPrice: price("1")})
	require.NoError(t, err)
	version := store.Version()

	for _, qty := range []int{0, -3} {
		applied, err := store.Apply(UpdateMutation(ByKey("ghost", ""), qty))
		require.NoError(t, err, "quantity %d", qty)
		assert.False(t, applied.Changed)
	}
	assert.Equal(t, version, store.Version())
	assert.Equal(t, 1, store.LineCount())

	err = store.SetQuantity(ByKey("ghost", ""), 2)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound), "positive quantity still needs the line")
}

func TestAdoptLineID(t *testing.T) {
	store := NewStore(DefaultPricing())
	line, err := store.AddLine(AddLineInput{ProductID: "p1", VariantID: "v1", Quantity: 2, UnitPrice: price("3")})
	require.NoError(t, err)
	require.True(t, IsPlaceholderID(line.LineID))
	version := store.Version()

	assert.True(t, store.AdoptLineID(LineKey{ProductID: "p1", VariantID: "v1"}, "r-9"))
	got, ok := store.Line(ByID("r-9"))
	require.True(t, ok)
	assert.Equal(t, 2, got.Quantity)
	assert.True(t, got.HasRemoteID())
	assert.Greater(t, store.Version(), version)

	_, ok = store.Line(ByID(line.LineID))
	assert.False(t, ok, "placeholder id is gone")

	assert.False(t, store.AdoptLineID(LineKey{ProductID: "p1", VariantID: "v1"}, "r-9"), "same id")
	assert.False(t, store.AdoptLineID(LineKey{ProductID: "p2"}, "r-10"), "absent key")
	assert.False(t, store.AdoptLineID(LineKey{ProductID: "p1", VariantID: "v1"}, ""), "empty id")
}

func TestClearEmptiesCart(t *testing.T) {
	store := NewStore(DefaultPricing())
	_, _ = store.AddLine(AddLineInput{ProductID: "p1", Quantity: 1, UnitPrice: price("1")})
	_, _ = store.AddLine(AddLineInput{ProductID: "p2", Quantity: 1, UnitPrice: price("1")})

	store.Clear()
	assert.True(t, store.IsEmpty())
	assert.True(t, store.Total().IsZero())
}

func TestTotalsExample(t *testing.T) {
	store := NewStore(DefaultPricing())
	_, err := store.AddLine(AddLineInput{ProductID: "a", Quantity: 2, UnitPrice: price("10.00")})
	require.NoError(t, err)
	_, err = store.AddLine(AddLineInput{ProductID: "b", Quantity: 1, UnitPrice: price("5.00")})
	require.NoError(t, err)

	totals := store.Totals()
	assert.Equal(t, "25", totals.Subtotal.String())
	assert.Equal(t, "2", totals.Tax.String())
	assert.Equal(t, "5.99", totals.Shipping.String())
	assert.Equal(t, "32.99", totals.Total.String())
	assert.Equal(t, 2, totals.LineCount)
	assert.Equal(t, 3, totals.ItemCount)
}

func TestTotalsFreeShippingAtThreshold(t *testing.T) {
	totals := DefaultPricing().Totals([]Line{{ProductID: "a", Quantity: 5, UnitPrice: price("10")}})
	assert.True(t, totals.Shipping.IsZero(), "subtotal equal to the threshold ships free")
	assert.True(t, totals.Total.Equal(price("54")))
}

func TestTotalsRoundTaxToCents(t *testing.T) {
	totals := DefaultPricing().Totals([]Line{{ProductID: "a", Quantity: 1, UnitPrice: price("3.33")}})
	assert.True(t, totals.Tax.Equal(price("0.27")), "got %s", totals.Tax)
}

func TestTotalsEmptyCart(t *testing.T) {
	totals := DefaultPricing().Totals(nil)
	assert.True(t, totals.Total.IsZero())
	assert.True(t, totals.Shipping.IsZero())
}

func TestSnapshotRestore(t *testing.T) {
	store := NewStore(DefaultPricing())
	_, _ = store.AddLine(AddLineInput{ProductID: "p1", Quantity: 1, UnitPrice: price("1")})
	snap := store.Snapshot()

	_, _ = store.AddLine(AddLineInput{ProductID: "p2", Quantity: 4, UnitPrice: price("2")})
	store.Restore(snap)

	assert.Equal(t, snap.Lines, store.Lines())
}

func TestSnapshotIsIsolatedFromLaterChanges(t *testing.T) {
	store := NewStore(DefaultPricing())
	_, _ = store.AddLine(AddLineInput{ProductID: "p1", Quantity: 1, UnitPrice: price("1")})
	snap := store.Snapshot()

	_, _ = store.AddLine(AddLineInput{ProductID: "p1", Quantity: 1, UnitPrice: price("1")})
	assert.Equal(t, 1, snap.Lines[0].Quantity)
}

func TestRevertRestoresExactSnapshot(t *testing.T) {
	store := NewStore(DefaultPricing())
	_, _ = store.AddLine(AddLineInput{ProductID: "p1", Quantity: 2, UnitPrice: price("3")})
	_, _ = store.AddLine(AddLineInput{ProductID: "p2", Quantity: 1, UnitPrice: price("4")})
	before := store.Lines()

	mutations := []Mutation{
		AddMutation("p3", "", 1, price("9")),
		AddMutation("p1", "", 5, price("3")),
		UpdateMutation(ByKey("p2", ""), 7),
		UpdateMutation(ByKey("p2", ""), 0),
		RemoveMutation(ByKey("p1", "")),
		ClearMutation(),
	}
	for _, m := range mutations {
		applied, err := store.Apply(m)
		require.NoError(t, err, m.Kind)
		require.True(t, applied.Changed, m.Kind)
		store.Revert(applied)
		assert.Equal(t, before, store.Lines(), "revert of %s", m.Kind)
	}
}

func TestRevertCompensatesWithoutCollateralRollback(t *testing.T) {
	store := NewStore(DefaultPricing())

	first, err := store.Apply(AddMutation("p1", "", 1, price("10")))
	require.NoError(t, err)
	_, err = store.Apply(AddMutation("p1", "", 2, price("10")))
	require.NoError(t, err)
	_, err = store.Apply(AddMutation("p2", "", 1, price("5")))
	require.NoError(t, err)

	store.Revert(first)

	p1, ok := store.Line(ByKey("p1", ""))
	require.True(t, ok)
	assert.Equal(t, 2, p1.Quantity, "second add survives the first one's rollback")
	_, ok = store.Line(ByKey("p2", ""))
	assert.True(t, ok)
}

func TestRevertRemoveReinsertsAtOriginalPosition(t *testing.T) {
	store := NewStore(DefaultPricing())
	_, _ = store.AddLine(AddLineInput{ProductID: "a", Quantity: 1, UnitPrice: price("1")})
	_, _ = store.AddLine(AddLineInput{ProductID: "b", Quantity: 1, UnitPrice: price("1")})
	_, _ = store.AddLine(AddLineInput{ProductID: "c", Quantity: 1, UnitPrice: price("1")})

	removed, err := store.Apply(RemoveMutation(ByKey("b", "")))
	require.NoError(t, err)
	_, err = store.Apply(AddMutation("d", "", 1, price("1")))
	require.NoError(t, err)

	store.Revert(removed)

	keys := []string{}
	for _, line := range store.Lines() {
		keys = append(keys, line.Key().String())
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, keys)
}

func TestRevertUpdateKeepsNewerQuantity(t *testing.T) {
	store := NewStore(DefaultPricing())
	_, _ = store.AddLine(AddLineInput{ProductID: "a", Quantity: 1, UnitPrice: price("1")})

	stale, err := store.Apply(UpdateMutation(ByKey("a", ""), 4))
	require.NoError(t, err)
	_, err = store.Apply(UpdateMutation(ByKey("a", ""), 9))
	require.NoError(t, err)

	store.Revert(stale)
	line, _ := store.Line(ByKey("a", ""))
	assert.Equal(t, 9, line.Quantity)
}

func TestApplyResolvesLineReference(t *testing.T) {
	store := NewStore(DefaultPricing())
	line, _ := store.AddLine(AddLineInput{ProductID: "p1", VariantID: "red", Quantity: 1, UnitPrice: price("1")})

	applied, err := store.Apply(UpdateMutation(ByID(line.LineID), 3))
	require.NoError(t, err)
	assert.Equal(t, "p1", applied.Mutation.ProductID)
	assert.Equal(t, "red", applied.Mutation.VariantID)

	applied, err = store.Apply(RemoveMutation(ByKey("p1", "red")))
	require.NoError(t, err)
	assert.Equal(t, line.LineID, applied.Mutation.LineID)
}

func TestReplaceNormalizes(t *testing.T) {
	store := NewStore(DefaultPricing())
	store.Replace([]Line{
		{LineID: "r1", ProductID: "a", Quantity: 1, UnitPrice: price("2")},
		{LineID: "r2", ProductID: "a", Quantity: 2, UnitPrice: price("3")},
		{LineID: "r3", ProductID: "b", Quantity: 0, UnitPrice: price("3")},
		{ProductID: "c", Quantity: 1, UnitPrice: price("1")},
		{LineID: "r5", Quantity: 1, UnitPrice: price("1")},
	})

	lines := store.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "r1", lines[0].LineID)
	assert.Equal(t, 3, lines[0].Quantity)
	assert.True(t, IsPlaceholderID(lines[1].LineID))
}

func TestConcurrentAddsKeepKeysUnique(t *testing.T) {
	store := NewStore(DefaultPricing())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			product := "p1"
			if i%2 == 0 {
				product = "p2"
			}
			_, err := store.AddLine(AddLineInput{ProductID: product, Quantity: 1, UnitPrice: price("1")})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, store.LineCount())
	assert.Equal(t, 50, store.ItemCount())
	for _, line := range store.Lines() {
		assert.GreaterOrEqual(t, line.Quantity, 1)
	}
}

func TestLineKeyString(t *testing.T) {
	assert.Equal(t, "p1", LineKey{ProductID: "p1"}.String())
	assert.Equal(t, "p1:v2", LineKey{ProductID: "p1", VariantID: "v2"}.String())
	assert.Equal(t, LineKey{ProductID: "p1", VariantID: "v2"}, ParseLineKey("p1:v2"))
}
