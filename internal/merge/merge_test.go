package merge

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/packfinderz-cartsync/internal/cart"
	pkgerrors "github.com/angelmondragon/packfinderz-cartsync/pkg/errors"
)

func line(id, product string, qty int, price string) cart.Line {
	return cart.Line{LineID: id, ProductID: product, Quantity: qty, UnitPrice: decimal.RequireFromString(price)}
}

func quantities(lines []cart.Line) map[string]int {
	out := map[string]int{}
	for _, l := range lines {
		out[l.Key().String()] = l.Quantity
	}
	return out
}

func products(lines []cart.Line) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.ProductID)
	}
	return out
}

func TestMergeLinesSumsMatchingKeys(t *testing.T) {
	guest := []cart.Line{line("local-1", "p1", 2, "10"), line("local-2", "p2", 1, "4")}
	remote := []cart.Line{line("r1", "p1", 3, "9"), line("r3", "p3", 4, "1")}

	merged := MergeLines(guest, remote)

	assert.Equal(t, []string{"p1", "p3", "p2"}, products(merged))
	assert.Equal(t, map[string]int{"p1": 5, "p3": 4, "p2": 1}, quantities(merged))
	assert.Equal(t, "r1", merged[0].LineID, "remote line keeps its id")
	assert.True(t, merged[0].UnitPrice.Equal(decimal.NewFromInt(9)), "remote price snapshot wins")
	assert.Len(t, remote, 2)
	assert.Equal(t, 3, remote[0].Quantity, "input untouched")
}

func TestMergeLinesVariantsAreDistinct(t *testing.T) {
	guest := []cart.Line{{ProductID: "p1", VariantID: "red", Quantity: 1, UnitPrice: decimal.NewFromInt(1)}}
	remote := []cart.Line{{LineID: "r1", ProductID: "p1", VariantID: "blue", Quantity: 1, UnitPrice: decimal.NewFromInt(1)}}

	merged := MergeLines(guest, remote)
	assert.Equal(t, map[string]int{"p1:blue": 1, "p1:red": 1}, quantities(merged))
}

func TestMergeLinesEmptySides(t *testing.T) {
	remote := []cart.Line{line("r1", "p1", 3, "9")}
	assert.Equal(t, quantities(remote), quantities(MergeLines(nil, remote)))

	guest := []cart.Line{line("local-1", "p2", 2, "1")}
	assert.Equal(t, quantities(guest), quantities(MergeLines(guest, nil)))
	assert.Empty(t, MergeLines(nil, nil))
}

type fakePersistence struct {
	local      []cart.Line
	hasLocal   bool
	remote     []cart.Line
	fetchErr   error
	upsertErr  error
	upserted   [][]cart.Line
	discarded  int
	fetchCalls int
}

func (f *fakePersistence) LoadLocal(context.Context) ([]cart.Line, bool) {
	return f.local, f.hasLocal
}

func (f *fakePersistence) FetchRemote(context.Context) ([]cart.Line, error) {
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.remote, nil
}

func (f *fakePersistence) UpsertBatch(_ context.Context, lines []cart.Line) ([]cart.Line, error) {
	f.upserted = append(f.upserted, lines)
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	out := make([]cart.Line, len(lines))
	for i, l := range lines {
		if cart.IsPlaceholderID(l.LineID) {
			l.LineID = "srv-" + l.ProductID
		}
		out[i] = l
	}
	f.remote = out
	return out, nil
}

func (f *fakePersistence) DiscardLocal(context.Context) {
	f.discarded++
	f.local = nil
	f.hasLocal = false
}

func newMerger(t *testing.T, store *cart.Store, persist *fakePersistence) *Merger {
	t.Helper()
	m, err := New(Options{Store: store, Persistence: persist})
	require.NoError(t, err)
	return m
}

func TestMergeCombinesGuestAndRemote(t *testing.T) {
	store := cart.NewStore(cart.DefaultPricing())
	store.Replace([]cart.Line{line("local-1", "p1", 2, "10"), line("local-2", "p2", 1, "4")})
	persist := &fakePersistence{remote: []cart.Line{line("r1", "p1", 3, "10"), line("r3", "p3", 4, "1")}}

	res, err := newMerger(t, store, persist).Merge(context.Background(), "guest-a>user-1")
	require.NoError(t, err)

	assert.False(t, res.Skipped)
	assert.Equal(t, 2, res.GuestLines)
	require.Len(t, persist.upserted, 1)
	assert.Equal(t, map[string]int{"p1": 5, "p3": 4, "p2": 1}, quantities(persist.upserted[0]))
	assert.Equal(t, map[string]int{"p1": 5, "p3": 4, "p2": 1}, quantities(store.Lines()))
	assert.Equal(t, 1, persist.discarded)
	for _, l := range store.Lines() {
		assert.True(t, l.HasRemoteID(), "canonical lines carry remote ids: %s", l.LineID)
	}
}

func TestMergeRunsOncePerTransition(t *testing.T) {
	store := cart.NewStore(cart.DefaultPricing())
	store.Replace([]cart.Line{line("local-1", "p1", 2, "10")})
	persist := &fakePersistence{remote: []cart.Line{line("r1", "p1", 3, "10")}}
	merger := newMerger(t, store, persist)
	ctx := context.Background()

	_, err := merger.Merge(ctx, "guest-a>user-1")
	require.NoError(t, err)

	res, err := merger.Merge(ctx, "guest-a>user-1")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Len(t, persist.upserted, 1, "second merge never re-adds guest quantities")
	assert.Equal(t, 5, store.ItemCount())

	store.Replace([]cart.Line{line("local-9", "p9", 1, "1")})
	_, err = merger.Merge(ctx, "guest-b>user-1")
	require.NoError(t, err)
	assert.Len(t, persist.upserted, 2, "a new transition merges again")
}

func TestMergeEmptyGuestAdoptsRemote(t *testing.T) {
	store := cart.NewStore(cart.DefaultPricing())
	persist := &fakePersistence{remote: []cart.Line{line("r1", "p1", 3, "10")}}

	res, err := newMerger(t, store, persist).Merge(context.Background(), "guest-a>user-1")
	require.NoError(t, err)

	assert.Zero(t, res.GuestLines)
	assert.Empty(t, persist.upserted, "nothing to push")
	assert.Equal(t, map[string]int{"p1": 3}, quantities(store.Lines()))
}

func TestMergeFallsBackToDurableGuestCopy(t *testing.T) {
	store := cart.NewStore(cart.DefaultPricing())
	persist := &fakePersistence{
		local:    []cart.Line{line("local-1", "p2", 2, "3")},
		hasLocal: true,
	}

	res, err := newMerger(t, store, persist).Merge(context.Background(), "guest-a>user-1")
	require.NoError(t, err)

	assert.Equal(t, 1, res.GuestLines)
	assert.Equal(t, map[string]int{"p2": 2}, quantities(store.Lines()))
}

func TestMergeFailureKeepsGuestCart(t *testing.T) {
	cases := map[string]*fakePersistence{
		"fetch fails":  {fetchErr: pkgerrors.New(pkgerrors.CodeNetwork, "offline")},
		"upsert fails": {upsertErr: errors.New("boom")},
	}
	for name, persist := range cases {
		t.Run(name, func(t *testing.T) {
			store := cart.NewStore(cart.DefaultPricing())
			guest := []cart.Line{line("local-1", "p1", 2, "10")}
			store.Replace(guest)
			merger := newMerger(t, store, persist)

			_, err := merger.Merge(context.Background(), "guest-a>user-1")
			require.Error(t, err)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeMergeConflict))
			assert.Equal(t, quantities(guest), quantities(store.Lines()))
			assert.Zero(t, persist.discarded, "durable guest copy kept")

			persist.fetchErr = nil
			persist.upsertErr = nil
			_, err = merger.Merge(context.Background(), "guest-a>user-1")
			require.NoError(t, err, "latch released so the merge can be retried")
			assert.Equal(t, 1, persist.discarded)
		})
	}
}

func TestMergeInProgress(t *testing.T) {
	latch := NewMemoryLatch()
	ctx := context.Background()
	state, err := latch.Acquire(ctx, "guest-a>user-1")
	require.NoError(t, err)
	require.Equal(t, LatchAcquired, state)

	persist := &fakePersistence{}
	merger, err := New(Options{Store: cart.NewStore(cart.DefaultPricing()), Persistence: persist, Latch: latch})
	require.NoError(t, err)

	_, err = merger.Merge(ctx, "guest-a>user-1")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeMergeInProgress))
	assert.Zero(t, persist.fetchCalls)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{Persistence: &fakePersistence{}})
	assert.Error(t, err)
	_, err = New(Options{Store: cart.NewStore(cart.DefaultPricing())})
	assert.Error(t, err)
}
