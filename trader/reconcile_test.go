package trader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpForge/config"
	"PerpForge/exchange"
	"PerpForge/store"
)

func newReconcilerForTest(t *testing.T, venue Venue) (*Reconciler, *PositionManager, *store.Store) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pm := NewPositionManager("BTCUSDT", st)
	r := NewReconciler(venue, st, pm, config.NewFromMap(nil), "BTCUSDT")
	return r, pm, st
}

// Restart with an open venue position and an empty local store: the
// position is adopted locally so the bot monitors it instead of stacking a
// new one.
func TestReconcileAdoptsVenuePosition(t *testing.T) {
	venue := newFakeVenue()
	venue.positions = []exchange.Position{{
		Symbol: "BTCUSDT", Side: "long", Size: 0.01,
		EntryPrice: 50000, MarkPrice: 50100, UnrealizedPnL: 1,
	}}

	r, pm, _ := newReconcilerForTest(t, venue)
	require.True(t, pm.Flat())

	require.NoError(t, r.Reconcile())

	pos := pm.Get()
	assert.Equal(t, "long", pos.Side)
	assert.Equal(t, 0.01, pos.Size)
	assert.Equal(t, 50000.0, pos.EntryPrice)
	assert.False(t, pm.Flat())
}

func TestReconcileClosesLocalGhostPosition(t *testing.T) {
	venue := newFakeVenue() // no venue positions
	r, pm, _ := newReconcilerForTest(t, venue)

	pm.SetFromVenue(exchange.Position{Symbol: "BTCUSDT", Side: "short", Size: 0.05, EntryPrice: 49000})
	require.False(t, pm.Flat())

	require.NoError(t, r.Reconcile())
	assert.True(t, pm.Flat(), "position missing on venue is closed locally")
}

func TestReconcileOverwritesSizeMismatch(t *testing.T) {
	venue := newFakeVenue()
	venue.positions = []exchange.Position{{
		Symbol: "BTCUSDT", Side: "long", Size: 0.02, EntryPrice: 50500,
	}}
	r, pm, _ := newReconcilerForTest(t, venue)
	pm.SetFromVenue(exchange.Position{Symbol: "BTCUSDT", Side: "long", Size: 0.01, EntryPrice: 50000})

	require.NoError(t, r.Reconcile())
	pos := pm.Get()
	assert.Equal(t, 0.02, pos.Size)
	assert.Equal(t, 50500.0, pos.EntryPrice)
}

func TestReconcileOrders(t *testing.T) {
	venue := newFakeVenue()
	r, _, st := newReconcilerForTest(t, venue)

	// locally active order that the venue no longer knows
	require.NoError(t, st.Order().Insert(&exchange.Order{
		OrderID: "stale-1", OrderLinkID: "lnk-stale", Symbol: "BTCUSDT",
		Side: exchange.SideBuy, OrderType: exchange.OrderTypeLimit,
		Qty: 0.01, Price: 49000, Status: exchange.StatusNew,
	}))

	// venue order unknown locally
	res := venue.CreateOrder(exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideSell,
		OrderType: exchange.OrderTypeLimit, Qty: 0.02, Price: 51000,
		OrderLinkID: "lnk-venue-only",
	})
	require.True(t, res.Ok())

	require.NoError(t, r.Reconcile())

	stale, err := st.Order().GetByOrderID("stale-1")
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusCancelled, stale.Status)

	adopted, err := st.Order().GetByLinkID("lnk-venue-only")
	require.NoError(t, err)
	require.NotNil(t, adopted)
	assert.Equal(t, exchange.StatusNew, adopted.Status)
}

func TestReconcileInsertsMissingExecutions(t *testing.T) {
	venue := newFakeVenue()
	venue.execs = []exchange.Execution{
		{ExecID: "e-1", OrderID: "o-1", Symbol: "BTCUSDT", Side: exchange.SideBuy,
			Price: 50000, Qty: 0.01, Fee: 0.05, ExecTime: time.Now()},
		{ExecID: "e-2", OrderID: "o-1", Symbol: "BTCUSDT", Side: exchange.SideBuy,
			Price: 50010, Qty: 0.01, Fee: 0.05, ExecTime: time.Now()},
	}
	r, _, st := newReconcilerForTest(t, venue)

	require.NoError(t, r.Reconcile())
	recent, err := st.Execution().ListRecent("BTCUSDT", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	// a second pass is idempotent
	require.NoError(t, r.Reconcile())
	recent, err = st.Execution().ListRecent("BTCUSDT", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}
