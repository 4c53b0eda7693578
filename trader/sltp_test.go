package trader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpForge/config"
	"PerpForge/store"
)

func sltpConfig() *config.Manager {
	return config.NewFromMap(map[string]interface{}{
		"sltp.k_sl":               1.5,
		"sltp.k_tp":               2.0,
		"sltp.trailing_mult":      0.5,
		"sltp.min_distance_pct":   0.002,
		"sltp.fallback_sl_pct":    0.01,
		"sltp.fallback_tp_pct":    0.015,
		"sltp.min_trail_step_atr": 0.1,
	})
}

func newSLTPForTest(t *testing.T, venue Venue) (*SLTPManager, *store.Store) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewSLTPManager(venue, testNormalizer(), st, sltpConfig()), st
}

// Long at 50000 with ATR 500, k_sl=1.5, k_tp=2.0: SL=49250, TP=51000.
func TestComputeLevelsATRBased(t *testing.T) {
	m, _ := newSLTPForTest(t, newFakeVenue())

	sl, tp := m.ComputeLevels("long", 50000, 500)
	assert.Equal(t, 49250.0, sl)
	assert.Equal(t, 51000.0, tp)

	// short is reflected: TP < entry < SL
	sl, tp = m.ComputeLevels("short", 50000, 500)
	assert.Equal(t, 50750.0, sl)
	assert.Equal(t, 49000.0, tp)
}

func TestComputeLevelsGeometryInvariant(t *testing.T) {
	m, _ := newSLTPForTest(t, newFakeVenue())

	for _, atr := range []float64{0, 10, 500, 5000} {
		sl, tp := m.ComputeLevels("long", 50000, atr)
		assert.Less(t, sl, 50000.0, "long SL below entry (atr=%v)", atr)
		assert.Greater(t, tp, 50000.0, "long TP above entry (atr=%v)", atr)

		sl, tp = m.ComputeLevels("short", 50000, atr)
		assert.Greater(t, sl, 50000.0, "short SL above entry (atr=%v)", atr)
		assert.Less(t, tp, 50000.0, "short TP below entry (atr=%v)", atr)
	}
}

func TestComputeLevelsPercentFallbackAndMinDistance(t *testing.T) {
	m, _ := newSLTPForTest(t, newFakeVenue())

	// no ATR: percent distances
	sl, tp := m.ComputeLevels("long", 50000, 0)
	assert.Equal(t, 50000-500.0, sl)  // 1%
	assert.Equal(t, 50000+750.0, tp)  // 1.5%

	// tiny ATR: distances clamp to min_distance_pct of entry
	sl, tp = m.ComputeLevels("long", 50000, 1)
	assert.Equal(t, 50000-100.0, sl) // 0.2% minimum
	assert.Equal(t, 50000+100.0, tp)
}

func TestAttachInvokesTradingStopOnce(t *testing.T) {
	venue := newFakeVenue()
	m, _ := newSLTPForTest(t, venue)

	lvl, err := m.Attach("BTCUSDT", "long", 50000, 0.01, 500)
	require.NoError(t, err)
	require.NotNil(t, lvl)

	require.Len(t, venue.tradingStops, 1, "a single call sets both levels")
	assert.Equal(t, 49250.0, venue.tradingStops[0].StopLoss)
	assert.Equal(t, 51000.0, venue.tradingStops[0].TakeProfit)
	assert.Equal(t, store.SLTPActive, lvl.Status)
}

func TestTrailingRatchetsAndNeverWidens(t *testing.T) {
	venue := newFakeVenue()
	m, st := newSLTPForTest(t, venue)

	lvl, err := m.Attach("BTCUSDT", "long", 50000, 0.01, 500)
	require.NoError(t, err)
	assert.Equal(t, 49250.0, lvl.StopLoss)

	// favorable move: stop ratchets up toward price - trailing_mult*ATR
	moved, err := m.Trail(lvl, 51200, 500)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, 50950.0, lvl.StopLoss)
	assert.Greater(t, lvl.StopLoss, 49250.0, "ratcheted up from the entry stop")

	// adverse move: candidate would be lower, stop must NOT widen
	moved, err = m.Trail(lvl, 50600, 500)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, 50950.0, lvl.StopLoss)

	// tiny favorable move below the min step is skipped to avoid churn
	moved, err = m.Trail(lvl, 51210, 500)
	require.NoError(t, err)
	assert.False(t, moved)

	// the persisted row tracks the ratcheted stop
	persisted, err := st.SLTP().GetActive("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 50950.0, persisted.StopLoss)
}

func TestTrailingShortRatchetsDown(t *testing.T) {
	venue := newFakeVenue()
	m, _ := newSLTPForTest(t, venue)

	lvl, err := m.Attach("BTCUSDT", "short", 50000, 0.01, 500)
	require.NoError(t, err)
	assert.Equal(t, 50750.0, lvl.StopLoss)

	moved, err := m.Trail(lvl, 48800, 500)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, 49050.0, lvl.StopLoss)

	// never widens upward
	moved, err = m.Trail(lvl, 49500, 500)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, 49050.0, lvl.StopLoss)
}

func TestVirtualTriggers(t *testing.T) {
	m, _ := newSLTPForTest(t, newFakeVenue())

	long := &store.SLTPLevel{Side: "long", StopLoss: 49250, TakeProfit: 51000}
	assert.Equal(t, "", m.CheckVirtual(long, 50000))
	assert.Equal(t, ExitSLHit, m.CheckVirtual(long, 49250))
	assert.Equal(t, ExitSLHit, m.CheckVirtual(long, 49100))
	assert.Equal(t, ExitTPHit, m.CheckVirtual(long, 51000))

	short := &store.SLTPLevel{Side: "short", StopLoss: 50750, TakeProfit: 49000}
	assert.Equal(t, "", m.CheckVirtual(short, 50000))
	assert.Equal(t, ExitSLHit, m.CheckVirtual(short, 50800))
	assert.Equal(t, ExitTPHit, m.CheckVirtual(short, 48900))
}

func TestCloseLifecycle(t *testing.T) {
	venue := newFakeVenue()
	m, st := newSLTPForTest(t, venue)

	lvl, err := m.Attach("BTCUSDT", "long", 50000, 0.01, 500)
	require.NoError(t, err)

	require.NoError(t, m.RecordPartialClose(lvl, 0.004))
	assert.Equal(t, 0.004, lvl.ClosedQty)

	require.NoError(t, m.Close(lvl, ExitTPHit))
	// the venue-side levels are cleared with a zero-value trading stop
	lastStop := venue.tradingStops[len(venue.tradingStops)-1]
	assert.Equal(t, 0.0, lastStop.StopLoss)
	assert.Equal(t, 0.0, lastStop.TakeProfit)

	active, err := st.SLTP().GetActive("BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, active, "closed level is no longer active")
}
