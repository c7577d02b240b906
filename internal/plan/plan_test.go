package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/hostr/internal/store"
)

func TestQuota(t *testing.T) {
	s, p := Quota(store.PlanFree)
	require.Equal(t, int64(86400), s)
	require.Equal(t, 30.0, p)

	s, p = Quota(store.PlanPro)
	require.Equal(t, int64(604800), s)
	require.Equal(t, 60.0, p)

	s, p = Quota(store.PlanUltra)
	require.Equal(t, UltraMaxSeconds, s)
	require.Equal(t, 100.0, p)

	// unknown plans fall back to free
	s, p = Quota(store.Plan("enterprise"))
	require.Equal(t, int64(86400), s)
	require.Equal(t, 30.0, p)
}

func TestDrainIdleDiscount(t *testing.T) {
	d := DefaultDrain()
	require.Equal(t, d.Factor, d.Rate(50.0))
	require.Equal(t, d.Factor*d.IdleDiscount, d.Rate(1.0))
	// threshold is exclusive
	require.Equal(t, d.Factor, d.Rate(2.0))
}

func TestPowerDrain(t *testing.T) {
	d := DefaultDrain()
	// 50% CPU over 30s: 0.5 * 30 * 0.02 = 0.3
	require.InDelta(t, 0.3, d.PowerDrain(50.0, 30*time.Second), 1e-9)
	// 1% CPU over 30s gets the idle discount: 0.01 * 30 * 0.004 = 0.0012
	require.InDelta(t, 0.0012, d.PowerDrain(1.0, 30*time.Second), 1e-9)
}

func TestDebitFloorsAtZero(t *testing.T) {
	require.Equal(t, int64(40), DebitTime(100, 60))
	require.Equal(t, int64(0), DebitTime(30, 60))
	require.InDelta(t, 1.5, DebitPower(3.5, 2.0), 1e-9)
	require.Equal(t, 0.0, DebitPower(1.0, 2.0))
}

func TestExhausted(t *testing.T) {
	require.False(t, Exhausted(store.Instance{RemainingSeconds: 10, PowerRemaining: 5}))
	require.True(t, Exhausted(store.Instance{RemainingSeconds: 0, PowerRemaining: 5}))
	require.True(t, Exhausted(store.Instance{RemainingSeconds: 10, PowerRemaining: 0}))
}

func TestTopUp(t *testing.T) {
	inst := store.Instance{
		TotalSeconds:     86400,
		RemainingSeconds: 100,
		PowerMax:         30,
		PowerRemaining:   5,
	}

	// free plan is already at its ceiling
	_, _, _, _, ok := TopUp(inst, 3600, store.PlanFree)
	require.False(t, ok)

	// pro plan has headroom: 3600/604800*100 ≈ 0.595% power
	total, remaining, powerMax, power, ok := TopUp(inst, 3600, store.PlanPro)
	require.True(t, ok)
	require.Equal(t, int64(90000), total)
	require.Equal(t, int64(3700), remaining)
	require.InDelta(t, 30.5952, powerMax, 0.001)
	require.InDelta(t, 5.5952, power, 0.001)
}

func TestTopUpPowerCap(t *testing.T) {
	inst := store.Instance{
		TotalSeconds:     0,
		RemainingSeconds: 0,
		PowerMax:         99.5,
		PowerRemaining:   99.5,
	}
	_, _, powerMax, power, ok := TopUp(inst, 86400, store.PlanPro)
	require.True(t, ok)
	require.LessOrEqual(t, powerMax, 100.0)
	require.LessOrEqual(t, power, 100.0)
}

func TestCanRecoverToday(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	require.True(t, CanRecoverToday(store.Owner{}, now))
	require.True(t, CanRecoverToday(store.Owner{LastRecoveryDate: "2025-06-09"}, now))
	require.False(t, CanRecoverToday(store.Owner{LastRecoveryDate: "2025-06-10"}, now))

	// day boundary is UTC: local June 11th 01:30 at +02:00 is still June
	// 10th in UTC, so the recovery stays spent
	earlyLocal := time.Date(2025, 6, 11, 1, 30, 0, 0, time.FixedZone("plus2", 2*3600))
	require.False(t, CanRecoverToday(store.Owner{LastRecoveryDate: "2025-06-10"}, earlyLocal))
}
