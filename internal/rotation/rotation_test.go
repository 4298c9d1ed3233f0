package rotation

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkgraph-crawler/linkgraph/internal/storage"
)

func testManager(t *testing.T, quotas map[string][2]int64) *Manager {
	t.Helper()

	var configs []TargetConfig
	for _, name := range []string{"alpha", "beta"} {
		q, ok := quotas[name]
		if !ok {
			q = [2]int64{1000, 1000}
		}
		db, err := storage.Open(name, filepath.Join(t.TempDir(), name+".db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		configs = append(configs, TargetConfig{
			DB:                db,
			StorageQuotaBytes: q[0],
			MonthlyWriteLimit: q[1],
		})
	}
	m := NewManager(configs, nil, zerolog.Nop())
	// Fresh sqlite files already hold schema pages; zero the byte counters
	// so each test controls usage exactly.
	for _, st := range m.targets {
		st.usage.BytesUsed = 0
		m.recomputeStatus(st)
	}
	return m
}

func TestChoosePrefersLowerLoad(t *testing.T) {
	m := testManager(t, nil)

	// alpha at 40% writes, beta at 10%.
	m.targets["alpha"].usage.WritesThisMonth = 400
	m.targets["alpha"].usage.BytesUsed = 0
	m.targets["beta"].usage.WritesThisMonth = 100
	m.targets["beta"].usage.BytesUsed = 0

	name, err := m.ChooseWriteTarget(nil)
	require.NoError(t, err)
	assert.Equal(t, "beta", name)
}

func TestChooseUsesWorstAxis(t *testing.T) {
	m := testManager(t, nil)

	// alpha: low writes but heavy storage; beta moderate on both.
	m.targets["alpha"].usage.WritesThisMonth = 10
	m.targets["alpha"].usage.BytesUsed = 800
	m.targets["beta"].usage.WritesThisMonth = 500
	m.targets["beta"].usage.BytesUsed = 500

	name, err := m.ChooseWriteTarget(nil)
	require.NoError(t, err)
	assert.Equal(t, "beta", name)
}

func TestChooseExcludesAboveCap(t *testing.T) {
	m := testManager(t, nil)

	// alpha at 84% still eligible; at 85% it is not.
	m.targets["alpha"].usage.WritesThisMonth = 840
	m.targets["beta"].usage.WritesThisMonth = 200

	name, err := m.ChooseWriteTarget(nil)
	require.NoError(t, err)
	assert.Equal(t, "beta", name)

	m.targets["beta"].usage.WritesThisMonth = 850
	name, err = m.ChooseWriteTarget(nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha", name, "84% stays eligible while 85% is capped out")
}

func TestChooseNoCapacity(t *testing.T) {
	m := testManager(t, nil)

	m.targets["alpha"].usage.WritesThisMonth = 900
	m.targets["beta"].usage.BytesUsed = 990

	_, err := m.ChooseWriteTarget(nil)
	assert.ErrorIs(t, err, storage.ErrNoCapacity)
}

func TestChooseHonorsExclude(t *testing.T) {
	m := testManager(t, nil)

	name, err := m.ChooseWriteTarget(map[string]struct{}{"alpha": {}})
	require.NoError(t, err)
	assert.Equal(t, "beta", name)

	_, err = m.ChooseWriteTarget(map[string]struct{}{"alpha": {}, "beta": {}})
	assert.ErrorIs(t, err, storage.ErrNoCapacity)
}

func TestRecordWriteUpdatesStatus(t *testing.T) {
	m := testManager(t, nil)

	m.RecordWrite("alpha", 700, 0)
	assert.Equal(t, storage.UsageWarning, m.targets["alpha"].usage.Status)

	m.RecordWrite("alpha", 200, 0)
	assert.Equal(t, storage.UsageCritical, m.targets["alpha"].usage.Status)

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.EqualValues(t, 900, snap[0].WritesThisMonth)
}

func TestMonthlyReset(t *testing.T) {
	m := testManager(t, nil)

	st := m.targets["alpha"]
	st.usage.WritesThisMonth = 500
	st.monthYear = 2025
	st.monthMonth = time.December

	m.RecordWrite("alpha", 1, 0)
	assert.EqualValues(t, 1, st.usage.WritesThisMonth,
		"first write of a new calendar month resets the counter")
	assert.Equal(t, time.Now().UTC().Month(), st.monthMonth)
}

func TestHealthProbeTransitions(t *testing.T) {
	m := testManager(t, nil)

	// Two failures keep the target up, the third marks it down.
	m.RecordHealthProbe("alpha", false, 0)
	m.RecordHealthProbe("alpha", false, 0)
	assert.NotEqual(t, storage.UsageDown, m.targets["alpha"].usage.Status)

	m.RecordHealthProbe("alpha", false, 0)
	assert.Equal(t, storage.UsageDown, m.targets["alpha"].usage.Status)

	// A down target never receives writes.
	name, err := m.ChooseWriteTarget(nil)
	require.NoError(t, err)
	assert.Equal(t, "beta", name)

	// One success is not enough; the second restores to warning only.
	m.RecordHealthProbe("alpha", true, time.Millisecond)
	assert.Equal(t, storage.UsageDown, m.targets["alpha"].usage.Status)

	m.RecordHealthProbe("alpha", true, time.Millisecond)
	assert.Equal(t, storage.UsageWarning, m.targets["alpha"].usage.Status)
}

func TestProbeFailureStreakInterrupted(t *testing.T) {
	m := testManager(t, nil)

	m.RecordHealthProbe("alpha", false, 0)
	m.RecordHealthProbe("alpha", false, 0)
	m.RecordHealthProbe("alpha", true, 0)
	m.RecordHealthProbe("alpha", false, 0)
	m.RecordHealthProbe("alpha", false, 0)

	assert.NotEqual(t, storage.UsageDown, m.targets["alpha"].usage.Status,
		"a success resets the failure streak")
}
