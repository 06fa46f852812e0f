package registry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-benchfabric/master/internal/metrics"
)

func TestUpsert_NewDeviceIsOnline(t *testing.T) {
	r, err := New(nil, nil, nil)
	require.NoError(t, err)

	d, existed := r.Upsert(context.Background(), "10.0.0.5", 9000, "sut-1", UpsertAttrs{
		Hostname: "host-a",
		CPUModel: "Intel i7-9700K",
	})
	assert.False(t, existed)
	assert.Equal(t, StatusOnline, d.Status)
	assert.Equal(t, "host-a", d.Hostname)
	assert.Equal(t, "Intel i7-9700K", d.CPUModel)
}

func TestUpsert_IPChangeMovesMapping(t *testing.T) {
	r, err := New(nil, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	r.Upsert(ctx, "10.0.0.5", 9000, "sut-1", UpsertAttrs{})
	r.Upsert(ctx, "10.0.0.6", 9000, "sut-1", UpsertAttrs{})

	_, _, err = r.ResolveIP("sut-1")
	require.NoError(t, err)

	d, err := r.Lookup("sut-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.6", d.IP)
}

func TestMarkOffline_UnknownDeviceErrors(t *testing.T) {
	r, err := New(nil, nil, nil)
	require.NoError(t, err)

	err = r.MarkOffline(context.Background(), "sut-unknown")
	assert.Error(t, err)
}

func TestPair_SetsDisplayNameAndPersistsFlag(t *testing.T) {
	r, err := New(nil, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	r.Upsert(ctx, "10.0.0.5", 9000, "sut-1", UpsertAttrs{CPUModel: "AMD Ryzen 9 7950X 16-Core Processor"})
	d, err := r.Pair(ctx, "sut-1", "admin")
	require.NoError(t, err)
	assert.True(t, d.Paired)
	assert.Equal(t, "admin", d.PairedBy)
	assert.Equal(t, "Ryzen 9 7950X", d.DisplayName)
}

func TestPair_AlreadyPairedErrors(t *testing.T) {
	r, err := New(nil, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	r.Upsert(ctx, "10.0.0.5", 9000, "sut-1", UpsertAttrs{})
	_, err = r.Pair(ctx, "sut-1", "admin")
	require.NoError(t, err)

	_, err = r.Pair(ctx, "sut-1", "admin")
	assert.Error(t, err)
}

func TestUnpair_PreservesDisplayName(t *testing.T) {
	r, err := New(nil, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	r.Upsert(ctx, "10.0.0.5", 9000, "sut-1", UpsertAttrs{CPUModel: "Intel i9"})
	r.Pair(ctx, "sut-1", "admin")

	err = r.Unpair(ctx, "sut-1")
	require.NoError(t, err)

	d, err := r.Lookup("sut-1")
	require.NoError(t, err)
	assert.False(t, d.Paired)
	assert.Equal(t, "Intel i9", d.DisplayName)
}

func TestShortCPUName(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"core ultra", "Intel(R) Core(TM) Ultra 7 155H", "Ultra 7 155H"},
		{"core i-series", "Intel(R) Core(TM) i9-13900K CPU @ 3.00GHz", "i9-13900K"},
		{"ryzen", "AMD Ryzen 9 7950X 16-Core Processor", "Ryzen 9 7950X"},
		{"unrecognized falls back to last two tokens", "Some Unknown Vendor Chip", "Vendor Chip"},
		{"single token passes through", "Xeon", "Xeon"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, shortCPUName(tc.in))
		})
	}
}

func TestSuggestDisplayName_EmptyCPUModelIsSUT(t *testing.T) {
	r, err := New(nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "SUT", r.SuggestDisplayName(""))
}

func TestSuggestDisplayName_AppendsCounterPastFirst(t *testing.T) {
	r, err := New(nil, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	r.Upsert(ctx, "10.0.0.1", 9000, "sut-1", UpsertAttrs{CPUModel: "Intel i7"})
	r.Upsert(ctx, "10.0.0.2", 9000, "sut-2", UpsertAttrs{CPUModel: "Intel i7"})
	r.Upsert(ctx, "10.0.0.3", 9000, "sut-3", UpsertAttrs{CPUModel: "Intel i7"})

	d1, _ := r.Pair(ctx, "sut-1", "admin")
	d2, _ := r.Pair(ctx, "sut-2", "admin")
	d3, _ := r.Pair(ctx, "sut-3", "admin")

	assert.Equal(t, "Intel i7", d1.DisplayName)
	assert.Equal(t, "Intel i7 - 2", d2.DisplayName)
	assert.Equal(t, "Intel i7 - 3", d3.DisplayName)
}

func TestRemoveStale_OnlyRemovesUnpairedOfflinePastTimeout(t *testing.T) {
	r, err := New(nil, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	r.Upsert(ctx, "10.0.0.1", 9000, "sut-stale", UpsertAttrs{})
	r.Upsert(ctx, "10.0.0.2", 9000, "sut-paired", UpsertAttrs{})
	r.Pair(ctx, "sut-paired", "admin")

	require.NoError(t, r.MarkOffline(ctx, "sut-stale"))
	require.NoError(t, r.MarkOffline(ctx, "sut-paired"))

	r.mu.Lock()
	r.devices["sut-stale"].LastSeen = time.Now().Add(-time.Hour)
	r.devices["sut-paired"].LastSeen = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	removed := r.RemoveStale(time.Minute)
	assert.Equal(t, []string{"sut-stale"}, removed)

	_, err = r.Lookup("sut-paired")
	assert.NoError(t, err)
}

func TestList_FiltersByPairedAndOnline(t *testing.T) {
	r, err := New(nil, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	r.Upsert(ctx, "10.0.0.1", 9000, "sut-1", UpsertAttrs{})
	r.Upsert(ctx, "10.0.0.2", 9000, "sut-2", UpsertAttrs{})
	r.Pair(ctx, "sut-1", "admin")
	r.MarkOffline(ctx, "sut-2")

	paired := r.List(Filter{PairedOnly: true})
	require.Len(t, paired, 1)
	assert.Equal(t, "sut-1", paired[0].UniqueID)

	online := r.List(Filter{OnlineOnly: true})
	require.Len(t, online, 1)
	assert.Equal(t, "sut-1", online[0].UniqueID)
}

func TestStats_CountsMatchPopulation(t *testing.T) {
	r, err := New(nil, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	r.Upsert(ctx, "10.0.0.1", 9000, "sut-1", UpsertAttrs{})
	r.Upsert(ctx, "10.0.0.2", 9000, "sut-2", UpsertAttrs{})
	r.Pair(ctx, "sut-1", "admin")
	r.MarkOffline(ctx, "sut-2")

	stats := r.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Paired)
	assert.Equal(t, 1, stats.Online)
	assert.Equal(t, 1, stats.Offline)
}

func TestNormalizeCPUModel_Trims(t *testing.T) {
	assert.Equal(t, "Intel i7", NormalizeCPUModel("  Intel i7  "))
}

func TestSetMetrics_GaugesTrackPopulation(t *testing.T) {
	r, err := New(nil, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	r.Upsert(ctx, "10.0.0.1", 9000, "sut-1", UpsertAttrs{})
	r.Upsert(ctx, "10.0.0.2", 9000, "sut-2", UpsertAttrs{})
	r.Pair(ctx, "sut-1", "admin")
	r.MarkOffline(ctx, "sut-2")

	m := metrics.NewWithRegistry("test-registry", prometheus.NewRegistry())
	r.SetMetrics(m)

	assert.Equal(t, float64(2), testutilValue(m.SUTsTotal))
	assert.Equal(t, float64(1), testutilValue(m.SUTsPaired))
	assert.Equal(t, float64(1), testutilValue(m.SUTsOnline))

	r.Upsert(ctx, "10.0.0.3", 9000, "sut-3", UpsertAttrs{})
	assert.Equal(t, float64(3), testutilValue(m.SUTsTotal))
}

func testutilValue(g prometheus.Gauge) float64 {
	var metric dto.Metric
	_ = g.Write(&metric)
	return metric.GetGauge().GetValue()
}
