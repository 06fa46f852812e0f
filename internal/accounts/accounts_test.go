package accounts

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-benchfabric/master/internal/metrics"
	state "github.com/r3e-benchfabric/master/internal/statestore"
)

func testClassifier() *Classifier {
	return DefaultClassifier()
}

func TestClassify_AFSplit(t *testing.T) {
	c := testClassifier()
	assert.Equal(t, "account-a-f", c.Classify("Apex Legends"))
	assert.Equal(t, "account-a-f", c.Classify("Fortnite"))
	assert.Equal(t, "account-g-z", c.Classify("Overwatch"))
	assert.Equal(t, "account-g-z", c.Classify("Valorant"))
}

func TestTryAcquire_Exclusive(t *testing.T) {
	s, err := New(testClassifier(), nil, nil, nil)
	require.NoError(t, err)

	assert.True(t, s.TryAcquire(context.Background(), "sut-1", "Fortnite"))
	// Same SUT re-acquiring the same account is idempotent.
	assert.True(t, s.TryAcquire(context.Background(), "sut-1", "Apex Legends"))
	// A different SUT wanting the same account must fail while held.
	assert.False(t, s.TryAcquire(context.Background(), "sut-2", "Fortnite"))
}

func TestRelease_FreesForOtherSUT(t *testing.T) {
	s, err := New(testClassifier(), nil, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.True(t, s.TryAcquire(ctx, "sut-1", "Fortnite"))
	require.False(t, s.TryAcquire(ctx, "sut-2", "Fortnite"))

	s.Release(ctx, "sut-1", "Fortnite")

	assert.True(t, s.TryAcquire(ctx, "sut-2", "Fortnite"))
}

func TestReleaseAllForSUT(t *testing.T) {
	s, err := New(testClassifier(), nil, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.True(t, s.TryAcquire(ctx, "sut-1", "Fortnite"))
	require.True(t, s.TryAcquire(ctx, "sut-1", "Valorant"))

	s.ReleaseAllForSUT(ctx, "sut-1")

	assert.True(t, s.TryAcquire(ctx, "sut-2", "Fortnite"))
	assert.True(t, s.TryAcquire(ctx, "sut-3", "Valorant"))
}

func TestNew_ClearsPersistedLocksOnStartup(t *testing.T) {
	backend, err := state.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	s1, err := New(testClassifier(), backend, nil, nil)
	require.NoError(t, err)
	require.True(t, s1.TryAcquire(ctx, "sut-1", "Fortnite"))

	// A restarted Master must come up with every persisted holder cleared:
	// a holder that survived a crash is stale by definition.
	s2, err := New(testClassifier(), backend, nil, nil)
	require.NoError(t, err)
	for _, st := range s2.Status() {
		assert.Empty(t, st.Holder)
	}
	assert.True(t, s2.TryAcquire(ctx, "sut-2", "Fortnite"))
}

func TestCanRunParallel(t *testing.T) {
	s, err := New(testClassifier(), nil, nil, nil)
	require.NoError(t, err)

	assert.True(t, s.CanRunParallel("Fortnite", "Valorant"))
	assert.False(t, s.CanRunParallel("Fortnite", "Apex Legends"))
}

func TestGetNextWorkForSUT_PrefersUnheldAccount(t *testing.T) {
	s, err := New(testClassifier(), nil, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	own := []WorkItem{
		{Game: "Fortnite", Account: "account-a-f"},
		{Game: "Valorant", Account: "account-g-z"},
	}
	item, err := s.GetNextWorkForSUT(ctx, "sut-1", own, nil)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "Fortnite", item.Game)
}

func TestGetNextWorkForSUT_NoneRunnableWhenAllHeld(t *testing.T) {
	s, err := New(testClassifier(), nil, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.True(t, s.TryAcquire(ctx, "sut-other", "Fortnite"))

	own := []WorkItem{{Game: "Fortnite", Account: "account-a-f"}}
	item, err := s.GetNextWorkForSUT(ctx, "sut-1", own, nil)
	require.NoError(t, err)
	assert.Nil(t, item)

	// The SUT's wait preference should now be recorded for fairness bookkeeping.
	s.mu.Lock()
	b, ok := s.batching["sut-1"]
	s.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "account-a-f", b.account)
}

func TestGetNextWorkForSUT_YieldsBatchWhenAnotherSUTStarves(t *testing.T) {
	s, err := New(testClassifier(), nil, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	// sut-1 holds the A-F account and is batching on it.
	require.True(t, s.TryAcquire(ctx, "sut-1", "Apex Legends"))

	own := []WorkItem{
		{Game: "Fortnite", Account: "account-a-f"},
		{Game: "Valorant", Account: "account-g-z"},
	}
	all := map[string][]WorkItem{
		"sut-1": own,
		"sut-2": {{Game: "Apex Legends"}}, // starving for A-F; account derived by classifier
	}

	// With sut-2 waiting on A-F and G-Z free, sut-1 must yield its batch
	// and switch rather than monopolize the account.
	item, err := s.GetNextWorkForSUT(ctx, "sut-1", own, all)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "Valorant", item.Game)

	// With nobody else waiting, the batch preference holds.
	item, err = s.GetNextWorkForSUT(ctx, "sut-1", own, map[string][]WorkItem{"sut-1": own})
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "Fortnite", item.Game)
}

func TestGetNextWorkForSUT_EmptyQueueIsNotFound(t *testing.T) {
	s, err := New(testClassifier(), nil, nil, nil)
	require.NoError(t, err)

	item, err := s.GetNextWorkForSUT(context.Background(), "sut-1", nil, nil)
	assert.Error(t, err)
	assert.Nil(t, item)
}

func TestSetMetrics_AccountHeldTracksAcquireRelease(t *testing.T) {
	s, err := New(testClassifier(), nil, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	m := metrics.NewWithRegistry("test-registry", prometheus.NewRegistry())
	s.SetMetrics(m)

	require.True(t, s.TryAcquire(ctx, "sut-1", "Fortnite"))
	assert.Equal(t, float64(1), gaugeValue(m.AccountHeld.WithLabelValues("account-a-f")))

	s.Release(ctx, "sut-1", "Fortnite")
	assert.Equal(t, float64(0), gaugeValue(m.AccountHeld.WithLabelValues("account-a-f")))
}

func gaugeValue(g prometheus.Gauge) float64 {
	var metric dto.Metric
	_ = g.Write(&metric)
	return metric.GetGauge().GetValue()
}

func TestStatus_ReflectsHolders(t *testing.T) {
	s, err := New(testClassifier(), nil, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.True(t, s.TryAcquire(ctx, "sut-1", "Fortnite"))

	statuses := s.Status()
	require.Len(t, statuses, 2)
	for _, st := range statuses {
		if st.Account == "account-a-f" {
			assert.Equal(t, "sut-1", st.Holder)
			assert.Equal(t, "Fortnite", st.Game)
		} else {
			assert.Empty(t, st.Holder)
		}
	}
}
