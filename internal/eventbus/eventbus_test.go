package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribe_ReceivesOnlyMatchingKind(t *testing.T) {
	b := New(nil)

	var mu sync.Mutex
	var got []Event
	unsubscribe := b.Subscribe(KindSUTOnline, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	defer unsubscribe()

	b.Emit(KindSUTOnline, "sut-1")
	b.Emit(KindSUTOffline, "sut-1")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, KindSUTOnline, got[0].Kind)
	assert.Equal(t, "sut-1", got[0].Payload)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := New(nil)

	var count int
	var mu sync.Mutex
	unsubscribe := b.Subscribe(KindRunStarted, func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Emit(KindRunStarted, nil)
	unsubscribe()
	b.Emit(KindRunStarted, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestEmit_PanickingHandlerDoesNotBlockOthers(t *testing.T) {
	b := New(nil)

	var called bool
	b.Subscribe(KindCampaignStatus, func(e Event) {
		panic("boom")
	})
	b.Subscribe(KindCampaignStatus, func(e Event) {
		called = true
	})

	assert.NotPanics(t, func() {
		b.Emit(KindCampaignStatus, nil)
	})
	assert.True(t, called)
}

func TestRecent_ReturnsInEmissionOrder(t *testing.T) {
	b := New(nil)

	b.Emit(KindQueueJob, 1)
	b.Emit(KindQueueJob, 2)
	b.Emit(KindQueueJob, 3)

	recent := b.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, 2, recent[0].Payload)
	assert.Equal(t, 3, recent[1].Payload)
}

func TestRecent_WrapsAroundRingBuffer(t *testing.T) {
	b := NewWithRingSize(nil, 1000)

	for i := 0; i < 1005; i++ {
		b.Emit(KindQueueJob, i)
	}

	recent := b.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, 1002, recent[0].Payload)
	assert.Equal(t, 1003, recent[1].Payload)
	assert.Equal(t, 1004, recent[2].Payload)
}

func TestNewWithRingSize_ClampsToMinimum(t *testing.T) {
	b := NewWithRingSize(nil, 10)
	assert.Equal(t, defaultRingSize, b.ringSize)
}

func TestEvent_TimestampIsSet(t *testing.T) {
	b := New(nil)

	var received Event
	b.Subscribe(KindSUTPaired, func(e Event) { received = e })

	before := time.Now()
	b.Emit(KindSUTPaired, nil)
	after := time.Now()

	assert.False(t, received.Timestamp.Before(before))
	assert.False(t, received.Timestamp.After(after))
}
