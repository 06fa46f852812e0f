package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewWindowCounter_AppliesFloors(t *testing.T) {
	c := NewWindowCounter(Config{})
	require.NotNil(t, c)
	require.Equal(t, float64(600), c.capacity)
}

func TestWindowCounter_CountGrowsWithMarks(t *testing.T) {
	c := NewWindowCounter(Config{Window: time.Minute, Capacity: 10})
	now := time.Now()

	require.Equal(t, 0, c.Count(now))

	for i := 0; i < 5; i++ {
		c.Mark(now)
	}
	require.Equal(t, 5, c.Count(now))
}

func TestWindowCounter_CountDecaysOverWindow(t *testing.T) {
	c := NewWindowCounter(Config{Window: time.Minute, Capacity: 10})
	now := time.Now()

	for i := 0; i < 10; i++ {
		c.Mark(now)
	}
	require.Equal(t, 10, c.Count(now))

	// A full window later the bucket has fully refilled; the approximate
	// count of "events in the trailing window" drops back toward zero.
	later := now.Add(time.Minute)
	require.Equal(t, 0, c.Count(later))
}

func TestWindowCounter_CountNeverExceedsCapacity(t *testing.T) {
	c := NewWindowCounter(Config{Window: time.Minute, Capacity: 3})
	now := time.Now()

	for i := 0; i < 20; i++ {
		c.Mark(now)
	}
	require.Equal(t, 3, c.Count(now))
}
