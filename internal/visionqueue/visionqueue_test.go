package visionqueue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestMain asserts the drain worker exits on Close.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEnqueue_RoundTripsParseResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/parse/", r.URL.Path)
		w.Write([]byte(`{"parsed_content_list":[{"bbox":[0,0,1,1],"type":"button","content":"Play"}]}`))
	}))
	defer srv.Close()

	e := NewEndpoint(Config{Name: "q1", URL: srv.URL, MaxSize: 10}, nil, nil)
	defer e.Close()

	resp, err := e.Enqueue(context.Background(), ParseRequest{Base64Image: "abc"})
	require.NoError(t, err)
	require.Len(t, resp.ParsedContentList, 1)
	assert.Equal(t, "Play", resp.ParsedContentList[0].Content)
}

func TestEnqueue_UpstreamErrorStatusIsSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := NewEndpoint(Config{Name: "q1", URL: srv.URL, MaxSize: 10}, nil, nil)
	defer e.Close()

	_, err := e.Enqueue(context.Background(), ParseRequest{Base64Image: "abc"})
	assert.Error(t, err)
}

func TestEnqueue_RejectsWhenQueueIsFull(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	e := NewEndpoint(Config{Name: "q1", URL: srv.URL, MaxSize: 1}, nil, nil)
	defer e.Close()

	// First request occupies the single worker goroutine, blocked in-flight.
	go e.Enqueue(context.Background(), ParseRequest{Base64Image: "first"})
	<-started

	// Second request fills the bounded queue behind it.
	secondDone := make(chan struct{})
	go func() {
		e.Enqueue(context.Background(), ParseRequest{Base64Image: "second"})
		close(secondDone)
	}()
	require.Eventually(t, func() bool { return e.Stats().QueueDepth == 1 }, time.Second, 5*time.Millisecond)

	// A third request must be rejected immediately: the queue never blocks.
	_, err := e.Enqueue(context.Background(), ParseRequest{Base64Image: "third"})
	assert.Error(t, err)

	close(release)
	<-secondDone
}

func TestStats_ReflectsCompletedJobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	e := NewEndpoint(Config{Name: "q1", URL: srv.URL, MaxSize: 10}, nil, nil)
	defer e.Close()

	_, err := e.Enqueue(context.Background(), ParseRequest{Base64Image: "abc"})
	require.NoError(t, err)

	stats := e.Stats()
	assert.Equal(t, 1, stats.RequestsPerMinute)
	assert.GreaterOrEqual(t, stats.AvgProcessMS, float64(0))
}

func TestJobAndDepthHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	e := NewEndpoint(Config{Name: "q1", URL: srv.URL, MaxSize: 10}, nil, nil)
	defer e.Close()

	for i := 0; i < 3; i++ {
		_, err := e.Enqueue(context.Background(), ParseRequest{Base64Image: "abc"})
		require.NoError(t, err)
	}

	jobs := e.JobHistory(10)
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.Equal(t, "success", j.Status)
		assert.False(t, j.EnqueuedAt.IsZero())
		assert.GreaterOrEqual(t, j.ProcessMS, int64(0))
	}

	depth := e.QueueDepthHistory(0)
	require.NotEmpty(t, depth)
	// The last sample is taken after the final job completed, with the
	// queue drained.
	assert.Equal(t, 0, depth[len(depth)-1].Depth)
}

func TestRouter_UnknownEndpointErrors(t *testing.T) {
	r := NewRouter(nil, nil, nil)
	_, err := r.Endpoint("does-not-exist")
	assert.Error(t, err)
}
