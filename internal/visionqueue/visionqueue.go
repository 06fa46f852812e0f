// Package visionqueue implements the single-flight forwarder to the
// upstream vision-analysis service (OmniParser): a bounded FIFO per
// configured endpoint, drained by exactly one worker so the endpoint never
// sees concurrent in-flight requests, with rolling statistics.
package visionqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/r3e-benchfabric/master/internal/logging"
	"github.com/r3e-benchfabric/master/internal/metrics"
	"github.com/r3e-benchfabric/master/internal/ratelimit"
	"github.com/r3e-benchfabric/master/internal/resilience"
	errors "github.com/r3e-benchfabric/master/internal/svcerrors"
)

// ParseRequest is the payload forwarded to the vision analyzer.
type ParseRequest struct {
	Base64Image    string   `json:"base64_image"`
	BoxThreshold   *float64 `json:"box_threshold,omitempty"`
	IOUThreshold   *float64 `json:"iou_threshold,omitempty"`
	UsePaddleOCR   *bool    `json:"use_paddleocr,omitempty"`
	TextThreshold  *float64 `json:"text_threshold,omitempty"`
}

// Element is one detected UI element.
type Element struct {
	BBox          [4]float64 `json:"bbox"`
	Type          string     `json:"type"`
	Content       string     `json:"content"`
	Interactivity bool       `json:"interactivity"`
	Confidence    float64    `json:"confidence"`
}

// ParseResponse is the vision analyzer's response.
type ParseResponse struct {
	ParsedContentList []Element `json:"parsed_content_list"`
	SomImageBase64    string    `json:"som_image_base64,omitempty"`
}

type job struct {
	ctx     context.Context
	req     ParseRequest
	result  chan jobResult
	enqueuedAt time.Time
}

type jobResult struct {
	resp *ParseResponse
	err  error
}

// JobRecord is a completed (or failed/cancelled) job retained in the
// bounded history ring.
type JobRecord struct {
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	WaitedMS    int64         `json:"waited_ms"`
	ProcessMS   int64         `json:"process_ms"`
	Status      string        `json:"status"` // success|failure|timeout|cancelled
	Error       string        `json:"error,omitempty"`
}

// DepthSample is one queue-depth observation, recorded on every enqueue and
// every completed job.
type DepthSample struct {
	Timestamp time.Time `json:"timestamp"`
	Depth     int       `json:"depth"`
}

const historySize = 256

// Endpoint is a single upstream vision-analyzer target with its own bounded
// queue and single worker goroutine.
type Endpoint struct {
	name       string
	url        string
	maxSize    int
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker

	jobs chan *job

	mu             sync.Mutex
	history        []JobRecord
	historyHead    int
	depthHistory   []DepthSample
	waitTimesMS    []int64
	processTimesMS []int64
	requestRate    *ratelimit.WindowCounter // approximate requests-per-minute

	logger *logging.Logger
	m      *metrics.Metrics

	closeOnce sync.Once
	done      chan struct{}
}

// Config configures one Endpoint.
type Config struct {
	Name       string
	URL        string
	MaxSize    int
	Timeout    time.Duration
	CBConfig   resilience.Config
	HTTPClient *http.Client
}

// NewEndpoint constructs and starts an Endpoint's drain worker.
func NewEndpoint(cfg Config, logger *logging.Logger, m *metrics.Metrics) *Endpoint {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	e := &Endpoint{
		name:       cfg.Name,
		url:        cfg.URL,
		maxSize:    cfg.MaxSize,
		httpClient: client,
		breaker:    resilience.New(cfg.CBConfig),
		jobs:       make(chan *job, cfg.MaxSize),
		history:    make([]JobRecord, historySize),
		requestRate: ratelimit.NewWindowCounter(ratelimit.Config{
			Window:   time.Minute,
			Capacity: cfg.MaxSize * 10,
		}),
		logger: logger,
		m:      m,
		done:   make(chan struct{}),
	}
	go e.drain()
	return e
}

// Enqueue submits payload and blocks until processed, the context is
// cancelled, or the queue is full (immediate "queue full" error — it never
// blocks the caller waiting for space).
func (e *Endpoint) Enqueue(ctx context.Context, req ParseRequest) (*ParseResponse, error) {
	j := &job{ctx: ctx, req: req, result: make(chan jobResult, 1), enqueuedAt: time.Now()}

	select {
	case e.jobs <- j:
	default:
		if e.m != nil {
			e.m.QueueRequestTotal.WithLabelValues(e.name, "rejected").Inc()
		}
		return nil, errors.QueueFull(e.name, len(e.jobs))
	}

	e.recordDepth(len(e.jobs))
	if e.m != nil {
		e.m.QueueDepth.WithLabelValues(e.name).Set(float64(len(e.jobs)))
	}

	select {
	case res := <-j.result:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Endpoint) drain() {
	for {
		select {
		case <-e.done:
			// Drain remaining queued jobs with a cancellation error; any
			// in-flight call already past this select finishes naturally.
			for {
				select {
				case j := <-e.jobs:
					j.result <- jobResult{err: fmt.Errorf("visionqueue: shutting down")}
				default:
					return
				}
			}
		case j := <-e.jobs:
			e.process(j)
		}
	}
}

func (e *Endpoint) process(j *job) {
	waitMS := time.Since(j.enqueuedAt).Milliseconds()
	start := time.Now()

	var resp *ParseResponse
	execErr := e.breaker.Execute(j.ctx, func() error {
		data, err := json.Marshal(j.req)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(j.ctx, http.MethodPost, e.url+"/parse/", bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		httpResp, err := e.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return err
		}
		if httpResp.StatusCode >= 400 {
			return fmt.Errorf("vision analyzer %s: status %d", e.name, httpResp.StatusCode)
		}
		var parsed ParseResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return err
		}
		resp = &parsed
		return nil
	})

	processMS := time.Since(start).Milliseconds()
	status := "success"
	var errOut error
	if execErr != nil {
		status = "failure"
		if execErr == resilience.ErrCircuitOpen {
			status = "timeout"
		}
		errOut = errors.UpstreamUnreachable(e.name, execErr)
	}

	e.recordStats(j.enqueuedAt, waitMS, processMS, status, execErr)
	e.recordDepth(len(e.jobs))
	if e.m != nil {
		e.m.QueueDepth.WithLabelValues(e.name).Set(float64(len(e.jobs)))
		e.m.QueueRequestTotal.WithLabelValues(e.name, status).Inc()
	}

	j.result <- jobResult{resp: resp, err: errOut}
}

func (e *Endpoint) recordStats(enqueuedAt time.Time, waitMS, processMS int64, status string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := JobRecord{EnqueuedAt: enqueuedAt, WaitedMS: waitMS, ProcessMS: processMS, Status: status}
	if err != nil {
		rec.Error = err.Error()
	}
	e.history[e.historyHead] = rec
	e.historyHead = (e.historyHead + 1) % len(e.history)

	e.waitTimesMS = appendBounded(e.waitTimesMS, waitMS, 256)
	e.processTimesMS = appendBounded(e.processTimesMS, processMS, 256)

	e.requestRate.Mark(time.Now())
}

func appendBounded(s []int64, v int64, max int) []int64 {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

// Stats is a point-in-time summary of an Endpoint's activity.
type Stats struct {
	QueueDepth        int     `json:"queue_depth"`
	RequestsPerMinute int     `json:"requests_per_minute"`
	AvgWaitMS         float64 `json:"avg_wait_ms"`
	AvgProcessMS      float64 `json:"avg_process_ms"`
}

func (e *Endpoint) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		QueueDepth:        len(e.jobs),
		RequestsPerMinute: e.requestRate.Count(time.Now()),
		AvgWaitMS:         avg(e.waitTimesMS),
		AvgProcessMS:      avg(e.processTimesMS),
	}
}

func avg(s []int64) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum int64
	for _, v := range s {
		sum += v
	}
	return float64(sum) / float64(len(s))
}

func (e *Endpoint) recordDepth(depth int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.depthHistory = append(e.depthHistory, DepthSample{Timestamp: time.Now(), Depth: depth})
	if len(e.depthHistory) > historySize {
		e.depthHistory = e.depthHistory[len(e.depthHistory)-historySize:]
	}
}

// QueueDepthHistory returns up to limit most recent depth samples, newest
// last.
func (e *Endpoint) QueueDepthHistory(limit int) []DepthSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.depthHistory) {
		limit = len(e.depthHistory)
	}
	out := make([]DepthSample, limit)
	copy(out, e.depthHistory[len(e.depthHistory)-limit:])
	return out
}

// JobHistory returns up to limit most recent job records, newest last.
func (e *Endpoint) JobHistory(limit int) []JobRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	out := make([]JobRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (e.historyHead - limit + i + len(e.history)*2) % len(e.history)
		rec := e.history[idx]
		if rec.EnqueuedAt.IsZero() && rec.Status == "" {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// HealthCheck probes the upstream's /probe through the same circuit breaker,
// so a tripped breaker short-circuits the health probe too.
func (e *Endpoint) HealthCheck(ctx context.Context) error {
	return e.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url+"/probe", nil)
		if err != nil {
			return err
		}
		resp, err := e.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("probe failed: status %d", resp.StatusCode)
		}
		return nil
	})
}

// Close stops the drain worker; queued jobs receive a cancellation error
// and in-flight jobs are allowed to finish.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() { close(e.done) })
}

// Router holds one Endpoint per configured name and forwards by name.
type Router struct {
	endpoints map[string]*Endpoint
}

// NewRouter constructs a Router from endpoint configs.
func NewRouter(configs []Config, logger *logging.Logger, m *metrics.Metrics) *Router {
	r := &Router{endpoints: make(map[string]*Endpoint, len(configs))}
	for _, cfg := range configs {
		r.endpoints[cfg.Name] = NewEndpoint(cfg, logger, m)
	}
	return r
}

func (r *Router) Endpoint(name string) (*Endpoint, error) {
	e, ok := r.endpoints[name]
	if !ok {
		return nil, errors.NotFound("vision_endpoint", name)
	}
	return e, nil
}

// HealthCheck probes every configured endpoint and returns the first
// failure, naming the endpoint that failed. An empty router (no queue
// endpoints configured) is considered healthy — there is nothing to reach.
func (r *Router) HealthCheck(ctx context.Context) error {
	for name, e := range r.endpoints {
		if err := e.HealthCheck(ctx); err != nil {
			return fmt.Errorf("vision endpoint %q: %w", name, err)
		}
	}
	return nil
}

// Close shuts down every endpoint's worker.
func (r *Router) Close() {
	for _, e := range r.endpoints {
		e.Close()
	}
}

// AllStats returns every configured endpoint's current statistics keyed by
// endpoint name, for the admin queue-stats surface.
func (r *Router) AllStats() map[string]Stats {
	out := make(map[string]Stats, len(r.endpoints))
	for name, e := range r.endpoints {
		out[name] = e.Stats()
	}
	return out
}

// AllJobHistory returns each endpoint's recent job records keyed by name.
func (r *Router) AllJobHistory(limit int) map[string][]JobRecord {
	out := make(map[string][]JobRecord, len(r.endpoints))
	for name, e := range r.endpoints {
		out[name] = e.JobHistory(limit)
	}
	return out
}

// AllDepthHistory returns each endpoint's recent queue-depth samples keyed
// by name.
func (r *Router) AllDepthHistory(limit int) map[string][]DepthSample {
	out := make(map[string][]DepthSample, len(r.endpoints))
	for name, e := range r.endpoints {
		out[name] = e.QueueDepthHistory(limit)
	}
	return out
}
