// Package campaign implements the multi-SUT campaign scheduler: one
// persistent worker goroutine per known SUT, each independently selecting
// and running work items from the set of active campaigns via the account
// scheduler's batching/anti-starvation policy.
package campaign

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-benchfabric/master/internal/accounts"
	"github.com/r3e-benchfabric/master/internal/eventbus"
	"github.com/r3e-benchfabric/master/internal/executor"
	"github.com/r3e-benchfabric/master/internal/logging"
	errors "github.com/r3e-benchfabric/master/internal/svcerrors"
	"github.com/r3e-benchfabric/master/internal/tracepuller"
)

// Config holds the preset and options a campaign request carries alongside
// its SUT/game cross product (spec.md §3 "Campaign"): the quality/resolution
// preset and the per-run options every work item in the campaign shares.
// It is stored on the Campaign and read back by the runner wiring so every
// run it dispatches inherits the same settings.
type Config struct {
	Quality          string
	Resolution       string
	SkipAccountLogin bool
	DisableTracing   bool
	CooldownSeconds  int
	StartStep        int
	EndStep          int
	TracingAgents    []tracepuller.AgentConfig
}

// BuildQueues builds one ordered per-SUT work queue from the cross product
// of suts x games, preserving the games slice's original order within each
// SUT's queue — the tie-break §4.F's batching policy relies on when two
// pending items land on the same account.
func BuildQueues(suts []string, games []string, iterationsPerGame int) map[string][]WorkItem {
	queues := make(map[string][]WorkItem, len(suts))
	for _, sut := range suts {
		items := make([]WorkItem, 0, len(games))
		for _, game := range games {
			items = append(items, WorkItem{
				SUT:        sut,
				Game:       game,
				Iterations: iterationsPerGame,
				Status:     WorkPending,
			})
		}
		queues[sut] = items
	}
	return queues
}

// Status is a campaign's terminal-or-in-progress lifecycle state.
type Status string

const (
	StatusActive             Status = "active"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusPartiallyCompleted Status = "partially_completed"
	StatusStopped            Status = "stopped"
)

// WorkItemStatus tracks one (sut, game) item's progress within a campaign.
type WorkItemStatus string

const (
	WorkPending   WorkItemStatus = "pending"
	WorkCompleted WorkItemStatus = "completed"
	WorkFailed    WorkItemStatus = "failed"
)

// WorkItem is one (sut, game) pair queued within a campaign. Account is
// stamped by the selection step from the classifier, so the runner wiring
// can resolve the account's credentials without re-deriving it.
type WorkItem struct {
	SUT        string
	Game       string
	Account    string
	Iterations int
	Status     WorkItemStatus
}

// Campaign is a set of per-SUT work queues started together and tracked to
// a common terminal status.
type Campaign struct {
	ID     string
	Status Status
	Queues map[string][]WorkItem // sut -> ordered pending/ongoing items
	Config Config
}

func (c *Campaign) pendingFor(sut string) []accounts.WorkItem {
	var out []accounts.WorkItem
	for _, w := range c.Queues[sut] {
		if w.Status == WorkPending {
			out = append(out, accounts.WorkItem{Game: w.Game})
		}
	}
	return out
}

func (c *Campaign) drained() bool {
	for _, items := range c.Queues {
		for _, w := range items {
			if w.Status == WorkPending {
				return false
			}
		}
	}
	return true
}

func (c *Campaign) tally() (completed, failed int) {
	for _, items := range c.Queues {
		for _, w := range items {
			switch w.Status {
			case WorkCompleted:
				completed++
			case WorkFailed:
				failed++
			}
		}
	}
	return
}

// RunnerFunc executes one work item and returns whether it succeeded. It is
// the seam executor.Run's Execute is wired through, so Scheduler tests can
// substitute a fake.
type RunnerFunc func(ctx context.Context, campaignID string, item WorkItem) (executor.Status, error)

// Scheduler coordinates campaign work across per-SUT worker goroutines.
type Scheduler struct {
	mu         sync.Mutex
	order      []string // campaign IDs in insertion order
	campaigns  map[string]*Campaign

	accounts *accounts.Scheduler
	classify func(game string) string
	runner   RunnerFunc
	bus      *eventbus.Bus
	logger   *logging.Logger

	workers map[string]*sutWorker
	wg      sync.WaitGroup
}

// New constructs a Scheduler. runner is invoked by each SUT worker to
// actually execute a work item once the account scheduler grants it.
func New(acctScheduler *accounts.Scheduler, classify func(game string) string, runner RunnerFunc, bus *eventbus.Bus, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		order:     make([]string, 0),
		campaigns: make(map[string]*Campaign),
		accounts:  acctScheduler,
		classify:  classify,
		runner:    runner,
		bus:       bus,
		logger:    logger,
		workers:   make(map[string]*sutWorker),
	}
}

// StartCampaign registers a new active campaign and wakes every SUT that has
// work in it.
func (s *Scheduler) StartCampaign(id string, queues map[string][]WorkItem) {
	s.StartCampaignWithConfig(id, queues, Config{})
}

// StartCampaignWithConfig is StartCampaign plus the preset/options every
// dispatched work item should run with.
func (s *Scheduler) StartCampaignWithConfig(id string, queues map[string][]WorkItem, cfg Config) {
	c := &Campaign{ID: id, Status: StatusActive, Queues: queues, Config: cfg}
	s.mu.Lock()
	s.campaigns[id] = c
	s.order = append(s.order, id)
	s.mu.Unlock()

	for sut := range queues {
		s.wakeWorker(sut)
	}
}

// CampaignConfig returns the preset/options a campaign was started with.
func (s *Scheduler) CampaignConfig(id string) (Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return Config{}, false
	}
	return c.Config, true
}

// StopCampaign marks a campaign stopped and releases every account held by
// its SUTs; in-flight runs are allowed to finish but no further work is
// dispatched from it.
func (s *Scheduler) StopCampaign(ctx context.Context, id string) error {
	s.mu.Lock()
	c, ok := s.campaigns[id]
	if !ok {
		s.mu.Unlock()
		return errors.NotFound("campaign", id)
	}
	c.Status = StatusStopped
	suts := make([]string, 0, len(c.Queues))
	for sut := range c.Queues {
		suts = append(suts, sut)
	}
	s.mu.Unlock()

	for _, sut := range suts {
		s.accounts.ReleaseAllForSUT(ctx, sut)
	}
	if s.bus != nil {
		s.bus.Emit(eventbus.KindCampaignStatus, map[string]interface{}{"campaign_id": id, "status": string(StatusStopped)})
	}
	return nil
}

// EnsureWorker starts a worker goroutine for sut if one is not already
// running. Called for every known SUT at startup and when a SUT registers
// over the control channel; starting a campaign does not create workers.
func (s *Scheduler) EnsureWorker(ctx context.Context, sut string) {
	s.mu.Lock()
	if _, ok := s.workers[sut]; ok {
		s.mu.Unlock()
		return
	}
	w := &sutWorker{sut: sut, sched: s, wake: make(chan struct{}, 1)}
	s.workers[sut] = w
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.run(ctx)
	}()
}

// Wait blocks until every SUT worker goroutine has exited (their context
// must already be cancelled) or timeout elapses, reporting whether the join
// completed in time.
func (s *Scheduler) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// wakeWorker performs an edge-triggered, coalesced wake: a pending wake is
// idempotent, guaranteeing only that the worker re-enters selection at
// least once after the signal.
func (s *Scheduler) wakeWorker(sut string) {
	s.mu.Lock()
	w, ok := s.workers[sut]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// getNextWork iterates active campaigns in insertion order and returns the
// first runnable (campaign_id, WorkItem) the account scheduler selects for
// sut, or ("", nil, false) if none is currently runnable.
func (s *Scheduler) getNextWork(ctx context.Context, sut string) (string, *WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cid := range s.order {
		c := s.campaigns[cid]
		if c == nil || c.Status != StatusActive {
			continue
		}
		own := c.pendingFor(sut)
		if len(own) == 0 {
			continue
		}
		for i := range own {
			own[i].Account = s.classify(own[i].Game)
		}
		allQueues := s.allPendingLocked()

		item, err := s.accounts.GetNextWorkForSUT(ctx, sut, own, allQueues)
		if err != nil || item == nil {
			continue
		}
		for idx, w := range c.Queues[sut] {
			if w.Status == WorkPending && w.Game == item.Game {
				c.Queues[sut][idx].Account = item.Account
				return cid, &c.Queues[sut][idx], true
			}
		}
	}
	return "", nil, false
}

func (s *Scheduler) allPendingLocked() map[string][]accounts.WorkItem {
	out := make(map[string][]accounts.WorkItem)
	for _, cid := range s.order {
		c := s.campaigns[cid]
		if c == nil || c.Status != StatusActive {
			continue
		}
		for sut := range c.Queues {
			out[sut] = append(out[sut], c.pendingFor(sut)...)
		}
	}
	return out
}

// notifyCompleted records a work item's outcome, releases its account,
// emits events, and — if the campaign has drained — computes and records
// the campaign's terminal status.
func (s *Scheduler) notifyCompleted(ctx context.Context, campaignID string, item *WorkItem, sut string, success bool) {
	s.accounts.Release(ctx, sut, item.Game)

	s.mu.Lock()
	if success {
		item.Status = WorkCompleted
	} else {
		item.Status = WorkFailed
	}
	c := s.campaigns[campaignID]
	var terminal Status
	drained := false
	if c != nil && c.Status == StatusActive && c.drained() {
		drained = true
		completed, failed := c.tally()
		switch {
		case failed == 0:
			terminal = StatusCompleted
		case completed == 0:
			terminal = StatusFailed
		default:
			terminal = StatusPartiallyCompleted
		}
		c.Status = terminal
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Emit(eventbus.KindQueueJob, map[string]interface{}{
			"campaign_id": campaignID, "sut": sut, "game": item.Game, "success": success,
		})
		if drained {
			s.bus.Emit(eventbus.KindCampaignStatus, map[string]interface{}{
				"campaign_id": campaignID, "status": string(terminal),
			})
		}
	}

	// The account this item held may now be free for another campaign's
	// SUT waiting on it; wake every worker so they re-check selection.
	s.mu.Lock()
	suts := make([]string, 0, len(s.workers))
	for sutID := range s.workers {
		suts = append(suts, sutID)
	}
	s.mu.Unlock()
	for _, sutID := range suts {
		s.wakeWorker(sutID)
	}
}

// sutWorker is the persistent goroutine for one SUT, per spec.md §4.I.
type sutWorker struct {
	sut   string
	sched *Scheduler
	wake  chan struct{}
}

const workerWaitTimeout = 2 * time.Second

func (w *sutWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-time.After(workerWaitTimeout):
		}

		cid, item, ok := w.sched.getNextWork(ctx, w.sut)
		if !ok {
			w.sched.accounts.RecordWaiting(w.sut)
			continue
		}
		if !w.sched.accounts.TryAcquire(ctx, w.sut, item.Game) {
			continue
		}

		status, err := w.sched.runner(ctx, cid, *item)
		success := err == nil && status == executor.StatusCompleted
		w.sched.notifyCompleted(ctx, cid, item, w.sut, success)
	}
}
