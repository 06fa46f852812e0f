// Package accounts implements the exclusive allocator for the fixed set of
// shared Steam-style login accounts, with anti-starvation batching across
// SUTs competing for the same account.
package accounts

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/r3e-benchfabric/master/internal/eventbus"
	"github.com/r3e-benchfabric/master/internal/logging"
	"github.com/r3e-benchfabric/master/internal/metrics"
	state "github.com/r3e-benchfabric/master/internal/statestore"
	errors "github.com/r3e-benchfabric/master/internal/svcerrors"
)

// WorkItem is (game, account) where account is derived deterministically
// from game by the classifier.
type WorkItem struct {
	Game    string
	Account string
}

// ClassifierRule maps games matching Match to Account; rules are evaluated
// in order and the first match wins.
type ClassifierRule struct {
	Account string
	Match   func(game string) bool
}

// Classifier is an injective func(game) -> account built from an ordered
// rule list. The reference implementation uses two rules (A-F / G-Z by
// first letter of the game name); the scheduler itself is agnostic to N.
type Classifier struct {
	rules   []ClassifierRule
	fallback string
}

// NewClassifier builds a Classifier from rules. The last rule's account is
// used as the fallback for names matching nothing (keeping the classifier
// total, as the spec requires an injective game->account mapping with no
// undefined cases).
func NewClassifier(rules []ClassifierRule) *Classifier {
	c := &Classifier{rules: rules}
	if len(rules) > 0 {
		c.fallback = rules[len(rules)-1].Account
	}
	return c
}

// DefaultClassifier reconstructs the reference two-account A-F/G-Z split
// keyed by the first letter of the game name, from
// original_source/.../account_scheduler.py get_account_type_for_game.
func DefaultClassifier() *Classifier {
	af := regexp.MustCompile(`^[A-Fa-f]`)
	return NewClassifier([]ClassifierRule{
		{Account: "account-a-f", Match: func(g string) bool { return af.MatchString(g) }},
		{Account: "account-g-z", Match: func(g string) bool { return true }},
	})
}

// Classify returns the account assigned to game.
func (c *Classifier) Classify(game string) string {
	for _, r := range c.rules {
		if r.Match(game) {
			return r.Account
		}
	}
	return c.fallback
}

// Accounts returns the distinct account names in rule order.
func (c *Classifier) Accounts() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range c.rules {
		if !seen[r.Account] {
			seen[r.Account] = true
			out = append(out, r.Account)
		}
	}
	return out
}

// lock is one account's current holder, if any.
type lock struct {
	Holder      string    `json:"holder_sut,omitempty"`
	Game        string    `json:"game_running,omitempty"`
	LockedAt    time.Time `json:"locked_at,omitempty"`
}

type persistedFile struct {
	Version      int              `json:"version"`
	UpdatedAt    time.Time        `json:"updated_at"`
	AccountLocks map[string]*lock `json:"account_locks"`
}

const persistKey = "account_locks"

// batchState tracks which account a SUT is currently "batching" on, for the
// anti-starvation policy.
type batchState struct {
	account     string
	waitingSince time.Time
}

// Scheduler is the exclusive account allocator.
type Scheduler struct {
	mu         sync.Mutex
	classifier *Classifier
	locks      map[string]*lock
	batching   map[string]*batchState // sut -> current batch info

	backend state.PersistenceBackend
	bus     *eventbus.Bus
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// SetMetrics attaches a Metrics instance so account-hold/wait gauges are
// recorded; a nil receiver or nil argument is a no-op, so wiring it is
// optional for callers (tests construct a Scheduler without it).
func (s *Scheduler) SetMetrics(m *metrics.Metrics) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
	for _, acc := range s.classifier.Accounts() {
		held := 0.0
		if s.locks[acc].Holder != "" {
			held = 1
		}
		if m != nil {
			m.AccountHeld.WithLabelValues(acc).Set(held)
		}
	}
}

// New constructs a Scheduler. Any persisted locks are read (for logging)
// and then unconditionally cleared, since a persisted holder is stale by
// definition at process start.
func New(classifier *Classifier, backend state.PersistenceBackend, bus *eventbus.Bus, logger *logging.Logger) (*Scheduler, error) {
	s := &Scheduler{
		classifier: classifier,
		locks:      make(map[string]*lock),
		batching:   make(map[string]*batchState),
		backend:    backend,
		bus:        bus,
		logger:     logger,
	}
	for _, acc := range classifier.Accounts() {
		s.locks[acc] = &lock{}
	}
	if err := s.loadAndClearStaleLocks(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) loadAndClearStaleLocks(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	data, err := s.backend.Load(ctx, persistKey)
	if err != nil {
		if err == state.ErrNotFound {
			return nil
		}
		return err
	}
	var pf persistedFile
	if err := json.Unmarshal(data, &pf); err != nil {
		if s.logger != nil {
			s.logger.Error(ctx, "account locks file unreadable, starting cleared", err, nil)
		}
		return nil
	}
	for acc, l := range pf.AccountLocks {
		if l != nil && l.Holder != "" && s.logger != nil {
			s.logger.Warn(ctx, "clearing stale account lock on startup", map[string]interface{}{
				"account": acc,
				"holder":  l.Holder,
				"game":    l.Game,
			})
		}
	}
	return s.persistLocked(ctx)
}

func (s *Scheduler) persistLocked(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	pf := persistedFile{Version: 1, UpdatedAt: time.Now(), AccountLocks: s.locks}
	data, err := json.Marshal(pf)
	if err != nil {
		return err
	}
	start := time.Now()
	err = s.backend.Save(ctx, persistKey, data)
	if s.logger != nil {
		s.logger.LogStateWrite(ctx, persistKey, time.Since(start), err)
	}
	return err
}

// TryAcquire attempts to claim the account for game on behalf of sut.
// Re-acquiring from the same SUT is idempotent.
func (s *Scheduler) TryAcquire(ctx context.Context, sut, game string) bool {
	account := s.classifier.Classify(game)

	s.mu.Lock()
	l, ok := s.locks[account]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if l.Holder != "" && l.Holder != sut {
		s.mu.Unlock()
		return false
	}
	l.Holder = sut
	l.Game = game
	l.LockedAt = time.Now()
	waitingSince := time.Time{}
	if b, ok := s.batching[sut]; ok {
		waitingSince = b.waitingSince
	}
	s.batching[sut] = &batchState{account: account, waitingSince: time.Time{}}
	_ = s.persistLocked(ctx)
	if s.metrics != nil {
		s.metrics.AccountHeld.WithLabelValues(account).Set(1)
		if !waitingSince.IsZero() {
			s.metrics.AccountWaitSeconds.WithLabelValues(account).Observe(time.Since(waitingSince).Seconds())
		}
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Emit(eventbus.KindAccountAcquired, WorkItem{Game: game, Account: account})
	}
	return true
}

// Release frees the account associated with game if sut is its holder.
func (s *Scheduler) Release(ctx context.Context, sut, game string) {
	account := s.classifier.Classify(game)

	s.mu.Lock()
	l, ok := s.locks[account]
	if !ok || l.Holder != sut {
		s.mu.Unlock()
		return
	}
	l.Holder = ""
	l.Game = ""
	l.LockedAt = time.Time{}
	_ = s.persistLocked(ctx)
	if s.metrics != nil {
		s.metrics.AccountHeld.WithLabelValues(account).Set(0)
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Emit(eventbus.KindAccountReleased, WorkItem{Game: game, Account: account})
	}
}

// ReleaseAllForSUT releases every account currently held by sut — used on
// SUT disconnect, so a dropped control channel cannot strand a lock.
func (s *Scheduler) ReleaseAllForSUT(ctx context.Context, sut string) {
	s.mu.Lock()
	var released []string
	for acc, l := range s.locks {
		if l.Holder == sut {
			l.Holder = ""
			l.Game = ""
			l.LockedAt = time.Time{}
			released = append(released, acc)
		}
	}
	delete(s.batching, sut)
	if len(released) > 0 {
		_ = s.persistLocked(ctx)
	}
	if s.metrics != nil {
		for _, acc := range released {
			s.metrics.AccountHeld.WithLabelValues(acc).Set(0)
		}
	}
	s.mu.Unlock()

	if s.bus != nil {
		for _, acc := range released {
			s.bus.Emit(eventbus.KindAccountReleased, WorkItem{Account: acc})
		}
	}
}

// CanRunParallel reports whether gameA and gameB are assigned to different
// accounts by the classifier.
func (s *Scheduler) CanRunParallel(gameA, gameB string) bool {
	return s.classifier.Classify(gameA) != s.classifier.Classify(gameB)
}

// AccountStatus is one account's point-in-time status.
type AccountStatus struct {
	Account string `json:"account"`
	Holder  string `json:"holder_sut,omitempty"`
	Game    string `json:"game_running,omitempty"`
}

// Status returns a snapshot of every account's current holder.
func (s *Scheduler) Status() []AccountStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AccountStatus, 0, len(s.locks))
	for _, acc := range s.classifier.Accounts() {
		l := s.locks[acc]
		out = append(out, AccountStatus{Account: acc, Holder: l.Holder, Game: l.Game})
	}
	return out
}

// heldByLocked reports the current holder of account, "" if free. Caller must
// hold s.mu.
func (s *Scheduler) heldByLocked(account string) string {
	if l, ok := s.locks[account]; ok {
		return l.Holder
	}
	return ""
}

// GetNextWorkForSUT implements the batching/anti-starvation work-selection
// policy over sut's own pending queue, given the set of all SUTs' pending
// queues (for the anti-starvation comparison). ownQueue is an ordered list
// of WorkItems still pending for sut, in original campaign game-order.
func (s *Scheduler) GetNextWorkForSUT(ctx context.Context, sut string, ownQueue []WorkItem, allQueues map[string][]WorkItem) (*WorkItem, error) {
	if len(ownQueue) == 0 {
		return nil, errors.NotFound("work_item", sut)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Partition pending work by account, preserving original order within
	// each bucket (ties broken by game-order in the campaign).
	byAccount := make(map[string][]WorkItem)
	for _, w := range ownQueue {
		byAccount[w.Account] = append(byAccount[w.Account], w)
	}

	currentBatch, batching := s.batching[sut]

	// Prefer the account currently being batched, if free or already held
	// by this SUT, to avoid account-switch cost — unless another SUT is
	// starving for that account and this SUT has somewhere else to go.
	if batching {
		if items, ok := byAccount[currentBatch.account]; ok && len(items) > 0 {
			holder := s.heldByLocked(currentBatch.account)
			if (holder == "" || holder == sut) &&
				!s.shouldYieldLocked(sut, currentBatch.account, byAccount, allQueues) {
				return &items[0], nil
			}
		}
	}

	// Otherwise prefer any account that is currently unheld.
	for _, w := range ownQueue {
		if s.heldByLocked(w.Account) == "" {
			return &w, nil
		}
	}

	// Every candidate account is held by some other SUT: nothing is
	// runnable right now. Record which account this SUT is waiting on so
	// RecordWaiting/waitingSince can drive fairness once it frees up —
	// prefer the account already being batched, else the first in queue
	// order, so repeated polls don't thrash between candidates.
	waitAccount := ownQueue[0].Account
	if batching {
		if _, ok := byAccount[currentBatch.account]; ok {
			waitAccount = currentBatch.account
		}
	}
	if b, ok := s.batching[sut]; ok {
		b.account = waitAccount
	} else {
		s.batching[sut] = &batchState{account: waitAccount}
	}
	return nil, nil
}

// shouldYieldLocked implements the anti-starvation rule of the work-selection
// policy: a SUT yields its current batch account when some other SUT has
// pending work on it AND this SUT has pending items on a different account
// that is currently unheld. Items in allQueues carry only their game, so the
// account is re-derived from the classifier. Caller must hold s.mu.
func (s *Scheduler) shouldYieldLocked(sut, account string, byAccount map[string][]WorkItem, allQueues map[string][]WorkItem) bool {
	otherWaiting := false
	for otherSUT, items := range allQueues {
		if otherSUT == sut {
			continue
		}
		for _, w := range items {
			acc := w.Account
			if acc == "" {
				acc = s.classifier.Classify(w.Game)
			}
			if acc == account {
				otherWaiting = true
				break
			}
		}
		if otherWaiting {
			break
		}
	}
	if !otherWaiting {
		return false
	}
	for acc, items := range byAccount {
		if acc != account && len(items) > 0 && s.heldByLocked(acc) == "" {
			return true
		}
	}
	return false
}

// RecordWaiting marks sut as having started waiting on its current batch,
// for future anti-starvation comparisons (called by the campaign scheduler
// when a worker finds no runnable work).
func (s *Scheduler) RecordWaiting(sut string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batching[sut]; ok && b.waitingSince.IsZero() {
		b.waitingSince = time.Now()
	}
}
