// Package executor drives one (SUT, game, iteration-count) work item
// end-to-end: account login, preset apply, the per-iteration launch/step/
// close loop, trace pull, and finalization. It is the state machine of
// record for a single run; the campaign scheduler owns when a run starts
// and which account it may use.
package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/r3e-benchfabric/master/internal/eventbus"
	"github.com/r3e-benchfabric/master/internal/logging"
	"github.com/r3e-benchfabric/master/internal/metrics"
	"github.com/r3e-benchfabric/master/internal/registry"
	"github.com/r3e-benchfabric/master/internal/storage"
	"github.com/r3e-benchfabric/master/internal/sutrpc"
	"github.com/r3e-benchfabric/master/internal/timeline"
	"github.com/r3e-benchfabric/master/internal/tracepuller"
	errors "github.com/r3e-benchfabric/master/internal/svcerrors"
	"github.com/r3e-benchfabric/master/internal/visionqueue"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// MatchStrategy is a find-element text-matching strategy.
type MatchStrategy string

const (
	MatchExact      MatchStrategy = "exact"
	MatchContains   MatchStrategy = "contains"
	MatchStartsWith MatchStrategy = "startswith"
	MatchEndsWith   MatchStrategy = "endswith"
)

// ActionKind enumerates the step-action vocabulary recovered from the
// reference automation layer's action applier.
type ActionKind string

const (
	ActionClick       ActionKind = "click"
	ActionKey         ActionKind = "key"
	ActionHotkey      ActionKind = "hotkey"
	ActionText        ActionKind = "text"
	ActionDrag        ActionKind = "drag"
	ActionScroll      ActionKind = "scroll"
	ActionWait        ActionKind = "wait"
	ActionConditional ActionKind = "conditional"
	ActionSequence    ActionKind = "sequence"
)

// FindSpec locates a target element among the vision analyzer's results.
type FindSpec struct {
	Text     string        `yaml:"text"`
	Strategy MatchStrategy `yaml:"strategy"`
	Type     string        `yaml:"type"` // "any" or a specific element type
}

// Action is one step's dispatchable action. OffsetX/OffsetY apply on top of
// a matched element's center; X/Y are the literal fallback target when no
// find-spec matches (or none is declared). A conditional action evaluates
// When against the current element set and dispatches Then or Else.
type Action struct {
	Kind     ActionKind `yaml:"kind"`
	X        int        `yaml:"x,omitempty"`
	Y        int        `yaml:"y,omitempty"`
	OffsetX  int        `yaml:"offset_x,omitempty"`
	OffsetY  int        `yaml:"offset_y,omitempty"`
	Keys     []string   `yaml:"keys,omitempty"`
	Text     string     `yaml:"text,omitempty"`
	DragToX  int        `yaml:"drag_to_x,omitempty"`
	DragToY  int        `yaml:"drag_to_y,omitempty"`
	ScrollDY int        `yaml:"scroll_dy,omitempty"`
	WaitSecs float64    `yaml:"wait_seconds,omitempty"`
	When     *FindSpec  `yaml:"when,omitempty"`
	Then     []Action   `yaml:"then,omitempty"`
	Else     []Action   `yaml:"else,omitempty"`
	Sequence []Action   `yaml:"sequence,omitempty"`
}

// VerifySpec confirms a step's effect took hold.
type VerifySpec = FindSpec

// Step is one entry in a game's declared step script.
type Step struct {
	Description   string     `yaml:"description"`
	Find          *FindSpec  `yaml:"find,omitempty"`
	Action        Action     `yaml:"action"`
	Verify        *VerifySpec `yaml:"verify,omitempty"`
	ExpectedDelay float64    `yaml:"expected_delay"`
	Optional      bool       `yaml:"optional,omitempty"`
}

// InterruptHandler is a popup/dialog auto-dismiss rule checked before every
// step's normal execution.
type InterruptHandler struct {
	Name   string   `yaml:"name"`
	Find   FindSpec `yaml:"find"`
	Action Action   `yaml:"action"`
}

// Script is a game's full step script plus any registered interrupt handlers.
type Script struct {
	Game      string             `yaml:"game"`
	Steps     []Step             `yaml:"steps"`
	Interrupts []InterruptHandler `yaml:"interrupts,omitempty"`
}

// defaultRetryBudget bounds per-step retries before the fallback action runs and
// the run fails with STEP_FAILED.
const defaultRetryBudget = 3

// defaultFallback is the action run when a step exhausts its retry budget —
// typically "press Escape".
var defaultFallback = Action{Kind: ActionKey, Keys: []string{"escape"}}

// Config configures one Run's execution parameters.
type Config struct {
	UniqueID         string
	Game             string
	Account          string
	Iterations       int
	SkipAccountLogin bool
	Quality          string
	Resolution       string
	DisableTracing   bool
	CooldownSeconds  int
	StartStep        int // 0 = from the beginning
	EndStep          int // 0 = through the end
	LoginUsername    string
	LoginPassword    string
	LaunchTimeout    time.Duration
	TracingAgents    []tracepuller.AgentConfig
	ScriptDir        string
}

// Run drives Config end-to-end. It owns no locks beyond its own fields and
// is intended to be constructed fresh per (campaign_id, sut, game) work item.
type Run struct {
	cfg      Config
	registry *registry.Registry
	rpc      *sutrpc.Client
	vision   *visionqueue.Endpoint
	puller   *tracepuller.Puller
	store    *storage.Store
	bus      *eventbus.Bus
	logger   *logging.Logger
	metrics  *metrics.Metrics
	tl       *timeline.Timeline

	runID    string
	runDir   string
	status   Status
	stopFlag bool
}

// Deps bundles a Run's collaborators, all injected so executor tests run
// against fakes without a real SUT, vision endpoint, or SSH connection.
type Deps struct {
	Registry *registry.Registry
	RPC      *sutrpc.Client
	Vision   *visionqueue.Endpoint
	Puller   *tracepuller.Puller
	Store    *storage.Store
	Bus      *eventbus.Bus
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
}

// New constructs a Run for one work item. runID should be a stable
// identifier (UUID) assigned by the caller before enqueueing.
func New(runID string, cfg Config, deps Deps) *Run {
	tl := timeline.New()
	rpc := deps.RPC
	if rpc != nil {
		rpc = rpc.WithTimeline(tl)
	}
	return &Run{
		cfg:      cfg,
		registry: deps.Registry,
		rpc:      rpc,
		vision:   deps.Vision,
		puller:   deps.Puller,
		store:    deps.Store,
		bus:      deps.Bus,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		tl:       tl,
		runID:    runID,
		status:   StatusQueued,
	}
}

// Status returns the run's current lifecycle status.
func (r *Run) Status() Status { return r.status }

// Timeline exposes the run's append-only event log.
func (r *Run) Timeline() *timeline.Timeline { return r.tl }

// Stop requests the run halt at the next safe point in the step loop.
func (r *Run) Stop() { r.stopFlag = true }

// Execute runs the full state machine described by spec.md §4.H. It never
// panics: any unhandled error is caught, the run is marked failed, and
// resources (run dir, timeline flush) are always finalized.
func (r *Run) Execute(ctx context.Context) (status Status, err error) {
	r.status = StatusStarting
	runStart := time.Now()
	startID := r.tl.Start(timeline.EventRunStarted, map[string]interface{}{
		"sut": r.cfg.UniqueID, "game": r.cfg.Game, "account": r.cfg.Account,
	}, "")

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("run panicked: %v", rec)
			status = StatusFailed
		}
		r.status = status
		r.tl.Complete(startID, timeline.EventRunEnded, map[string]interface{}{"status": string(status)})
		r.finalize(ctx, status, err)
		if r.metrics != nil {
			r.metrics.RunDurationSeconds.WithLabelValues(r.cfg.Game, string(status)).Observe(time.Since(runStart).Seconds())
			r.metrics.RunsTotal.WithLabelValues(r.cfg.Game, string(status)).Inc()
		}
		if r.bus != nil {
			r.bus.Emit(eventbus.KindRunEnded, map[string]interface{}{
				"run_id": r.runID, "status": string(status),
			})
		}
	}()

	if err := r.preconditions(ctx); err != nil {
		return StatusFailed, err
	}

	if !r.cfg.SkipAccountLogin {
		if err := r.loginAccount(ctx); err != nil {
			return StatusFailed, err
		}
	}

	if r.cfg.Quality != "" || r.cfg.Resolution != "" {
		if err := r.applyPreset(ctx); err != nil {
			return StatusFailed, err
		}
	}

	r.status = StatusRunning
	script, err := r.loadScript(ctx)
	if err != nil {
		return StatusFailed, err
	}

	anyFailed := false
	for i := 1; i <= r.cfg.Iterations; i++ {
		if r.stopFlag {
			return StatusStopped, nil
		}
		if err := r.runIteration(ctx, i, script); err != nil {
			anyFailed = true
			if r.logger != nil {
				r.logger.Error(ctx, "iteration failed", err, map[string]interface{}{
					"run_id": r.runID, "iteration": i,
				})
			}
			if se := errors.GetServiceError(err); se != nil && se.Code == errors.ErrCodeSUTOffline {
				return StatusFailed, err
			}
		}
	}

	if anyFailed {
		return StatusFailed, fmt.Errorf("one or more iterations failed")
	}
	return StatusCompleted, nil
}

func (r *Run) preconditions(ctx context.Context) error {
	dev, err := r.registry.Lookup(r.cfg.UniqueID)
	if err != nil {
		return err
	}
	if dev.Status == registry.StatusOffline {
		return errors.SUTOffline(r.cfg.UniqueID)
	}

	folder := storage.FolderName(r.cfg.Game, r.cfg.UniqueID, time.Now())
	dir, err := r.store.CreateRunDir(folder)
	if err != nil {
		return err
	}
	r.runDir = dir
	return nil
}

func (r *Run) loginAccount(ctx context.Context) error {
	doLogin := func() error {
		res, err := r.rpc.LoginSteam(ctx, sutrpc.LoginSteamRequest{
			Username: r.cfg.LoginUsername,
			Password: r.cfg.LoginPassword,
			Timeout:  60,
		})
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("account login rejected by sut")
		}
		return nil
	}
	if err := doLogin(); err != nil {
		// Login failure is retryable exactly once per spec.md §4.H.2.
		if err2 := doLogin(); err2 != nil {
			return fmt.Errorf("account login failed after retry: %w", err2)
		}
	}
	return nil
}

func (r *Run) applyPreset(ctx context.Context) error {
	_, err := r.rpc.ApplyPreset(ctx, sutrpc.ApplyPresetRequest{
		GameShortName: r.cfg.Game,
		PresetLevel:   r.cfg.Quality,
	})
	return err
}

// loadScript reads the step script for r.cfg.Game from r.cfg.ScriptDir,
// named "<game>.yaml". A game with no ScriptDir configured (or no script
// file on disk) runs with an empty step list: launch, cooldown and preset
// application still happen, there is simply nothing to click through.
func (r *Run) loadScript(ctx context.Context) (*Script, error) {
	if r.cfg.ScriptDir == "" {
		return &Script{Game: r.cfg.Game}, nil
	}

	path := filepath.Join(r.cfg.ScriptDir, r.cfg.Game+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Script{Game: r.cfg.Game}, nil
		}
		return nil, fmt.Errorf("read script %s: %w", path, err)
	}

	var script Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}
	if script.Game == "" {
		script.Game = r.cfg.Game
	}
	return &script, nil
}

func (r *Run) runIteration(ctx context.Context, index int, script *Script) error {
	iterID := r.tl.Start(timeline.EventIterationStarted, map[string]interface{}{"iteration": index}, "")
	var iterErr error
	defer func() {
		status := "success"
		if iterErr != nil {
			status = "failure"
		}
		r.tl.Complete(iterID, timeline.EventIterationEnded, map[string]interface{}{"status": status})
	}()

	if index > 1 && r.cfg.CooldownSeconds > 0 {
		select {
		case <-time.After(time.Duration(r.cfg.CooldownSeconds) * time.Second):
		case <-ctx.Done():
			iterErr = ctx.Err()
			return iterErr
		}
	}

	if iterErr = r.launchAndWait(ctx); iterErr != nil {
		return iterErr
	}

	start, end := r.cfg.StartStep, r.cfg.EndStep
	steps := script.Steps
	if end == 0 || end > len(steps) {
		end = len(steps)
	}
	if start > 0 {
		start--
	}
	if start < len(steps) {
		iterErr = r.runStepLoop(ctx, script, steps[start:end], iterID)
	}

	closeErr := r.closeGame(ctx)
	if iterErr == nil {
		iterErr = closeErr
	}

	if !r.cfg.DisableTracing && iterErr == nil {
		r.pullTraces(ctx, index)
	}
	return iterErr
}

func (r *Run) launchAndWait(ctx context.Context) error {
	_, err := r.rpc.Launch(ctx, sutrpc.LaunchRequest{})
	if err != nil {
		return err
	}

	timeout := r.cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		res, err := r.rpc.CheckProcess(ctx, sutrpc.CheckProcessRequest{Name: r.cfg.Game})
		if err == nil && res.Success {
			return nil
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("game process did not appear within %s", timeout)
}

func (r *Run) closeGame(ctx context.Context) error {
	if _, err := r.rpc.TerminateGame(ctx); err != nil {
		_, killErr := r.rpc.KillProcess(ctx, sutrpc.KillProcessRequest{})
		if killErr != nil {
			return fmt.Errorf("clean close failed (%v) and force-terminate failed (%w)", err, killErr)
		}
	}
	return nil
}

func (r *Run) pullTraces(ctx context.Context, iteration int) {
	if r.puller == nil {
		return
	}
	tracePullID := r.tl.Start(timeline.EventTracePullStarted, map[string]interface{}{"iteration": iteration}, "")
	result := r.puller.Pull(ctx, r.runDir, r.cfg.TracingAgents, r.rpc)
	status := "failure"
	if result.Success {
		status = "success"
	}
	r.tl.Complete(tracePullID, timeline.EventTracePullEnded, map[string]interface{}{
		"status": status, "total_files": result.TotalFiles,
	})
	if r.metrics != nil {
		for _, a := range result.Agents {
			agentStatus := "failure"
			if a.Success {
				agentStatus = "success"
			}
			r.metrics.TracePullFilesTotal.WithLabelValues(a.Agent, agentStatus).Add(float64(len(a.Files)))
		}
	}
}

// runStepLoop drives the step kernel of spec.md §4.H over steps, honoring
// stop signals, interrupt handlers, find/verify specs, and retry+fallback.
func (r *Run) runStepLoop(ctx context.Context, script *Script, steps []Step, linkedEventID string) error {
	for idx, step := range steps {
		if r.stopFlag {
			return nil
		}

		retries := 0
		for {
			if handled := r.checkInterrupts(ctx, script, linkedEventID); handled {
				continue // re-attempt the current step without advancing
			}

			err := r.runOneStep(ctx, idx, retries, step, linkedEventID)
			if err == nil {
				break
			}

			retries++
			if r.metrics != nil {
				r.metrics.StepRetriesTotal.WithLabelValues(r.cfg.Game).Inc()
			}
			budget := defaultRetryBudget
			if retries > budget {
				r.runFallback(ctx, step, linkedEventID)
				if step.Optional {
					break
				}
				return errors.StepFailed(step.Description, err)
			}
		}
	}
	return nil
}

// checkInterrupts captures a screenshot, runs vision analysis, and checks
// registered interrupt triggers; it returns true (and runs the matching
// handler) if one fires, telling the caller to re-attempt the current step.
func (r *Run) checkInterrupts(ctx context.Context, script *Script, linkedEventID string) bool {
	if len(script.Interrupts) == 0 || r.vision == nil {
		return false
	}
	elements, err := r.captureAndAnalyze(ctx, linkedEventID, -1)
	if err != nil {
		return false
	}
	for _, h := range script.Interrupts {
		if el, ok := findElement(elements, h.Find); ok {
			r.dispatchAction(ctx, h.Action, &el, elements, linkedEventID)
			return true
		}
	}
	return false
}

// runOneStep executes step once. retry is the sub-index of this attempt
// within the step's retry budget (0 on the first try), recorded on the
// step_started event so the causality story view can tell repeated
// attempts at the same step index apart.
func (r *Run) runOneStep(ctx context.Context, index, retry int, step Step, runLinkedID string) error {
	stepID := r.tl.Start(timeline.EventStepStarted, map[string]interface{}{
		"step": index, "retry": retry, "description": step.Description,
	}, runLinkedID)
	var stepErr error
	defer func() {
		status := "success"
		if stepErr != nil {
			status = "failure"
		}
		r.tl.Complete(stepID, timeline.EventStepEnded, map[string]interface{}{"status": status})
	}()

	elements, err := r.captureAndAnalyze(ctx, stepID, index)
	if err != nil {
		stepErr = err
		return err
	}

	var matched *visionqueue.Element
	if step.Find != nil {
		el, ok := findElement(elements, *step.Find)
		if !ok {
			stepErr = fmt.Errorf("find-spec %q matched no element", step.Find.Text)
			return stepErr
		}
		matched = &el
	}

	r.dispatchAction(ctx, step.Action, matched, elements, stepID)

	if step.ExpectedDelay > 0 {
		select {
		case <-time.After(time.Duration(step.ExpectedDelay * float64(time.Second))):
		case <-ctx.Done():
			stepErr = ctx.Err()
			return stepErr
		}
	}

	if step.Verify != nil {
		verifyElements, err := r.captureAndAnalyze(ctx, stepID, -1)
		if err != nil {
			stepErr = err
			return err
		}
		if _, ok := findElement(verifyElements, *step.Verify); !ok {
			stepErr = fmt.Errorf("verification %q failed", step.Verify.Text)
			return stepErr
		}
	}
	return nil
}

func (r *Run) runFallback(ctx context.Context, step Step, linkedEventID string) {
	fallback := defaultFallback
	r.dispatchAction(ctx, fallback, nil, nil, linkedEventID)
}

// captureAndAnalyze grabs a screenshot, forwards it to the vision analyzer,
// and returns the detected elements. stepIndex >= 0 additionally persists the
// step's screenshot/element artifacts into the run directory; interrupt and
// verification captures pass -1 so they never overwrite the step's artifacts.
func (r *Run) captureAndAnalyze(ctx context.Context, linkedEventID string, stepIndex int) ([]visionqueue.Element, error) {
	shotID := r.tl.Start(timeline.EventScreenshotCaptured, nil, linkedEventID)
	res, err := r.rpc.Screenshot(ctx, shotID)
	if err != nil {
		r.tl.Fail(shotID, timeline.EventServiceCallFailed, map[string]interface{}{"error": err.Error()})
		return nil, err
	}
	r.tl.Complete(shotID, timeline.EventServiceCallCompleted, nil)

	if r.vision == nil {
		return nil, fmt.Errorf("vision unavailable")
	}
	b64 := encodeScreenshot(res.Payload)
	resp, err := r.vision.Enqueue(ctx, visionqueue.ParseRequest{Base64Image: b64})
	if err != nil {
		return nil, fmt.Errorf("vision unavailable: %w", err)
	}
	r.tl.Append(timeline.EventElementMatched, "success", map[string]interface{}{
		"count": len(resp.ParsedContentList),
	}, linkedEventID)
	if stepIndex >= 0 {
		r.saveStepArtifacts(stepIndex, res.Payload, resp)
	}
	return resp.ParsedContentList, nil
}

// encodeScreenshot converts raw screenshot bytes to the base64_image form
// the vision analyzer's /parse/ contract expects.
func encodeScreenshot(payload []byte) string {
	return base64.StdEncoding.EncodeToString(payload)
}

// saveStepArtifacts writes the raw screenshot, its vision-element list, and
// the annotated screenshot (when the analyzer returned one) into the run
// directory's screenshots/ layout.
func (r *Run) saveStepArtifacts(step int, screenshot []byte, resp *visionqueue.ParseResponse) {
	if r.store == nil || r.runDir == "" {
		return
	}
	_ = r.store.SaveScreenshot(r.runDir, step, screenshot)
	if data, err := json.Marshal(resp.ParsedContentList); err == nil {
		_ = r.store.SaveElements(r.runDir, step, data)
	}
	if resp.SomImageBase64 != "" {
		if png, err := base64.StdEncoding.DecodeString(resp.SomImageBase64); err == nil {
			_ = r.store.SaveAnnotatedScreenshot(r.runDir, step, png)
		}
	}
}

func findElement(elements []visionqueue.Element, spec FindSpec) (visionqueue.Element, bool) {
	for _, el := range elements {
		if spec.Type != "" && spec.Type != "any" && el.Type != spec.Type {
			continue
		}
		if matchText(el.Content, spec.Text, spec.Strategy) {
			return el, true
		}
	}
	return visionqueue.Element{}, false
}

func matchText(content, text string, strategy MatchStrategy) bool {
	c, t := strings.ToLower(content), strings.ToLower(text)
	switch strategy {
	case MatchContains:
		return strings.Contains(c, t)
	case MatchStartsWith:
		return strings.HasPrefix(c, t)
	case MatchEndsWith:
		return strings.HasSuffix(c, t)
	default: // MatchExact and unset
		return c == t
	}
}

func (r *Run) dispatchAction(ctx context.Context, action Action, matched *visionqueue.Element, elements []visionqueue.Element, linkedEventID string) {
	x, y := action.X, action.Y
	if matched != nil {
		x = int((matched.BBox[0]+matched.BBox[2])/2) + action.OffsetX
		y = int((matched.BBox[1]+matched.BBox[3])/2) + action.OffsetY
	}

	req := sutrpc.ActionRequest{Type: string(action.Kind), Data: map[string]interface{}{}}
	switch action.Kind {
	case ActionClick:
		req.Data["x"], req.Data["y"] = x, y
	case ActionKey, ActionHotkey:
		req.Data["keys"] = action.Keys
	case ActionText:
		req.Data["text"] = action.Text
	case ActionDrag:
		req.Data["x"], req.Data["y"] = x, y
		req.Data["to_x"], req.Data["to_y"] = action.DragToX, action.DragToY
	case ActionScroll:
		req.Data["x"], req.Data["y"] = x, y
		req.Data["dy"] = action.ScrollDY
	case ActionWait:
		req.Data["seconds"] = action.WaitSecs
	case ActionConditional:
		branch := action.Else
		branchTarget := matched
		if action.When != nil {
			if el, ok := findElement(elements, *action.When); ok {
				branch = action.Then
				branchTarget = &el
			}
		}
		for _, sub := range branch {
			r.dispatchAction(ctx, sub, branchTarget, elements, linkedEventID)
		}
		return
	case ActionSequence:
		for _, sub := range action.Sequence {
			r.dispatchAction(ctx, sub, matched, elements, linkedEventID)
		}
		return
	}
	_, _ = r.rpc.Action(ctx, req, linkedEventID)
}

func (r *Run) finalize(ctx context.Context, status Status, runErr error) {
	if r.store == nil || r.runDir == "" {
		return
	}
	m := &storage.Manifest{
		RunID:     r.runID,
		Game:      r.cfg.Game,
		SUT:       storage.ManifestSUT{UniqueID: r.cfg.UniqueID},
		Status:    string(status),
		CreatedAt: time.Now(),
		Config: storage.ManifestConfig{
			Account:          r.cfg.Account,
			Iterations:       r.cfg.Iterations,
			Quality:          r.cfg.Quality,
			Resolution:       r.cfg.Resolution,
			SkipAccountLogin: r.cfg.SkipAccountLogin,
			DisableTracing:   r.cfg.DisableTracing,
			CooldownSeconds:  r.cfg.CooldownSeconds,
		},
	}
	for _, a := range r.cfg.TracingAgents {
		m.Config.TracingAgents = append(m.Config.TracingAgents, a.Name)
	}
	if runErr != nil {
		m.Error = runErr.Error()
	}
	_ = r.store.SaveManifest(r.runDir, m)

	if data, err := r.tl.MarshalJSON(); err == nil {
		_ = r.store.SaveTimeline(r.runDir, data)
	}
}
