// Package master constructs the single authoritative Master value that
// owns every sub-system (event bus, device registry, session manager,
// announcer, account scheduler, vision router, campaign scheduler, storage)
// and wires them together explicitly, in place of the process-wide
// singletons the reference implementation relies on.
package master

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/r3e-benchfabric/master/internal/accounts"
	"github.com/r3e-benchfabric/master/internal/announce"
	"github.com/r3e-benchfabric/master/internal/campaign"
	"github.com/r3e-benchfabric/master/internal/config"
	"github.com/r3e-benchfabric/master/internal/eventbus"
	"github.com/r3e-benchfabric/master/internal/executor"
	"github.com/r3e-benchfabric/master/internal/httputil"
	"github.com/r3e-benchfabric/master/internal/logging"
	"github.com/r3e-benchfabric/master/internal/metrics"
	"github.com/r3e-benchfabric/master/internal/registry"
	"github.com/r3e-benchfabric/master/internal/resilience"
	state "github.com/r3e-benchfabric/master/internal/statestore"
	"github.com/r3e-benchfabric/master/internal/storage"
	"github.com/r3e-benchfabric/master/internal/sutrpc"
	"github.com/r3e-benchfabric/master/internal/tracepuller"
	"github.com/r3e-benchfabric/master/internal/visionqueue"
	"github.com/r3e-benchfabric/master/internal/wsmux"
)

// Master is the single top-level value holding every owned sub-system. It
// is constructed once at process startup and passed down by reference;
// nothing here is a package-level global.
type Master struct {
	Config   *config.Config
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Bus      *eventbus.Bus
	Registry *registry.Registry
	Sessions *wsmux.SessionManager
	Announcer *announce.Announcer
	Accounts *accounts.Scheduler
	Vision   *visionqueue.Router
	Store    *storage.Store
	Campaign *campaign.Scheduler

	backend state.PersistenceBackend

	mu      sync.Mutex
	clients map[string]*sutrpc.Client // uniqueID -> bound RPC client
	pullers map[string]*tracepuller.Puller
}

// New constructs every sub-system from cfg, wiring dependencies in the
// strict order §5 requires (registry before scheduler before session-map)
// so no component is ever handed a partially-constructed collaborator.
func New(cfg *config.Config, logger *logging.Logger) (*Master, error) {
	bus := eventbus.New(logger)

	backend, err := state.NewFileBackend("state")
	if err != nil {
		return nil, fmt.Errorf("construct state backend: %w", err)
	}

	reg, err := registry.New(backend, bus, logger)
	if err != nil {
		return nil, fmt.Errorf("construct registry: %w", err)
	}

	rules := make([]accounts.ClassifierRule, 0, len(cfg.Accounts.Rules))
	for _, r := range cfg.Accounts.Rules {
		rules = append(rules, classifierRuleFromConfig(r))
	}
	classifier := accounts.NewClassifier(rules)

	acctScheduler, err := accounts.New(classifier, backend, bus, logger)
	if err != nil {
		return nil, fmt.Errorf("construct account scheduler: %w", err)
	}

	sessions := wsmux.New(bus, logger)

	store, err := storage.New(cfg.Storage.RunsRoot)
	if err != nil {
		return nil, fmt.Errorf("construct storage: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Runtime.MetricsEnabled {
		m = metrics.New("master")
		acctScheduler.SetMetrics(m)
		reg.SetMetrics(m)
	}

	visionConfigs := make([]visionqueue.Config, 0, len(cfg.Queue.Endpoints))
	for _, ep := range cfg.Queue.Endpoints {
		normalized, _, err := httputil.NormalizeBaseURL(ep.URL)
		if err != nil {
			return nil, fmt.Errorf("queue endpoint %q: %w", ep.Name, err)
		}
		visionConfigs = append(visionConfigs, visionqueue.Config{
			Name:     ep.Name,
			URL:      normalized,
			MaxSize:  ep.MaxQueue,
			Timeout:  cfg.Queue.RequestTimeout,
			CBConfig: cbConfigFromRuntime("vision_queue", cfg.Resilience, logger),
		})
	}
	visionRouter := visionqueue.NewRouter(visionConfigs, logger, m)

	mstr := &Master{
		Config:   cfg,
		Logger:   logger,
		Metrics:  m,
		Bus:      bus,
		Registry: reg,
		Sessions: sessions,
		Accounts: acctScheduler,
		Vision:   visionRouter,
		Store:    store,
		backend:  backend,
		clients:  make(map[string]*sutrpc.Client),
		pullers:  make(map[string]*tracepuller.Puller),
	}

	campSched := campaign.New(acctScheduler, classifier.Classify, mstr.runWorkItem, bus, logger)
	mstr.Campaign = campSched

	return mstr, nil
}

func classifierRuleFromConfig(r config.AccountClassifierRule) accounts.ClassifierRule {
	name := r.Name
	return accounts.ClassifierRule{
		Account: name,
		Match:   regexpMatcher(r.Match),
	}
}

// regexpMatcher compiles match lazily-safe: an invalid pattern never
// matches rather than panicking at startup, since classifier rules come
// from operator-editable config.
func regexpMatcher(pattern string) func(string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return func(string) bool { return false }
	}
	return re.MatchString
}

// cbConfigFromRuntime builds a breaker Config for component ("sut_rpc" or
// "vision_queue") from operator-set resilience config. An unconfigured
// FailureThreshold/OpenTimeout (both zero) falls back to the component's
// fabric-tuned preset rather than resilience's generic floor, since a SUT
// RPC client and a vision-queue endpoint warrant different failure
// tolerances even before an operator has tuned them.
func cbConfigFromRuntime(component string, r config.ResilienceConfig, logger *logging.Logger) resilience.Config {
	if r.FailureThreshold == 0 && r.OpenTimeout == 0 {
		if component == "sut_rpc" {
			return resilience.SUTRPCBreakerConfig(logger)
		}
		return resilience.VisionQueueBreakerConfig(logger)
	}
	return resilience.FabricCBConfig(resilience.FabricBreakerConfig{
		Component:      component,
		MaxFailures:    int(r.FailureThreshold),
		TimeoutSeconds: int(r.OpenTimeout / time.Second),
		HalfOpenMax:    3,
		Logger:         logger,
	})
}

// StartAnnouncer begins the UDP bootstrap broadcaster; it is started
// separately from New because it needs the bound address the HTTP server
// ends up listening on.
func (m *Master) StartAnnouncer(ctx context.Context, ip string, version string) error {
	a, err := announce.New(announce.Config{
		BroadcastAddr: fmt.Sprintf("255.255.255.255:%d", m.Config.Discovery.UDPPort),
		IP:            ip,
		WSPort:        m.Config.Discovery.WSPort,
		APIPort:       m.Config.Server.Port,
		Interval:      m.Config.Discovery.AnnounceInterval,
		Version:       version,
	}, m.Logger)
	if err != nil {
		return err
	}
	m.Announcer = a
	go a.Run(ctx)
	return nil
}

// StartCampaignWorkers ensures one campaign worker goroutine is running for
// every currently-known device, per spec.md §4.I / §5.
func (m *Master) StartCampaignWorkers(ctx context.Context) {
	for _, d := range m.Registry.List(registry.Filter{}) {
		m.Campaign.EnsureWorker(ctx, d.UniqueID)
	}
}

// StartStaleSweep periodically removes devices that have not been seen
// within cfg.Discovery.StaleAfter.
func (m *Master) StartStaleSweep(ctx context.Context) {
	interval := m.Config.Discovery.SweepInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Registry.RemoveStale(m.Config.Discovery.StaleAfter)
			}
		}
	}()
}

// RPCClientFor returns (creating if necessary) the sutrpc.Client bound to
// uniqueID's current IP, so every call for a SUT shares one circuit breaker.
func (m *Master) RPCClientFor(uniqueID string) (*sutrpc.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[uniqueID]; ok {
		return c, nil
	}
	dev, err := m.Registry.Lookup(uniqueID)
	if err != nil {
		return nil, err
	}
	base := &http.Client{Transport: httputil.DefaultTransportWithMinTLS12()}
	client := sutrpc.New(uniqueID, fmt.Sprintf("http://%s:%d", dev.IP, dev.Port),
		cbConfigFromRuntime("sut_rpc", m.Config.Resilience, m.Logger),
		httputil.CopyHTTPClientWithTimeout(base, m.Config.Resilience.SUTRequestTimeout, true))
	m.clients[uniqueID] = client
	return client, nil
}

// PullerFor returns (creating if necessary) the tracepuller.Puller bound to
// uniqueID's current IP.
func (m *Master) PullerFor(uniqueID string) (*tracepuller.Puller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pullers[uniqueID]; ok {
		return p, nil
	}
	dev, err := m.Registry.Lookup(uniqueID)
	if err != nil {
		return nil, err
	}
	p := tracepuller.New(tracepuller.Config{
		SUTIP:      dev.IP,
		SSHTimeout: m.Config.TracePuller.SSHTimeout,
	})
	m.pullers[uniqueID] = p
	return p, nil
}

// runWorkItem is the campaign.RunnerFunc wiring: it resolves a work item's
// collaborators, applies the owning campaign's preset/options, and drives an
// executor.Run to completion.
func (m *Master) runWorkItem(ctx context.Context, campaignID string, item campaign.WorkItem) (executor.Status, error) {
	rpc, err := m.RPCClientFor(item.SUT)
	if err != nil {
		return executor.StatusFailed, err
	}
	puller, err := m.PullerFor(item.SUT)
	if err != nil {
		return executor.StatusFailed, err
	}

	var visionEndpoint *visionqueue.Endpoint
	if eps := m.Config.Queue.Endpoints; len(eps) > 0 {
		visionEndpoint, _ = m.Vision.Endpoint(eps[0].Name)
	}

	cfg, _ := m.Campaign.CampaignConfig(campaignID)

	creds, hasCreds := m.Config.Accounts.Credentials[item.Account]
	if !cfg.SkipAccountLogin && !hasCreds && m.Logger != nil {
		m.Logger.Warn(ctx, "no credentials configured for account, login will be rejected by the sut", map[string]interface{}{
			"account": item.Account, "game": item.Game,
		})
	}

	run := executor.New(fmt.Sprintf("%s-%s-%d", campaignID, item.SUT, time.Now().UnixNano()), executor.Config{
		UniqueID:         item.SUT,
		Game:             item.Game,
		Account:          item.Account,
		Iterations:       item.Iterations,
		LoginUsername:    creds.Username,
		LoginPassword:    creds.Password,
		SkipAccountLogin: cfg.SkipAccountLogin,
		Quality:          cfg.Quality,
		Resolution:       cfg.Resolution,
		DisableTracing:   cfg.DisableTracing,
		CooldownSeconds:  cfg.CooldownSeconds,
		StartStep:        cfg.StartStep,
		EndStep:          cfg.EndStep,
		TracingAgents:    cfg.TracingAgents,
		ScriptDir:        m.Config.Storage.ScriptDir,
	}, executor.Deps{
		Registry: m.Registry,
		RPC:      rpc,
		Vision:   visionEndpoint,
		Puller:   puller,
		Store:    m.Store,
		Bus:      m.Bus,
		Logger:   m.Logger,
		Metrics:  m.Metrics,
	})
	return run.Execute(ctx)
}

// CreateCampaign builds the per-SUT work-item cross product for
// suts x games (each repeated iterationsPerGame times) and starts it as a
// new active campaign, per spec.md §2's data-flow description and §3's
// Campaign data model. It is the one entry point that turns a campaign
// request into running work; the admin POST /admin/campaigns handler in
// cmd/master calls it.
func (m *Master) CreateCampaign(id string, suts []string, games []string, iterationsPerGame int, cfg campaign.Config) {
	queues := campaign.BuildQueues(suts, games, iterationsPerGame)
	m.Campaign.StartCampaignWithConfig(id, queues, cfg)
}

// Close releases every owned sub-system's resources.
func (m *Master) Close(ctx context.Context) {
	if m.Announcer != nil {
		_ = m.Announcer.Close()
	}
	m.Vision.Close()
	_ = m.backend.Close(ctx)
}
