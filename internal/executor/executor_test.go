package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-benchfabric/master/internal/registry"
	"github.com/r3e-benchfabric/master/internal/resilience"
	"github.com/r3e-benchfabric/master/internal/storage"
	"github.com/r3e-benchfabric/master/internal/sutrpc"
	errors "github.com/r3e-benchfabric/master/internal/svcerrors"
	"github.com/r3e-benchfabric/master/internal/timeline"
	"github.com/r3e-benchfabric/master/internal/visionqueue"
)

// fakeSUT is an httptest server standing in for the SUT agent's data plane,
// recording every action request it receives.
type fakeSUT struct {
	srv *httptest.Server

	mu      sync.Mutex
	actions []map[string]interface{}
}

func newFakeSUT(t *testing.T) *fakeSUT {
	t.Helper()
	f := &fakeSUT{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/screenshot":
			w.Write([]byte("png-bytes"))
		case "/action":
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.mu.Lock()
			f.actions = append(f.actions, body)
			f.mu.Unlock()
			w.Write([]byte(`{}`))
		default:
			w.Write([]byte(`{}`))
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSUT) actionTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.actions))
	for _, a := range f.actions {
		if ty, ok := a["type"].(string); ok {
			out = append(out, ty)
		}
	}
	return out
}

// newFakeVision serves /parse/ returning the given elements for every request.
func newFakeVision(t *testing.T, elements []visionqueue.Element) *visionqueue.Endpoint {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(visionqueue.ParseResponse{ParsedContentList: elements})
	}))
	t.Cleanup(srv.Close)
	e := visionqueue.NewEndpoint(visionqueue.Config{Name: "test", URL: srv.URL, MaxSize: 16}, nil, nil)
	t.Cleanup(e.Close)
	return e
}

func writeScript(t *testing.T, dir, game, yamlBody string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, game+".yaml"), []byte(yamlBody), 0o644))
}

func newTestRun(t *testing.T, cfg Config, sut *fakeSUT, vision *visionqueue.Endpoint) (*Run, *storage.Store) {
	t.Helper()
	reg, err := registry.New(nil, nil, nil)
	require.NoError(t, err)
	reg.Upsert(context.Background(), "127.0.0.1", 0, cfg.UniqueID, registry.UpsertAttrs{Hostname: "test-sut"})

	store, err := storage.New(t.TempDir())
	require.NoError(t, err)

	rpc := sutrpc.New(cfg.UniqueID, sut.srv.URL, resilience.DefaultConfig(), nil)

	run := New("run-test", cfg, Deps{
		Registry: reg,
		RPC:      rpc,
		Vision:   vision,
		Store:    store,
	})
	return run, store
}

func TestExecute_CompletesAndWritesManifest(t *testing.T) {
	scriptDir := t.TempDir()
	writeScript(t, scriptDir, "Testgame", `
game: Testgame
steps:
  - description: click play
    action:
      kind: click
      x: 10
      y: 20
`)

	sut := newFakeSUT(t)
	vision := newFakeVision(t, nil)
	run, store := newTestRun(t, Config{
		UniqueID:         "sut-1",
		Game:             "Testgame",
		Iterations:       1,
		SkipAccountLogin: true,
		DisableTracing:   true,
		ScriptDir:        scriptDir,
	}, sut, vision)

	status, err := run.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, StatusCompleted, run.Status())

	assert.Contains(t, sut.actionTypes(), "click")

	history, err := store.LoadRunHistory()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "completed", history[0].Manifest.Status)
	assert.Equal(t, "Testgame", history[0].Manifest.Game)
	assert.Equal(t, "sut-1", history[0].Manifest.SUT.UniqueID)

	runDir := store.GetRunDir(history[0].FolderName)
	assert.FileExists(t, filepath.Join(runDir, "timeline.json"))
	assert.FileExists(t, store.ScreenshotPath(runDir, 0))
	assert.FileExists(t, store.ElementsPath(runDir, 0))

	assert.Empty(t, run.Timeline().VerifyIntegrity())
}

func TestExecute_OfflineSUTFailsBeforeLaunch(t *testing.T) {
	sut := newFakeSUT(t)
	vision := newFakeVision(t, nil)
	run, _ := newTestRun(t, Config{
		UniqueID:         "sut-1",
		Game:             "Testgame",
		Iterations:       1,
		SkipAccountLogin: true,
		DisableTracing:   true,
	}, sut, vision)
	require.NoError(t, run.registry.MarkOffline(context.Background(), "sut-1"))

	status, err := run.Execute(context.Background())
	assert.Equal(t, StatusFailed, status)
	require.Error(t, err)
	se := errors.GetServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, errors.ErrCodeSUTOffline, se.Code)

	// No launch or step activity may reach the SUT once preconditions fail.
	assert.Empty(t, sut.actionTypes())
}

func TestExecute_StepRetriesThenFallbackEscape(t *testing.T) {
	scriptDir := t.TempDir()
	writeScript(t, scriptDir, "Testgame", `
game: Testgame
steps:
  - description: press the button that never appears
    find:
      text: Nonexistent
      strategy: exact
    action:
      kind: click
`)

	sut := newFakeSUT(t)
	vision := newFakeVision(t, []visionqueue.Element{
		{Content: "Something Else", Type: "button"},
	})
	run, _ := newTestRun(t, Config{
		UniqueID:         "sut-1",
		Game:             "Testgame",
		Iterations:       1,
		SkipAccountLogin: true,
		DisableTracing:   true,
		ScriptDir:        scriptDir,
	}, sut, vision)

	status, err := run.Execute(context.Background())
	assert.Equal(t, StatusFailed, status)
	require.Error(t, err)

	// Each attempt at the failing step is recorded with an increasing retry
	// sub-index: the first try plus the full retry budget.
	var retries []int
	for _, e := range run.Timeline().Events() {
		if e.EventType == timeline.EventStepStarted {
			retries = append(retries, e.Metadata["retry"].(int))
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3}, retries)

	// After exhaustion the fallback escape keypress must have been dispatched.
	types := sut.actionTypes()
	require.NotEmpty(t, types)
	assert.Equal(t, "key", types[len(types)-1])
}

func TestExecute_StopBeforeIterationsYieldsStopped(t *testing.T) {
	sut := newFakeSUT(t)
	vision := newFakeVision(t, nil)
	run, _ := newTestRun(t, Config{
		UniqueID:         "sut-1",
		Game:             "Testgame",
		Iterations:       3,
		SkipAccountLogin: true,
		DisableTracing:   true,
	}, sut, vision)

	run.Stop()
	status, err := run.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, status)
}

func TestExecute_MatchedElementCenterPlusOffsetIsClicked(t *testing.T) {
	scriptDir := t.TempDir()
	writeScript(t, scriptDir, "Testgame", `
game: Testgame
steps:
  - description: click play via vision match
    find:
      text: Play
      strategy: exact
      type: button
    action:
      kind: click
      offset_x: 5
      offset_y: -5
`)

	sut := newFakeSUT(t)
	vision := newFakeVision(t, []visionqueue.Element{
		{Content: "Play", Type: "button", BBox: [4]float64{100, 200, 300, 400}, Interactivity: true},
	})
	run, _ := newTestRun(t, Config{
		UniqueID:         "sut-1",
		Game:             "Testgame",
		Iterations:       1,
		SkipAccountLogin: true,
		DisableTracing:   true,
		ScriptDir:        scriptDir,
	}, sut, vision)

	status, err := run.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)

	sut.mu.Lock()
	defer sut.mu.Unlock()
	var click map[string]interface{}
	for _, a := range sut.actions {
		if a["type"] == "click" {
			click = a
		}
	}
	require.NotNil(t, click)
	assert.Equal(t, float64(205), click["x"])
	assert.Equal(t, float64(295), click["y"])
}
