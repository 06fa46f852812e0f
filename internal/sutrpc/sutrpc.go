// Package sutrpc implements the request-reply HTTP client for the SUT
// data-plane: screenshot capture, input action, process management, game
// launch, display-mode change, logs, and file transfer. One client is bound
// to a single SUT address; the campaign/executor layer holds one per SUT so
// that each gets its own circuit breaker.
package sutrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/r3e-benchfabric/master/internal/httputil"
	"github.com/r3e-benchfabric/master/internal/resilience"
	"github.com/r3e-benchfabric/master/internal/timeline"
	errors "github.com/r3e-benchfabric/master/internal/svcerrors"
)

// maxResponsePayloadBytes bounds how much of a SUT's HTTP response this
// client will buffer. Screenshot capture is the largest payload on this
// surface; anything past a few full-resolution PNGs in a row means the
// Agent has gone wrong, not that the Master should OOM reading it.
const maxResponsePayloadBytes = 32 << 20

// Result wraps every SUT data-plane call's outcome uniformly.
type Result struct {
	Success   bool            `json:"success"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	ElapsedMS int64           `json:"elapsed_ms"`
}

// Client is a request-reply HTTP client bound to one SUT.
type Client struct {
	uniqueID   string
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	timeline   *timeline.Timeline
}

// New constructs a Client targeting baseURL (e.g. "http://192.168.1.50:8765")
// with a dedicated circuit breaker.
func New(uniqueID, baseURL string, cbConfig resilience.Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		uniqueID:   uniqueID,
		baseURL:    baseURL,
		httpClient: httpClient,
		breaker:    resilience.New(cbConfig),
	}
}

// WithTimeline attaches a run timeline so every call emits paired
// service_call_started/completed/failed events.
func (c *Client) WithTimeline(tl *timeline.Timeline) *Client {
	cp := *c
	cp.timeline = tl
	return &cp
}

// call performs one HTTP round trip through the circuit breaker, optionally
// linked to an enclosing step via linkedEventID.
func (c *Client) call(ctx context.Context, method, path string, body interface{}, linkedEventID string) (*Result, error) {
	start := time.Now()

	var startEventID string
	if c.timeline != nil {
		startEventID = c.timeline.Start(timeline.EventServiceCallStarted, map[string]interface{}{
			"sut":    c.uniqueID,
			"method": method,
			"path":   path,
		}, linkedEventID)
	}

	var payload []byte
	execErr := c.breaker.Execute(ctx, func() error {
		var reqBody io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reqBody = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, truncated, err := httputil.ReadAllWithLimit(resp.Body, maxResponsePayloadBytes)
		if err != nil {
			return err
		}
		if truncated {
			return fmt.Errorf("sut rpc %s %s: response exceeded %d bytes", method, path, maxResponsePayloadBytes)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("sut rpc %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
		}
		payload = data
		return nil
	})

	elapsed := time.Since(start)
	result := &Result{ElapsedMS: elapsed.Milliseconds()}

	if execErr != nil {
		result.Success = false
		result.Error = execErr.Error()
		if c.timeline != nil {
			c.timeline.Fail(startEventID, timeline.EventServiceCallFailed, map[string]interface{}{
				"error": execErr.Error(),
			})
		}
		if execErr == resilience.ErrCircuitOpen {
			return result, errors.Timeout(fmt.Sprintf("sut %s rpc %s", c.uniqueID, path))
		}
		return result, errors.ExternalAPIError(fmt.Sprintf("sut:%s", c.uniqueID), execErr)
	}

	result.Success = true
	result.Payload = payload
	if c.timeline != nil {
		c.timeline.Complete(startEventID, timeline.EventServiceCallCompleted, nil)
	}
	return result, nil
}

// Status calls GET /status.
func (c *Client) Status(ctx context.Context) (*Result, error) {
	return c.call(ctx, http.MethodGet, "/status", nil, "")
}

// Screenshot calls GET /screenshot and returns the raw PNG bytes as payload.
func (c *Client) Screenshot(ctx context.Context, linkedEventID string) (*Result, error) {
	return c.call(ctx, http.MethodGet, "/screenshot", nil, linkedEventID)
}

// ActionRequest drives an input action; Type selects one of
// click|key|hotkey|text|drag|scroll|wait|sequence per the data-plane contract.
type ActionRequest struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Data alongside Type so callers can pass arbitrary
// per-action fields (x, y, keys, text, …) without a bespoke struct per type.
func (a ActionRequest) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{"type": a.Type}
	for k, v := range a.Data {
		out[k] = v
	}
	return json.Marshal(out)
}

// Action calls POST /action.
func (c *Client) Action(ctx context.Context, req ActionRequest, linkedEventID string) (*Result, error) {
	return c.call(ctx, http.MethodPost, "/action", req, linkedEventID)
}

// LaunchRequest starts a game.
type LaunchRequest struct {
	SteamAppID              string `json:"steam_app_id,omitempty"`
	ExePath                 string `json:"exe_path,omitempty"`
	Path                    string `json:"path,omitempty"`
	ProcessID               string `json:"process_id,omitempty"`
	LaunchArgs              string `json:"launch_args,omitempty"`
	UseDirectExe            bool   `json:"use_direct_exe,omitempty"`
	ProcessDetectionTimeout int    `json:"process_detection_timeout,omitempty"`
}

func (c *Client) Launch(ctx context.Context, req LaunchRequest) (*Result, error) {
	return c.call(ctx, http.MethodPost, "/launch", req, "")
}

func (c *Client) TerminateGame(ctx context.Context) (*Result, error) {
	return c.call(ctx, http.MethodPost, "/terminate_game", nil, "")
}

// ApplyPresetRequest applies a quality/resolution preset.
type ApplyPresetRequest struct {
	GameShortName string   `json:"game_short_name"`
	PresetLevel   string   `json:"preset_level"`
	Files         []string `json:"files,omitempty"`
	ConfigFiles   []string `json:"config_files,omitempty"`
	Backup        bool     `json:"backup,omitempty"`
}

func (c *Client) ApplyPreset(ctx context.Context, req ApplyPresetRequest) (*Result, error) {
	return c.call(ctx, http.MethodPost, "/apply-preset", req, "")
}

func (c *Client) Performance(ctx context.Context) (*Result, error) {
	return c.call(ctx, http.MethodGet, "/performance", nil, "")
}

func (c *Client) ScreenInfo(ctx context.Context) (*Result, error) {
	return c.call(ctx, http.MethodGet, "/screen_info", nil, "")
}

func (c *Client) DisplayResolutions(ctx context.Context, commonOnly bool) (*Result, error) {
	path := "/display/resolutions"
	if commonOnly {
		path += "?common_only=true"
	}
	return c.call(ctx, http.MethodGet, path, nil, "")
}

type DisplayResolutionRequest struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (c *Client) SetDisplayResolution(ctx context.Context, req DisplayResolutionRequest) (*Result, error) {
	return c.call(ctx, http.MethodPost, "/display/resolution", req, "")
}

func (c *Client) RestoreDisplay(ctx context.Context) (*Result, error) {
	return c.call(ctx, http.MethodPost, "/display/restore", nil, "")
}

func (c *Client) InstalledGames(ctx context.Context) (*Result, error) {
	return c.call(ctx, http.MethodGet, "/installed_games", nil, "")
}

type FindStandaloneGameRequest struct {
	Name string `json:"name"`
}

func (c *Client) FindStandaloneGame(ctx context.Context, req FindStandaloneGameRequest) (*Result, error) {
	return c.call(ctx, http.MethodPost, "/find_standalone_game", req, "")
}

type CheckProcessRequest struct {
	Name string `json:"name"`
}

func (c *Client) CheckProcess(ctx context.Context, req CheckProcessRequest) (*Result, error) {
	return c.call(ctx, http.MethodPost, "/check_process", req, "")
}

type KillProcessRequest struct {
	PID int `json:"pid"`
}

func (c *Client) KillProcess(ctx context.Context, req KillProcessRequest) (*Result, error) {
	return c.call(ctx, http.MethodPost, "/kill_process", req, "")
}

// ExecuteRequest runs an arbitrary command on the SUT.
type ExecuteRequest struct {
	Path       string `json:"path"`
	Args       string `json:"args,omitempty"`
	WorkingDir string `json:"working_dir,omitempty"`
	Timeout    int    `json:"timeout,omitempty"`
	Async      bool   `json:"async,omitempty"`
	Shell      bool   `json:"shell,omitempty"`
}

func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*Result, error) {
	return c.call(ctx, http.MethodPost, "/execute", req, "")
}

type TerminateRequest struct {
	PID int `json:"pid"`
}

func (c *Client) Terminate(ctx context.Context, req TerminateRequest) (*Result, error) {
	return c.call(ctx, http.MethodPost, "/terminate", req, "")
}

type LoginSteamRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Timeout  int    `json:"timeout,omitempty"`
}

// LoginSteam calls POST /login_steam. Credentials are never logged by the
// caller — see DESIGN.md for the handling of this endpoint's secrets.
func (c *Client) LoginSteam(ctx context.Context, req LoginSteamRequest) (*Result, error) {
	return c.call(ctx, http.MethodPost, "/login_steam", req, "")
}

func (c *Client) Logs(ctx context.Context) (*Result, error) {
	return c.call(ctx, http.MethodGet, "/logs", nil, "")
}

func (c *Client) ClearLogs(ctx context.Context) (*Result, error) {
	return c.call(ctx, http.MethodPost, "/logs/clear", nil, "")
}

type FileUploadRequest struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

func (c *Client) FileUpload(ctx context.Context, req FileUploadRequest) (*Result, error) {
	return c.call(ctx, http.MethodPost, "/file_upload", req, "")
}

type FileDownloadRequest struct {
	Path string `json:"path"`
}

func (c *Client) FileDownload(ctx context.Context, req FileDownloadRequest) (*Result, error) {
	return c.call(ctx, http.MethodPost, "/file_download", req, "")
}

type ListDirectoryRequest struct {
	Path string `json:"path"`
}

func (c *Client) ListDirectory(ctx context.Context, req ListDirectoryRequest) (*Result, error) {
	return c.call(ctx, http.MethodPost, "/list_directory", req, "")
}

// BreakerState exposes the circuit breaker's current state for health checks.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}
