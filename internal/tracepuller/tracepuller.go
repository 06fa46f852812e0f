// Package tracepuller pulls trace files from a SUT to the Master's run
// storage directory, primarily over SSH/SCP with a SUT-agent HTTP fallback.
// Grounded directly on the reference trace_puller.py: the same SSH option
// set, username discovery via "ssh ... whoami", and the %USERPROFILE%
// multi-profile expansion.
package tracepuller

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/r3e-benchfabric/master/internal/resilience"
	"github.com/r3e-benchfabric/master/internal/sutrpc"
)

// sshOptions mirrors the reference TracePuller.SSH_OPTIONS, tuned for
// unattended, key-only connections to a SUT.
var sshOptions = []string{
	"-o", "BatchMode=yes",
	"-o", "StrictHostKeyChecking=no",
	"-o", "UserKnownHostsFile=/dev/null",
	"-o", "ServerAliveInterval=15",
	"-o", "ServerAliveCountMax=3",
	"-o", "TCPKeepAlive=yes",
	"-o", "ConnectionAttempts=2",
}

var profileSkipList = map[string]bool{
	"Public": true, "Default": true, "Default User": true, "All Users": true,
}

// AgentConfig describes one tracing agent's expected output location.
type AgentConfig struct {
	Name          string // e.g. "ptat", "socwatch"
	FilePattern   string // glob-ish pattern, default "*<agent>*.csv"
	FixedOutputDir string // default output dir on SUT, may contain %USERPROFILE%
}

// Puller pulls trace files for one SUT over SSH, falling back to the SUT
// agent's HTTP API.
type Puller struct {
	sutIP      string
	sshUser    string
	sshTimeout time.Duration
	maxRetries int
	retryDelay time.Duration

	mu           sync.Mutex
	usernameCache string
}

// Config configures a Puller.
type Config struct {
	SUTIP      string
	SSHUser    string
	SSHTimeout time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// New constructs a Puller for one SUT.
func New(cfg Config) *Puller {
	if cfg.SSHTimeout <= 0 {
		cfg.SSHTimeout = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.SSHUser == "" {
		cfg.SSHUser = "user"
	}
	return &Puller{
		sutIP:      cfg.SUTIP,
		sshUser:    cfg.SSHUser,
		sshTimeout: cfg.SSHTimeout,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
}

func (p *Puller) sshArgs() []string {
	args := make([]string, len(sshOptions))
	copy(args, sshOptions)
	return append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", int(p.sshTimeout.Seconds())))
}

func (p *Puller) runSSH(ctx context.Context, remoteCmd string) (stdout, stderr string, err error) {
	args := append(p.sshArgs(), fmt.Sprintf("%s@%s", p.sshUser, p.sutIP), remoteCmd)
	cmd := exec.CommandContext(ctx, "ssh", args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

// sutUsername discovers the interactively logged-in username on the SUT via
// "ssh ... whoami", caching it for the Puller's lifetime.
func (p *Puller) sutUsername(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.usernameCache != "" {
		defer p.mu.Unlock()
		return p.usernameCache, nil
	}
	p.mu.Unlock()

	out, _, err := p.runSSH(ctx, "whoami")
	if err != nil {
		return "", fmt.Errorf("discover sut username: %w", err)
	}
	username := parseWhoamiOutput(out)

	p.mu.Lock()
	p.usernameCache = username
	p.mu.Unlock()
	return username, nil
}

// parseWhoamiOutput extracts the account name from "ssh ... whoami" output,
// which on Windows is typically "DOMAIN\user" or "COMPUTERNAME\user".
func parseWhoamiOutput(out string) string {
	raw := strings.TrimSpace(out)
	parts := strings.Split(raw, `\`)
	return parts[len(parts)-1]
}

// defaultFilePattern returns an agent's file-match glob when it declares
// none explicitly.
func defaultFilePattern(agent AgentConfig) string {
	if agent.FilePattern != "" {
		return agent.FilePattern
	}
	return fmt.Sprintf("*%s*.csv", agent.Name)
}

// expandRemotePath expands %USERPROFILE% into one candidate per user profile
// directory on the SUT (since the SSH user may differ from the interactive
// user who ran the tracing agent), falling back to the SSH user's own
// profile if profile enumeration fails.
func (p *Puller) expandRemotePath(ctx context.Context, path string) []string {
	if !strings.Contains(path, "%") {
		return []string{path}
	}
	if !strings.Contains(path, "%USERPROFILE%") {
		return nil
	}
	suffix := strings.SplitN(path, "%USERPROFILE%", 2)[1]

	var candidates []string
	out, _, err := p.runSSH(ctx, `powershell -Command "Get-ChildItem C:\Users -Directory | Select-Object -ExpandProperty Name"`)
	if err == nil {
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			user := strings.TrimSpace(line)
			if user == "" || profileSkipList[user] {
				continue
			}
			candidates = append(candidates, fmt.Sprintf(`C:\Users\%s%s`, user, suffix))
		}
	}
	if len(candidates) == 0 {
		if username, err := p.sutUsername(ctx); err == nil && username != "" {
			candidates = append(candidates, strings.ReplaceAll(path, "%USERPROFILE%", fmt.Sprintf(`C:\Users\%s`, username)))
		}
	}
	return candidates
}

// DiagnoseResult is the TCP/SSH connectivity diagnostic used by the
// admin trace-diagnose endpoint.
type DiagnoseResult struct {
	SUTIP             string   `json:"sut_ip"`
	SSHUser           string   `json:"ssh_user"`
	Port22Reachable   bool     `json:"port_22_reachable"`
	TCPConnectTimeMS  *int64   `json:"tcp_connect_time_ms,omitempty"`
	SSHHandshake      bool     `json:"ssh_handshake"`
	SSHError          string   `json:"ssh_error,omitempty"`
	Recommendations   []string `json:"recommendations"`
}

// DiagnoseConnection performs TCP-reachability and SSH-handshake checks
// with human-readable remediation hints, without performing a full pull.
func (p *Puller) DiagnoseConnection(ctx context.Context) DiagnoseResult {
	result := DiagnoseResult{SUTIP: p.sutIP, SSHUser: p.sshUser}

	start := time.Now()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:22", p.sutIP), 10*time.Second)
	if err != nil {
		result.SSHError = fmt.Sprintf("TCP connection failed: %v", err)
		result.Recommendations = append(result.Recommendations,
			"Verify SUT IP address is correct",
			"Check network connectivity: ping "+p.sutIP)
		return result
	}
	elapsed := time.Since(start).Milliseconds()
	result.TCPConnectTimeMS = &elapsed
	result.Port22Reachable = true
	conn.Close()

	out, errOut, err := p.runSSH(ctx, "echo SSH_OK")
	if err == nil && strings.Contains(out, "SSH_OK") {
		result.SSHHandshake = true
		return result
	}

	lower := strings.ToLower(errOut)
	switch {
	case strings.Contains(lower, "permission denied"):
		result.SSHError = "Permission denied - SSH key authentication failed"
		result.Recommendations = append(result.Recommendations,
			fmt.Sprintf("Set up SSH key auth: ssh-copy-id %s@%s", p.sshUser, p.sutIP),
			"Verify SSH public key in SUT's ~/.ssh/authorized_keys")
	case strings.Contains(lower, "connection refused"):
		result.SSHError = "Connection refused - OpenSSH server not accepting connections"
		result.Recommendations = append(result.Recommendations, "Restart OpenSSH Server on SUT: Restart-Service sshd")
	case strings.Contains(lower, "timed out"):
		result.SSHError = "SSH handshake timed out"
		result.Recommendations = append(result.Recommendations, "Increase ssh_timeout or check SUT SSH server logs")
	default:
		msg := strings.TrimSpace(errOut)
		if msg == "" {
			msg = "Unknown SSH error"
		}
		if len(msg) > 200 {
			msg = msg[:200]
		}
		result.SSHError = msg
	}
	return result
}

// AgentResult is one agent's pull outcome.
type AgentResult struct {
	Agent   string   `json:"agent"`
	Files   []string `json:"files"`
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
}

// PullResult aggregates every agent's outcome for one run.
type PullResult struct {
	Agents     []AgentResult `json:"agents"`
	TotalFiles int           `json:"total_files"`
	Success    bool          `json:"success"`
	StorageDir string        `json:"storage_dir"`
}

// Pull pulls files for each configured agent into <localDir>/traces/<agent>/.
// SSH is tried first; on failure or an empty listing it falls back to the
// SUT agent's HTTP API. All phases are best-effort: a missing agent is not
// a run failure.
func (p *Puller) Pull(ctx context.Context, localDir string, agents []AgentConfig, rpc *sutrpc.Client) PullResult {
	result := PullResult{StorageDir: localDir}

	sshOK, _ := p.testConnection(ctx)

	for _, agent := range agents {
		var ar AgentResult
		if sshOK {
			ar = p.pullAgentSSH(ctx, agent, localDir)
		}
		if !sshOK || (!ar.Success && len(ar.Files) == 0) {
			ar = p.pullAgentHTTP(ctx, agent, localDir, rpc)
		}
		result.Agents = append(result.Agents, ar)
		result.TotalFiles += len(ar.Files)
		if ar.Success {
			result.Success = true
		}
	}
	return result
}

func (p *Puller) testConnection(ctx context.Context) (bool, string) {
	var lastErr string
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		_, errOut, err := p.runSSH(ctx, "echo SSH_OK")
		if err == nil {
			return true, ""
		}
		lastErr = errOut
		if attempt < p.maxRetries {
			select {
			case <-ctx.Done():
				return false, ctx.Err().Error()
			case <-time.After(p.retryDelay):
			}
		}
	}
	return false, lastErr
}

func (p *Puller) pullAgentSSH(ctx context.Context, agent AgentConfig, localDir string) AgentResult {
	result := AgentResult{Agent: agent.Name}

	pattern := defaultFilePattern(agent)

	candidates := p.expandRemotePath(ctx, agent.FixedOutputDir)
	if len(candidates) == 0 {
		candidates = []string{agent.FixedOutputDir}
	}

	var remoteDir string
	var files []string
	for _, dir := range candidates {
		out, _, err := p.runSSH(ctx, fmt.Sprintf(`powershell -Command "Get-ChildItem -Path '%s' -Filter '%s' -Name"`, dir, pattern))
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(out), "\n")
		for _, line := range lines {
			if f := strings.TrimSpace(line); f != "" {
				files = append(files, f)
			}
		}
		if len(files) > 0 {
			remoteDir = dir
			break
		}
	}
	if len(files) == 0 {
		result.Error = "no matching trace files found via SSH"
		return result
	}

	localAgentDir := filepath.Join(localDir, "traces", strings.ToLower(agent.Name))
	if err := os.MkdirAll(localAgentDir, 0o755); err != nil {
		result.Error = fmt.Sprintf("create local trace dir: %v", err)
		return result
	}
	for _, f := range files {
		err := resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
			remotePath := remoteDir + `\` + f
			cmd := exec.CommandContext(ctx, "scp", append(p.sshArgs(),
				fmt.Sprintf("%s@%s:%s", p.sshUser, p.sutIP, remotePath), localAgentDir+string(filepath.Separator))...)
			var errBuf bytes.Buffer
			cmd.Stderr = &errBuf
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("scp %s: %w: %s", f, err, errBuf.String())
			}
			return nil
		})
		if err == nil {
			result.Files = append(result.Files, f)
		}
	}
	result.Success = len(result.Files) > 0
	return result
}

func (p *Puller) pullAgentHTTP(ctx context.Context, agent AgentConfig, localDir string, rpc *sutrpc.Client) AgentResult {
	result := AgentResult{Agent: agent.Name}
	if rpc == nil {
		result.Error = "no SUT RPC client available for HTTP fallback"
		return result
	}

	listRes, err := rpc.ListDirectory(ctx, sutrpc.ListDirectoryRequest{Path: agent.FixedOutputDir})
	if err != nil || !listRes.Success {
		result.Error = "list_directory fallback failed"
		return result
	}
	names := matchListing(listRes.Payload, defaultFilePattern(agent))
	if len(names) == 0 {
		result.Error = "no matching trace files found via HTTP fallback"
		return result
	}

	localAgentDir := filepath.Join(localDir, "traces", strings.ToLower(agent.Name))
	if err := os.MkdirAll(localAgentDir, 0o755); err != nil {
		result.Error = fmt.Sprintf("create local trace dir: %v", err)
		return result
	}
	for _, name := range names {
		remotePath := strings.TrimRight(agent.FixedOutputDir, `\`) + `\` + name
		downloadRes, err := rpc.FileDownload(ctx, sutrpc.FileDownloadRequest{Path: remotePath})
		if err != nil || !downloadRes.Success {
			continue
		}
		content, err := decodeDownload(downloadRes.Payload)
		if err != nil {
			continue
		}
		if err := os.WriteFile(filepath.Join(localAgentDir, name), content, 0o644); err != nil {
			continue
		}
		result.Files = append(result.Files, name)
	}
	result.Success = len(result.Files) > 0
	if !result.Success {
		result.Error = "file_download fallback failed"
	}
	return result
}

// matchListing extracts filenames from a list_directory payload
// ({"files": [...]} or a bare name array) and filters them by pattern.
func matchListing(payload []byte, pattern string) []string {
	var wrapped struct {
		Files []string `json:"files"`
	}
	var names []string
	if err := json.Unmarshal(payload, &wrapped); err == nil && len(wrapped.Files) > 0 {
		names = wrapped.Files
	} else {
		var bare []string
		if err := json.Unmarshal(payload, &bare); err == nil {
			names = bare
		}
	}
	var out []string
	for _, n := range names {
		if ok, err := filepath.Match(pattern, n); err == nil && ok {
			out = append(out, n)
		}
	}
	return out
}

// decodeDownload extracts file bytes from a file_download payload: a
// {"content": "<base64>"} object, or the raw response body as-is.
func decodeDownload(payload []byte) ([]byte, error) {
	var wrapped struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Content != "" {
		return base64.StdEncoding.DecodeString(wrapped.Content)
	}
	return payload, nil
}
