// Package storage lays out per-run artifact directories on disk and
// persists run manifests, matching the fabric's
// <root>/runs/<folder_name>/ layout.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	errors "github.com/r3e-benchfabric/master/internal/svcerrors"
)

// IterationResult is one iteration's outcome within a run's manifest.
type IterationResult struct {
	Index       int        `json:"index"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Manifest records a run's metadata, per §4.J.
type Manifest struct {
	RunID       string             `json:"run_id"`
	CampaignID  string             `json:"campaign_id,omitempty"`
	Game        string             `json:"game"`
	SUT         ManifestSUT        `json:"sut"`
	Config      ManifestConfig     `json:"config"`
	Status      string             `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Iterations  []IterationResult  `json:"iterations"`
	Error       string             `json:"error,omitempty"`
}

// ManifestSUT records the SUT identity at time of run.
type ManifestSUT struct {
	UniqueID string `json:"unique_id"`
	IP       string `json:"ip"`
}

// ManifestConfig records the run's configuration.
type ManifestConfig struct {
	Account           string   `json:"account,omitempty"`
	Iterations        int      `json:"iterations"`
	Quality           string   `json:"quality,omitempty"`
	Resolution        string   `json:"resolution,omitempty"`
	SkipAccountLogin  bool     `json:"skip_account_login,omitempty"`
	DisableTracing    bool     `json:"disable_tracing,omitempty"`
	CooldownSeconds   int      `json:"cooldown_seconds,omitempty"`
	TracingAgents     []string `json:"tracing_agents,omitempty"`
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FolderName derives <game>_<sut>_<timestamp>, replacing path-unsafe
// characters, matching the original directory-naming convention.
func FolderName(game, sut string, ts time.Time) string {
	g := unsafeChars.ReplaceAllString(game, "_")
	s := unsafeChars.ReplaceAllString(sut, "_")
	return fmt.Sprintf("%s_%s_%s", g, s, ts.UTC().Format("20060102T150405Z"))
}

// Store manages the on-disk run directory tree rooted at Root.
type Store struct {
	Root string
}

// New constructs a Store, creating Root if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create runs root: %w", err)
	}
	return &Store{Root: root}, nil
}

// CreateRunDir creates and returns the run directory path for folderName.
func (s *Store) CreateRunDir(folderName string) (string, error) {
	dir := filepath.Join(s.Root, folderName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.StorageError("create_run_dir", err)
	}
	for _, sub := range []string{"screenshots", "traces"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", errors.StorageError("create_run_subdir", err)
		}
	}
	return dir, nil
}

// GetRunDir returns the path to folderName's directory without creating it.
func (s *Store) GetRunDir(folderName string) string {
	return filepath.Join(s.Root, folderName)
}

// SaveManifest writes manifest.json atomically (temp file + rename).
func (s *Store) SaveManifest(runDir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.StorageError("marshal_manifest", err)
	}
	return atomicWrite(filepath.Join(runDir, "manifest.json"), data)
}

// LoadManifest reads manifest.json from runDir.
func (s *Store) LoadManifest(runDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(runDir, "manifest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("manifest", runDir)
		}
		return nil, errors.StorageError("read_manifest", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.StorageError("parse_manifest", err)
	}
	return &m, nil
}

// SaveTimeline writes timeline.json atomically. Called on terminal
// transitions only, per the append-only-in-memory / flush-on-terminal rule.
func (s *Store) SaveTimeline(runDir string, timelineJSON []byte) error {
	return atomicWrite(filepath.Join(runDir, "timeline.json"), timelineJSON)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return errors.StorageError("create_temp_file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.StorageError("write_temp_file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.StorageError("sync_temp_file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.StorageError("close_temp_file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.StorageError("rename_temp_file", err)
	}
	return nil
}

// RunHistoryEntry is one entry returned by LoadRunHistory.
type RunHistoryEntry struct {
	FolderName string
	Manifest   *Manifest
}

// LoadRunHistory scans Root for run directories and loads each manifest,
// sorted by folder name (which embeds a sortable timestamp suffix).
func (s *Store) LoadRunHistory() ([]RunHistoryEntry, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, errors.StorageError("read_runs_root", err)
	}

	var out []RunHistoryEntry
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := s.LoadManifest(filepath.Join(s.Root, entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, RunHistoryEntry{FolderName: entry.Name(), Manifest: m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FolderName < out[j].FolderName })
	return out, nil
}

// SaveScreenshot writes a step's raw screenshot bytes, creating the
// screenshots/ directory on first use.
func (s *Store) SaveScreenshot(runDir string, step int, png []byte) error {
	path := s.ScreenshotPath(runDir, step)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.StorageError("create_screenshots_dir", err)
	}
	return atomicWrite(path, png)
}

// SaveElements writes a step's vision-element list alongside its screenshot.
func (s *Store) SaveElements(runDir string, step int, elementsJSON []byte) error {
	path := s.ElementsPath(runDir, step)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.StorageError("create_screenshots_dir", err)
	}
	return atomicWrite(path, elementsJSON)
}

// SaveAnnotatedScreenshot writes the analyzer's annotated screenshot for a
// step, when one was returned.
func (s *Store) SaveAnnotatedScreenshot(runDir string, step int, png []byte) error {
	path := s.AnnotatedScreenshotPath(runDir, step)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.StorageError("create_screenshots_dir", err)
	}
	return atomicWrite(path, png)
}

// ScreenshotPath returns the screenshot path for a given iteration/step.
func (s *Store) ScreenshotPath(runDir string, step int) string {
	return filepath.Join(runDir, "screenshots", fmt.Sprintf("screenshot_%d.png", step))
}

// ElementsPath returns the vision-elements JSON path for a given step.
func (s *Store) ElementsPath(runDir string, step int) string {
	return filepath.Join(runDir, "screenshots", fmt.Sprintf("screenshot_%d.json", step))
}

// AnnotatedScreenshotPath returns the OmniParser-annotated screenshot path.
func (s *Store) AnnotatedScreenshotPath(runDir string, step int) string {
	return filepath.Join(runDir, "screenshots", fmt.Sprintf("omniparser_screenshot_%d.png", step))
}

// TraceDir returns the trace output directory for a given agent.
func (s *Store) TraceDir(runDir, agent string) string {
	return filepath.Join(runDir, "traces", strings.ToLower(agent))
}
