package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFolderName_ReplacesUnsafeCharacters(t *testing.T) {
	ts := time.Date(2026, 7, 31, 12, 30, 0, 0, time.UTC)
	got := FolderName("Counter-Strike: GO", "sut/1", ts)
	assert.Equal(t, "Counter-Strike_GO_sut_1_20260731T123000Z", got)
}

func TestNew_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "runs")
	s, err := New(root)
	require.NoError(t, err)
	assert.DirExists(t, root)
	assert.Equal(t, root, s.Root)
}

func TestCreateRunDir_CreatesScreenshotsAndTracesSubdirs(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	dir, err := s.CreateRunDir("Fortnite_sut-1_20260731T120000Z")
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(dir, "screenshots"))
	assert.DirExists(t, filepath.Join(dir, "traces"))
}

func TestSaveAndLoadManifest_RoundTrips(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	dir, err := s.CreateRunDir("run-1")
	require.NoError(t, err)

	m := &Manifest{
		RunID:  "run-1",
		Game:   "Fortnite",
		SUT:    ManifestSUT{UniqueID: "sut-1", IP: "10.0.0.5"},
		Status: "completed",
		Config: ManifestConfig{Iterations: 3},
	}
	require.NoError(t, s.SaveManifest(dir, m))

	loaded, err := s.LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, m.RunID, loaded.RunID)
	assert.Equal(t, m.Game, loaded.Game)
	assert.Equal(t, m.SUT.UniqueID, loaded.SUT.UniqueID)
	assert.Equal(t, 3, loaded.Config.Iterations)
}

func TestLoadManifest_MissingFileIsNotFound(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = s.LoadManifest(filepath.Join(s.Root, "does-not-exist"))
	assert.Error(t, err)
}

func TestLoadRunHistory_SortedByFolderName(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	for _, folder := range []string{"Game_sut_20260731T090000Z", "Game_sut_20260731T080000Z"} {
		dir, err := s.CreateRunDir(folder)
		require.NoError(t, err)
		require.NoError(t, s.SaveManifest(dir, &Manifest{RunID: folder}))
	}

	history, err := s.LoadRunHistory()
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Game_sut_20260731T080000Z", history[0].FolderName)
	assert.Equal(t, "Game_sut_20260731T090000Z", history[1].FolderName)
}

func TestScreenshotAndTracePaths(t *testing.T) {
	s := &Store{Root: "/runs"}
	dir := "/runs/run-1"
	assert.Equal(t, "/runs/run-1/screenshots/screenshot_3.png", s.ScreenshotPath(dir, 3))
	assert.Equal(t, "/runs/run-1/screenshots/screenshot_3.json", s.ElementsPath(dir, 3))
	assert.Equal(t, "/runs/run-1/screenshots/omniparser_screenshot_3.png", s.AnnotatedScreenshotPath(dir, 3))
	assert.Equal(t, "/runs/run-1/traces/rgp", s.TraceDir(dir, "RGP"))
}
