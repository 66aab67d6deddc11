package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bodul/planchette/internal/board"
	"github.com/bodul/planchette/internal/effects"
	"github.com/bodul/planchette/internal/player"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "PLANCHETTE_HOST", "PLANCHETTE_RUN_MODE", "PLANCHETTE_BACKEND", "PLANCHETTE_MODEL",
		"GCP_PROJECT_ID", "GCP_REGION", "GEMINI_API_KEY", "OLLAMA_HOST", "PLANCHETTE_SERVER_URL",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	timing, err := cfg.Board.Timing.Timing()
	require.NoError(t, err)
	assert.Equal(t, player.DefaultTiming(), timing)

	rules, err := cfg.Board.Rules()
	require.NoError(t, err)
	assert.Equal(t, effects.DefaultRules(), rules)

	assert.Equal(t, effects.DefaultAmbienceConfig(), cfg.Board.AmbienceSettings())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileAndEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "planchette.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
  history_limit: 4
oracle:
  backend: gemini
  gemini:
    project: from-file
board:
  timing:
    move: 500ms
  effects:
    - word: no
      effect: shake
      probability: 0.5
      duration: 2s
      jitter: true
`), 0644))

	t.Setenv("GCP_PROJECT_ID", "from-env")
	t.Setenv("OLLAMA_HOST", "127.0.0.1:11434")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Server.HistoryLimit)
	assert.Equal(t, 150, cfg.Server.MaxQuestionLen, "untouched keys keep their defaults")
	assert.Equal(t, BackendGemini, cfg.Oracle.Backend)
	assert.Equal(t, "from-env", cfg.Oracle.Gemini.Project)
	assert.Equal(t, "http://127.0.0.1:11434", cfg.Oracle.Ollama.Host)

	timing, err := cfg.Board.Timing.Timing()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, timing.Move)
	assert.Equal(t, 300*time.Millisecond, timing.Break)

	rules, err := cfg.Board.Rules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, board.No, rules[0].Word)
	assert.Equal(t, 2*time.Second, rules[0].Duration)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "planchette.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [oops"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"run mode", func(c *Config) { c.Server.RunMode = "STAGING" }},
		{"backend", func(c *Config) { c.Oracle.Backend = "llama" }},
		{"duration", func(c *Config) { c.Client.PollInterval = "soon" }},
		{"timing", func(c *Config) { c.Board.Timing.Dot = "" }},
		{"jitter band", func(c *Config) { c.Board.Timing.JitterMin = "2s" }},
		{"probability", func(c *Config) { c.Board.Effects[0].Probability = 1.5 }},
		{"history", func(c *Config) { c.Client.HistoryLimit = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "planchette.yaml")
	cfg := Default()
	cfg.Oracle.Model = "gemini-2.5-flash"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestDevelopment(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.Development())
	cfg.Server.RunMode = "DEV"
	assert.True(t, cfg.Development())
	assert.Equal(t, "0.0.0.0:7777", Default().Addr())
}
