// Package config loads planchette.yaml and applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bodul/planchette/internal/board"
	"github.com/bodul/planchette/internal/effects"
	"github.com/bodul/planchette/internal/player"
)

// DefaultPath is where commands look for the config file.
const DefaultPath = "planchette.yaml"

// Oracle backends.
const (
	BackendGemini = "gemini"
	BackendOllama = "ollama"
)

// Config holds all planchette configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Client  ClientConfig  `yaml:"client"`
	Board   BoardConfig   `yaml:"board"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures `planchette serve`.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	RunMode string `yaml:"run_mode"` // PROD or DEV

	MaxQuestionLen int `yaml:"max_question_len"`
	// HistoryLimit caps the turns used per answer and is advertised to
	// clients in every done event.
	HistoryLimit int `yaml:"history_limit"`

	AskRate         int    `yaml:"ask_rate"`
	AskInterval     string `yaml:"ask_interval"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// OracleConfig selects and tunes the text-generation backend.
type OracleConfig struct {
	Backend     string  `yaml:"backend"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
	TopP        float32 `yaml:"top_p"`

	Gemini GeminiConfig `yaml:"gemini"`
	Ollama OllamaConfig `yaml:"ollama"`
}

// GeminiConfig uses Vertex AI when Project is set, the Gemini API otherwise.
type GeminiConfig struct {
	Project string `yaml:"project"`
	Region  string `yaml:"region"`
	APIKey  string `yaml:"api_key"`
}

type OllamaConfig struct {
	Host      string `yaml:"host"`
	KeepAlive string `yaml:"keep_alive"`
}

// ClientConfig configures the board and the asker.
type ClientConfig struct {
	ServerURL      string `yaml:"server_url"`
	HistoryLimit   int    `yaml:"history_limit"`
	MaxQuestionLen int    `yaml:"max_question_len"`
	PollInterval   string `yaml:"poll_interval"`
	WaitingDelay   string `yaml:"waiting_delay"`
}

// BoardConfig holds the cosmetic timings of the board.
type BoardConfig struct {
	Timing   TimingConfig   `yaml:"timing"`
	Effects  []EffectConfig `yaml:"effects"`
	Ambience AmbienceConfig `yaml:"ambience"`
}

type TimingConfig struct {
	Break     string `yaml:"break"`
	Dot       string `yaml:"dot"`
	Move      string `yaml:"move"`
	JitterMin string `yaml:"jitter_min"`
	JitterMax string `yaml:"jitter_max"`
	Rest      string `yaml:"rest"`
}

type EffectConfig struct {
	Word        string          `yaml:"word"`
	Effect      string          `yaml:"effect"`
	Probability float64         `yaml:"probability"`
	Duration    string          `yaml:"duration"`
	Jitter      bool            `yaml:"jitter,omitempty"`
	Hold        *effects.Levels `yaml:"hold,omitempty"`
	Cue         string          `yaml:"cue,omitempty"`
}

type AmbienceConfig struct {
	BusyVolume  float64 `yaml:"busy_volume"`
	IdleVolume  float64 `yaml:"idle_volume"`
	BusySpeed   float64 `yaml:"busy_speed"`
	EffectSpeed float64 `yaml:"effect_speed"`
	Snap        float64 `yaml:"snap"`
	Frame       string  `yaml:"frame"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	// File receives the board's log so the terminal stays clean.
	File string `yaml:"file"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            7777,
			RunMode:         "PROD",
			MaxQuestionLen:  150,
			HistoryLimit:    10,
			AskRate:         10,
			AskInterval:     "1m",
			ShutdownTimeout: "10s",
		},
		Oracle: OracleConfig{
			Backend:     BackendOllama,
			MaxTokens:   128,
			Temperature: 0.7,
			TopP:        0.9,
			Gemini: GeminiConfig{
				Region: "europe-west1",
			},
			Ollama: OllamaConfig{
				Host:      "http://localhost:11434",
				KeepAlive: "5m",
			},
		},
		Client: ClientConfig{
			ServerURL:      "http://localhost:7777",
			HistoryLimit:   80,
			MaxQuestionLen: 150,
			PollInterval:   "1s",
			WaitingDelay:   "150ms",
		},
		Board: BoardConfig{
			Timing: TimingConfig{
				Break:     "300ms",
				Dot:       "200ms",
				Move:      "1s",
				JitterMin: "350ms",
				JitterMax: "1s",
				Rest:      "1.5s",
			},
			Effects: []EffectConfig{
				{Word: "NO", Effect: effects.Shake, Probability: 0.2, Duration: "7s", Jitter: true, Hold: &effects.Levels{Volume: 0.9, Rate: 0.5}, Cue: effects.CueAnger},
				{Word: "YES", Effect: effects.Glow, Probability: 0.1, Duration: "5s"},
				{Word: "MAYBE", Effect: effects.Flicker, Probability: 0.4, Duration: "1.5s"},
				{Word: "GOODBYE", Effect: effects.Fadeout, Probability: 1, Duration: "2.5s"},
			},
			Ambience: AmbienceConfig{
				BusyVolume:  0.5,
				IdleVolume:  0.2,
				BusySpeed:   0.06,
				EffectSpeed: 0.04,
				Snap:        0.005,
				Frame:       "16ms",
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("PLANCHETTE_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PLANCHETTE_RUN_MODE"); v != "" {
		c.Server.RunMode = strings.ToUpper(v)
	}
	if v := os.Getenv("PLANCHETTE_BACKEND"); v != "" {
		c.Oracle.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("PLANCHETTE_MODEL"); v != "" {
		c.Oracle.Model = v
	}
	if v := os.Getenv("GCP_PROJECT_ID"); v != "" {
		c.Oracle.Gemini.Project = v
	}
	if v := os.Getenv("GCP_REGION"); v != "" {
		c.Oracle.Gemini.Region = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Oracle.Gemini.APIKey = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		if !strings.Contains(v, "://") {
			v = "http://" + v
		}
		c.Oracle.Ollama.Host = v
	}
	if v := os.Getenv("PLANCHETTE_SERVER_URL"); v != "" {
		c.Client.ServerURL = v
	}
}

// Development reports whether logs should be human-readable.
func (c *Config) Development() bool {
	return c.Logging.Development || c.Server.RunMode == "DEV"
}

// Addr is the listen address of the server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks the configuration for values no command can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RunMode != "PROD" && c.Server.RunMode != "DEV" {
		errs = append(errs, fmt.Errorf("server.run_mode must be PROD or DEV, got %q", c.Server.RunMode))
	}
	if c.Server.MaxQuestionLen <= 0 || c.Client.MaxQuestionLen <= 0 {
		errs = append(errs, errors.New("max_question_len must be positive"))
	}
	if c.Server.HistoryLimit <= 0 || c.Client.HistoryLimit <= 0 {
		errs = append(errs, errors.New("history limits must be positive"))
	}
	if c.Server.AskRate <= 0 {
		errs = append(errs, errors.New("server.ask_rate must be positive"))
	}
	switch c.Oracle.Backend {
	case BackendGemini, BackendOllama:
	default:
		errs = append(errs, fmt.Errorf("oracle.backend must be %s or %s, got %q", BackendGemini, BackendOllama, c.Oracle.Backend))
	}

	for name, v := range map[string]string{
		"server.ask_interval":      c.Server.AskInterval,
		"server.shutdown_timeout":  c.Server.ShutdownTimeout,
		"oracle.ollama.keep_alive": c.Oracle.Ollama.KeepAlive,
		"client.poll_interval":     c.Client.PollInterval,
		"client.waiting_delay":     c.Client.WaitingDelay,
		"board.ambience.frame":     c.Board.Ambience.Frame,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if _, err := c.Board.Timing.Timing(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Board.Rules(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Duration parses v, falling back to def when v is empty or invalid.
// Validate reports invalid values.
func Duration(v string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Timing converts the timing block.
func (t TimingConfig) Timing() (player.Timing, error) {
	var out player.Timing
	fields := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"break", t.Break, &out.Break},
		{"dot", t.Dot, &out.Dot},
		{"move", t.Move, &out.Move},
		{"jitter_min", t.JitterMin, &out.JitterMin},
		{"jitter_max", t.JitterMax, &out.JitterMax},
		{"rest", t.Rest, &out.Rest},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.src)
		if err != nil {
			return player.Timing{}, fmt.Errorf("board.timing.%s: %w", f.name, err)
		}
		*f.dst = d
	}
	if out.JitterMax < out.JitterMin {
		return player.Timing{}, errors.New("board.timing: jitter_max below jitter_min")
	}
	return out, nil
}

// Rules converts the effect table.
func (b BoardConfig) Rules() ([]effects.Rule, error) {
	rules := make([]effects.Rule, 0, len(b.Effects))
	for i, e := range b.Effects {
		if e.Probability < 0 || e.Probability > 1 {
			return nil, fmt.Errorf("board.effects[%d]: probability %v outside [0,1]", i, e.Probability)
		}
		d, err := time.ParseDuration(e.Duration)
		if err != nil {
			return nil, fmt.Errorf("board.effects[%d].duration: %w", i, err)
		}
		rules = append(rules, effects.Rule{
			Word:        board.Key(strings.ToUpper(e.Word)),
			Effect:      e.Effect,
			Probability: e.Probability,
			Duration:    d,
			Jitter:      e.Jitter,
			Hold:        e.Hold,
			Cue:         e.Cue,
		})
	}
	return rules, nil
}

// AmbienceSettings converts the ambience block.
func (b BoardConfig) AmbienceSettings() effects.AmbienceConfig {
	a := b.Ambience
	return effects.AmbienceConfig{
		BusyVolume:  a.BusyVolume,
		IdleVolume:  a.IdleVolume,
		BusySpeed:   a.BusySpeed,
		EffectSpeed: a.EffectSpeed,
		Snap:        a.Snap,
		Frame:       Duration(a.Frame, 16*time.Millisecond),
	}
}
