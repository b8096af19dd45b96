package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Owner      string     `yaml:"owner"`
	LLM        LLM        `yaml:"llm"`
	SubQueries SubQueries `yaml:"subqueries"`
	Retrieval  Retrieval  `yaml:"retrieval"`
	Cache      Cache      `yaml:"cache"`
	Pipeline   Pipeline   `yaml:"pipeline"`
	Report     Report     `yaml:"report"`
	Output     Output     `yaml:"output"`
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
}

type LLM struct {
	Provider       string        `yaml:"provider"`
	Model          string        `yaml:"model"`
	OllamaURL      string        `yaml:"ollama_url"`
	OpenAIModel    string        `yaml:"openai_model"`
	OpenAIURL      string        `yaml:"openai_url"`
	APIKeyEnv      string        `yaml:"api_key_env"`
	MaxTokens      int           `yaml:"max_tokens"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type SubQueries struct {
	Min       int        `yaml:"min"`
	Max       int        `yaml:"max"`
	Languages []Language `yaml:"languages"`
}

// Language is one entry of the default language split.
type Language struct {
	Tag           string  `yaml:"tag"`
	Share         float64 `yaml:"share"`
	MinEngagement int     `yaml:"min_engagement"`
}

type Retrieval struct {
	// Backend is "workflow" (remote workflow API) or "feed" (configured RSS/Atom feeds).
	Backend       string        `yaml:"backend"`
	BaseURL       string        `yaml:"base_url"`
	WorkflowID    string        `yaml:"workflow_id"`
	APIKeyEnv     string        `yaml:"api_key_env"`
	Timeout       time.Duration `yaml:"timeout"`
	BatchSize     int           `yaml:"batch_size"`
	ItemDelay     time.Duration `yaml:"item_delay"`
	BatchDelay    time.Duration `yaml:"batch_delay"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxAttempts   int           `yaml:"max_attempts"`
	PermalinkBase string        `yaml:"permalink_base"`
	Feeds         []Feed        `yaml:"feeds"`
}

type Feed struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type Cache struct {
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

type Pipeline struct {
	ThinkDelay    time.Duration `yaml:"think_delay"`
	FinalizeDelay time.Duration `yaml:"finalize_delay"`
}

type Report struct {
	MaxReferences int  `yaml:"max_references"`
	FetchLinks    bool `yaml:"fetch_links"`
	MaxTokens     int  `yaml:"max_tokens"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port         int    `yaml:"port"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
	SignInURL    string `yaml:"signin_url"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConfigDir returns the XDG config directory for postscope.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "postscope")
}

// DataDir returns the XDG data directory for postscope.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "postscope")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/postscope/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'postscope init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the configuration with every default applied.
func Default() *Config {
	return &Config{
		Owner: "local",
		LLM: LLM{
			Provider:       "ollama",
			Model:          "qwen2.5:7b",
			OllamaURL:      "http://localhost:11434",
			OpenAIModel:    "gpt-4o-mini",
			OpenAIURL:      "https://api.openai.com/v1",
			APIKeyEnv:      "OPENAI_API_KEY",
			MaxTokens:      1024,
			Timeout:        30 * time.Second,
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
		},
		SubQueries: SubQueries{
			Min: 6,
			Max: 10,
			Languages: []Language{
				{Tag: "ja", Share: 0.4, MinEngagement: 100},
				{Tag: "en", Share: 0.3, MinEngagement: 500},
				{Tag: "zh", Share: 0.3, MinEngagement: 300},
			},
		},
		Retrieval: Retrieval{
			Backend:       "workflow",
			BaseURL:       "http://localhost:5001/v1",
			APIKeyEnv:     "WORKFLOW_API_KEY",
			Timeout:       30 * time.Second,
			BatchSize:     3,
			ItemDelay:     time.Second,
			BatchDelay:    5 * time.Second,
			RetryDelay:    10 * time.Second,
			MaxAttempts:   3,
			PermalinkBase: "https://x.com",
		},
		Cache: Cache{TTL: time.Hour},
		Pipeline: Pipeline{
			ThinkDelay:    time.Second,
			FinalizeDelay: time.Second,
		},
		Report: Report{
			MaxReferences: 40,
			FetchLinks:    false,
			MaxTokens:     2048,
		},
		Server: Server{
			Port:         8000,
			JWTSecretEnv: "POSTSCOPE_JWT_SECRET",
			SignInURL:    "/signin",
		},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SubQueries.Min < 1 || c.SubQueries.Max < c.SubQueries.Min {
		return fmt.Errorf("invalid subqueries range: min=%d max=%d", c.SubQueries.Min, c.SubQueries.Max)
	}
	if len(c.SubQueries.Languages) == 0 {
		return fmt.Errorf("subqueries.languages must not be empty")
	}
	var total float64
	for _, l := range c.SubQueries.Languages {
		if l.Tag == "" || l.Share <= 0 {
			return fmt.Errorf("invalid language entry %+v", l)
		}
		total += l.Share
	}
	if total < 0.99 || total > 1.01 {
		return fmt.Errorf("language shares must sum to 1, got %.2f", total)
	}
	if c.Retrieval.BatchSize < 1 {
		return fmt.Errorf("retrieval.batch_size must be positive")
	}
	if c.Retrieval.MaxAttempts < 1 {
		return fmt.Errorf("retrieval.max_attempts must be positive")
	}
	switch c.Retrieval.Backend {
	case "workflow", "feed":
	default:
		return fmt.Errorf("unknown retrieval backend %q", c.Retrieval.Backend)
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
