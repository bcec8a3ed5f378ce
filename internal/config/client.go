package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"gwi.com/assistant-chat/internal/credstore"
	"gwi.com/assistant-chat/internal/session"
)

// Client is the configuration of the terminal host. Values come from the
// YAML profile, then the environment, each overriding the previous.
type Client struct {
	APIBaseURL      string        `yaml:"api_base_url"`
	Strategy        string        `yaml:"strategy"`
	CredentialStore string        `yaml:"credential_store"`
	CredentialPath  string        `yaml:"credential_path"`
	LogLevel        string        `yaml:"log_level"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	LoadSequencing  bool          `yaml:"load_sequencing"`
}

// DefaultClientProfile is ~/.config/assistant-chat/config.yaml.
func DefaultClientProfile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "assistant-chat", "config.yaml")
}

func defaultClient() *Client {
	credPath := "credentials.db"
	if dir, err := os.UserConfigDir(); err == nil {
		credPath = filepath.Join(dir, "assistant-chat", "credentials.db")
	}
	return &Client{
		APIBaseURL:      "http://localhost:8080",
		Strategy:        string(session.StrategyBackendToken),
		CredentialStore: credstore.KindSQLite,
		CredentialPath:  credPath,
		LogLevel:        "warn",
		RequestTimeout:  60 * time.Second,
	}
}

// LoadClient reads the default profile (if any) and the environment.
// ASSISTANT_CHAT_CONFIG points at another profile.
func LoadClient() (*Client, error) {
	loadDotEnv()
	return LoadClientFrom(getEnv("ASSISTANT_CHAT_CONFIG", DefaultClientProfile()))
}

// LoadClientFrom is LoadClient with an explicit profile path. A missing file
// is not an error.
func LoadClientFrom(profile string) (*Client, error) {
	cfg := defaultClient()

	if profile != "" {
		data, err := os.ReadFile(profile)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse profile %s: %w", profile, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read profile %s: %w", profile, err)
		}
	}

	cfg.APIBaseURL = getEnv("API_BASE_URL", cfg.APIBaseURL)
	cfg.Strategy = getEnv("AUTH_STRATEGY", cfg.Strategy)
	cfg.CredentialStore = getEnv("CREDENTIAL_STORE", cfg.CredentialStore)
	cfg.CredentialPath = getEnv("CREDENTIAL_PATH", cfg.CredentialPath)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LoadSequencing = getEnvBool("LOAD_SEQUENCING", cfg.LoadSequencing)
	if v, ok := os.LookupEnv("REQUEST_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REQUEST_TIMEOUT %q: %w", v, err)
		}
		cfg.RequestTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the host can reach a backend and store a credential.
func (c *Client) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("API_BASE_URL must be an absolute URL, got %q", c.APIBaseURL)
	}
	if _, err := session.ParseStrategyKind(c.Strategy); err != nil {
		return err
	}
	switch c.CredentialStore {
	case credstore.KindSQLite, credstore.KindBolt, "bbolt":
		if c.CredentialPath == "" {
			return fmt.Errorf("CREDENTIAL_PATH cannot be empty for the %s store", c.CredentialStore)
		}
	case credstore.KindMemory:
	default:
		return fmt.Errorf("unknown CREDENTIAL_STORE %q", c.CredentialStore)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be > 0")
	}
	return nil
}

// StrategyKind returns the validated identity strategy.
func (c *Client) StrategyKind() session.StrategyKind {
	kind, _ := session.ParseStrategyKind(c.Strategy)
	return kind
}
