package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/gitdelta/internal/changeset"
	"github.com/schaermu/gitdelta/internal/checkpoint"
)

// DefaultRepoURL is mirrored when no source is configured.
const DefaultRepoURL = "https://github.com/CVEProject/cvelistV5.git"

// Backend selects the store implementation.
type Backend string

const (
	BackendGoGit Backend = "go-git"
	BackendShell Backend = "shell"
)

// Config represents the complete gitdelta configuration
type Config struct {
	Repo  RepoConfig  `yaml:"repo" toml:"repo"`
	Paths PathsConfig `yaml:"paths" toml:"paths"`
	Sync  SyncConfig  `yaml:"sync" toml:"sync"`
	Auth  AuthConfig  `yaml:"auth" toml:"auth"`
	Serve ServeConfig `yaml:"serve" toml:"serve"`
}

// RepoConfig configures the remote being mirrored
type RepoConfig struct {
	URL    string `yaml:"url" toml:"url"`
	Subdir string `yaml:"subdir" toml:"subdir"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	MirrorDir string `yaml:"mirror_dir" toml:"mirror_dir"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
}

// SyncConfig configures change detection
type SyncConfig struct {
	Backend   Backend                   `yaml:"backend" toml:"backend"`
	Ancestry  checkpoint.AncestryPolicy `yaml:"ancestry" toml:"ancestry"`
	Deletions changeset.DeletionPolicy  `yaml:"deletions" toml:"deletions"`
	Ignore    []string                  `yaml:"ignore" toml:"ignore"`
	Resume    bool                      `yaml:"resume" toml:"resume"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file" toml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file" toml:"https_token_file"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled" toml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr" toml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file" toml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types" toml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs" toml:"allowed_refs"`
}

// Default returns the configuration used when no file is given. The mirror
// directory still has to be supplied before Finalize succeeds.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads, parses, completes and validates the configuration file
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read parses the configuration file without applying defaults or
// validating, so callers can layer overrides on top. Files ending in .toml
// are parsed as TOML, everything else as YAML.
func Read(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.expandEnv()
	return &cfg, nil
}

// Finalize applies defaults and validates the configuration
func (c *Config) Finalize() error {
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.Subdir = os.ExpandEnv(c.Repo.Subdir)
	c.Paths.MirrorDir = os.ExpandEnv(c.Paths.MirrorDir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repo.URL == "" {
		c.Repo.URL = DefaultRepoURL
	}
	if c.Paths.StateDir == "" && c.Paths.MirrorDir != "" {
		c.Paths.StateDir = filepath.Clean(c.Paths.MirrorDir) + ".state"
	}
	if c.Sync.Backend == "" {
		c.Sync.Backend = BackendGoGit
	}
	if c.Sync.Ancestry == "" {
		c.Sync.Ancestry = checkpoint.AncestryWarn
	}
	if c.Sync.Deletions == "" {
		c.Sync.Deletions = changeset.DeletionsOmit
	}
	if c.Serve.Enabled && c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = "127.0.0.1:8787"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Repo.URL == "" {
		return fmt.Errorf("repo.url is required")
	}

	// Validate paths
	if c.Paths.MirrorDir == "" {
		return fmt.Errorf("paths.mirror_dir is required")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}

	// Ensure paths are absolute
	if !filepath.IsAbs(c.Paths.MirrorDir) {
		return fmt.Errorf("paths.mirror_dir must be an absolute path: %s", c.Paths.MirrorDir)
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}
	if filepath.Clean(c.Paths.StateDir) == filepath.Clean(c.Paths.MirrorDir) {
		return fmt.Errorf("paths.state_dir must differ from paths.mirror_dir")
	}

	if filepath.IsAbs(c.Repo.Subdir) {
		return fmt.Errorf("repo.subdir must be a relative path: %s", c.Repo.Subdir)
	}

	switch c.Sync.Backend {
	case BackendGoGit, BackendShell:
		// valid
	default:
		return fmt.Errorf("invalid sync.backend: %s (must be go-git or shell)", c.Sync.Backend)
	}

	switch c.Sync.Ancestry {
	case checkpoint.AncestryIgnore, checkpoint.AncestryWarn, checkpoint.AncestryReject:
		// valid
	default:
		return fmt.Errorf("invalid sync.ancestry policy: %s (must be ignore, warn, or reject)", c.Sync.Ancestry)
	}

	switch c.Sync.Deletions {
	case changeset.DeletionsOmit, changeset.DeletionsInclude:
		// valid
	default:
		return fmt.Errorf("invalid sync.deletions policy: %s (must be omit or include)", c.Sync.Deletions)
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	// Validate auth: when auth is configured, the URL scheme must match
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("auth.ssh_key_file is set but repo.url does not use an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
		return fmt.Errorf("auth.https_token_file is set but repo.url does not use HTTPS scheme")
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}
