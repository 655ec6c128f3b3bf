package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// PlaceholderSecret is the secret shipped in the sample configuration
const PlaceholderSecret = "your-webhook-secret"

// DefaultBundleSeed seeds the stable bundle id when bundle.seed is unset
const DefaultBundleSeed = "VelocityResourceSync"

// DefaultUpdateMessage is broadcast when update_message is unset
const DefaultUpdateMessage = "Resources of {{.Repository}} ({{.Branch}}) were updated, reconnect to load {{.Version}}"

// ErrPlaceholderSecret is returned when the sample webhook secret was left in place
var ErrPlaceholderSecret = errors.New("please set your webhook secret")

// EventSource selects where the webhook event kind is read from
type EventSource string

const (
	EventFromHeader EventSource = "header"
	EventFromBody   EventSource = "body"
)

// PayloadLayout selects how the repository is encoded in the payload
type PayloadLayout string

const (
	// PayloadFlat carries "repository" as an "owner/name" string
	PayloadFlat PayloadLayout = "flat"
	// PayloadGitHub carries the GitHub push shape with repository.full_name
	PayloadGitHub PayloadLayout = "github"
)

// VersionSource selects how a new content version is obtained
type VersionSource string

const (
	VersionFromPayload VersionSource = "payload"
	VersionFromCommand VersionSource = "command"
	VersionFromHead    VersionSource = "head"
	VersionFromTree    VersionSource = "tree"
)

// Config represents the complete resourcesyncd configuration
type Config struct {
	Repo          RepoConfig    `yaml:"repo"`
	Paths         PathsConfig   `yaml:"paths"`
	Webhook       WebhookConfig `yaml:"webhook"`
	Version       VersionConfig `yaml:"version"`
	Bundle        BundleConfig  `yaml:"bundle"`
	Runner        RunnerConfig  `yaml:"runner"`
	UpdateMessage string        `yaml:"update_message"`
}

// RepoConfig identifies the synchronized repository and branch
type RepoConfig struct {
	Repository string `yaml:"repository" validate:"required"`
	Branch     string `yaml:"branch" validate:"required"`
	// URL overrides the clone URL derived from Repository
	URL        string `yaml:"url"`
	SSHKeyFile string `yaml:"ssh_key_file"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	DataDir string `yaml:"data_dir" validate:"required"`
}

// WebhookConfig configures the webhook listener
type WebhookConfig struct {
	Port        int           `yaml:"port" validate:"min=1,max=65535"`
	ListenAddr  string        `yaml:"listen_addr"`
	Secret      string        `yaml:"secret"`
	SecretFile  string        `yaml:"secret_file"`
	EventSource EventSource   `yaml:"event_source" validate:"oneof=header body"`
	Payload     PayloadLayout `yaml:"payload" validate:"oneof=flat github"`
}

// VersionConfig configures how content versions are computed
type VersionConfig struct {
	Source      VersionSource `yaml:"source" validate:"oneof=payload command head tree"`
	HashCommand string        `yaml:"hash_command"`
	// Initial seeds the version for the payload source
	Initial string `yaml:"initial"`
}

// BundleConfig configures the bundle offered to clients
type BundleConfig struct {
	Seed string `yaml:"seed"`
}

// RunnerConfig configures the process runner
type RunnerConfig struct {
	Shell string `yaml:"shell"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.Repository = os.ExpandEnv(c.Repo.Repository)
	c.Repo.Branch = os.ExpandEnv(c.Repo.Branch)
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.SSHKeyFile = os.ExpandEnv(c.Repo.SSHKeyFile)
	c.Paths.DataDir = os.ExpandEnv(c.Paths.DataDir)
	c.Webhook.ListenAddr = os.ExpandEnv(c.Webhook.ListenAddr)
	c.Webhook.Secret = os.ExpandEnv(c.Webhook.Secret)
	c.Webhook.SecretFile = os.ExpandEnv(c.Webhook.SecretFile)
	c.Version.HashCommand = os.ExpandEnv(c.Version.HashCommand)
	c.Runner.Shell = os.ExpandEnv(c.Runner.Shell)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Webhook.EventSource == "" {
		c.Webhook.EventSource = EventFromHeader
	}
	if c.Webhook.Payload == "" {
		c.Webhook.Payload = PayloadFlat
	}
	if c.Webhook.ListenAddr == "" && c.Webhook.Port != 0 {
		c.Webhook.ListenAddr = ":" + strconv.Itoa(c.Webhook.Port)
	}
	if c.Version.Source == "" {
		if c.Version.HashCommand != "" {
			c.Version.Source = VersionFromCommand
		} else {
			c.Version.Source = VersionFromPayload
		}
	}
	if c.Bundle.Seed == "" {
		c.Bundle.Seed = DefaultBundleSeed
	}
	if c.UpdateMessage == "" {
		c.UpdateMessage = DefaultUpdateMessage
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%s: failed %q check", fieldPath(verrs[0].Namespace()), verrs[0].Tag())
		}
		return err
	}

	parts := strings.Split(c.Repo.Repository, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("repo.repository must be in owner/name form: %q", c.Repo.Repository)
	}

	if !filepath.IsAbs(c.Paths.DataDir) {
		return fmt.Errorf("paths.data_dir must be an absolute path: %s", c.Paths.DataDir)
	}

	// Validate webhook secret: exactly one source
	if c.Webhook.Secret != "" && c.Webhook.SecretFile != "" {
		return fmt.Errorf("webhook: only one of secret or secret_file may be set")
	}
	if c.Webhook.Secret == "" && c.Webhook.SecretFile == "" {
		return fmt.Errorf("webhook.secret or webhook.secret_file is required")
	}
	if c.Webhook.Secret == PlaceholderSecret {
		return ErrPlaceholderSecret
	}

	if c.Webhook.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.Webhook.ListenAddr); err != nil {
			return fmt.Errorf("webhook.listen_addr is invalid: %w", err)
		}
	}

	if c.Repo.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("repo.ssh_key_file is set but the clone URL does not use an SSH scheme (git@ or ssh://)")
	}

	if c.Version.Source == VersionFromCommand && c.Version.HashCommand == "" {
		return fmt.Errorf("version.hash_command is required when version.source is command")
	}

	return nil
}

// ResolveSecret returns the webhook secret, reading secret_file if needed
func (c *Config) ResolveSecret() (string, error) {
	if c.Webhook.SecretFile == "" {
		return c.Webhook.Secret, nil
	}

	data, err := os.ReadFile(c.Webhook.SecretFile)
	if err != nil {
		return "", fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("webhook secret file %s is empty", c.Webhook.SecretFile)
	}
	if secret == PlaceholderSecret {
		return "", ErrPlaceholderSecret
	}
	return secret, nil
}

// RepoName returns the second path segment of the repository
func (c *Config) RepoName() string {
	_, name, _ := strings.Cut(c.Repo.Repository, "/")
	return name
}

// RepoDir returns the path of the local working copy
func (c *Config) RepoDir() string {
	return filepath.Join(c.Paths.DataDir, c.RepoName())
}

// CloneURL returns the URL the working copy is cloned from
func (c *Config) CloneURL() string {
	if c.Repo.URL != "" {
		return c.Repo.URL
	}
	return "https://github.com/" + c.Repo.Repository
}

// IsSSH returns true if the clone URL uses SSH
func (c *Config) IsSSH() bool {
	url := c.CloneURL()
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}

// fieldPath turns a validator namespace such as "Config.Webhook.Port"
// into the yaml key path "webhook.port".
func fieldPath(namespace string) string {
	segments := strings.Split(namespace, ".")
	if len(segments) > 1 {
		segments = segments[1:]
	}
	for i, s := range segments {
		segments[i] = toSnake(s)
	}
	return strings.Join(segments, ".")
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
