package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/482F/sync-config/internal/usererr"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// MergeMode defines how mirror commits are brought onto the main branch
type MergeMode string

const (
	MergeCherryPick       MergeMode = "cherry-pick"
	MergeCherryPickSquash MergeMode = "cherry-pick-squash"
)

// Runtime selects the interpreter used for generator scripts
type Runtime string

const (
	RuntimeDeno Runtime = "deno"
	RuntimeNode Runtime = "node"
)

// Names of the git objects sync-config owns inside a consumer repository.
const (
	TemplateRemote = "sync-config-template"
	MirrorBranch   = "sync-config-mirror"
)

// FileNames are the well-known config file names, in lookup order.
var FileNames = []string{
	"sync-config.yaml",
	"sync-config.yml",
	"sync-config.json5",
	"sync-config.jsonc",
	"sync-config.json",
}

// Config represents the complete sync-config configuration
type Config struct {
	Repository RepositoryConfig `yaml:"repository" json:"repository"`
	Folders    []Folder         `yaml:"folders" json:"folders"`
	MergeMode  MergeMode        `yaml:"mergeMode" json:"mergeMode"`
	Auth       AuthConfig       `yaml:"auth,omitempty" json:"auth,omitzero"`
	Generator  GeneratorConfig  `yaml:"generator,omitempty" json:"generator,omitzero"`
}

// RepositoryConfig configures the template repository
type RepositoryConfig struct {
	URL    string `yaml:"url" json:"url"`
	Branch string `yaml:"branch" json:"branch"`
}

// Folder maps a template folder onto a consumer folder. Both paths are
// relative to the repository root; "" and "." mean the root itself.
type Folder struct {
	Name        string `yaml:"name" json:"name"`
	Destination string `yaml:"destination" json:"destination"`
}

// AuthConfig configures Git authentication for fetching the template
type AuthConfig struct {
	SSHKeyFile     string `yaml:"sshKeyFile,omitempty" json:"sshKeyFile,omitempty"`
	HTTPSTokenFile string `yaml:"httpsTokenFile,omitempty" json:"httpsTokenFile,omitempty"`
}

// GeneratorConfig configures evaluation of *.gen.ts / *.gen.js files
type GeneratorConfig struct {
	Runtime Runtime `yaml:"runtime,omitempty" json:"runtime,omitempty"`
}

// Default returns the configuration written by init.
func Default() *Config {
	return &Config{
		Repository: RepositoryConfig{
			URL:    "",
			Branch: "master",
		},
		Folders: []Folder{
			{Name: "", Destination: "."},
		},
		MergeMode: MergeCherryPickSquash,
	}
}

// Find returns the path of the first well-known config file in dir.
func Find(dir string) (string, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}
	return "", usererr.New("config file not found in %s (run \"sync-config init\" to create %s)", dir, FileNames[0])
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, usererr.Wrap(err, "config file %s not found", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, usererr.Wrap(err, "failed to parse config file %s", path)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, usererr.Wrap(err, "invalid configuration")
	}

	return cfg, nil
}

// Parse decodes config data. JSON flavoured extensions accept comments and
// trailing commas; everything else is read as YAML.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".json", ".jsonc", ".json5":
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repository.URL = os.ExpandEnv(c.Repository.URL)
	c.Repository.Branch = os.ExpandEnv(c.Repository.Branch)
	for i := range c.Folders {
		c.Folders[i].Name = os.ExpandEnv(c.Folders[i].Name)
		c.Folders[i].Destination = os.ExpandEnv(c.Folders[i].Destination)
	}
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repository.Branch == "" {
		c.Repository.Branch = "master"
	}
	if c.Generator.Runtime == "" {
		c.Generator.Runtime = RuntimeDeno
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Repository.URL == "" {
		return fmt.Errorf("repository.url is required")
	}
	if c.Repository.Branch == "" {
		return fmt.Errorf("repository.branch is required")
	}

	if len(c.Folders) == 0 {
		return fmt.Errorf("folders must contain at least one entry")
	}
	for i, f := range c.Folders {
		if !isLocalPath(f.Name) {
			return fmt.Errorf("folders[%d].name must be a path inside the repository: %q", i, f.Name)
		}
		if !isLocalPath(f.Destination) {
			return fmt.Errorf("folders[%d].destination must be a path inside the repository: %q", i, f.Destination)
		}
	}

	switch c.MergeMode {
	case MergeCherryPick, MergeCherryPickSquash:
		// valid
	default:
		return fmt.Errorf("invalid mergeMode: %q (must be %s or %s)", c.MergeMode, MergeCherryPick, MergeCherryPickSquash)
	}

	switch c.Generator.Runtime {
	case RuntimeDeno, RuntimeNode:
	default:
		return fmt.Errorf("invalid generator.runtime: %q (must be %s or %s)", c.Generator.Runtime, RuntimeDeno, RuntimeNode)
	}

	// Only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of sshKeyFile or httpsTokenFile may be set")
	}

	// When auth is configured, the URL scheme must match
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("auth.sshKeyFile is set but repository.url does not use an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
		return fmt.Errorf("auth.httpsTokenFile is set but repository.url does not use HTTPS scheme")
	}

	return nil
}

// TemplateRef returns the remote-tracking ref of the template branch
func (c *Config) TemplateRef() string {
	return TemplateRemote + "/" + c.Repository.Branch
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

// IsHTTPS returns true if the repository URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repository.URL, "https://")
}

// IsSSH returns true if the repository URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repository.URL, "git@") || strings.HasPrefix(c.Repository.URL, "ssh://")
}

// isLocalPath reports whether p stays inside the repository and outside
// its metadata. Git refuses any path with a .git component.
func isLocalPath(p string) bool {
	if p == "" || p == "." {
		return true
	}
	if !filepath.IsLocal(filepath.FromSlash(p)) {
		return false
	}
	for _, seg := range strings.Split(path.Clean(filepath.ToSlash(p)), "/") {
		if strings.EqualFold(seg, ".git") {
			return false
		}
	}
	return true
}
