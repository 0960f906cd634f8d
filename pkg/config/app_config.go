package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/OpenPeeDeeP/xdg"
	yaml "github.com/goccy/go-yaml"
)

// AppConfig contains the base configuration fields required for pinacle.
type AppConfig struct {
	Debug       bool   `long:"debug" env:"DEBUG" default:"false"`
	Version     string `long:"version" env:"VERSION" default:"unversioned"`
	Commit      string `long:"commit" env:"COMMIT"`
	BuildDate   string `long:"build-date" env:"BUILD_DATE"`
	Name        string `long:"name" env:"NAME" default:"pinacle"`
	BuildSource string `long:"build-source" env:"BUILD_SOURCE" default:""`
	UserConfig  *UserConfig
	ConfigDir   string
}

// UserConfig holds all of the user-configurable options. The fields here are
// all in PascalCase but in your actual config.yml they'll be in camelCase.
// You can view the default config with `pinacle --config`.
type UserConfig struct {
	// BaseDomain is the apex domain pods are published under. A pod with
	// slug "api" gets https://api.{baseDomain}.
	BaseDomain string `yaml:"baseDomain,omitempty"`

	// SSH configures how the control plane reaches pod hosts
	SSH SSHConfig `yaml:"ssh,omitempty"`

	// Store configures the local database holding pod, server, dotenv and
	// command-log records
	Store StoreConfig `yaml:"store,omitempty"`

	// Engine configures the container engine driven on each host
	Engine EngineConfig `yaml:"engine,omitempty"`

	// Git is the identity used for commits made on behalf of pods
	Git GitConfig `yaml:"git,omitempty"`

	// Provision tunes orchestrator behavior
	Provision ProvisionConfig `yaml:"provision,omitempty"`
}

// SSHConfig holds transport credentials shared by all hosts. Per-host
// address/port/user live on the server records; the private key is global.
type SSHConfig struct {
	// User is the default login user when a server record doesn't set one
	User string `yaml:"user,omitempty"`

	// Port is the default SSH port when a server record doesn't set one
	Port int `yaml:"port,omitempty"`

	// PrivateKeyPath points at the key used for every host. Ignored when
	// PINACLE_SSH_KEY carries the key material directly.
	PrivateKeyPath string `yaml:"privateKeyPath,omitempty"`

	// Sudo prepends sudo to engine and traffic-control commands. Needed
	// when User is not root.
	Sudo bool `yaml:"sudo,omitempty"`
}

// StoreConfig locates the sqlite database
type StoreConfig struct {
	// Path is the sqlite file. Defaults to pinacle.db under the config dir.
	Path string `yaml:"path,omitempty"`
}

// EngineConfig selects the container engine binary and the sandboxed runtime
type EngineConfig struct {
	// Binary is the engine CLI on the host
	Binary string `yaml:"binary,omitempty"`

	// SandboxRuntime is the engine runtime pods are pinned to. The default
	// runsc gives every pod a user-space kernel.
	SandboxRuntime string `yaml:"sandboxRuntime,omitempty"`
}

// GitConfig is the service identity written into pod git configs
type GitConfig struct {
	UserName  string `yaml:"userName,omitempty"`
	UserEmail string `yaml:"userEmail,omitempty"`
}

// ProvisionConfig tunes the orchestrator
type ProvisionConfig struct {
	// Workers caps how many provision/lifecycle requests run concurrently
	Workers int `yaml:"workers,omitempty"`

	// HealthCheckTimeout bounds per-call service and process health waits
	HealthCheckTimeout time.Duration `yaml:"healthCheckTimeout,omitempty"`

	// CommandTimeout bounds ordinary remote commands. Zero means no bound;
	// template initialization always gets TemplateInitTimeout instead.
	CommandTimeout time.Duration `yaml:"commandTimeout,omitempty"`

	// TemplateInitTimeout bounds template init scripts, which download
	// toolchains and can run for minutes
	TemplateInitTimeout time.Duration `yaml:"templateInitTimeout,omitempty"`
}

// GetDefaultConfig returns the application default configuration
// NOTE (to contributors, not users): do not default a boolean to true, because false is the boolean zero value and this will be ignored when parsing the user's config
func GetDefaultConfig() UserConfig {
	return UserConfig{
		BaseDomain: "pinacle.dev",
		SSH: SSHConfig{
			User: "root",
			Port: 22,
		},
		Store: StoreConfig{
			Path: "",
		},
		Engine: EngineConfig{
			Binary:         "docker",
			SandboxRuntime: "runsc",
		},
		Git: GitConfig{
			UserName:  "Pinacle",
			UserEmail: "bot@pinacle.dev",
		},
		Provision: ProvisionConfig{
			Workers:             4,
			HealthCheckTimeout:  30 * time.Second,
			CommandTimeout:      5 * time.Minute,
			TemplateInitTimeout: 15 * time.Minute,
		},
	}
}

// NewAppConfig makes a new app config
func NewAppConfig(name, version, commit, date string, buildSource string, debuggingFlag bool) (*AppConfig, error) {
	configDir, err := findOrCreateConfigDir(name)
	if err != nil {
		return nil, err
	}

	userConfig, err := loadUserConfigWithDefaults(configDir)
	if err != nil {
		return nil, err
	}

	if userConfig.Store.Path == "" {
		userConfig.Store.Path = filepath.Join(configDir, "pinacle.db")
	}

	appConfig := &AppConfig{
		Name:        name,
		Version:     version,
		Commit:      commit,
		BuildDate:   date,
		Debug:       debuggingFlag || os.Getenv("DEBUG") == "TRUE",
		BuildSource: buildSource,
		UserConfig:  userConfig,
		ConfigDir:   configDir,
	}

	return appConfig, nil
}

func findOrCreateConfigDir(projectName string) (string, error) {
	configDir := xdg.New("pinacle", projectName).ConfigHome()
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", err
	}
	return configDir, nil
}

func loadUserConfigWithDefaults(configDir string) (*UserConfig, error) {
	config := GetDefaultConfig()

	return loadUserConfig(configDir, &config)
}

func loadUserConfig(configDir string, base *UserConfig) (*UserConfig, error) {
	fileName := filepath.Join(configDir, "config.yml")

	if _, err := os.Stat(fileName); err != nil {
		if os.IsNotExist(err) {
			file, err := os.Create(fileName)
			if err != nil {
				return nil, err
			}
			file.Close()
		} else {
			return nil, err
		}
	}

	content, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(content, base); err != nil {
		return nil, err
	}

	return base, nil
}

// WriteToUserConfig allows you to set a value on the user config to be saved
// note that if you set a zero-value, it may be ignored e.g. a false or 0 or empty string
// this is because we are using the omitempty yaml directive so that we don't write a heap
// of zero values to the user's config.yml
func (c *AppConfig) WriteToUserConfig(updateConfig func(*UserConfig) error) error {
	userConfig, err := loadUserConfig(c.ConfigDir, &UserConfig{})
	if err != nil {
		return err
	}

	if err := updateConfig(userConfig); err != nil {
		return err
	}

	out, err := yaml.Marshal(userConfig)
	if err != nil {
		return err
	}

	return os.WriteFile(c.ConfigFilename(), out, 0o666)
}

// ConfigFilename returns the filename of the current config file
func (c *AppConfig) ConfigFilename() string {
	return filepath.Join(c.ConfigDir, "config.yml")
}

// SSHKeyEnvVar carries raw private key material, preferred over
// PrivateKeyPath so keys never have to touch disk outside the runner
const SSHKeyEnvVar = "PINACLE_SSH_KEY"

// SSHKeyFromEnv returns the raw private key material when supplied via
// environment
func (c *AppConfig) SSHKeyFromEnv() string {
	return os.Getenv(SSHKeyEnvVar)
}
