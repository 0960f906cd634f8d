// Package spec models the declarative pod configuration, the registries it
// draws from (tiers, services, templates) and the expansion of a config into
// the runtime pod spec the managers execute.
package spec

import (
	"fmt"
	"strconv"
	"strings"

	yaml "github.com/goccy/go-yaml"
)

// configBanner heads every serialized config so users editing pinacle.yaml
// know where it came from.
const configBanner = "# Pinacle pod configuration\n# Docs: https://pinacle.dev/docs/pod-config\n"

// ConfigFileName is the file the config lives under in a pod's workspace
const ConfigFileName = "pinacle.yaml"

// Config is the user-visible declarative pod configuration, the thing that
// lives in pinacle.yaml and in the pod record.
type Config struct {
	Version   Version         `yaml:"version"`
	Tier      string          `yaml:"tier"`
	Services  []string        `yaml:"services"`
	Template  string          `yaml:"template,omitempty"`
	Install   CommandList     `yaml:"install,omitempty"`
	Processes []ProcessConfig `yaml:"processes,omitempty"`
	Tabs      []interface{}   `yaml:"tabs,omitempty"`
}

// ProcessConfig describes one user app the pod runs
type ProcessConfig struct {
	Name         string      `yaml:"name"`
	StartCommand CommandList `yaml:"startCommand"`
	URL          string      `yaml:"url,omitempty"`
	HealthCheck  string      `yaml:"healthCheck,omitempty"`
}

// Version normalizes the config version field: users write both
// `version: "1.0"` and `version: 1.0` and we always store "1.0".
type Version string

// UnmarshalYAML implements the yaml interface unmarshaler
func (v *Version) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch val := raw.(type) {
	case string:
		*v = Version(val)
	case float64:
		s := strconv.FormatFloat(val, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		*v = Version(s)
	case int:
		*v = Version(fmt.Sprintf("%d.0", val))
	case int64:
		*v = Version(fmt.Sprintf("%d.0", val))
	case uint64:
		*v = Version(fmt.Sprintf("%d.0", val))
	case nil:
		*v = ""
	default:
		return &InvalidConfigError{Reason: fmt.Sprintf("version must be a string or number, got %T", raw)}
	}
	return nil
}

// CommandList accepts a single command string or a list of commands and is
// used for both the install field and process start commands.
type CommandList []string

// UnmarshalYAML implements the yaml interface unmarshaler
func (c *CommandList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		*c = CommandList{single}
		return nil
	}
	var many []string
	if err := unmarshal(&many); err != nil {
		return err
	}
	*c = CommandList(many)
	return nil
}

// MarshalYAML keeps the single-command form compact
func (c CommandList) MarshalYAML() (interface{}, error) {
	if len(c) == 1 {
		return c[0], nil
	}
	return []string(c), nil
}

// IsZero reports whether no command was configured
func (c CommandList) IsZero() bool {
	return len(c) == 0
}

// Joined renders the commands as one shell line
func (c CommandList) Joined() string {
	return strings.Join(c, " && ")
}

// InvalidConfigError reports a declarative config that fails validation.
// It never carries remote state: validation happens before any host is
// touched.
type InvalidConfigError struct {
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return "invalid pod config: " + e.Reason
}

func invalidf(format string, args ...interface{}) *InvalidConfigError {
	return &InvalidConfigError{Reason: fmt.Sprintf(format, args...)}
}

// Parse reads a declarative config from YAML, normalizes the version and
// validates it against the registries.
func Parse(content []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, &InvalidConfigError{Reason: err.Error()}
	}
	if cfg.Version == "" {
		cfg.Version = "1.0"
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Serialize renders the config with the standard banner. Empty processes and
// tabs are omitted entirely.
func Serialize(cfg Config) (string, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return configBanner + string(out), nil
}

// Validate checks the config shape against the tier, service and template
// registries without touching any remote state.
func (cfg Config) Validate() error {
	if cfg.Version == "" {
		return invalidf("version is required")
	}
	if _, ok := TierByID(cfg.Tier); !ok {
		return invalidf("unknown tier %q, valid tiers: %s", cfg.Tier, strings.Join(TierIDs(), ", "))
	}
	if len(cfg.Services) == 0 {
		return invalidf("services must list at least one service")
	}
	seen := map[string]bool{}
	for _, id := range cfg.Services {
		def, ok := ServiceByID(id)
		if !ok {
			return invalidf("unknown service %q, valid services: %s", id, strings.Join(ServiceIDs(), ", "))
		}
		if def.Internal {
			return invalidf("service %q is reserved and provisioned automatically", id)
		}
		if seen[id] {
			return invalidf("service %q listed twice", id)
		}
		seen[id] = true
	}
	if cfg.Template != "" {
		if _, ok := TemplateByID(cfg.Template); !ok {
			return invalidf("unknown template %q, valid templates: %s", cfg.Template, strings.Join(TemplateIDs(), ", "))
		}
	}
	names := map[string]bool{}
	for _, p := range cfg.Processes {
		if p.Name == "" {
			return invalidf("every process needs a name")
		}
		if p.StartCommand.IsZero() {
			return invalidf("process %q needs a startCommand", p.Name)
		}
		if names[p.Name] {
			return invalidf("process name %q used twice", p.Name)
		}
		names[p.Name] = true
	}
	return nil
}
