package spec

import (
	"fmt"
	"sort"
	"time"
)

// ServiceDefinition is one entry of the built-in service registry. Install
// steps are guard-first shell commands so re-provisioning a pod whose volumes
// survived container recreation stays idempotent.
type ServiceDefinition struct {
	ID          string
	Description string

	// Port the service listens on inside the pod network. Zero means the
	// service has no listener (CLI tools).
	Port int

	DefaultEnv  map[string]string
	RequiredEnv []string
	DependsOn   []string

	// InstallSteps returns the shell commands that make the service
	// available inside the container
	InstallSteps func(s *PodSpec) []string

	// StartCommand returns the argv the process supervisor runs. Nil means
	// install-only: no supervised unit is written.
	StartCommand func(s *PodSpec) []string

	// HealthCheck is a shell command executed inside the container;
	// exit 0 means healthy
	HealthCheck string

	// StartDelay is how long to wait after starting the unit before the
	// first health probe
	StartDelay time.Duration

	// StartRetries is how many health probes to attempt before declaring
	// the start failed
	StartRetries int

	// Internal marks registry entries the platform provisions on its own;
	// users cannot list them in config services.
	Internal bool
}

// ProxyServiceID is the distinguished ingress service every pod gets. It owns
// the pod's single external port and routes by hostname.
const ProxyServiceID = "nginx-proxy"

// ProxyInternalPort is the in-pod port the reverse proxy listens on
const ProxyInternalPort = 80

var services = map[string]*ServiceDefinition{
	ProxyServiceID: {
		ID:          ProxyServiceID,
		Description: "hostname-routing reverse proxy, the pod's only external listener",
		Port:        ProxyInternalPort,
		Internal:    true,
		InstallSteps: func(s *PodSpec) []string {
			return []string{
				"command -v nginx >/dev/null 2>&1 || (apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get install -y -qq nginx)",
				"rm -f /etc/nginx/sites-enabled/default",
			}
		},
		StartCommand: func(s *PodSpec) []string {
			return []string{"nginx", "-g", "daemon off;"}
		},
		HealthCheck:  "pgrep nginx >/dev/null",
		StartDelay:   time.Second,
		StartRetries: 5,
	},
	"web-terminal": {
		ID:          "web-terminal",
		Description: "browser terminal (ttyd)",
		Port:        7681,
		InstallSteps: func(s *PodSpec) []string {
			return []string{
				"command -v ttyd >/dev/null 2>&1 || (apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get install -y -qq ttyd)",
			}
		},
		StartCommand: func(s *PodSpec) []string {
			return []string{"ttyd", "--port", "7681", "--writable", "--cwd", s.WorkDir(), "bash"}
		},
		HealthCheck:  "curl -fsS -o /dev/null http://127.0.0.1:7681",
		StartDelay:   time.Second,
		StartRetries: 5,
	},
	"code-server": {
		ID:          "code-server",
		Description: "VS Code in the browser",
		Port:        8080,
		DefaultEnv: map[string]string{
			"CS_DISABLE_GETTING_STARTED_OVERRIDE": "1",
		},
		InstallSteps: func(s *PodSpec) []string {
			return []string{
				"command -v code-server >/dev/null 2>&1 || curl -fsSL https://code-server.dev/install.sh | sh",
			}
		},
		StartCommand: func(s *PodSpec) []string {
			return []string{"code-server", "--bind-addr", "0.0.0.0:8080", "--auth", "none", s.WorkDir()}
		},
		HealthCheck:  "curl -fsS -o /dev/null http://127.0.0.1:8080/healthz",
		StartDelay:   3 * time.Second,
		StartRetries: 10,
	},
	"claude-code": {
		ID:          "claude-code",
		Description: "Claude Code CLI",
		RequiredEnv: []string{"ANTHROPIC_API_KEY"},
		InstallSteps: func(s *PodSpec) []string {
			return []string{
				"command -v npm >/dev/null 2>&1 || (apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get install -y -qq npm)",
				"command -v claude >/dev/null 2>&1 || npm install -g @anthropic-ai/claude-code",
			}
		},
		HealthCheck: "command -v claude >/dev/null",
	},
	"kanban": {
		ID:          "kanban",
		Description: "project kanban board",
		Port:        5262,
		InstallSteps: func(s *PodSpec) []string {
			return []string{
				"command -v npm >/dev/null 2>&1 || (apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get install -y -qq npm)",
				"command -v vibe-kanban >/dev/null 2>&1 || npm install -g vibe-kanban",
			}
		},
		StartCommand: func(s *PodSpec) []string {
			return []string{"vibe-kanban", "--host", "0.0.0.0", "--port", "5262"}
		},
		HealthCheck:  "curl -fsS -o /dev/null http://127.0.0.1:5262",
		StartDelay:   2 * time.Second,
		StartRetries: 10,
	},
	"postgres": {
		ID:          "postgres",
		Description: "PostgreSQL database",
		Port:        5432,
		DefaultEnv: map[string]string{
			"PGDATA": "/var/lib/postgresql/data",
		},
		InstallSteps: func(s *PodSpec) []string {
			return []string{
				"command -v pg_ctl >/dev/null 2>&1 || su postgres -c true 2>/dev/null || (apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get install -y -qq postgresql postgresql-contrib)",
				"mkdir -p /var/lib/postgresql/data && chown -R postgres:postgres /var/lib/postgresql",
				"[ -s /var/lib/postgresql/data/PG_VERSION ] || su postgres -c " + quoteForRegistry("$(ls -d /usr/lib/postgresql/*/bin | head -n1)/initdb -D /var/lib/postgresql/data"),
			}
		},
		StartCommand: func(s *PodSpec) []string {
			return []string{"su", "postgres", "-c", "$(ls -d /usr/lib/postgresql/*/bin | head -n1)/postgres -D /var/lib/postgresql/data -h 0.0.0.0"}
		},
		HealthCheck:  "su postgres -c 'pg_isready -h 127.0.0.1'",
		StartDelay:   5 * time.Second,
		StartRetries: 10,
	},
}

// quoteForRegistry single-quotes a registry command fragment. Kept local so
// the registry doesn't import the shell package just for literals.
func quoteForRegistry(s string) string {
	return "'" + s + "'"
}

// ServiceByID looks a service up in the registry
func ServiceByID(id string) (*ServiceDefinition, bool) {
	def, ok := services[id]
	return def, ok
}

// ServiceIDs returns the user-selectable service ids, sorted
func ServiceIDs() []string {
	ids := make([]string, 0, len(services))
	for id, def := range services {
		if def.Internal {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SupervisorProgram is the supervisor unit name for a service
func SupervisorProgram(serviceID string) string {
	return fmt.Sprintf("pinacle-%s", serviceID)
}
