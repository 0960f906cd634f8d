// Package services provisions the built-in service registry inside a pod:
// base tooling, supervised units, start/stop and health probes. Everything
// here executes inside the pod's container; the host is never touched
// directly.
package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-errors/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/engine"
	"github.com/pinacle-sh/pinacle/pkg/shell"
	"github.com/pinacle-sh/pinacle/pkg/spec"
	"github.com/pinacle-sh/pinacle/pkg/utils"
)

// Engine is the slice of the container engine the provisioner needs
type Engine interface {
	ExecShellInContainer(ctx context.Context, podID string, containerID string, script string) (*engine.ExecResult, error)
	WriteFileInContainer(ctx context.Context, podID string, containerID string, path string, content string, mode string) error
}

// Provisioner installs and supervises registry services inside pods
type Provisioner struct {
	Log    *logrus.Entry
	Config *config.AppConfig

	engine Engine
	sleep  func(ctx context.Context, d time.Duration)
}

// NewProvisioner creates a service provisioner over the given engine
func NewProvisioner(log *logrus.Entry, config *config.AppConfig, engine Engine) *Provisioner {
	return &Provisioner{
		Log:    log,
		Config: config,
		engine: engine,
		sleep:  utils.Sleep,
	}
}

// SetSleep sets the health probe wait. To be used for testing only
func (p *Provisioner) SetSleep(sleep func(ctx context.Context, d time.Duration)) {
	p.sleep = sleep
}

// bootstrapSteps are the base tools every pod needs before any service can be
// provisioned. Guard-first, so re-provisioning over volumes that survived a
// container recreation is idempotent.
func bootstrapSteps() []string {
	return []string{
		"command -v supervisord >/dev/null 2>&1 || (apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get install -y -qq supervisor)",
		"command -v tmux >/dev/null 2>&1 || (apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get install -y -qq tmux)",
		"command -v git >/dev/null 2>&1 || (apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get install -y -qq git)",
		"command -v curl >/dev/null 2>&1 || (apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get install -y -qq curl ca-certificates)",
		"mkdir -p /etc/supervisor/conf.d /var/log/pinacle",
		"pgrep -x supervisord >/dev/null 2>&1 || supervisord -c /etc/supervisor/supervisord.conf",
	}
}

// Bootstrap readies a fresh container for service provisioning: package
// tools, the process supervisor and its config directory
func (p *Provisioner) Bootstrap(ctx context.Context, podSpec *spec.PodSpec, containerID string) error {
	p.Log.Info(fmt.Sprintf("pod %s: bootstrapping base tooling", podSpec.ID))
	for _, step := range bootstrapSteps() {
		if _, err := p.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, step); err != nil {
			return utils.WrapError(err)
		}
	}
	return nil
}

// Provision installs one service and registers its supervised unit. Install
// steps are guard-first shell commands, so provisioning the same service
// twice converges instead of failing.
func (p *Provisioner) Provision(ctx context.Context, podSpec *spec.PodSpec, containerID string, service spec.ServiceSpec) error {
	def, ok := spec.ServiceByID(service.Name)
	if !ok {
		return errors.Errorf("unknown service %q", service.Name)
	}
	if err := checkRequiredEnv(podSpec, def); err != nil {
		return err
	}

	p.Log.Info(fmt.Sprintf("pod %s: provisioning service %s", podSpec.ID, def.ID))
	for _, step := range def.InstallSteps(podSpec) {
		if _, err := p.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, step); err != nil {
			return utils.WrapError(err)
		}
	}

	if def.ID == spec.ProxyServiceID {
		if err := p.engine.WriteFileInContainer(ctx, podSpec.ID, containerID, proxyConfigPath, renderProxyConfig(podSpec), ""); err != nil {
			return err
		}
	}

	if def.StartCommand == nil {
		return nil
	}

	unit := renderUnit(podSpec, def, service)
	if err := p.engine.WriteFileInContainer(ctx, podSpec.ID, containerID, unitPath(def.ID), unit, ""); err != nil {
		return err
	}
	_, err := p.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, "supervisorctl reread && supervisorctl update")
	return err
}

// Start brings the supervised unit up and waits for the service to turn
// healthy within its start delay and retry budget
func (p *Provisioner) Start(ctx context.Context, podSpec *spec.PodSpec, containerID string, service spec.ServiceSpec) error {
	def, ok := spec.ServiceByID(service.Name)
	if !ok {
		return errors.Errorf("unknown service %q", service.Name)
	}
	if def.StartCommand == nil {
		return nil
	}

	program := spec.SupervisorProgram(def.ID)
	if _, err := p.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, "supervisorctl start "+program); err != nil {
		return utils.WrapError(err)
	}

	if def.HealthCheck == "" {
		return nil
	}

	delay := def.StartDelay
	if delay <= 0 {
		delay = time.Second
	}
	retries := def.StartRetries
	if retries <= 0 {
		retries = 1
	}

	for attempt := 0; attempt < retries; attempt++ {
		p.sleep(ctx, delay)
		if ctx.Err() != nil {
			return utils.WrapError(ctx.Err())
		}
		if p.Healthy(ctx, podSpec, containerID, service) {
			return nil
		}
	}
	return errors.Errorf("service %s did not become healthy after %d probes", def.ID, retries)
}

// Stop halts the supervised unit. Install-only services have nothing to stop.
func (p *Provisioner) Stop(ctx context.Context, podSpec *spec.PodSpec, containerID string, service spec.ServiceSpec) error {
	def, ok := spec.ServiceByID(service.Name)
	if !ok || def.StartCommand == nil {
		return nil
	}
	_, err := p.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, "supervisorctl stop "+spec.SupervisorProgram(def.ID))
	return err
}

// Remove stops the unit best-effort and deletes its file
func (p *Provisioner) Remove(ctx context.Context, podSpec *spec.PodSpec, containerID string, service spec.ServiceSpec) error {
	def, ok := spec.ServiceByID(service.Name)
	if !ok || def.StartCommand == nil {
		return nil
	}

	if err := p.Stop(ctx, podSpec, containerID, service); err != nil {
		p.Log.Warn(fmt.Sprintf("pod %s: stopping %s before removal failed: %v", podSpec.ID, def.ID, err))
	}

	script := fmt.Sprintf("rm -f %s && supervisorctl reread && supervisorctl update", unitPath(def.ID))
	_, err := p.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, script)
	return err
}

// Healthy runs the service's health command inside the container. Services
// without one count as healthy once provisioned.
func (p *Provisioner) Healthy(ctx context.Context, podSpec *spec.PodSpec, containerID string, service spec.ServiceSpec) bool {
	def, ok := spec.ServiceByID(service.Name)
	if !ok {
		return false
	}
	if def.HealthCheck == "" {
		return true
	}
	_, err := p.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, def.HealthCheck)
	return err == nil
}

func checkRequiredEnv(podSpec *spec.PodSpec, def *spec.ServiceDefinition) error {
	missing := lo.Filter(def.RequiredEnv, func(key string, _ int) bool {
		return podSpec.Environment[key] == ""
	})
	if len(missing) > 0 {
		return errors.Errorf("service %s requires environment variables: %s", def.ID, strings.Join(missing, ", "))
	}
	return nil
}

func unitPath(serviceID string) string {
	return fmt.Sprintf("/etc/supervisor/conf.d/%s.conf", spec.SupervisorProgram(serviceID))
}

// renderUnit builds the supervisord program stanza for a service. The start
// command is deterministic for a given spec, so rewriting the file on
// re-provision is a no-op from supervisor's point of view.
func renderUnit(podSpec *spec.PodSpec, def *spec.ServiceDefinition, service spec.ServiceSpec) string {
	program := spec.SupervisorProgram(def.ID)

	builder := &strings.Builder{}
	fmt.Fprintf(builder, "[program:%s]\n", program)
	fmt.Fprintf(builder, "command=%s\n", shell.Join(def.StartCommand(podSpec)))
	fmt.Fprintf(builder, "directory=%s\n", podSpec.WorkDir())
	builder.WriteString("autostart=false\n")
	fmt.Fprintf(builder, "autorestart=%t\n", service.AutoRestart)
	builder.WriteString("startretries=3\n")
	builder.WriteString("stopasgroup=true\n")
	builder.WriteString("killasgroup=true\n")
	fmt.Fprintf(builder, "stdout_logfile=/var/log/pinacle/%s.log\n", program)
	fmt.Fprintf(builder, "stderr_logfile=/var/log/pinacle/%s.err.log\n", program)
	if len(service.Environment) > 0 {
		fmt.Fprintf(builder, "environment=%s\n", environmentLine(service.Environment))
	}
	return builder.String()
}

func environmentLine(env map[string]string) string {
	keys := lo.Keys(env)
	sort.Strings(keys)
	pairs := lo.Map(keys, func(key string, _ int) string {
		return fmt.Sprintf(`%s="%s"`, key, supervisorEscape(env[key]))
	})
	return strings.Join(pairs, ",")
}

// supervisorEscape escapes a value for supervisord's environment= syntax,
// where % is an expansion character
func supervisorEscape(value string) string {
	value = strings.ReplaceAll(value, "%", "%%")
	return strings.ReplaceAll(value, `"`, `\"`)
}
