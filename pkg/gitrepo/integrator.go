package gitrepo

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/go-errors/errors"
	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/engine"
	"github.com/pinacle-sh/pinacle/pkg/shell"
	"github.com/pinacle-sh/pinacle/pkg/spec"
	"github.com/pinacle-sh/pinacle/pkg/utils"
)

// The .ssh directory lives on the workspace volume so deploy keys survive
// container recreation the same way the checkout does.
const (
	sshDir         = "/workspace/.ssh"
	privateKeyPath = sshDir + "/id_ed25519"
	sshConfigPath  = sshDir + "/config"
	knownHostsPath = sshDir + "/known_hosts"
)

// Engine is the slice of the container engine the integrator needs
type Engine interface {
	ExecShellInContainer(ctx context.Context, podID string, containerID string, script string) (*engine.ExecResult, error)
	WriteFileInContainer(ctx context.Context, podID string, containerID string, path string, content string, mode string) error
}

// Integrator sets up repositories inside pod workspaces
type Integrator struct {
	Log    *logrus.Entry
	Config *config.AppConfig

	engine Engine
}

// NewIntegrator creates a repository integrator over the given engine
func NewIntegrator(log *logrus.Entry, config *config.AppConfig, engine Engine) *Integrator {
	return &Integrator{
		Log:    log,
		Config: config,
		engine: engine,
	}
}

// CloneRepository checks an existing repository out into the workspace. The
// workspace already holds the .ssh directory by the time the clone runs, so
// the checkout goes through init/fetch/checkout instead of git clone, which
// refuses non-empty directories. An empty branch means the remote's default.
func (g *Integrator) CloneRepository(ctx context.Context, podSpec *spec.PodSpec, containerID string, repo string, branch string, keyPair *spec.SSHKeyPair) error {
	url := CoerceRepoURL(repo)
	if err := g.setupSSH(ctx, podSpec, containerID, keyPair, sshHost(url)); err != nil {
		return err
	}
	if err := g.configureGit(ctx, podSpec, containerID); err != nil {
		return err
	}

	workDir := shell.Quote(podSpec.WorkDir())
	init := fmt.Sprintf("cd %s && git init -q && (git remote add origin %s 2>/dev/null || git remote set-url origin %s)",
		workDir, shell.Quote(url), shell.Quote(url))
	if _, err := g.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, init); err != nil {
		return utils.WrapError(err)
	}

	if branch == "" {
		resolved, err := g.defaultBranch(ctx, podSpec, containerID)
		if err != nil {
			return err
		}
		branch = resolved
	}

	g.Log.Info(fmt.Sprintf("pod %s: checking out %s on branch %s", podSpec.ID, url, branch))
	fetch := fmt.Sprintf("cd %s && git fetch -q origin %s && git checkout -q -B %s origin/%s",
		workDir, shell.Quote(branch), shell.Quote(branch), shell.Quote(branch))
	if _, err := g.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, fetch); err != nil {
		return utils.WrapError(err)
	}
	return nil
}

// InitializeTemplate scaffolds a template into the workspace, commits it and
// pushes the initial commit. The returned bool reports whether the push
// landed: a remote that does not exist yet must not fail provisioning, the
// workspace stays initialized and the user can push once the repo is there.
func (g *Integrator) InitializeTemplate(ctx context.Context, podSpec *spec.PodSpec, containerID string, templateID string, repo string, keyPair *spec.SSHKeyPair) (bool, error) {
	tmpl, ok := spec.TemplateByID(templateID)
	if !ok {
		return false, errors.Errorf("unknown template %q", templateID)
	}

	url := CoerceRepoURL(repo)
	if err := g.setupSSH(ctx, podSpec, containerID, keyPair, sshHost(url)); err != nil {
		return false, err
	}
	if err := g.configureGit(ctx, podSpec, containerID); err != nil {
		return false, err
	}

	workDir := shell.Quote(podSpec.WorkDir())
	init := fmt.Sprintf("cd %s && git init -q && git branch -M main && (git remote add origin %s 2>/dev/null || git remote set-url origin %s)",
		workDir, shell.Quote(url), shell.Quote(url))
	if _, err := g.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, init); err != nil {
		return false, utils.WrapError(err)
	}

	g.Log.Info(fmt.Sprintf("pod %s: scaffolding template %s", podSpec.ID, tmpl.ID))
	for _, step := range tmpl.InitScript {
		script := fmt.Sprintf("cd %s && %s", workDir, step)
		if _, err := g.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, script); err != nil {
			return false, utils.WrapError(err)
		}
	}

	message := fmt.Sprintf("Initial commit from Pinacle template %s", tmpl.ID)
	commit := fmt.Sprintf("cd %s && git add -A && git commit -q -m %s || true", workDir, shell.Quote(message))
	if _, err := g.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, commit); err != nil {
		return false, utils.WrapError(err)
	}

	push := fmt.Sprintf("cd %s && git push -q -u origin main", workDir)
	if _, err := g.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, push); err != nil {
		g.Log.Warn(fmt.Sprintf("pod %s: initial push to %s failed, workspace stays local: %v", podSpec.ID, url, err))
		return false, nil
	}
	return true, nil
}

// InjectConfig writes the declarative config into the workspace unless the
// repository already ships one
func (g *Integrator) InjectConfig(ctx context.Context, podSpec *spec.PodSpec, containerID string, cfg spec.Config, projectName string) error {
	filePath := path.Join(podSpec.WorkDir(), spec.ConfigFileName)
	probe := fmt.Sprintf("test -f %s", shell.Quote(filePath))
	if _, err := g.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, probe); err == nil {
		g.Log.Info(fmt.Sprintf("pod %s: %s already present, keeping it", podSpec.ID, filePath))
		return nil
	}

	content, err := spec.Serialize(cfg)
	if err != nil {
		return utils.WrapError(err)
	}
	g.Log.Info(fmt.Sprintf("pod %s: writing %s for %s", podSpec.ID, filePath, projectName))
	return g.engine.WriteFileInContainer(ctx, podSpec.ID, containerID, filePath, content, "")
}

// setupSSH lays the deploy key down inside the workspace. The key rides the
// masked file write; only ssh-keyscan runs as a plain command.
func (g *Integrator) setupSSH(ctx context.Context, podSpec *spec.PodSpec, containerID string, keyPair *spec.SSHKeyPair, host string) error {
	if keyPair == nil {
		return errors.Errorf("pod %s has no deploy key", podSpec.ID)
	}

	if err := g.engine.WriteFileInContainer(ctx, podSpec.ID, containerID, privateKeyPath, keyPair.PrivateKey, "0600"); err != nil {
		return err
	}

	sshConfig := fmt.Sprintf("Host %s\n  IdentityFile %s\n  IdentitiesOnly yes\n  StrictHostKeyChecking accept-new\n  UserKnownHostsFile %s\n",
		host, privateKeyPath, knownHostsPath)
	if err := g.engine.WriteFileInContainer(ctx, podSpec.ID, containerID, sshConfigPath, sshConfig, "0600"); err != nil {
		return err
	}

	keyscan := fmt.Sprintf("ssh-keyscan -H %s >> %s 2>/dev/null || true", shell.Quote(host), knownHostsPath)
	if _, err := g.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, keyscan); err != nil {
		return utils.WrapError(err)
	}
	return nil
}

// configureGit sets the service identity and points git at the workspace
// ssh config
func (g *Integrator) configureGit(ctx context.Context, podSpec *spec.PodSpec, containerID string) error {
	gitConfig := g.Config.UserConfig.Git
	script := fmt.Sprintf("git config --global user.email %s && git config --global user.name %s && git config --global core.sshCommand %s",
		shell.Quote(gitConfig.UserEmail), shell.Quote(gitConfig.UserName), shell.Quote("ssh -F "+sshConfigPath))
	if _, err := g.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, script); err != nil {
		return utils.WrapError(err)
	}
	return nil
}

// defaultBranch asks the remote which branch HEAD points at, falling back to
// main when the remote does not say (an empty repository, for one)
func (g *Integrator) defaultBranch(ctx context.Context, podSpec *spec.PodSpec, containerID string) (string, error) {
	script := fmt.Sprintf("cd %s && git ls-remote --symref origin HEAD", shell.Quote(podSpec.WorkDir()))
	result, err := g.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, script)
	if err != nil {
		return "", utils.WrapError(err)
	}
	for _, line := range utils.SplitLines(result.Stdout) {
		if !strings.HasPrefix(line, "ref:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			return strings.TrimPrefix(fields[1], "refs/heads/"), nil
		}
	}
	return "main", nil
}

// CoerceRepoURL normalizes the accepted repository forms. Full SSH and HTTP
// URLs pass through; a bare owner/repo becomes a GitHub SSH URL.
func CoerceRepoURL(repo string) string {
	switch {
	case strings.HasPrefix(repo, "git@"),
		strings.HasPrefix(repo, "ssh://"),
		strings.HasPrefix(repo, "http://"),
		strings.HasPrefix(repo, "https://"):
		return repo
	}
	return fmt.Sprintf("git@github.com:%s.git", strings.TrimSuffix(repo, ".git"))
}

// sshHost extracts the host ssh-keyscan should trust for a repository URL
func sshHost(url string) string {
	rest := url
	switch {
	case strings.HasPrefix(url, "git@"):
		rest = strings.TrimPrefix(url, "git@")
		if i := strings.Index(rest, ":"); i >= 0 {
			return rest[:i]
		}
		return rest
	case strings.HasPrefix(url, "ssh://"):
		rest = strings.TrimPrefix(url, "ssh://")
	case strings.HasPrefix(url, "https://"):
		rest = strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		rest = strings.TrimPrefix(url, "http://")
	}
	if i := strings.Index(rest, "@"); i >= 0 {
		rest = rest[i+1:]
	}
	if i := strings.IndexAny(rest, ":/"); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "github.com"
	}
	return rest
}
