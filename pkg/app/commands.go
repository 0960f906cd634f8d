package app

import (
	"context"
	"fmt"

	"github.com/go-errors/errors"

	"github.com/pinacle-sh/pinacle/pkg/engine"
	"github.com/pinacle-sh/pinacle/pkg/provision"
	"github.com/pinacle-sh/pinacle/pkg/shell"
	"github.com/pinacle-sh/pinacle/pkg/spec"
	"github.com/pinacle-sh/pinacle/pkg/store"
	"github.com/pinacle-sh/pinacle/pkg/utils"
)

// ProvisionArgs is everything the provision subcommand collects. ConfigYAML
// and Dotenv carry file contents, already read by the caller.
type ProvisionArgs struct {
	PodID    string
	Name     string
	Slug     string
	ServerID string

	ConfigYAML string
	Dotenv     string

	Repo      string
	Branch    string
	NewRepo   bool
	HasConfig bool

	KeepOnError bool
}

// Provision creates or updates the pod's record from the args and drives it
// to running, returning the freshly persisted record
func (app *App) Provision(ctx context.Context, args ProvisionArgs) (*store.Pod, error) {
	if err := app.ensureRecord(args); err != nil {
		return nil, err
	}

	request := provision.ProvisionRequest{
		PodID:          args.PodID,
		ServerID:       args.ServerID,
		GithubBranch:   args.Branch,
		HasPinacleYaml: args.HasConfig,
	}
	if args.Repo != "" {
		setupType := spec.RepoSetupExisting
		if args.NewRepo {
			setupType = spec.RepoSetupNew
		}
		request.RepoSetup = &spec.RepoSetup{Type: setupType, Repository: args.Repo}
	}

	if _, err := app.Provisioner.ProvisionPod(ctx, request, !args.KeepOnError); err != nil {
		return nil, err
	}
	return app.Store.GetPod(args.PodID)
}

// ensureRecord makes sure a pod row exists and carries the latest config and
// env-set before provisioning starts
func (app *App) ensureRecord(args ProvisionArgs) error {
	_, err := app.Store.GetPod(args.PodID)
	missing := errors.Is(err, store.ErrNotFound)
	if err != nil && !missing {
		return utils.WrapError(err)
	}

	if missing {
		if args.ConfigYAML == "" {
			return errors.Errorf("pod %s has no record yet, pass a config file to create one", args.PodID)
		}
		cfg, err := spec.Parse([]byte(args.ConfigYAML))
		if err != nil {
			return err
		}
		name := args.Name
		if name == "" {
			name = args.PodID
		}
		slug := args.Slug
		if slug == "" {
			slug = fmt.Sprintf("%s-%s", name, args.PodID)
		}
		if _, err := app.Store.CreatePod(args.PodID, name, slug, cfg.Tier); err != nil {
			return utils.WrapError(err)
		}
	}

	if args.ConfigYAML != "" {
		if err := app.Store.UpdatePodSpec(args.PodID, args.ConfigYAML); err != nil {
			return utils.WrapError(err)
		}
	}
	if args.Dotenv != "" {
		if err := app.Store.SetDotenv(args.PodID, args.Dotenv); err != nil {
			return utils.WrapError(err)
		}
	}
	return nil
}

// Deprovision tears the pod down and archives its record
func (app *App) Deprovision(ctx context.Context, podID string) error {
	return app.Provisioner.DeprovisionPod(ctx, podID)
}

// Cleanup sweeps a pod's remnants off a named server
func (app *App) Cleanup(ctx context.Context, podID, serverID string) error {
	return app.Provisioner.CleanupPod(ctx, podID, serverID)
}

// Logs fetches the pod's container log from its host
func (app *App) Logs(ctx context.Context, podID string, tail int, follow bool) (string, error) {
	return app.Provisioner.GetPodLogs(ctx, podID, tail, follow)
}

// Exec runs a command line inside the pod's container. The command is split
// into argv here so quoting survives the hop to the host shell.
func (app *App) Exec(ctx context.Context, podID, command string) (*engine.ExecResult, error) {
	argv := shell.Split(command)
	if len(argv) == 0 {
		return nil, errors.Errorf("no command given to run in pod %s", podID)
	}
	return app.Provisioner.ExecInPod(ctx, podID, argv)
}

// History returns the pod's command journal, newest first
func (app *App) History(podID string, limit int) ([]store.PodLog, error) {
	return app.Provisioner.CommandHistory(podID, limit)
}

// Purge erases an archived pod's record and journal
func (app *App) Purge(podID string) error {
	return app.Provisioner.PurgePod(podID)
}

// Pods lists pod records, every non-archived one by default. Naming a status
// narrows the listing to that state, and is also the only way to see archived
// records.
func (app *App) Pods(status string) ([]store.Pod, error) {
	if status == "" {
		return app.Store.ListPods()
	}
	switch store.PodStatus(status) {
	case store.StatusCreating, store.StatusProvisioning, store.StatusRunning,
		store.StatusStopped, store.StatusError, store.StatusArchived:
		return app.Store.ListPodsByStatus(store.PodStatus(status))
	}
	return nil, errors.Errorf("unknown status %q", status)
}

// AddServer registers a host pods can be placed on
func (app *App) AddServer(id, name, host string, port int) (*store.Server, error) {
	if host == "" {
		return nil, errors.Errorf("a server needs a host address")
	}
	if name == "" {
		name = id
	}
	if port == 0 {
		port = app.Config.UserConfig.SSH.Port
	}
	server, err := app.Store.CreateServer(id, name, host, port)
	if err != nil {
		return nil, utils.WrapError(err)
	}
	return server, nil
}

// Servers lists every registered host
func (app *App) Servers() ([]store.Server, error) {
	return app.Store.ListServers()
}
