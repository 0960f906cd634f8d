package app

import (
	"io"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/log"
	"github.com/pinacle-sh/pinacle/pkg/provision"
	"github.com/pinacle-sh/pinacle/pkg/remote"
	"github.com/pinacle-sh/pinacle/pkg/store"
	"github.com/pinacle-sh/pinacle/pkg/utils"
)

// App struct
type App struct {
	closers []io.Closer

	Config      *config.AppConfig
	Log         *logrus.Entry
	Store       *store.Store
	Journal     *remote.Journal
	Runners     *remote.Pool
	Provisioner *provision.Provisioner
}

// NewApp bootstraps the control plane: config, log, records, the host
// transport pool and the orchestrator on top of them
func NewApp(config *config.AppConfig) (*App, error) {
	app := &App{
		closers: []io.Closer{},
		Config:  config,
	}
	app.Log = log.NewLogger(config)

	storePath := config.UserConfig.Store.Path
	if storePath == "" {
		storePath = filepath.Join(config.ConfigDir, "pinacle.db")
	}
	recordStore, err := store.Open(app.Log, storePath)
	if err != nil {
		return app, err
	}
	app.Store = recordStore
	app.closers = append(app.closers, recordStore)

	app.Journal = remote.NewJournal(app.Log, recordStore)
	app.closers = append(app.closers, app.Journal)

	app.Runners = remote.NewPool(app.Log, config, app.Journal)
	app.closers = append(app.closers, app.Runners)

	app.Provisioner = provision.NewProvisioner(app.Log, config, recordStore, app.Runners, nil)
	return app, nil
}

// Close releases the transport pool, the journal and the store, newest first
func (app *App) Close() error {
	closers := make([]io.Closer, 0, len(app.closers))
	for i := len(app.closers) - 1; i >= 0; i-- {
		closers = append(closers, app.closers[i])
	}
	return utils.CloseMany(closers)
}

type errorMapping struct {
	originalError string
	newError      string
}

// KnownError takes an error and tells us whether it's an error that we know about where we can print a nicely formatted version of it rather than panicking with a stack trace
func (app *App) KnownError(err error) (string, bool) {
	errorMessage := err.Error()

	mappings := []errorMapping{
		{
			originalError: "no online server available",
			newError:      "No online server is registered. Register one with: pinacle server add",
		},
		{
			originalError: "connect: connection refused",
			newError:      "Could not reach the pod host over SSH. Check the server's address and port.",
		},
		{
			originalError: "Permission denied (publickey",
			newError:      "The host rejected the SSH key. Check ssh.privateKeyPath in your config, or set " + config.SSHKeyEnvVar + ".",
		},
		{
			originalError: "unknown tier",
			newError:      "The pod config names a tier this control plane doesn't know. Run pinacle --config to see the defaults in use.",
		},
	}

	for _, mapping := range mappings {
		if strings.Contains(errorMessage, mapping.originalError) {
			return mapping.newError, true
		}
	}

	return "", false
}
