package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-errors/errors"
	"github.com/stretchr/testify/assert"

	"github.com/pinacle-sh/pinacle/pkg/config"
)

func testAppConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	defaults := config.GetDefaultConfig()
	return &config.AppConfig{
		Name:       "pinacle",
		Version:    "test-version",
		UserConfig: &defaults,
		ConfigDir:  t.TempDir(),
	}
}

// TestNewApp is a function.
func TestNewApp(t *testing.T) {
	appConfig := testAppConfig(t)

	app, err := NewApp(appConfig)
	assert.NoError(t, err)
	assert.NotNil(t, app.Log)
	assert.NotNil(t, app.Store)
	assert.NotNil(t, app.Journal)
	assert.NotNil(t, app.Runners)
	assert.NotNil(t, app.Provisioner)

	// the store landed in the config dir since no path was configured
	assert.FileExists(t, filepath.Join(appConfig.ConfigDir, "pinacle.db"))

	assert.NoError(t, app.Close())
}

// TestNewAppHonorsStorePath is a function.
func TestNewAppHonorsStorePath(t *testing.T) {
	appConfig := testAppConfig(t)
	storePath := filepath.Join(t.TempDir(), "records.db")
	appConfig.UserConfig.Store.Path = storePath

	app, err := NewApp(appConfig)
	assert.NoError(t, err)
	assert.FileExists(t, storePath)
	assert.NoError(t, app.Close())
}

// TestExecRejectsEmptyCommand is a function.
func TestExecRejectsEmptyCommand(t *testing.T) {
	app, err := NewApp(testAppConfig(t))
	assert.NoError(t, err)
	defer app.Close()

	_, err = app.Exec(context.Background(), "hk21xm9p", "   ")
	assert.EqualError(t, err, "no command given to run in pod hk21xm9p")
}

// TestPods is a function.
func TestPods(t *testing.T) {
	app, err := NewApp(testAppConfig(t))
	assert.NoError(t, err)
	defer app.Close()

	_, err = app.Store.CreatePod("hk21xm9p", "api", "api-hk21xm9p", "dev.small")
	assert.NoError(t, err)
	_, err = app.Store.CreatePod("old00001", "retired", "retired-old00001", "dev.small")
	assert.NoError(t, err)
	assert.NoError(t, app.Store.ArchivePod("old00001"))

	pods, err := app.Pods("")
	assert.NoError(t, err)
	assert.Len(t, pods, 1)
	assert.Equal(t, "hk21xm9p", pods[0].ID)

	// asking for a status is the one way to see archived records
	archived, err := app.Pods("archived")
	assert.NoError(t, err)
	assert.Len(t, archived, 1)
	assert.Equal(t, "old00001", archived[0].ID)

	_, err = app.Pods("zombie")
	assert.EqualError(t, err, `unknown status "zombie"`)
}

// TestKnownError is a function.
func TestKnownError(t *testing.T) {
	app := &App{Config: testAppConfig(t)}

	type scenario struct {
		testName string
		err      error
		known    bool
		contains string
	}

	scenarios := []scenario{
		{
			testName: "no online server",
			err:      errors.Errorf("no online server available"),
			known:    true,
			contains: "pinacle server add",
		},
		{
			testName: "ssh connection refused",
			err:      errors.Errorf("server srv1 is unreachable: dial tcp 10.0.0.5:22: connect: connection refused"),
			known:    true,
			contains: "over SSH",
		},
		{
			testName: "ssh key rejected",
			err:      errors.Errorf("root@10.0.0.5: Permission denied (publickey)."),
			known:    true,
			contains: "PINACLE_SSH_KEY",
		},
		{
			testName: "unknown tier",
			err:      errors.Errorf(`unknown tier "dev.galactic", valid tiers: dev.small, dev.medium, dev.large`),
			known:    true,
			contains: "--config",
		},
		{
			testName: "anything else",
			err:      errors.Errorf("exit status 137"),
			known:    false,
		},
	}

	for _, s := range scenarios {
		t.Run(s.testName, func(t *testing.T) {
			message, known := app.KnownError(s.err)
			assert.EqualValues(t, s.known, known)
			if s.known {
				assert.Contains(t, message, s.contains)
			} else {
				assert.Empty(t, message)
			}
		})
	}
}
