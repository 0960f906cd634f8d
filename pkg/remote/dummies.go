package remote

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/config"
)

// NewDummyLog creates a new dummy Log for testing
func NewDummyLog() *logrus.Entry {
	log := logrus.New()
	log.Out = io.Discard
	return log.WithField("test", "test")
}

// NewDummyAppConfig creates a new dummy AppConfig for testing
func NewDummyAppConfig() *config.AppConfig {
	defaults := config.GetDefaultConfig()
	return &config.AppConfig{
		Name:       "pinacle",
		Version:    "unversioned",
		UserConfig: &defaults,
	}
}

// NewDummyTarget creates a new dummy Target for testing
func NewDummyTarget() Target {
	return Target{ID: "srv-test", Name: "test", Host: "test-host", Port: 22, User: "root"}
}

// NewDummySSHRunner creates a new dummy SSHRunner for testing
func NewDummySSHRunner() *SSHRunner {
	return NewSSHRunner(NewDummyLog(), NewDummyAppConfig(), NewDummyTarget(), nil)
}
