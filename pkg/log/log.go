package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/config"
)

// NewLogger builds the control plane's logger. Debug runs append JSON lines
// to pinacle.log under the config dir; production runs discard everything,
// since results reach the operator through the command output.
func NewLogger(config *config.AppConfig) *logrus.Entry {
	log := logrus.New()
	log.Formatter = &logrus.JSONFormatter{}

	if config.Debug {
		log.SetLevel(levelFromEnv())
		// tail -f pinacle.log | humanlog
		file, err := os.OpenFile(filepath.Join(config.ConfigDir, "pinacle.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			fmt.Println("unable to log to file")
			os.Exit(1)
		}
		log.SetOutput(file)
	} else {
		log.SetOutput(io.Discard)
		log.SetLevel(logrus.ErrorLevel)
	}

	return log.WithFields(logrus.Fields{
		"version": config.Version,
		"commit":  config.Commit,
	})
}

func levelFromEnv() logrus.Level {
	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return logrus.DebugLevel
	}
	return level
}
