package store

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NewDummyStore creates an in-memory store for testing
func NewDummyStore() *Store {
	log := logrus.New()
	log.Out = io.Discard

	s, err := Open(log.WithField("test", "test"), ":memory:")
	if err != nil {
		panic(err)
	}
	return s
}
