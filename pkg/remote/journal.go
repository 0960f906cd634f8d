package remote

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// CommandLogSink persists journal rows. *store.Store satisfies it.
type CommandLogSink interface {
	InsertPodLog(id, podID, label, command, containerCommand string) error
	CompletePodLog(id string, exitCode int, stdout, stderr string, duration time.Duration) error
}

const journalBuffer = 256

// Journal records every command run against a pod. All writes go through a
// single goroutine in submission order, which keeps the row insert off the
// critical path of Exec while still landing before its completion update.
type Journal struct {
	Log  *logrus.Entry
	sink CommandLogSink
	ops  chan func(CommandLogSink) error
	done chan struct{}
}

// NewJournal starts the journal writer
func NewJournal(log *logrus.Entry, sink CommandLogSink) *Journal {
	j := &Journal{
		Log:  log,
		sink: sink,
		ops:  make(chan func(CommandLogSink) error, journalBuffer),
		done: make(chan struct{}),
	}

	go j.writeLoop()
	return j
}

func (j *Journal) writeLoop() {
	defer close(j.done)
	for op := range j.ops {
		if err := op(j.sink); err != nil {
			j.Log.Warn(fmt.Sprintf("command journal write failed: %v", err))
		}
	}
}

// Begin journals the start of a command and returns the row id to complete
// against. Both command strings are expected to be masked already.
func (j *Journal) Begin(podID, label, command, containerCommand string) string {
	id := uuid.NewString()
	j.ops <- func(sink CommandLogSink) error {
		return sink.InsertPodLog(id, podID, label, command, containerCommand)
	}
	return id
}

// Complete journals the outcome of a command started with Begin
func (j *Journal) Complete(id string, exitCode int, stdout, stderr string, duration time.Duration) {
	j.ops <- func(sink CommandLogSink) error {
		return sink.CompletePodLog(id, exitCode, stdout, stderr, duration)
	}
}

// Close drains pending writes and stops the writer
func (j *Journal) Close() error {
	close(j.ops)
	<-j.done
	return nil
}
