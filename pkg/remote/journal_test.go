package remote

import (
	"sync"
	"testing"
	"time"

	"github.com/go-errors/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

type sinkRow struct {
	kind             string
	id               string
	podID            string
	label            string
	command          string
	containerCommand string
	exitCode         int
	stdout           string
	stderr           string
	duration         time.Duration
}

type recordingSink struct {
	mutex sync.Mutex
	all   []sinkRow
	err   error
}

func (s *recordingSink) InsertPodLog(id, podID, label, command, containerCommand string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.all = append(s.all, sinkRow{kind: "insert", id: id, podID: podID, label: label, command: command, containerCommand: containerCommand})
	return s.err
}

func (s *recordingSink) CompletePodLog(id string, exitCode int, stdout, stderr string, duration time.Duration) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.all = append(s.all, sinkRow{kind: "complete", id: id, exitCode: exitCode, stdout: stdout, stderr: stderr, duration: duration})
	return s.err
}

func (s *recordingSink) rows(kind string) []sinkRow {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return lo.Filter(s.all, func(row sinkRow, _ int) bool {
		return row.kind == kind
	})
}

func (s *recordingSink) order() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return lo.Map(s.all, func(row sinkRow, _ int) string {
		return row.kind
	})
}

func TestJournalInterleavedCommands(t *testing.T) {
	sink := &recordingSink{}
	journal := NewJournal(NewDummyLog(), sink)

	first := journal.Begin("pod-1", "a", "first", "")
	second := journal.Begin("pod-2", "b", "second", "echo inner")
	journal.Complete(second, 0, "", "", time.Second)
	journal.Complete(first, 1, "", "boom", time.Second)
	assert.NoError(t, journal.Close())

	// each insert lands before its completion regardless of interleaving
	assert.Equal(t, []string{"insert", "insert", "complete", "complete"}, sink.order())

	inserts := sink.rows("insert")
	assert.Equal(t, first, inserts[0].id)
	assert.Equal(t, second, inserts[1].id)
	assert.Equal(t, "echo inner", inserts[1].containerCommand)
	assert.NotEqual(t, first, second)
}

func TestJournalSinkFailureIsLogged(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	sink := &recordingSink{err: errors.New("disk full")}
	journal := NewJournal(logger.WithField("test", "test"), sink)

	journal.Begin("pod-1", "a", "first", "")
	assert.NoError(t, journal.Close())

	entries := hook.AllEntries()
	assert.Len(t, entries, 1)
	assert.Equal(t, logrus.WarnLevel, entries[0].Level)
	assert.Contains(t, entries[0].Message, "journal write failed")
}
