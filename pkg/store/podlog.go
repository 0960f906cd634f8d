package store

import (
	"database/sql"
	"time"
)

// PodLog is one journaled command run against a pod's host. Commands are
// recorded with credentials already masked. ContainerCommand holds the
// in-container command when the host command wraps one in an engine exec.
type PodLog struct {
	ID               string        `db:"id"`
	PodID            string        `db:"pod_id"`
	Label            string        `db:"label"`
	Command          string        `db:"command"`
	ContainerCommand string        `db:"container_command"`
	ExitCode         sql.NullInt64 `db:"exit_code"`
	Stdout           string        `db:"stdout"`
	Stderr           string        `db:"stderr"`
	StartedAt        time.Time     `db:"started_at"`
	FinishedAt       sql.NullTime  `db:"finished_at"`
	DurationMs       sql.NullInt64 `db:"duration_ms"`
}

// InsertPodLog journals the start of a command. The completion columns stay
// null until CompletePodLog is called with the same id.
func (s *Store) InsertPodLog(id, podID, label, command, containerCommand string) error {
	_, err := s.db.Exec(
		`INSERT INTO pod_logs (id, pod_id, label, command, container_command) VALUES (?, ?, ?, ?, ?)`,
		id, podID, label, command, containerCommand,
	)
	return err
}

// CompletePodLog records the outcome of a journaled command
func (s *Store) CompletePodLog(id string, exitCode int, stdout, stderr string, duration time.Duration) error {
	return s.execOne(
		`UPDATE pod_logs SET exit_code = ?, stdout = ?, stderr = ?,
		 finished_at = CURRENT_TIMESTAMP, duration_ms = ? WHERE id = ?`,
		exitCode, stdout, stderr, duration.Milliseconds(), id,
	)
}

// ListPodLogs returns the journaled commands for a pod, newest first. A limit
// of zero returns everything.
func (s *Store) ListPodLogs(podID string, limit int) ([]PodLog, error) {
	logs := []PodLog{}
	if limit <= 0 {
		limit = -1
	}
	err := s.db.Select(&logs,
		`SELECT * FROM pod_logs WHERE pod_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
		podID, limit,
	)
	return logs, err
}

// DeletePodLogs removes the journal for a pod
func (s *Store) DeletePodLogs(podID string) error {
	_, err := s.db.Exec(`DELETE FROM pod_logs WHERE pod_id = ?`, podID)
	return err
}
