package store

import (
	"database/sql"
	"errors"
	"time"
)

// Dotenv is the stored .env content for a pod
type Dotenv struct {
	PodID     string    `db:"pod_id"`
	Content   string    `db:"content"`
	UpdatedAt time.Time `db:"updated_at"`
}

// GetDotenv fetches the stored .env content for a pod. A pod with no stored
// dotenv returns ErrNotFound.
func (s *Store) GetDotenv(podID string) (*Dotenv, error) {
	dotenv := &Dotenv{}
	err := s.db.Get(dotenv, `SELECT * FROM dotenvs WHERE pod_id = ?`, podID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return dotenv, nil
}

// SetDotenv stores the .env content for a pod, replacing any previous content
func (s *Store) SetDotenv(podID, content string) error {
	_, err := s.db.Exec(
		`INSERT INTO dotenvs (pod_id, content, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(pod_id) DO UPDATE SET content = excluded.content, updated_at = CURRENT_TIMESTAMP`,
		podID, content,
	)
	return err
}
