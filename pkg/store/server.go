package store

import (
	"database/sql"
	"errors"
	"time"
)

// ServerStatus is the availability state of a host
type ServerStatus string

const (
	ServerOnline  ServerStatus = "online"
	ServerOffline ServerStatus = "offline"
)

// Server is a docker host reachable over SSH
type Server struct {
	ID        string       `db:"id"`
	Name      string       `db:"name"`
	Host      string       `db:"host"`
	Port      int          `db:"port"`
	Status    ServerStatus `db:"status"`
	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
}

// CreateServer registers a host
func (s *Store) CreateServer(id, name, host string, port int) (*Server, error) {
	_, err := s.db.Exec(
		`INSERT INTO servers (id, name, host, port) VALUES (?, ?, ?, ?)`,
		id, name, host, port,
	)
	if err != nil {
		return nil, err
	}
	return s.GetServer(id)
}

// GetServer fetches a server by id
func (s *Store) GetServer(id string) (*Server, error) {
	server := &Server{}
	err := s.db.Get(server, `SELECT * FROM servers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return server, nil
}

// ListServers returns all registered servers
func (s *Store) ListServers() ([]Server, error) {
	servers := []Server{}
	err := s.db.Select(&servers, `SELECT * FROM servers ORDER BY created_at, id`)
	return servers, err
}

// NextOnlineServer returns the online server hosting the fewest live pods.
// Archived pods do not count against a server.
func (s *Store) NextOnlineServer() (*Server, error) {
	server := &Server{}
	err := s.db.Get(server,
		`SELECT s.* FROM servers s
		 LEFT JOIN pods p ON p.server_id = s.id AND p.status != ?
		 WHERE s.status = ?
		 GROUP BY s.id
		 ORDER BY COUNT(p.id), s.created_at, s.id
		 LIMIT 1`,
		StatusArchived, ServerOnline,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return server, nil
}

// SetServerStatus marks a server online or offline
func (s *Store) SetServerStatus(id string, status ServerStatus) error {
	return s.execOne(
		`UPDATE servers SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, id,
	)
}
