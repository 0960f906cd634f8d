package store

import (
	"database/sql"
	"errors"
	"time"
)

// PodStatus is the lifecycle state of a pod record
type PodStatus string

const (
	StatusCreating     PodStatus = "creating"
	StatusProvisioning PodStatus = "provisioning"
	StatusRunning      PodStatus = "running"
	StatusStopped      PodStatus = "stopped"
	StatusError        PodStatus = "error"
	StatusArchived     PodStatus = "archived"
)

// Pod is a pod row. Spec holds the serialized pod spec so a pod can be
// re-driven after a restart of the control plane. Description, OwnerID and
// TeamID belong to the surrounding platform and pass through untouched.
type Pod struct {
	ID          string         `db:"id"`
	Name        string         `db:"name"`
	Slug        string         `db:"slug"`
	Description string         `db:"description"`
	OwnerID     string         `db:"owner_id"`
	TeamID      string         `db:"team_id"`
	Status      PodStatus      `db:"status"`
	Tier        string         `db:"tier"`
	Spec        string         `db:"spec"`
	RepoURL     string         `db:"repo_url"`
	RepoBranch  string         `db:"repo_branch"`
	ServerID    sql.NullString `db:"server_id"`
	ContainerID string         `db:"container_id"`
	InternalIP  string         `db:"internal_ip"`
	Subnet      string         `db:"subnet"`
	ProxyPort   int            `db:"proxy_port"`
	Ports       string         `db:"ports"`
	URL         string         `db:"url"`
	LastError   string         `db:"last_error"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	StartedAt   sql.NullTime   `db:"started_at"`
	StoppedAt   sql.NullTime   `db:"stopped_at"`
	ArchivedAt  sql.NullTime   `db:"archived_at"`
}

// CreatePod inserts a new pod row in the creating state
func (s *Store) CreatePod(id, name, slug, tier string) (*Pod, error) {
	_, err := s.db.Exec(
		`INSERT INTO pods (id, name, slug, tier, status) VALUES (?, ?, ?, ?, ?)`,
		id, name, slug, tier, StatusCreating,
	)
	if err != nil {
		return nil, err
	}
	return s.GetPod(id)
}

// GetPod fetches a pod by id
func (s *Store) GetPod(id string) (*Pod, error) {
	pod := &Pod{}
	err := s.db.Get(pod, `SELECT * FROM pods WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return pod, nil
}

// GetPodBySlug fetches a pod by its URL slug
func (s *Store) GetPodBySlug(slug string) (*Pod, error) {
	pod := &Pod{}
	err := s.db.Get(pod, `SELECT * FROM pods WHERE slug = ?`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return pod, nil
}

// ListPods returns all pods that have not been archived, newest first
func (s *Store) ListPods() ([]Pod, error) {
	pods := []Pod{}
	err := s.db.Select(&pods,
		`SELECT * FROM pods WHERE status != ? ORDER BY created_at DESC, id DESC`,
		StatusArchived,
	)
	return pods, err
}

// ListPodsByStatus returns all pods in the given state
func (s *Store) ListPodsByStatus(status PodStatus) ([]Pod, error) {
	pods := []Pod{}
	err := s.db.Select(&pods,
		`SELECT * FROM pods WHERE status = ? ORDER BY created_at DESC, id DESC`,
		status,
	)
	return pods, err
}

// ListPodsByServer returns the pods assigned to a server, archived ones
// excluded, oldest first
func (s *Store) ListPodsByServer(serverID string) ([]Pod, error) {
	pods := []Pod{}
	err := s.db.Select(&pods,
		`SELECT * FROM pods WHERE server_id = ? AND status != ? ORDER BY created_at, id`,
		serverID, StatusArchived,
	)
	return pods, err
}

// UpdatePodStatus moves a pod to the given state
func (s *Store) UpdatePodStatus(id string, status PodStatus) error {
	return s.execOne(
		`UPDATE pods SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, id,
	)
}

// UpdatePodSpec stores the serialized spec for a pod
func (s *Store) UpdatePodSpec(id, serialized string) error {
	return s.execOne(
		`UPDATE pods SET spec = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		serialized, id,
	)
}

// AssignPodServer records which server a pod was placed on
func (s *Store) AssignPodServer(id, serverID string) error {
	return s.execOne(
		`UPDATE pods SET server_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		serverID, id,
	)
}

// SetPodRepo records the pod's source repository. Written once the clone or
// the initial push actually landed, never speculatively.
func (s *Store) SetPodRepo(id, url, branch string) error {
	return s.execOne(
		`UPDATE pods SET repo_url = ?, repo_branch = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		url, branch, id,
	)
}

// SetPodNetwork records the subnet and external proxy port allocated to a pod
func (s *Store) SetPodNetwork(id, subnet string, proxyPort int) error {
	return s.execOne(
		`UPDATE pods SET subnet = ?, proxy_port = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		subnet, proxyPort, id,
	)
}

// MarkPodRunning records what provisioning produced and moves the pod to the
// running state. ports carries the serialized port mappings.
func (s *Store) MarkPodRunning(id, containerID, internalIP, ports, url string) error {
	return s.execOne(
		`UPDATE pods SET status = ?, container_id = ?, internal_ip = ?, ports = ?, url = ?,
		 last_error = '', started_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		StatusRunning, containerID, internalIP, ports, url, id,
	)
}

// MarkPodStopped moves the pod to the stopped state
func (s *Store) MarkPodStopped(id string) error {
	return s.execOne(
		`UPDATE pods SET status = ?, stopped_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		StatusStopped, id,
	)
}

// MarkPodError moves the pod to the error state and records the failure
func (s *Store) MarkPodError(id string, cause string) error {
	return s.execOne(
		`UPDATE pods SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		StatusError, cause, id,
	)
}

// ArchivePod moves the pod to the archived state. The archive timestamp is
// only set the first time so repeated calls do not move it.
func (s *Store) ArchivePod(id string) error {
	return s.execOne(
		`UPDATE pods SET status = ?, archived_at = COALESCE(archived_at, CURRENT_TIMESTAMP),
		 updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		StatusArchived, id,
	)
}

// DeletePod removes the pod row and its dotenv
func (s *Store) DeletePod(id string) error {
	res, err := s.db.Exec(`DELETE FROM pods WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) execOne(query string, args ...interface{}) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
