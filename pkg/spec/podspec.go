package spec

import "fmt"

// PodSpec is the runtime expansion of a declarative Config: everything the
// managers need to drive a pod onto a host. It is a superset of the config;
// ToConfig recovers the declarative fields exactly.
type PodSpec struct {
	ID   string
	Name string
	Slug string

	Version   Version
	Tier      string
	BaseImage string
	Resources Resources
	Network   NetworkSpec

	Services []ServiceSpec

	Template string
	Install  CommandList

	Processes []ProcessSpec

	Tabs []interface{}

	// Environment is the template defaults merged with the pod's env-set
	Environment map[string]string

	GithubRepo   string
	GithubBranch string
	RepoSetup    *RepoSetup

	WorkingDir string
	User       string
}

// WorkDir is the pod's working directory, defaulting to /workspace
func (s *PodSpec) WorkDir() string {
	if s.WorkingDir == "" {
		return "/workspace"
	}
	return s.WorkingDir
}

// RunAsUser is the user processes run as, defaulting to root
func (s *PodSpec) RunAsUser() string {
	if s.User == "" {
		return "root"
	}
	return s.User
}

// Resources are the tier-derived limits applied to the container
type Resources struct {
	CPUCores  float64
	MemoryMB  int
	StorageMB int
}

// NetworkSpec carries the pod's network intent plus the addresses the
// network manager binds in during provisioning.
type NetworkSpec struct {
	Ports []PortMapping

	// bound by the network manager at provision time
	Subnet    string
	PodIP     string
	GatewayIP string

	AllowEgress        bool
	AllowedDomains     []string
	BandwidthLimitMbps int
}

// PortMapping relates an in-pod listener to an optional external port.
// External is zero for internal-only ports; only the reverse proxy ever
// gets an external port.
type PortMapping struct {
	Name      string `json:"name"`
	Internal  int    `json:"internal"`
	External  int    `json:"external,omitempty"`
	Protocol  string `json:"protocol"`
	Public    bool   `json:"public,omitempty"`
	Subdomain string `json:"subdomain,omitempty"`
}

// ServiceSpec is a registry service expanded for one pod
type ServiceSpec struct {
	Name        string
	Ports       []PortMapping
	Environment map[string]string
	AutoRestart bool
	DependsOn   []string
}

// ProcessSpec is a user process expanded for one pod. SessionName is the
// multiplexer session the process runs in.
type ProcessSpec struct {
	Name         string
	StartCommand CommandList
	URL          string
	HealthCheck  string
	SessionName  string
}

// RepoSetupType discriminates the repo setup union
type RepoSetupType string

const (
	// RepoSetupExisting clones a repository the user already has
	RepoSetupExisting RepoSetupType = "existing"
	// RepoSetupNew scaffolds a template and pushes it to a fresh repository
	RepoSetupNew RepoSetupType = "new"
)

// RepoSetup describes how the pod's workspace gets its code. The type tag
// decides the variant: new requires a template to scaffold from, existing
// forbids one.
type RepoSetup struct {
	Type       RepoSetupType
	Repository string
	KeyPair    *SSHKeyPair
	DeployKey  string
}

// Validate enforces the union rules against the config the setup rides with
func (r *RepoSetup) Validate(cfg Config) error {
	switch r.Type {
	case RepoSetupNew:
		if cfg.Template == "" {
			return invalidf("new-repo setup requires a template")
		}
		if r.Repository == "" {
			return invalidf("new-repo setup requires a repository")
		}
	case RepoSetupExisting:
		if cfg.Template != "" {
			return invalidf("existing-repo setup cannot use a template")
		}
	default:
		return invalidf("repo setup type must be %q or %q, got %q", RepoSetupExisting, RepoSetupNew, r.Type)
	}
	return nil
}

// IsExisting reports whether the setup clones a pre-existing repository.
// A pod with no repo setup at all is treated like an existing workspace:
// install failures are logged, never fatal.
func (r *RepoSetup) IsExisting() bool {
	return r == nil || r.Type == RepoSetupExisting
}

// SSHKeyPair is an ed25519 deploy key generated per pod. The private key is
// written into the pod only; it must never reach a command log unmasked.
type SSHKeyPair struct {
	PublicKey   string
	PrivateKey  string
	Fingerprint string
}

// ContainerName is the authoritative container name for a pod; the pod id is
// recoverable from it.
func ContainerName(podID string) string {
	return fmt.Sprintf("pinacle-pod-%s", podID)
}

// NetworkName is the pod's bridge network name
func NetworkName(podID string) string {
	return fmt.Sprintf("pinacle-net-%s", podID)
}

// VolumeName names one universal volume for a pod
func VolumeName(podID, role string) string {
	return fmt.Sprintf("pinacle-vol-%s-%s", podID, role)
}

// VolumePrefix is the namespace all of a pod's volumes share
func VolumePrefix(podID string) string {
	return fmt.Sprintf("pinacle-vol-%s-", podID)
}

// SessionName names the multiplexer session for one user process
func SessionName(podID, processName string) string {
	return fmt.Sprintf("process-%s-%s", podID, processName)
}

// PublicURL derives the pod's published address
func PublicURL(slug, baseDomain string) string {
	return fmt.Sprintf("https://%s.%s", slug, baseDomain)
}

// ServiceURL derives the hostname-routed address of an internal port
func ServiceURL(slug, baseDomain string, internalPort int) string {
	return fmt.Sprintf("https://localhost-%d-pod-%s.%s", internalPort, slug, baseDomain)
}
