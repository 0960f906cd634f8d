package netman

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/remote"
	"github.com/pinacle-sh/pinacle/pkg/spec"
)

// Manager owns the network side of pods on one host: the per-pod bridge, the
// pod's single external port and the host-level policy rules
type Manager struct {
	Log    *logrus.Entry
	Config *config.AppConfig

	runner  remote.Runner
	subnets *SubnetAllocator
	ports   *PortAllocator
}

// NewManager creates a network manager bound to one host
func NewManager(log *logrus.Entry, config *config.AppConfig, runner remote.Runner) *Manager {
	return &Manager{
		Log:     log,
		Config:  config,
		runner:  runner,
		subnets: NewSubnetAllocator(log, config, runner),
		ports:   NewPortAllocator(log, config, runner),
	}
}

func (m *Manager) binary() string {
	return m.Config.UserConfig.Engine.Binary
}

// bridgeInterfaceName truncates the pod id so the interface name fits the
// kernel's 15 byte limit
func bridgeInterfaceName(podID string) string {
	if len(podID) > 12 {
		podID = podID[:12]
	}
	return "br-" + podID
}

// CreatePodNetwork allocates a subnet and brings up the pod's bridge. Any
// existing network with the same name is destroyed first so a retried
// provision starts clean.
func (m *Manager) CreatePodNetwork(ctx context.Context, podID string) (NetworkAddresses, error) {
	if err := m.removeNetwork(ctx, podID); err != nil {
		return NetworkAddresses{}, err
	}

	addresses, err := m.subnets.Allocate(ctx, podID)
	if err != nil {
		return NetworkAddresses{}, err
	}

	command := fmt.Sprintf(
		"%s network create --driver bridge --subnet %s --gateway %s --opt com.docker.network.bridge.name=%s %s",
		m.binary(), addresses.Subnet, addresses.GatewayIP, bridgeInterfaceName(podID), spec.NetworkName(podID),
	)
	if _, err := m.runner.Exec(ctx, command, remote.ExecOpts{PodID: podID, Label: "network.create"}); err != nil {
		return NetworkAddresses{}, err
	}
	return addresses, nil
}

// ConnectContainer attaches the container to the pod's bridge at its fixed
// address. This happens after create and before start, so services come up
// already bound to the right interface.
func (m *Manager) ConnectContainer(ctx context.Context, podID string, containerID string, podIP string) error {
	command := fmt.Sprintf("%s network connect --ip %s %s %s", m.binary(), podIP, spec.NetworkName(podID), containerID)
	_, err := m.runner.Exec(ctx, command, remote.ExecOpts{PodID: podID, Label: "network.connect"})
	return err
}

// DestroyPodNetwork tears down the bridge, drops the pod's firewall rules
// and releases every port the pod held. Safe to call for a pod that never
// finished provisioning; pass the subnet as "" when none was bound.
func (m *Manager) DestroyPodNetwork(ctx context.Context, podID string, subnet string) error {
	if subnet != "" {
		m.dropFirewallRule(ctx, podID, fmt.Sprintf("FORWARD -s %s -j DROP", subnet))
	}

	if err := m.removeNetwork(ctx, podID); err != nil {
		return err
	}
	m.ports.ReleaseAll(podID)
	return nil
}

func (m *Manager) removeNetwork(ctx context.Context, podID string) error {
	command := fmt.Sprintf("%s network rm %s", m.binary(), spec.NetworkName(podID))
	if _, err := m.runner.Exec(ctx, command, remote.ExecOpts{PodID: podID, Label: "network.remove"}); err != nil && !remote.IsNotFound(err) {
		return err
	}
	return nil
}

// ReserveProxyPort allocates the pod's single external port and binds the
// proxy mapping into the pod spec's port list. Every other port stays internal;
// external traffic enters here and is routed by hostname inside the pod.
func (m *Manager) ReserveProxyPort(ctx context.Context, podSpec *spec.PodSpec) (int, error) {
	external, err := m.ports.Allocate(ctx, podSpec.ID, spec.ProxyServiceID)
	if err != nil {
		return 0, err
	}

	for i := range podSpec.Network.Ports {
		if podSpec.Network.Ports[i].Name == spec.ProxyServiceID {
			podSpec.Network.Ports[i].Internal = spec.ProxyInternalPort
			podSpec.Network.Ports[i].External = external
			return external, nil
		}
	}

	podSpec.Network.Ports = append(podSpec.Network.Ports, spec.PortMapping{
		Name:     spec.ProxyServiceID,
		Internal: spec.ProxyInternalPort,
		External: external,
		Protocol: "tcp",
	})
	return external, nil
}

// ReservePort re-seeds a reservation recorded in the store, for resuming
// pods after a process restart
func (m *Manager) ReservePort(podID string, port int) {
	m.ports.Reserve(podID, port)
}

// ReleasePort frees a single port, idempotently
func (m *Manager) ReleasePort(podID string, port int) {
	m.ports.Release(podID, port)
}

// ApplyPolicies translates the pod's network policy onto host firewall and
// traffic-control rules. Hosts differ in what they support, so failures here
// degrade to warnings; bridge isolation and the single published port hold
// regardless. Ingress needs no rule of its own because the engine publishes
// nothing beyond the proxy port.
func (m *Manager) ApplyPolicies(ctx context.Context, podSpec *spec.PodSpec) {
	podID := podSpec.ID
	network := podSpec.Network

	if network.Subnet == "" {
		m.Log.Warn(fmt.Sprintf("pod %s: no subnet bound, skipping network policies", podID))
		return
	}

	if !network.AllowEgress {
		m.ensureFirewallRule(ctx, podID, "egress", fmt.Sprintf("FORWARD -s %s -j DROP", network.Subnet))
	} else if len(network.AllowedDomains) > 0 {
		m.Log.Warn(fmt.Sprintf("pod %s: allowed-domain egress filtering is not enforced at the host layer", podID))
	}

	if network.BandwidthLimitMbps > 0 {
		m.applyTrafficShaping(ctx, podID, network.BandwidthLimitMbps)
	}
}

// ensureFirewallRule appends an iptables rule unless it is already present.
// The check and the append stay separate commands so sudo covers each whole
// invocation.
func (m *Manager) ensureFirewallRule(ctx context.Context, podID string, policy string, rule string) {
	if _, err := m.runner.Exec(ctx, "iptables -C "+rule, remote.ExecOpts{Sudo: true}); err == nil {
		return
	}

	opts := remote.ExecOpts{Sudo: true, PodID: podID, Label: "network.policy." + policy}
	if _, err := m.runner.Exec(ctx, "iptables -A "+rule, opts); err != nil {
		m.Log.Warn(fmt.Sprintf("pod %s: %s policy not applied: %v", podID, policy, err))
	}
}

func (m *Manager) dropFirewallRule(ctx context.Context, podID string, rule string) {
	opts := remote.ExecOpts{Sudo: true, PodID: podID, Label: "network.policy.clear"}
	if _, err := m.runner.Exec(ctx, "iptables -D "+rule, opts); err != nil {
		m.Log.Warn(fmt.Sprintf("pod %s: firewall rule not removed: %v", podID, err))
	}
}

func (m *Manager) applyTrafficShaping(ctx context.Context, podID string, mbps int) {
	device := bridgeInterfaceName(podID)
	command := fmt.Sprintf("tc qdisc replace dev %s root tbf rate %dmbit burst 32kbit latency 400ms", device, mbps)
	opts := remote.ExecOpts{Sudo: true, PodID: podID, Label: "network.policy.bandwidth"}
	if _, err := m.runner.Exec(ctx, command, opts); err != nil {
		m.Log.Warn(fmt.Sprintf("pod %s: bandwidth limit not applied on %s: %v", podID, device, err))
	}
}
