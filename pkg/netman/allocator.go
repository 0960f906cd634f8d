// Package netman manages per-pod bridge networks on a host: subnet and
// external port allocation, network lifecycle and policy application. All
// state is bound to one host; nothing here is process-global.
package netman

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/remote"
	"github.com/pinacle-sh/pinacle/pkg/utils"
)

var (
	// ErrSubnetExhausted means every pod subnet on the host is taken
	ErrSubnetExhausted = errors.New("no free pod subnet on host")
	// ErrPortExhausted means the external port range on the host is taken
	ErrPortExhausted = errors.New("no free external port on host")
)

const (
	subnetOctetMin = 100
	subnetOctetMax = 254

	portRangeMin = 30000
	portRangeMax = 40000
)

// NetworkAddresses are the host-unique addresses bound to one pod network
type NetworkAddresses struct {
	Subnet    string
	PodIP     string
	GatewayIP string
}

// SubnetAllocator hands out per-pod /24 subnets on one host. There is no
// reservation state to lose: the host's actual bridge list is consulted on
// every allocation, so a restarted process sees the same picture.
type SubnetAllocator struct {
	Log    *logrus.Entry
	Config *config.AppConfig

	runner remote.Runner
}

// NewSubnetAllocator creates a subnet allocator bound to one host
func NewSubnetAllocator(log *logrus.Entry, config *config.AppConfig, runner remote.Runner) *SubnetAllocator {
	return &SubnetAllocator{Log: log, Config: config, runner: runner}
}

// Allocate picks the pod's subnet: a deterministic starting octet hashed from
// the pod id, scanning forward modulo the range until a subnet no existing
// bridge holds. The pod gets .2, the gateway .1.
func (a *SubnetAllocator) Allocate(ctx context.Context, podID string) (NetworkAddresses, error) {
	existing, err := a.existingBridgeSubnets(ctx)
	if err != nil {
		return NetworkAddresses{}, err
	}

	span := subnetOctetMax - subnetOctetMin + 1
	start := subnetOffset(podID)
	for i := 0; i < span; i++ {
		octet := subnetOctetMin + (start-subnetOctetMin+i)%span
		subnet := fmt.Sprintf("10.%d.1.0/24", octet)
		if existing[subnet] {
			continue
		}
		return NetworkAddresses{
			Subnet:    subnet,
			PodIP:     fmt.Sprintf("10.%d.1.2", octet),
			GatewayIP: fmt.Sprintf("10.%d.1.1", octet),
		}, nil
	}
	return NetworkAddresses{}, ErrSubnetExhausted
}

// subnetOffset maps a pod id onto a starting octet in [100, 254]. FNV-1a so
// the same pod lands on the same subnet across retries when it is free.
func subnetOffset(podID string) int {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(podID))
	return subnetOctetMin + int(hash.Sum32()%uint32(subnetOctetMax-subnetOctetMin+1))
}

func (a *SubnetAllocator) existingBridgeSubnets(ctx context.Context) (map[string]bool, error) {
	binary := a.Config.UserConfig.Engine.Binary
	output, err := a.runner.Exec(ctx, fmt.Sprintf("%s network ls --filter driver=bridge -q", binary), remote.ExecOpts{})
	if err != nil {
		return nil, err
	}

	subnets := map[string]bool{}
	ids := utils.SplitLines(output)
	if len(ids) == 0 {
		return subnets, nil
	}

	command := fmt.Sprintf("%s network inspect --format '{{range .IPAM.Config}}{{println .Subnet}}{{end}}' %s", binary, strings.Join(ids, " "))
	output, err = a.runner.Exec(ctx, command, remote.ExecOpts{})
	if err != nil {
		return nil, err
	}
	for _, line := range utils.SplitLines(output) {
		if subnet := strings.TrimSpace(line); subnet != "" {
			subnets[subnet] = true
		}
	}
	return subnets, nil
}

// PortAllocator hands out external ports on one host. Reservations are held
// in memory per pod; the host's actually bound ports are consulted on every
// allocation so a granted port is never one something already listens on.
type PortAllocator struct {
	Log    *logrus.Entry
	Config *config.AppConfig

	runner remote.Runner

	mutex    sync.Mutex
	reserved map[string]map[int]bool
}

// NewPortAllocator creates a port allocator bound to one host
func NewPortAllocator(log *logrus.Entry, config *config.AppConfig, runner remote.Runner) *PortAllocator {
	return &PortAllocator{
		Log:      log,
		Config:   config,
		runner:   runner,
		reserved: map[string]map[int]bool{},
	}
}

// Allocate returns the first port in [30000, 40000] that is neither reserved
// by any pod on this host nor bound on the host itself
func (p *PortAllocator) Allocate(ctx context.Context, podID string, serviceName string) (int, error) {
	bound, err := p.boundPorts(ctx)
	if err != nil {
		return 0, err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for port := portRangeMin; port <= portRangeMax; port++ {
		if bound[port] || p.isReserved(port) {
			continue
		}
		if p.reserved[podID] == nil {
			p.reserved[podID] = map[int]bool{}
		}
		p.reserved[podID][port] = true
		p.Log.Info(fmt.Sprintf("pod %s: reserved port %d for %s", podID, port, serviceName))
		return port, nil
	}
	return 0, ErrPortExhausted
}

// Reserve marks a port as held by a pod without scanning, for re-seeding
// reservations from the store after a restart
func (p *PortAllocator) Reserve(podID string, port int) {
	if port < portRangeMin || port > portRangeMax {
		return
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.reserved[podID] == nil {
		p.reserved[podID] = map[int]bool{}
	}
	p.reserved[podID][port] = true
}

// Release frees one port. Releasing a port that was never reserved is a
// no-op.
func (p *PortAllocator) Release(podID string, port int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	delete(p.reserved[podID], port)
	if len(p.reserved[podID]) == 0 {
		delete(p.reserved, podID)
	}
}

// ReleaseAll frees every port the pod holds
func (p *PortAllocator) ReleaseAll(podID string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	delete(p.reserved, podID)
}

func (p *PortAllocator) isReserved(port int) bool {
	for _, ports := range p.reserved {
		if ports[port] {
			return true
		}
	}
	return false
}

func (p *PortAllocator) boundPorts(ctx context.Context) (map[int]bool, error) {
	output, err := p.runner.Exec(ctx, "netstat -tuln", remote.ExecOpts{})
	if err != nil {
		return nil, err
	}
	return parseBoundPorts(output), nil
}

// parseBoundPorts reads `netstat -tuln` listener lines, tolerating both the
// ipv4 and ipv6 local address forms
func parseBoundPorts(output string) map[int]bool {
	bound := map[int]bool{}
	for _, line := range utils.SplitLines(output) {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		if !strings.HasPrefix(fields[0], "tcp") && !strings.HasPrefix(fields[0], "udp") {
			continue
		}
		local := fields[3]
		index := strings.LastIndex(local, ":")
		if index < 0 {
			continue
		}
		if port, err := strconv.Atoi(local[index+1:]); err == nil {
			bound[port] = true
		}
	}
	return bound
}
