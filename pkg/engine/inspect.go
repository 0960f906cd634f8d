package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pinacle-sh/pinacle/pkg/spec"
)

// inspect JSON shapes, limited to the fields we read

type inspectState struct {
	Status     string `json:"Status"`
	StartedAt  string `json:"StartedAt"`
	FinishedAt string `json:"FinishedAt"`
}

type inspectPortBinding struct {
	HostIP   string `json:"HostIp"`
	HostPort string `json:"HostPort"`
}

type inspectNetwork struct {
	IPAddress string `json:"IPAddress"`
	Gateway   string `json:"Gateway"`
}

type inspectNetworkSettings struct {
	Ports    map[string][]inspectPortBinding `json:"Ports"`
	Networks map[string]inspectNetwork       `json:"Networks"`
}

type inspectContainer struct {
	ID              string                 `json:"Id"`
	Name            string                 `json:"Name"`
	Created         string                 `json:"Created"`
	State           inspectState           `json:"State"`
	NetworkSettings inspectNetworkSettings `json:"NetworkSettings"`
}

func parseInspectOutput(output string) (*inspectContainer, error) {
	containers := []inspectContainer{}
	if err := json.Unmarshal([]byte(output), &containers); err != nil {
		return nil, fmt.Errorf("failed to parse container inspect JSON: %w", err)
	}
	if len(containers) == 0 {
		return nil, nil
	}
	return &containers[0], nil
}

func (c *inspectContainer) toContainerInfo() *ContainerInfo {
	name := strings.TrimPrefix(c.Name, "/")
	podID := PodIDFromContainerName(name)

	info := &ContainerInfo{
		ID:         c.ID,
		Name:       name,
		Status:     statusFromEngine(c.State.Status),
		PodID:      podID,
		InternalIP: c.internalIP(podID),
		Ports:      c.portMappings(),
		CreatedAt:  parseEngineTime(c.Created),
		StartedAt:  parseEngineTime(c.State.StartedAt),
		StoppedAt:  parseEngineTime(c.State.FinishedAt),
	}
	return info
}

// internalIP prefers the address on the pod's own network and falls back to
// the first network carrying one
func (c *inspectContainer) internalIP(podID string) string {
	if podID != "" {
		if network, ok := c.NetworkSettings.Networks[spec.NetworkName(podID)]; ok && network.IPAddress != "" {
			return network.IPAddress
		}
	}

	names := make([]string, 0, len(c.NetworkSettings.Networks))
	for name := range c.NetworkSettings.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if ip := c.NetworkSettings.Networks[name].IPAddress; ip != "" {
			return ip
		}
	}
	return ""
}

// portMappings converts the engine's "80/tcp" binding map into the canonical
// shape. The proxy port keeps its well-known name.
func (c *inspectContainer) portMappings() []spec.PortMapping {
	keys := make([]string, 0, len(c.NetworkSettings.Ports))
	for key := range c.NetworkSettings.Ports {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	mappings := []spec.PortMapping{}
	for _, key := range keys {
		internal, protocol := splitPortKey(key)
		if internal == 0 {
			continue
		}

		mapping := spec.PortMapping{
			Name:     fmt.Sprintf("port-%d", internal),
			Internal: internal,
			Protocol: protocol,
		}
		if internal == spec.ProxyInternalPort {
			mapping.Name = spec.ProxyServiceID
		}
		for _, binding := range c.NetworkSettings.Ports[key] {
			if external, err := strconv.Atoi(binding.HostPort); err == nil && external != 0 {
				mapping.External = external
				break
			}
		}
		mappings = append(mappings, mapping)
	}
	return mappings
}

func splitPortKey(key string) (int, string) {
	parts := strings.SplitN(key, "/", 2)
	internal, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, ""
	}
	protocol := "tcp"
	if len(parts) == 2 && parts[1] != "" {
		protocol = parts[1]
	}
	return internal, protocol
}

func parseEngineTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	// the engine reports unset timestamps as the epoch of year 1
	if parsed.Year() <= 1 {
		return time.Time{}
	}
	return parsed
}
