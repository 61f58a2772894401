// Package telemetry reads basic facts about a host.
package telemetry

import (
	"context"
	"time"

	"inapi/internal/protocol"
	"inapi/internal/session"
)

// Telemetry is a snapshot of host facts.  Kernel, Memory, Uptime, the
// CPU details and Mounts are empty where the agent's platform does not
// report them.
type Telemetry struct {
	Hostname   string        `json:"hostname"`
	OS         string        `json:"os"`
	Arch       string        `json:"arch"`
	Kernel     string        `json:"kernel,omitempty"`
	CPU        CPU           `json:"cpu"`
	CPUs       int           `json:"cpus"`
	Memory     uint64        `json:"memory"` // bytes
	Uptime     time.Duration `json:"uptime"`
	Agent      string        `json:"agent"` // agent version
	Mounts     []Mount       `json:"mounts,omitempty"`
	Interfaces []Interface   `json:"interfaces,omitempty"`
}

// CPU describes the host's processor.
type CPU struct {
	Vendor string `json:"vendor,omitempty"`
	Brand  string `json:"brand,omitempty"`
	Cores  int    `json:"cores,omitempty"` // physical cores per package
}

// Mount is a mounted filesystem.  Sizes are in bytes.
type Mount struct {
	Filesystem string `json:"filesystem"`
	Mountpoint string `json:"mountpoint"`
	Type       string `json:"type"`
	Size       uint64 `json:"size"`
	Used       uint64 `json:"used"`
	Available  uint64 `json:"available"`
}

// Interface is a network interface with its addresses in CIDR form.
type Interface struct {
	Name  string   `json:"name"`
	MAC   string   `json:"mac,omitempty"`
	Up    bool     `json:"up"`
	MTU   int      `json:"mtu"`
	Addrs []string `json:"addrs,omitempty"`
}

// Mount returns the mount at path, or nil.
func (t *Telemetry) Mount(path string) *Mount {
	for i := range t.Mounts {
		if t.Mounts[i].Mountpoint == path {
			return &t.Mounts[i]
		}
	}
	return nil
}

// Get queries the agent.
func Get(ctx context.Context, ex session.Executor) (*Telemetry, error) {
	var t protocol.Telemetry
	if err := session.Call(ctx, ex, protocol.OpTelemetry, noArgs{}, &t, nil); err != nil {
		return nil, err
	}
	return fromWire(&t), nil
}

func fromWire(t *protocol.Telemetry) *Telemetry {
	out := &Telemetry{
		Hostname: t.Hostname,
		OS:       t.OS,
		Arch:     t.Arch,
		Kernel:   t.Kernel,
		CPU:      CPU{Vendor: t.CPUVendor, Brand: t.CPUBrand, Cores: int(t.CPUCores)},
		CPUs:     int(t.CPUs),
		Memory:   t.MemoryTotal,
		Uptime:   time.Duration(t.Uptime) * time.Second,
		Agent:    t.Agent,
	}
	for _, m := range t.Mounts {
		out.Mounts = append(out.Mounts, Mount(m))
	}
	for _, n := range t.Interfaces {
		out.Interfaces = append(out.Interfaces, Interface{
			Name: n.Name, MAC: n.MAC, Up: n.Up, MTU: int(n.MTU), Addrs: n.Addrs,
		})
	}
	return out
}

type noArgs struct{}

func (noArgs) Encode(*protocol.Writer) {}
