package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"inapi/internal/protocol"
)

func TestFromWire(t *testing.T) {
	got := fromWire(&protocol.Telemetry{
		Hostname:    "web1",
		OS:          "linux",
		Arch:        "amd64",
		Kernel:      "6.1.0",
		CPUs:        8,
		CPUCores:    4,
		CPUVendor:   "AuthenticAMD",
		CPUBrand:    "AMD EPYC 7B13",
		MemoryTotal: 16 << 30,
		Uptime:      3600,
		Agent:       "0.4.0",
		Mounts: []protocol.FsMount{
			{Filesystem: "/dev/vda1", Mountpoint: "/", Type: "ext4", Size: 100, Used: 40, Available: 60},
		},
		Interfaces: []protocol.Netif{
			{Name: "eth0", MAC: "52:54:00:12:34:56", Up: true, MTU: 1500, Addrs: []string{"10.0.0.5/24"}},
		},
	})

	assert.Equal(t, CPU{Vendor: "AuthenticAMD", Brand: "AMD EPYC 7B13", Cores: 4}, got.CPU)
	assert.Equal(t, 8, got.CPUs)
	assert.Equal(t, time.Hour, got.Uptime)
	assert.Equal(t, &Mount{Filesystem: "/dev/vda1", Mountpoint: "/", Type: "ext4", Size: 100, Used: 40, Available: 60}, got.Mount("/"))
	assert.Nil(t, got.Mount("/srv"))
	assert.Equal(t, []Interface{{Name: "eth0", MAC: "52:54:00:12:34:56", Up: true, MTU: 1500, Addrs: []string{"10.0.0.5/24"}}}, got.Interfaces)
}

func TestFromWire_Empty(t *testing.T) {
	got := fromWire(&protocol.Telemetry{Hostname: "mac1", OS: "darwin"})
	assert.Empty(t, got.Mounts)
	assert.Empty(t, got.Interfaces)
	assert.Equal(t, CPU{}, got.CPU)
}
