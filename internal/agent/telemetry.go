package agent

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"

	"inapi/internal/protocol"
)

// hostFacts are the platform-specific parts of a telemetry snapshot.
type hostFacts struct {
	kernel string
	memory uint64
	uptime int64
	cpu    cpuInfo
	mounts []protocol.FsMount
}

type cpuInfo struct {
	vendor string
	brand  string
	cores  uint32
}

func handleTelemetry(_ context.Context, a *Agent, _ *request) (body, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	facts, err := readHostFacts()
	if err != nil {
		a.logger.Verbose("telemetry: %v", err)
	}
	ifaces, err := readInterfaces()
	if err != nil {
		a.logger.Verbose("telemetry: interfaces: %v", err)
	}
	return &protocol.Telemetry{
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		Kernel:      facts.kernel,
		CPUs:        uint32(runtime.NumCPU()),
		CPUCores:    facts.cpu.cores,
		CPUVendor:   facts.cpu.vendor,
		CPUBrand:    facts.cpu.brand,
		MemoryTotal: facts.memory,
		Uptime:      facts.uptime,
		Agent:       Version,
		Mounts:      facts.mounts,
		Interfaces:  ifaces,
	}, nil
}

func readInterfaces() ([]protocol.Netif, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Netif, 0, len(ifs))
	for _, ifc := range ifs {
		n := protocol.Netif{
			Name: ifc.Name,
			MAC:  ifc.HardwareAddr.String(),
			Up:   ifc.Flags&net.FlagUp != 0,
			MTU:  uint32(ifc.MTU),
		}
		if addrs, err := ifc.Addrs(); err == nil {
			for _, a := range addrs {
				n.Addrs = append(n.Addrs, a.String())
			}
		}
		out = append(out, n)
	}
	return out, nil
}

// ── /proc parsing ────────────────────────────────────────────────────

// parseCPUInfo reads the first processor block of /proc/cpuinfo.
func parseCPUInfo(r io.Reader) cpuInfo {
	var c cpuInfo
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" && c.vendor != "" {
			break // end of the first processor
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		switch key {
		case "vendor_id":
			c.vendor = val
		case "model name":
			c.brand = val
		case "cpu cores":
			if n, err := strconv.ParseUint(val, 10, 32); err == nil {
				c.cores = uint32(n)
			}
		}
	}
	return c
}

// parseMounts reads /proc/mounts.  Later mounts on the same mountpoint
// hide earlier ones, so the last entry wins.  Sizes are left zero.
func parseMounts(r io.Reader) []protocol.FsMount {
	var out []protocol.FsMount
	seen := make(map[string]int)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		m := protocol.FsMount{
			Filesystem: unescapeMount(fields[0]),
			Mountpoint: unescapeMount(fields[1]),
			Type:       fields[2],
		}
		if i, ok := seen[m.Mountpoint]; ok {
			out[i] = m
			continue
		}
		seen[m.Mountpoint] = len(out)
		out = append(out, m)
	}
	return out
}

// unescapeMount decodes the octal escapes (\040 for space) the kernel
// writes into /proc/mounts.
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
