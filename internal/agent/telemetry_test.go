package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inapi/internal/protocol"
)

const cpuinfo = `processor	: 0
vendor_id	: GenuineIntel
cpu family	: 6
model name	: Intel(R) Xeon(R) CPU E5-2680 v4 @ 2.40GHz
cpu cores	: 14
flags		: fpu vme de

processor	: 1
vendor_id	: OtherVendor
model name	: ignored
cpu cores	: 99
`

func TestParseCPUInfo(t *testing.T) {
	got := parseCPUInfo(strings.NewReader(cpuinfo))
	assert.Equal(t, cpuInfo{
		vendor: "GenuineIntel",
		brand:  "Intel(R) Xeon(R) CPU E5-2680 v4 @ 2.40GHz",
		cores:  14,
	}, got)
}

func TestParseCPUInfo_ARM(t *testing.T) {
	// arm64 kernels report neither vendor_id nor model name
	got := parseCPUInfo(strings.NewReader("processor\t: 0\nBogoMIPS\t: 50.00\n\nprocessor\t: 1\n"))
	assert.Equal(t, cpuInfo{}, got)
}

func TestParseMounts(t *testing.T) {
	const mounts = `sysfs /sys sysfs rw,nosuid 0 0
/dev/sda1 / ext4 rw,relatime 0 0
/dev/sdb1 /mnt/backup\040disk xfs rw 0 0
tmpfs /run tmpfs rw 0 0
/dev/sdc1 /run xfs rw 0 0
garbage
`
	got := parseMounts(strings.NewReader(mounts))
	want := []protocol.FsMount{
		{Filesystem: "sysfs", Mountpoint: "/sys", Type: "sysfs"},
		{Filesystem: "/dev/sda1", Mountpoint: "/", Type: "ext4"},
		{Filesystem: "/dev/sdb1", Mountpoint: "/mnt/backup disk", Type: "xfs"},
		{Filesystem: "/dev/sdc1", Mountpoint: "/run", Type: "xfs"},
	}
	assert.Equal(t, want, got)
}

func TestUnescapeMount(t *testing.T) {
	tests := map[string]string{
		"/plain":        "/plain",
		`/a\040b`:       "/a b",
		`/tab\011here`:  "/tab\there",
		`/trailing\04`:  `/trailing\04`,
		`/not\xyzoctal`: `/not\xyzoctal`,
		`\134backslash`: `\backslash`,
	}
	for in, want := range tests {
		assert.Equal(t, want, unescapeMount(in), in)
	}
}

func TestReadInterfaces(t *testing.T) {
	ifaces, err := readInterfaces()
	require.NoError(t, err)
	require.NotEmpty(t, ifaces)

	var loopback bool
	for _, n := range ifaces {
		assert.NotEmpty(t, n.Name)
		for _, a := range n.Addrs {
			if strings.HasPrefix(a, "127.0.0.1/") || a == "::1/128" {
				loopback = true
			}
		}
	}
	assert.True(t, loopback, "no loopback address among %v", ifaces)
}
