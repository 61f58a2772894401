package agent

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"

	"inapi/internal/protocol"
)

func readHostFacts() (hostFacts, error) {
	var f hostFacts
	var errs []error

	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		errs = append(errs, err)
	} else {
		f.kernel = unix.ByteSliceToString(uts.Release[:])
	}

	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		errs = append(errs, err)
	} else {
		f.memory = uint64(si.Totalram) * uint64(si.Unit)
		f.uptime = int64(si.Uptime)
	}

	if cf, err := os.Open("/proc/cpuinfo"); err != nil {
		errs = append(errs, err)
	} else {
		f.cpu = parseCPUInfo(cf)
		cf.Close()
	}

	if mf, err := os.Open("/proc/mounts"); err != nil {
		errs = append(errs, err)
	} else {
		f.mounts = statMounts(parseMounts(mf))
		mf.Close()
	}
	return f, errors.Join(errs...)
}

// statMounts fills in sizes and drops pseudo filesystems, which report
// no blocks, and mounts that cannot be read.
func statMounts(mounts []protocol.FsMount) []protocol.FsMount {
	out := mounts[:0]
	for _, m := range mounts {
		var st unix.Statfs_t
		if err := unix.Statfs(m.Mountpoint, &st); err != nil || st.Blocks == 0 {
			continue
		}
		bs := uint64(st.Bsize)
		m.Size = st.Blocks * bs
		m.Used = (st.Blocks - st.Bfree) * bs
		m.Available = st.Bavail * bs
		out = append(out, m)
	}
	return out
}
