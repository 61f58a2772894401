//go:build unix && !linux

package agent

import "golang.org/x/sys/unix"

func readHostFacts() (hostFacts, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return hostFacts{}, err
	}
	return hostFacts{kernel: unix.ByteSliceToString(uts.Release[:])}, nil
}
