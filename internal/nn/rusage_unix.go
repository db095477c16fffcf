//go:build unix

package nn

import "golang.org/x/sys/unix"

// cpuSnapshot is a point-in-time process cpu reading.
type cpuSnapshot struct {
	usrMicros uint64
	sysMicros uint64
}

func cpuNow() cpuSnapshot {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return cpuSnapshot{}
	}
	return cpuSnapshot{
		usrMicros: uint64(ru.Utime.Sec)*1e6 + uint64(ru.Utime.Usec),
		sysMicros: uint64(ru.Stime.Sec)*1e6 + uint64(ru.Stime.Usec),
	}
}

func usageDelta(tag string, from, to cpuSnapshot) Phase {
	p := Phase{Tag: tag}
	if to.usrMicros > from.usrMicros {
		p.UsrMicros = to.usrMicros - from.usrMicros
	}
	if to.sysMicros > from.sysMicros {
		p.SysMicros = to.sysMicros - from.sysMicros
	}
	return p
}
