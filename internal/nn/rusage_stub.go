//go:build !unix

package nn

// cpuSnapshot is a point-in-time process cpu reading. Platforms without
// getrusage report zero usage.
type cpuSnapshot struct{}

func cpuNow() cpuSnapshot { return cpuSnapshot{} }

func usageDelta(tag string, from, to cpuSnapshot) Phase {
	return Phase{Tag: tag}
}
