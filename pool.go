package diagcache

import (
	"runtime"
)

// Worker sizing constants.
const (
	// MinWorkers ensures at least one render runs at a time.
	MinWorkers = 1

	// MaxWorkers caps concurrent renders; each one may start a browser or
	// a heavyweight subprocess.
	MaxWorkers = 8

	// cpuDivisor leaves headroom for renderer child processes.
	cpuDivisor = 2
)

// ResolveWorkers determines how many renders may run concurrently.
// Priority: explicit workers > GOMAXPROCS-based calculation.
func ResolveWorkers(workers int) int {
	if workers > 0 {
		return workers
	}

	// GOMAXPROCS is adjusted for container limits by automaxprocs in the CLI.
	n := runtime.GOMAXPROCS(0) / cpuDivisor

	if n < MinWorkers {
		return MinWorkers
	}
	if n > MaxWorkers {
		return MaxWorkers
	}
	return n
}
