package config

import (
	"os"
	"strconv"
	"strings"
)

// memoryLimitBytes returns the container memory limit in bytes from the
// cgroup filesystem, trying cgroup v2 before falling back to v1. Returns
// 0 when no limit is detected (bare metal, VM, unconstrained container).
func memoryLimitBytes() int64 {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			if v, err := strconv.ParseInt(limitStr, 10, 64); err == nil {
				return v
			}
		}
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil {
			return v
		}
	}
	return 0
}

// defaultMaxConnections derives a safe MaxConnections default from the
// container's memory allocation when the operator hasn't pinned one
// explicitly. Budgets ~180KB of steady-state overhead per connection
// (outbound queue, subscription set, rate-limit bucket) and reserves
// 128MB for runtime/runtime-dependency overhead.
func defaultMaxConnections() int {
	limit := memoryLimitBytes()
	if limit == 0 {
		return 10000
	}

	const runtimeOverheadBytes = 128 * 1024 * 1024
	const bytesPerConnection = 180 * 1024

	available := limit - runtimeOverheadBytes
	if available < 0 {
		available = limit / 2
	}

	max := int(available / bytesPerConnection)
	if max < 100 {
		max = 100
	}
	if max > 50000 {
		max = 50000
	}
	return max
}
