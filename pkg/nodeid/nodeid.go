// Package nodeid derives a stable identifier for this process's host,
// used to tag logs and dead-letter rows in multi-node deployments.
package nodeid

import (
	"os"

	"github.com/denisbrodbeck/machineid"
)

const appKey = "broker-core"

// ID returns a stable, privacy-preserving machine identifier. Falls back to
// the hostname when the machine ID is unavailable (e.g. minimal containers).
func ID() string {
	id, err := machineid.ProtectedID(appKey)
	if err == nil && id != "" {
		return id[:12]
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}
