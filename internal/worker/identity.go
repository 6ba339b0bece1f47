package worker

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"
)

const nonceSize = 4

// NewWorkerID builds a lease owner identity unique across hosts, processes,
// and restarts: <hostname>-<pid>-<nonce>. A restarted process must never
// inherit its predecessor's leases, hence the random nonce.
func NewWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), nonce())
}

func nonce() string {
	bytes := make([]byte, nonceSize)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback: timestamp-based entropy
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}

	return hex.EncodeToString(bytes)
}
