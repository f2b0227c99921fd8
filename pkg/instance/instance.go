package instance

import (
	"fmt"
	"os"
)

const envWorkerID = "PRICESTORE_WORKER_ID"

// GetID identifies this process in logs and lock values: the configured
// worker id, else host and pid.
func GetID() string {
	if id := os.Getenv(envWorkerID); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
