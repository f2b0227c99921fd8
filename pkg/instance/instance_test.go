package instance

import (
	"strconv"
	"strings"
	"testing"
)

func TestGetIDPrefersConfiguredValue(t *testing.T) {
	t.Setenv(envWorkerID, "cron-a")
	if got := GetID(); got != "cron-a" {
		t.Fatalf("expected cron-a, got %q", got)
	}
}

func TestGetIDFallsBackToHostAndPid(t *testing.T) {
	t.Setenv(envWorkerID, "")
	id := GetID()
	i := strings.LastIndex(id, "-")
	if i <= 0 {
		t.Fatalf("unexpected id %q", id)
	}
	if _, err := strconv.Atoi(id[i+1:]); err != nil {
		t.Fatalf("expected pid suffix in %q", id)
	}
}
