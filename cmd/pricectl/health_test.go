package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/clevi/pricestore/pkg/config"
	pkgerrors "github.com/clevi/pricestore/pkg/errors"
	"github.com/clevi/pricestore/pkg/logger"
)

func TestRunChecksPingsEveryDependency(t *testing.T) {
	var calls []string
	checks := []healthCheck{
		{name: "mongo", ping: func(ctx context.Context) (string, error) {
			calls = append(calls, "mongo")
			if _, ok := ctx.Deadline(); !ok {
				t.Fatal("expected a deadline on the check context")
			}
			return "prices", errors.New("no reachable servers")
		}},
		{name: "redis", ping: func(context.Context) (string, error) {
			calls = append(calls, "redis")
			return "", nil
		}},
	}

	var buf bytes.Buffer
	err := runChecks(context.Background(), &buf, time.Second, checks)
	if len(calls) != 2 {
		t.Fatalf("expected both checks to run, got %v", calls)
	}
	if !pkgerrors.Is(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if !strings.Contains(err.Error(), "1 of 2 dependencies unhealthy") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	if !strings.HasPrefix(lines[0], "mongo\tprices\t") || !strings.HasSuffix(lines[0], "error: no reachable servers") {
		t.Fatalf("unexpected mongo line %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "\tok") {
		t.Fatalf("unexpected redis line %q", lines[1])
	}
}

func TestRunChecksHealthy(t *testing.T) {
	var buf bytes.Buffer
	checks := []healthCheck{{name: "mongo", ping: func(context.Context) (string, error) { return "prices", nil }}}
	if err := runChecks(context.Background(), &buf, 0, checks); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDependencyChecksFollowConfiguration(t *testing.T) {
	names := func(cfg *config.Config) []string {
		var out []string
		for _, c := range dependencyChecks(cfg, logger.Nop()) {
			out = append(out, c.name)
		}
		return out
	}

	if got := names(&config.Config{}); len(got) != 1 || got[0] != "mongo" {
		t.Fatalf("expected only mongo, got %v", got)
	}

	cfg := &config.Config{}
	cfg.Redis.Address = "localhost:6379"
	cfg.GCS.BucketName = "prices"
	cfg.BigQuery.Dataset = "archive"
	cfg.PubSub.DeepScrapeTopic = "deep-scrape"
	got := strings.Join(names(cfg), ",")
	if got != "mongo,redis,gcs,bigquery,pubsub" {
		t.Fatalf("unexpected checks %s", got)
	}
}
