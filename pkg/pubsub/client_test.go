package pubsub

import (
	"context"
	"errors"
	"testing"

	"github.com/clevi/pricestore/pkg/config"
)

func TestTopicResourceName(t *testing.T) {
	cases := []struct {
		project, name, want string
	}{
		{"proj", "deep-scrape", "projects/proj/topics/deep-scrape"},
		{"proj", " deep-scrape ", "projects/proj/topics/deep-scrape"},
		{"proj", "projects/other/topics/x", "projects/other/topics/x"},
		{"", "deep-scrape", ""},
		{"proj", "  ", ""},
	}
	for _, tc := range cases {
		if got := topicResourceName(tc.project, tc.name); got != tc.want {
			t.Fatalf("topicResourceName(%q, %q) = %q, want %q", tc.project, tc.name, got, tc.want)
		}
	}
}

func TestTopicNames(t *testing.T) {
	if got := topicNames(config.PubSubConfig{}); len(got) != 0 {
		t.Fatalf("expected no topics, got %v", got)
	}
	got := topicNames(config.PubSubConfig{DeepScrapeTopic: " deep "})
	if len(got) != 1 || got[0] != "deep" {
		t.Fatalf("unexpected topics %v", got)
	}
}

func TestNewClientRequiresProject(t *testing.T) {
	_, err := NewClient(context.Background(), config.GCPConfig{}, config.PubSubConfig{DeepScrapeTopic: "t"}, nil)
	if !errors.Is(err, errProjectIDRequired) {
		t.Fatalf("expected project id error, got %v", err)
	}
}

func TestNilClient(t *testing.T) {
	var c *Client
	if c.Publisher("t") != nil {
		t.Fatal("expected nil publisher")
	}
	if _, err := c.Publish(context.Background(), "t", nil, nil); !errors.Is(err, errNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
