package cron

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/clevi/pricestore/internal/pricedb"
	"github.com/clevi/pricestore/pkg/logger"
)

type fakePendingSource struct {
	pending map[string][]pricedb.ScrapedProduct
	errs    map[string]error
	since   time.Time
}

func (f *fakePendingSource) ProductsPendingDeepScrape(_ context.Context, market string, since time.Time) ([]pricedb.ScrapedProduct, error) {
	f.since = since
	return f.pending[market], f.errs[market]
}

type publishedMessage struct {
	topic string
	body  DeepScrapeRequest
	attrs map[string]string
}

type fakePublisher struct {
	messages []publishedMessage
	failOn   string
}

func (f *fakePublisher) Publish(_ context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
	if attrs["product_id"] == f.failOn {
		return "", errors.New("publish failed")
	}
	var body DeepScrapeRequest
	if err := json.Unmarshal(data, &body); err != nil {
		return "", err
	}
	f.messages = append(f.messages, publishedMessage{topic: topic, body: body, attrs: attrs})
	return "id", nil
}

type fakeDispatches struct {
	marked  map[string]bool
	cleared []string
}

func (f *fakeDispatches) MarkDispatched(_ context.Context, market, productID string, _ time.Duration) (bool, error) {
	key := market + "/" + productID
	if f.marked[key] {
		return false, nil
	}
	f.marked[key] = true
	return true, nil
}

func (f *fakeDispatches) ClearDispatched(_ context.Context, market, productID string) error {
	key := market + "/" + productID
	delete(f.marked, key)
	f.cleared = append(f.cleared, key)
	return nil
}

func newDispatchJob(t *testing.T, params DeepScrapeDispatchJobParams) *deepScrapeDispatchJob {
	t.Helper()
	params.Logger = logger.Nop()
	if params.Topic == "" {
		params.Topic = "deep-scrape"
	}
	jobIface, err := NewDeepScrapeDispatchJob(params)
	if err != nil {
		t.Fatalf("NewDeepScrapeDispatchJob: %v", err)
	}
	job, ok := jobIface.(*deepScrapeDispatchJob)
	if !ok {
		t.Fatalf("expected deepScrapeDispatchJob, got %T", jobIface)
	}
	return job
}

func TestDeepScrapeDispatchPublishesPendingProducts(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	seen := now.Add(-time.Hour)
	source := &fakePendingSource{pending: map[string][]pricedb.ScrapedProduct{
		"lidl": {
			{ProductID: "lidl_1", LastUpdated: seen, ScrapeParameters: map[string]any{"uri": "/p/1"}},
			{ProductID: "lidl_2", LastUpdated: seen},
		},
		"pam": {{ProductID: "pam_9", LastUpdated: seen}},
	}}
	pub := &fakePublisher{}
	job := newDispatchJob(t, DeepScrapeDispatchJobParams{
		Source:    source,
		Publisher: pub,
		Markets:   []string{"lidl", "pam"},
		Lookback:  6 * time.Hour,
	})
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !source.since.Equal(now.Add(-6 * time.Hour)) {
		t.Fatalf("unexpected lookback start %s", source.since)
	}
	if len(pub.messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(pub.messages))
	}
	first := pub.messages[0]
	if first.topic != "deep-scrape" || first.attrs["market"] != "lidl" || first.attrs["product_id"] != "lidl_1" {
		t.Fatalf("unexpected first message %+v", first)
	}
	if first.body.ScrapeParameters["uri"] != "/p/1" || !first.body.LastSeen.Equal(seen) {
		t.Fatalf("unexpected body %+v", first.body)
	}
	if pub.messages[2].body.Market != "pam" {
		t.Fatalf("expected pam last, got %+v", pub.messages[2])
	}
}

func TestDeepScrapeDispatchSkipsRecentDispatchesAndRetriesFailures(t *testing.T) {
	source := &fakePendingSource{pending: map[string][]pricedb.ScrapedProduct{
		"lidl": {{ProductID: "lidl_1"}, {ProductID: "lidl_2"}, {ProductID: "lidl_3"}},
	}}
	pub := &fakePublisher{failOn: "lidl_3"}
	dispatches := &fakeDispatches{marked: map[string]bool{"lidl/lidl_2": true}}
	job := newDispatchJob(t, DeepScrapeDispatchJobParams{
		Source:     source,
		Publisher:  pub,
		Dispatches: dispatches,
		Markets:    []string{"lidl"},
	})

	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected publish failure to be reported")
	}
	if len(pub.messages) != 1 || pub.messages[0].attrs["product_id"] != "lidl_1" {
		t.Fatalf("unexpected messages %+v", pub.messages)
	}
	if len(dispatches.cleared) != 1 || dispatches.cleared[0] != "lidl/lidl_3" {
		t.Fatalf("expected failed dispatch to be cleared, got %v", dispatches.cleared)
	}
	if dispatches.marked["lidl/lidl_3"] {
		t.Fatal("failed product must be retried on the next run")
	}

	pub.failOn = ""
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(pub.messages) != 2 || pub.messages[1].attrs["product_id"] != "lidl_3" {
		t.Fatalf("expected only the retried product, got %+v", pub.messages)
	}
}

func TestDeepScrapeDispatchContinuesAfterMarketFailure(t *testing.T) {
	source := &fakePendingSource{
		pending: map[string][]pricedb.ScrapedProduct{"pam": {{ProductID: "pam_1"}}},
		errs:    map[string]error{"lidl": errors.New("db down")},
	}
	pub := &fakePublisher{}
	job := newDispatchJob(t, DeepScrapeDispatchJobParams{Source: source, Publisher: pub, Markets: []string{"lidl", "pam"}})

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(pub.messages) != 1 {
		t.Fatalf("expected pam to be dispatched, got %d messages", len(pub.messages))
	}
}

func TestNewDeepScrapeDispatchJobValidatesParams(t *testing.T) {
	base := DeepScrapeDispatchJobParams{
		Logger:    logger.Nop(),
		Source:    &fakePendingSource{},
		Publisher: &fakePublisher{},
		Topic:     "t",
		Markets:   []string{"lidl"},
	}
	if _, err := NewDeepScrapeDispatchJob(base); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
	noTopic := base
	noTopic.Topic = ""
	if _, err := NewDeepScrapeDispatchJob(noTopic); err == nil {
		t.Fatal("expected topic error")
	}
	noMarkets := base
	noMarkets.Markets = nil
	if _, err := NewDeepScrapeDispatchJob(noMarkets); err == nil {
		t.Fatal("expected markets error")
	}
}
