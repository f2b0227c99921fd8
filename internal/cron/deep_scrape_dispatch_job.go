package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.uber.org/multierr"

	"github.com/clevi/pricestore/internal/pricedb"
	"github.com/clevi/pricestore/pkg/logger"
)

const (
	defaultDeepScrapeLookback = 24 * time.Hour
	defaultDispatchTTL        = 24 * time.Hour
)

type DeepScrapeDispatchJobParams struct {
	Logger    *logger.Logger
	Source    pendingSource
	Publisher messagePublisher
	// Dispatches suppresses products already sent within DispatchTTL. Optional.
	Dispatches  dispatchTracker
	Topic       string
	Markets     []string
	Lookback    time.Duration
	DispatchTTL time.Duration
}

type pendingSource interface {
	ProductsPendingDeepScrape(ctx context.Context, market string, since time.Time) ([]pricedb.ScrapedProduct, error)
}

type messagePublisher interface {
	Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error)
}

type dispatchTracker interface {
	MarkDispatched(ctx context.Context, market, productID string, ttl time.Duration) (bool, error)
	ClearDispatched(ctx context.Context, market, productID string) error
}

// DeepScrapeRequest is the message body sent for each pending product.
type DeepScrapeRequest struct {
	ProductID        string         `json:"product_id"`
	Market           string         `json:"market"`
	ScrapeParameters map[string]any `json:"scrape_parameters"`
	LastSeen         time.Time      `json:"last_seen"`
}

func NewDeepScrapeDispatchJob(params DeepScrapeDispatchJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Source == nil {
		return nil, fmt.Errorf("pending product source required")
	}
	if params.Publisher == nil {
		return nil, fmt.Errorf("publisher required")
	}
	if params.Topic == "" {
		return nil, fmt.Errorf("deep scrape topic required")
	}
	if len(params.Markets) == 0 {
		return nil, fmt.Errorf("at least one market required")
	}
	lookback := params.Lookback
	if lookback <= 0 {
		lookback = defaultDeepScrapeLookback
	}
	ttl := params.DispatchTTL
	if ttl <= 0 {
		ttl = defaultDispatchTTL
	}
	return &deepScrapeDispatchJob{
		logg:       params.Logger,
		source:     params.Source,
		publisher:  params.Publisher,
		dispatches: params.Dispatches,
		topic:      params.Topic,
		markets:    slices.Clone(params.Markets),
		lookback:   lookback,
		ttl:        ttl,
		now:        time.Now,
	}, nil
}

type deepScrapeDispatchJob struct {
	logg       *logger.Logger
	source     pendingSource
	publisher  messagePublisher
	dispatches dispatchTracker
	topic      string
	markets    []string
	lookback   time.Duration
	ttl        time.Duration
	now        func() time.Time
}

func (j *deepScrapeDispatchJob) Name() string { return "deep-scrape-dispatch" }

// Run publishes one request per product seen in recent snapshots but missing
// from the catalog. A market that fails does not stop the others.
func (j *deepScrapeDispatchJob) Run(ctx context.Context) error {
	since := j.now().UTC().Add(-j.lookback)
	var errs error
	for _, market := range j.markets {
		mctx := j.logg.WithMarket(ctx, market)
		published, skipped, err := j.dispatchMarket(mctx, market, since)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("market %s: %w", market, err))
		}
		j.logg.Info(j.logg.WithFields(mctx, map[string]any{
			"published": published,
			"skipped":   skipped,
			"since":     since,
		}), "deep scrape dispatch complete")
	}
	if errs != nil {
		return fmt.Errorf("deep scrape dispatch: %w", errs)
	}
	return nil
}

func (j *deepScrapeDispatchJob) dispatchMarket(ctx context.Context, market string, since time.Time) (published, skipped int, err error) {
	pending, err := j.source.ProductsPendingDeepScrape(ctx, market, since)
	if err != nil {
		return 0, 0, err
	}
	var errs error
	for _, p := range pending {
		if ctx.Err() != nil {
			return published, skipped, multierr.Append(errs, ctx.Err())
		}
		if j.dispatches != nil {
			fresh, err := j.dispatches.MarkDispatched(ctx, market, p.ProductID, j.ttl)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("recording dispatch of %s: %w", p.ProductID, err))
				continue
			}
			if !fresh {
				skipped++
				continue
			}
		}
		body, err := json.Marshal(DeepScrapeRequest{
			ProductID:        p.ProductID,
			Market:           market,
			ScrapeParameters: p.ScrapeParameters,
			LastSeen:         p.LastUpdated.UTC(),
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("encoding request for %s: %w", p.ProductID, err))
			j.forget(ctx, market, p.ProductID)
			continue
		}
		if _, err := j.publisher.Publish(ctx, j.topic, body, map[string]string{
			"market":     market,
			"product_id": p.ProductID,
		}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("publishing %s: %w", p.ProductID, err))
			j.forget(ctx, market, p.ProductID)
			continue
		}
		published++
	}
	return published, skipped, errs
}

// forget clears a dispatch mark so the product is retried on the next run.
func (j *deepScrapeDispatchJob) forget(ctx context.Context, market, productID string) {
	if j.dispatches == nil {
		return
	}
	if err := j.dispatches.ClearDispatched(ctx, market, productID); err != nil {
		j.logg.Error(j.logg.WithField(ctx, "product_id", productID), "clearing dispatch mark failed", err)
	}
}
