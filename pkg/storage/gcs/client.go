// Package gcs is a small client for the Cloud Storage JSON API covering the
// object operations the blob adapter needs.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/clevi/pricestore/pkg/config"
	"github.com/clevi/pricestore/pkg/logger"
)

const (
	defaultBaseURL = "https://storage.googleapis.com"
	pingTimeout    = 5 * time.Second
	requestTimeout = 60 * time.Second
)

// ErrObjectNotFound is returned when the object or generation does not exist.
var ErrObjectNotFound = errors.New("gcs: object not found")

type Client struct {
	httpClient    *http.Client
	baseURL       string
	defaultBucket string
	tokenSource   *tokenSource
	logg          *logger.Logger
}

// NewClient builds a client authenticated with the configured service account,
// falling back to the metadata server, and checks the bucket is listable.
func NewClient(ctx context.Context, cfg config.GCSConfig, gcp config.GCPConfig, logg *logger.Logger) (*Client, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("gcs bucket name is required")
	}

	httpClient := &http.Client{Timeout: requestTimeout}

	var ts *tokenSource
	var err error
	switch {
	case gcp.CredentialsJSON != "":
		ts, err = newServiceAccountTokenSource(httpClient, gcp.CredentialsJSON)
	case gcp.ApplicationCredentials != "":
		raw, readErr := os.ReadFile(gcp.ApplicationCredentials)
		if readErr != nil {
			return nil, fmt.Errorf("reading credentials file: %w", readErr)
		}
		ts, err = newServiceAccountTokenSource(httpClient, string(raw))
	default:
		ts = newMetadataTokenSource(httpClient)
	}
	if err != nil {
		return nil, err
	}

	client := &Client{
		httpClient:    httpClient,
		baseURL:       defaultBaseURL,
		defaultBucket: cfg.BucketName,
		tokenSource:   ts,
		logg:          logg,
	}

	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("gcs health check failed: %w", err)
	}

	if logg != nil {
		logg.Info(logg.WithField(ctx, "bucket", cfg.BucketName), "gcs client initialized")
	}

	return client, nil
}

func (c *Client) DefaultBucket() string {
	if c == nil {
		return ""
	}
	return c.defaultBucket
}

func (c *Client) Close() error {
	if c != nil && c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
	return nil
}

// Ping lists at most one object of the default bucket.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.tokenSource == nil {
		return errors.New("gcs client not initialized")
	}
	if c.defaultBucket == "" {
		return errors.New("gcs bucket not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	_, err := c.List(ctx, "", ListQuery{MaxResults: 1})
	return err
}

func (c *Client) bucket(name string) string {
	if name == "" {
		return c.defaultBucket
	}
	return name
}

func (c *Client) objectURL(bucket, object string) string {
	return fmt.Sprintf("%s/storage/v1/b/%s/o/%s", c.baseURL, url.PathEscape(c.bucket(bucket)), url.PathEscape(object))
}

// do sends req with a bearer token and returns the response when it is a 2xx.
// A 404 is reported as ErrObjectNotFound.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	token, err := c.tokenSource.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer closeBody(ctx, c.logg, resp.Body, "gcs: closing response body failed")

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrObjectNotFound
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if len(b) > 0 {
		return nil, fmt.Errorf("gcs %s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(b)))
	}
	return nil, fmt.Errorf("gcs %s %s: %s", req.Method, req.URL.Path, resp.Status)
}

func closeBody(ctx context.Context, logg *logger.Logger, body io.Closer, msg string) {
	if body == nil {
		return
	}
	if err := body.Close(); err != nil && logg != nil {
		logg.Warn(ctx, msg)
	}
}
