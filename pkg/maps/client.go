// Package maps resolves postal codes to coordinates and administrative names
// through the Google Places text search API.
package maps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	pkgerrors "github.com/clevi/pricestore/pkg/errors"
)

const (
	defaultBaseURL             = "https://places.googleapis.com/v1"
	searchFieldMask            = "places.id,places.location,places.addressComponents"
	requestBodyReadLimit int64 = 1024
)

var errAPIKeyRequired = errors.New("google maps api key is required")

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

func NewClient(apiKey string, opts ...Option) (*Client, error) {
	trimmedKey := strings.TrimSpace(apiKey)
	if trimmedKey == "" {
		return nil, errAPIKeyRequired
	}
	client := &Client{
		apiKey:     trimmedKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// PostalArea is the resolved center of a postal code.
type PostalArea struct {
	PostalCode  string
	City        string
	StateCode   string
	CountryCode string
	Lat         float64
	Long        float64
}

type searchRequest struct {
	TextQuery    string `json:"textQuery"`
	IncludedType string `json:"includedType"`
	RegionCode   string `json:"regionCode,omitempty"`
	PageSize     int    `json:"pageSize"`
}

type addressComponent struct {
	LongText  string   `json:"longText"`
	ShortText string   `json:"shortText"`
	Types     []string `json:"types"`
}

type searchResponse struct {
	Places []struct {
		ID       string `json:"id"`
		Location struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"location"`
		AddressComponents []addressComponent `json:"addressComponents"`
	} `json:"places"`
}

// ResolvePostalCode looks up code in country (ISO 3166 alpha-2). A code the
// API does not know is reported as NOT_FOUND.
func (c *Client) ResolvePostalCode(ctx context.Context, code, country string) (PostalArea, error) {
	if c == nil {
		return PostalArea{}, pkgerrors.New(pkgerrors.CodeConfiguration, "google maps client not configured")
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return PostalArea{}, pkgerrors.New(pkgerrors.CodeValidation, "postal code is required")
	}
	country = strings.ToUpper(strings.TrimSpace(country))

	payload, err := json.Marshal(searchRequest{
		TextQuery:    strings.TrimSpace(code + " " + country),
		IncludedType: "postal_code",
		RegionCode:   strings.ToLower(country),
		PageSize:     1,
	})
	if err != nil {
		return PostalArea{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal search request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL("places:searchText"), bytes.NewReader(payload))
	if err != nil {
		return PostalArea{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build search request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Api-Key", c.apiKey)
	httpReq.Header.Set("X-Goog-FieldMask", searchFieldMask)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return PostalArea{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute search request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, requestBodyReadLimit))
		return PostalArea{}, pkgerrors.Wrap(pkgerrors.CodeDependency, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), "search request failed")
	}

	var apiResp searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return PostalArea{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode search response")
	}
	for _, place := range apiResp.Places {
		if component(place.AddressComponents, "postal_code", false) != code {
			continue
		}
		area := PostalArea{
			PostalCode:  code,
			City:        component(place.AddressComponents, "locality", false),
			StateCode:   component(place.AddressComponents, "administrative_area_level_2", true),
			CountryCode: component(place.AddressComponents, "country", true),
			Lat:         place.Location.Latitude,
			Long:        place.Location.Longitude,
		}
		if area.City == "" {
			area.City = component(place.AddressComponents, "administrative_area_level_3", false)
		}
		return area, nil
	}
	return PostalArea{}, pkgerrors.Newf(pkgerrors.CodeNotFound, "postal code %s not found in %s", code, country)
}

func component(components []addressComponent, kind string, short bool) string {
	for _, comp := range components {
		if !slices.Contains(comp.Types, kind) {
			continue
		}
		if short {
			return comp.ShortText
		}
		return comp.LongText
	}
	return ""
}

func (c *Client) buildURL(path string) string {
	return fmt.Sprintf("%s/%s", strings.TrimRight(c.baseURL, "/"), strings.TrimLeft(path, "/"))
}
