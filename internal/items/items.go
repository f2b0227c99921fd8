// Package items defines the records produced by the scrapers and persisted by
// the document store adapter.
package items

import (
	"fmt"
	"slices"
	"strings"
)

type Service string

const (
	ServiceDelivery Service = "delivery"
	ServicePickup   Service = "pickup"
)

// GeoPoint locates a physical store.
type GeoPoint struct {
	PostalCode  string  `json:"postal_code" validate:"required"`
	City        string  `json:"city" validate:"required"`
	Long        float64 `json:"long" validate:"longitude"`
	Lat         float64 `json:"lat" validate:"latitude"`
	Address     string  `json:"address,omitempty"`
	StateCode   string  `json:"state_code,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
}

// StoreItem is one store of a market for one service type.
type StoreItem struct {
	// ID is the global id, {store_id}_{market}_{service}. EnsureID fills it.
	ID               string         `json:"_id,omitempty"`
	StoreID          string         `json:"store_id" validate:"required"`
	Name             string         `json:"name" validate:"required"`
	Market           string         `json:"market" validate:"required,market"`
	Service          Service        `json:"service" validate:"required,oneof=delivery pickup"`
	ScrapeParameters map[string]any `json:"scrape_parameters"`
	GeoPoint         *GeoPoint      `json:"geo_point,omitempty" validate:"omitempty"`
	Meta             map[string]any `json:"meta,omitempty"`
}

// StoreGlobalID builds the collection-wide store id.
func StoreGlobalID(storeID, market string, service Service) string {
	return fmt.Sprintf("%s_%s_%s", storeID, market, service)
}

// EnsureID sets ID from the store fields when it is empty.
func (s *StoreItem) EnsureID() {
	if s.ID == "" {
		s.ID = StoreGlobalID(s.StoreID, s.Market, s.Service)
	}
}

// LocationItem groups the stores reachable from a set of postal codes.
type LocationItem struct {
	PostalCodes []string            `json:"postal_codes" validate:"required,min=1,dive,required"`
	Markets     map[string][]string `json:"markets,omitempty"`
}

// NewLocationItem builds a location from geo points, keeping postal codes sorted.
func NewLocationItem(points []GeoPoint) LocationItem {
	codes := make([]string, 0, len(points))
	for _, p := range points {
		codes = append(codes, p.PostalCode)
	}
	slices.Sort(codes)
	return LocationItem{PostalCodes: codes}
}

// ID is the location id of the item's postal codes.
func (l LocationItem) ID() string {
	return LocationIDFromPostalCodes(l.PostalCodes)
}

// SortedPostalCodes returns a sorted copy of the postal codes.
func (l LocationItem) SortedPostalCodes() []string {
	codes := slices.Clone(l.PostalCodes)
	slices.Sort(codes)
	return codes
}

// ProductItem is a catalog entry. Code is unique only within a market.
type ProductItem struct {
	// ID is the global id, {market}_{code}. EnsureID fills it.
	ID                string            `json:"_id,omitempty"`
	Code              string            `json:"code" validate:"required"`
	EAN               string            `json:"ean"`
	Description       string            `json:"description"`
	Market            string            `json:"market" validate:"required,market"`
	Brand             string            `json:"brand"`
	UnitValue         float64           `json:"unit_value" validate:"gte=0"`
	UnitText          string            `json:"unit_text"`
	ImageURLs         []string          `json:"image_urls"`
	Categories        []string          `json:"categories"`
	SalesDenomination string            `json:"sales_denomination"`
	Informations      map[string]string `json:"informations,omitempty"`
	Meta              map[string]any    `json:"meta,omitempty"`
}

// ProductGlobalID builds the collection-wide product id.
func ProductGlobalID(market, code string) string {
	return market + "_" + code
}

// EnsureID sets ID from market and code when it is empty.
func (p *ProductItem) EnsureID() {
	if p.ID == "" {
		p.ID = ProductGlobalID(p.Market, p.Code)
	}
}

// ProductStoreDataItem is one price snapshot for a product at a store.
type ProductStoreDataItem struct {
	Code             string         `json:"code" validate:"required"`
	Market           string         `json:"market" validate:"required,market"`
	Price            float64        `json:"price" validate:"gte=0"`
	DiscountedPrice  float64        `json:"discounted_price" validate:"gte=0"`
	DiscountRate     float64        `json:"discount_rate"`
	Label            string         `json:"label"`
	ProductPageURI   string         `json:"product_page_uri"`
	ScrapeParameters map[string]any `json:"scrape_parameters"`
	ProductID        string         `json:"product_id,omitempty"`
	StoreID          string         `json:"store_id,omitempty"`
	StoreUniversalID string         `json:"store_universal_id,omitempty"`
}

// EnsureProductID derives ProductID from market and code when it is empty.
func (d *ProductStoreDataItem) EnsureProductID() {
	if d.ProductID == "" {
		d.ProductID = ProductGlobalID(d.Market, d.Code)
	}
}

// PostalCode is a reference record of the misc database.
type PostalCode struct {
	PostalCode  string  `json:"postal_code" validate:"required"`
	City        string  `json:"city" validate:"required"`
	StateCode   string  `json:"state_code"`
	CountryCode string  `json:"country_code"`
	Lat         float64 `json:"lat" validate:"latitude"`
	Long        float64 `json:"long" validate:"longitude"`
}

// ValidMarketName reports whether name can be used as a document field key.
func ValidMarketName(name string) bool {
	return name != "" && !strings.ContainsAny(name, ".$")
}
