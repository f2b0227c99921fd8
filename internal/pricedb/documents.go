package pricedb

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/clevi/pricestore/internal/items"
	pkgerrors "github.com/clevi/pricestore/pkg/errors"
)

// schemaVersion is stamped on every document this package writes. Documents
// without the field predate versioning and read as version 1.
const schemaVersion = 1

func checkVersion(collection string, id any, version int) error {
	if version > schemaVersion {
		return pkgerrors.New(pkgerrors.CodeCorruptData,
			fmt.Sprintf("%s document %v has schema_version %d, newest known is %d", collection, id, version, schemaVersion))
	}
	return nil
}

type geoPointDoc struct {
	PostalCode  string  `bson:"postal_code"`
	City        string  `bson:"city"`
	Long        float64 `bson:"long"`
	Lat         float64 `bson:"lat"`
	Address     string  `bson:"address,omitempty"`
	StateCode   string  `bson:"state_code,omitempty"`
	CountryCode string  `bson:"country_code,omitempty"`
}

func geoPointToDoc(p *items.GeoPoint) *geoPointDoc {
	if p == nil {
		return nil
	}
	return &geoPointDoc{
		PostalCode:  p.PostalCode,
		City:        p.City,
		Long:        p.Long,
		Lat:         p.Lat,
		Address:     p.Address,
		StateCode:   p.StateCode,
		CountryCode: p.CountryCode,
	}
}

func (d *geoPointDoc) item() *items.GeoPoint {
	if d == nil {
		return nil
	}
	return &items.GeoPoint{
		PostalCode:  d.PostalCode,
		City:        d.City,
		Long:        d.Long,
		Lat:         d.Lat,
		Address:     d.Address,
		StateCode:   d.StateCode,
		CountryCode: d.CountryCode,
	}
}

// storeDoc is the stored form of a store. Services accumulates every service
// the same global id was upserted with.
type storeDoc struct {
	ID               string         `bson:"_id"`
	SchemaVersion    int            `bson:"schema_version"`
	StoreID          string         `bson:"store_id"`
	Market           string         `bson:"market"`
	Name             string         `bson:"name"`
	Service          string         `bson:"service"`
	Services         []string       `bson:"services"`
	ScrapeParameters map[string]any `bson:"scrape_parameters"`
	GeoPoint         *geoPointDoc   `bson:"geo_point,omitempty"`
	Meta             map[string]any `bson:"meta,omitempty"`
	LastUpdated      time.Time      `bson:"last_updated"`
	LastScraped      *time.Time     `bson:"last_scraped,omitempty"`
}

// StoreRecord is a stored store with the fields maintained by the adapter.
type StoreRecord struct {
	items.StoreItem
	Services    []items.Service
	LastUpdated time.Time
	LastScraped *time.Time
}

// storeFields returns the fields a store upsert sets and the optional fields
// it clears, so a store that lost its geo point or meta does not keep the
// old values. services and last_scraped are owned by other operators.
func storeFields(item items.StoreItem, now time.Time) (set, unset bson.D) {
	set = bson.D{
		{Key: "schema_version", Value: schemaVersion},
		{Key: "store_id", Value: item.StoreID},
		{Key: "market", Value: item.Market},
		{Key: "name", Value: item.Name},
		{Key: "service", Value: string(item.Service)},
		{Key: "scrape_parameters", Value: item.ScrapeParameters},
		{Key: "last_updated", Value: now},
	}
	if item.GeoPoint != nil {
		set = append(set, bson.E{Key: "geo_point", Value: geoPointToDoc(item.GeoPoint)})
	} else {
		unset = append(unset, bson.E{Key: "geo_point", Value: ""})
	}
	if item.Meta != nil {
		set = append(set, bson.E{Key: "meta", Value: item.Meta})
	} else {
		unset = append(unset, bson.E{Key: "meta", Value: ""})
	}
	return set, unset
}

func (d storeDoc) item() (StoreRecord, error) {
	if err := checkVersion("store", d.ID, d.SchemaVersion); err != nil {
		return StoreRecord{}, err
	}
	services := make([]items.Service, 0, len(d.Services))
	for _, s := range d.Services {
		services = append(services, items.Service(s))
	}
	return StoreRecord{
		StoreItem: items.StoreItem{
			ID:               d.ID,
			StoreID:          d.StoreID,
			Name:             d.Name,
			Market:           d.Market,
			Service:          items.Service(d.Service),
			ScrapeParameters: d.ScrapeParameters,
			GeoPoint:         d.GeoPoint.item(),
			Meta:             d.Meta,
		},
		Services:    services,
		LastUpdated: d.LastUpdated,
		LastScraped: d.LastScraped,
	}, nil
}

type locationDoc struct {
	ID            string              `bson:"_id"`
	SchemaVersion int                 `bson:"schema_version"`
	PostalCodes   []string            `bson:"postal_codes"`
	Markets       map[string][]string `bson:"markets"`
	LastUpdated   time.Time           `bson:"last_updated"`
}

func (d locationDoc) item() (items.LocationItem, error) {
	if err := checkVersion("location", d.ID, d.SchemaVersion); err != nil {
		return items.LocationItem{}, err
	}
	return items.LocationItem{PostalCodes: d.PostalCodes, Markets: d.Markets}, nil
}

type productDoc struct {
	ID                string            `bson:"_id"`
	SchemaVersion     int               `bson:"schema_version"`
	Code              string            `bson:"code"`
	EAN               string            `bson:"ean"`
	Description       string            `bson:"description"`
	Market            string            `bson:"market"`
	Brand             string            `bson:"brand"`
	UnitValue         float64           `bson:"unit_value"`
	UnitText          string            `bson:"unit_text"`
	ImageURLs         []string          `bson:"image_urls"`
	Categories        []string          `bson:"categories"`
	SalesDenomination string            `bson:"sales_denomination"`
	Informations      map[string]string `bson:"informations,omitempty"`
	Meta              map[string]any    `bson:"meta,omitempty"`
	LastUpdated       time.Time         `bson:"last_updated"`
}

// Product is a stored catalog entry.
type Product struct {
	items.ProductItem
	LastUpdated time.Time
}

func productToDoc(p items.ProductItem, now time.Time) productDoc {
	return productDoc{
		ID:                p.ID,
		SchemaVersion:     schemaVersion,
		Code:              p.Code,
		EAN:               p.EAN,
		Description:       p.Description,
		Market:            p.Market,
		Brand:             p.Brand,
		UnitValue:         p.UnitValue,
		UnitText:          p.UnitText,
		ImageURLs:         p.ImageURLs,
		Categories:        p.Categories,
		SalesDenomination: p.SalesDenomination,
		Informations:      p.Informations,
		Meta:              p.Meta,
		LastUpdated:       now,
	}
}

func (d productDoc) item() (Product, error) {
	if err := checkVersion("product", d.ID, d.SchemaVersion); err != nil {
		return Product{}, err
	}
	return Product{
		ProductItem: items.ProductItem{
			ID:                d.ID,
			Code:              d.Code,
			EAN:               d.EAN,
			Description:       d.Description,
			Market:            d.Market,
			Brand:             d.Brand,
			UnitValue:         d.UnitValue,
			UnitText:          d.UnitText,
			ImageURLs:         d.ImageURLs,
			Categories:        d.Categories,
			SalesDenomination: d.SalesDenomination,
			Informations:      d.Informations,
			Meta:              d.Meta,
		},
		LastUpdated: d.LastUpdated,
	}, nil
}

// timeseriesMeta groups snapshots into buckets of one product at one store.
type timeseriesMeta struct {
	ProductID        string `bson:"product_id"`
	StoreUniversalID string `bson:"store_universal_id"`
}

type snapshotDoc struct {
	ID               primitive.ObjectID `bson:"_id,omitempty"`
	SchemaVersion    int                `bson:"schema_version"`
	Code             string             `bson:"code"`
	Market           string             `bson:"market"`
	Price            float64            `bson:"price"`
	DiscountedPrice  float64            `bson:"discounted_price"`
	DiscountRate     float64            `bson:"discount_rate"`
	Label            string             `bson:"label"`
	ProductPageURI   string             `bson:"product_page_uri"`
	ScrapeParameters map[string]any     `bson:"scrape_parameters"`
	ProductID        string             `bson:"product_id"`
	StoreID          string             `bson:"store_id"`
	StoreUniversalID string             `bson:"store_universal_id"`
	TimeseriesMeta   timeseriesMeta     `bson:"timeseries_meta"`
	LastUpdated      time.Time          `bson:"last_updated"`
}

// Snapshot is one stored price observation.
type Snapshot struct {
	items.ProductStoreDataItem
	LastUpdated time.Time
}

func snapshotToDoc(d items.ProductStoreDataItem, now time.Time) snapshotDoc {
	return snapshotDoc{
		SchemaVersion:    schemaVersion,
		Code:             d.Code,
		Market:           d.Market,
		Price:            d.Price,
		DiscountedPrice:  d.DiscountedPrice,
		DiscountRate:     d.DiscountRate,
		Label:            d.Label,
		ProductPageURI:   d.ProductPageURI,
		ScrapeParameters: d.ScrapeParameters,
		ProductID:        d.ProductID,
		StoreID:          d.StoreID,
		StoreUniversalID: d.StoreUniversalID,
		TimeseriesMeta: timeseriesMeta{
			ProductID:        d.ProductID,
			StoreUniversalID: d.StoreUniversalID,
		},
		LastUpdated: now,
	}
}

func (d snapshotDoc) item() (Snapshot, error) {
	if err := checkVersion("snapshot", d.ID.Hex(), d.SchemaVersion); err != nil {
		return Snapshot{}, err
	}
	productID := d.ProductID
	if productID == "" {
		productID = d.TimeseriesMeta.ProductID
	}
	storeUniversalID := d.StoreUniversalID
	if storeUniversalID == "" {
		storeUniversalID = d.TimeseriesMeta.StoreUniversalID
	}
	return Snapshot{
		ProductStoreDataItem: items.ProductStoreDataItem{
			Code:             d.Code,
			Market:           d.Market,
			Price:            d.Price,
			DiscountedPrice:  d.DiscountedPrice,
			DiscountRate:     d.DiscountRate,
			Label:            d.Label,
			ProductPageURI:   d.ProductPageURI,
			ScrapeParameters: d.ScrapeParameters,
			ProductID:        productID,
			StoreID:          d.StoreID,
			StoreUniversalID: storeUniversalID,
		},
		LastUpdated: d.LastUpdated,
	}, nil
}

type postalCodeDoc struct {
	PostalCode    string  `bson:"postal_code"`
	SchemaVersion int     `bson:"schema_version"`
	City          string  `bson:"city"`
	StateCode     string  `bson:"state_code"`
	CountryCode   string  `bson:"country_code"`
	Lat           float64 `bson:"lat"`
	Long          float64 `bson:"long"`
}

func postalCodeToDoc(p items.PostalCode) postalCodeDoc {
	return postalCodeDoc{
		PostalCode:    p.PostalCode,
		SchemaVersion: schemaVersion,
		City:          p.City,
		StateCode:     p.StateCode,
		CountryCode:   p.CountryCode,
		Lat:           p.Lat,
		Long:          p.Long,
	}
}

func (d postalCodeDoc) item() (items.PostalCode, error) {
	if err := checkVersion("postal code", d.PostalCode, d.SchemaVersion); err != nil {
		return items.PostalCode{}, err
	}
	return items.PostalCode{
		PostalCode:  d.PostalCode,
		City:        d.City,
		StateCode:   d.StateCode,
		CountryCode: d.CountryCode,
		Lat:         d.Lat,
		Long:        d.Long,
	}, nil
}
