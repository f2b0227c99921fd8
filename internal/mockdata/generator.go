package mockdata

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/clevi/pricestore/internal/items"
)

// Markets are the market names fixtures are generated for.
var Markets = []string{"carrefour", "mercato", "esselunga", "conad", "pam", "lidl", "crai"}

// unitLabels maps a product unit to the unit its label price is quoted in.
var unitLabels = map[string]string{"g": "/kg", "ml": "/l"}

var units = []string{"g", "ml"}

// Generator builds random records. The same seed and call sequence always
// produce the same records. A Generator is not safe for concurrent use.
type Generator struct {
	vocab *Vocabulary
	faker *gofakeit.Faker
}

// NewGenerator returns a generator seeded with seed. Seed 0 picks a random
// seed.
func NewGenerator(vocab *Vocabulary, seed uint64) *Generator {
	return &Generator{vocab: vocab, faker: gofakeit.New(seed)}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// GeoPoint returns a point inside the bounding box of Italy.
func (g *Generator) GeoPoint() items.GeoPoint {
	return items.GeoPoint{
		PostalCode:  fmt.Sprintf("%05d", g.faker.IntRange(10, 98168)),
		City:        g.faker.City(),
		Lat:         round(g.faker.Float64Range(36.6, 47.1), 6),
		Long:        round(g.faker.Float64Range(6.6, 18.5), 6),
		Address:     g.faker.Street(),
		StateCode:   strings.ToUpper(g.faker.StateAbr()),
		CountryCode: "IT",
	}
}

// StoreItem returns a store of market with a random service.
func (g *Generator) StoreItem(market string) items.StoreItem {
	geo := g.GeoPoint()
	storeID := strconv.Itoa(g.faker.IntRange(0, 99999))
	service := items.ServiceDelivery
	if g.faker.Bool() {
		service = items.ServicePickup
	}
	store := items.StoreItem{
		StoreID:  storeID,
		Name:     fmt.Sprintf("%s - %s - %s", market, geo.City, geo.Address),
		Market:   market,
		Service:  service,
		GeoPoint: &geo,
	}
	store.EnsureID()
	store.ScrapeParameters = map[string]any{"_id": store.ID, "store_id": storeID}
	return store
}

// ProductItem returns a catalog entry of market. When id is not empty it is
// used as the product id and its code part as the product code.
func (g *Generator) ProductItem(market, id string) items.ProductItem {
	code := strings.ReplaceAll(g.faker.UUID(), "-", "")
	if id != "" {
		code = strings.TrimPrefix(id, market+"_")
	}
	brand := g.faker.Company()
	unitValue := g.faker.IntRange(1, 1000)
	unitText := g.faker.RandomString(units)
	name := g.faker.RandomString(g.vocab.names)
	variant := g.faker.RandomString(g.vocab.variants)
	description := strings.Join(strings.Fields(fmt.Sprintf("%s - %s %s - %d%s", brand, name, variant, unitValue, unitText)), " ")
	category := g.vocab.categories[g.faker.IntRange(0, len(g.vocab.categories)-1)]

	p := items.ProductItem{
		ID:                id,
		Code:              code,
		EAN:               code,
		Description:       description,
		Market:            market,
		Brand:             brand,
		UnitValue:         float64(unitValue),
		UnitText:          unitText,
		ImageURLs:         []string{g.faker.URL()},
		Categories:        category[:],
		SalesDenomination: name,
	}
	p.EnsureID()
	return p
}

// ProductStoreDataItem returns a price snapshot for a new product at store.
func (g *Generator) ProductStoreDataItem(store items.StoreItem) items.ProductStoreDataItem {
	store.EnsureID()
	code := strings.ReplaceAll(g.faker.UUID(), "-", "")
	price := float64(g.faker.IntRange(50, 3000))
	discounted := float64(g.faker.IntRange(25, int(price))) / 100
	price /= 100
	unitValue := float64(g.faker.IntRange(1, 1000))
	unitText := g.faker.RandomString(units)
	uri := g.faker.URL()

	snap := items.ProductStoreDataItem{
		Code:             code,
		Market:           store.Market,
		Price:            round(price, 2),
		DiscountedPrice:  round(discounted, 2),
		DiscountRate:     round((1-discounted/price)*100, 2),
		Label:            fmt.Sprintf("%.2f%s", discounted/(unitValue/1000), unitLabels[unitText]),
		ProductPageURI:   uri,
		ScrapeParameters: map[string]any{"_id": code, "product_page_uri": uri},
		StoreID:          store.StoreID,
		StoreUniversalID: store.ID,
	}
	snap.EnsureProductID()
	return snap
}

// Fixture is a consistent data set for one market: every store is listed in
// the location and every snapshot references a generated store and product.
type Fixture struct {
	Location    items.LocationItem
	PostalCodes []items.PostalCode
	Stores      []items.StoreItem
	Products    []items.ProductItem
	Snapshots   []items.ProductStoreDataItem
}

// Fixture generates geoPoints postal codes, stores of market and
// productsPerStore snapshots for each store. Store ids are unique within the
// fixture.
func (g *Generator) Fixture(geoPoints, stores, productsPerStore int, market string) Fixture {
	points := make([]items.GeoPoint, 0, geoPoints)
	for range geoPoints {
		points = append(points, g.GeoPoint())
	}
	location := items.NewLocationItem(points)

	f := Fixture{Location: location}
	for _, p := range points {
		f.PostalCodes = append(f.PostalCodes, items.PostalCode{
			PostalCode:  p.PostalCode,
			City:        p.City,
			StateCode:   p.StateCode,
			CountryCode: p.CountryCode,
			Lat:         p.Lat,
			Long:        p.Long,
		})
	}
	seen := map[string]bool{}
	for len(f.Stores) < stores {
		s := g.StoreItem(market)
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		f.Stores = append(f.Stores, s)
	}
	ids := make([]string, 0, len(f.Stores))
	for _, s := range f.Stores {
		ids = append(ids, s.ID)
	}
	f.Location.Markets = map[string][]string{market: ids}

	var productIDs []string
	for _, s := range f.Stores {
		for range productsPerStore {
			snap := g.ProductStoreDataItem(s)
			f.Snapshots = append(f.Snapshots, snap)
			productIDs = append(productIDs, snap.ProductID)
		}
	}
	slices.Sort(productIDs)
	for _, id := range slices.Compact(productIDs) {
		f.Products = append(f.Products, g.ProductItem(market, id))
	}
	return f
}
