// Package export writes the current prices of a market as CSV.
package export

import (
	"context"
	"encoding/csv"
	"io"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/clevi/pricestore/internal/pricedb"
	pkgerrors "github.com/clevi/pricestore/pkg/errors"
	"github.com/clevi/pricestore/pkg/logger"
)

// Header is the first row of every export.
var Header = []string{
	"market", "province", "postal_code", "store_id", "address", "store_type",
	"ean", "description", "sales_denomination", "unit_value", "unit_text",
	"price", "discounted_price", "discount_rate", "label", "unit_price", "unit_measure",
}

// Source is the part of the document store an export reads.
type Source interface {
	MarketStores(ctx context.Context, market string) ([]pricedb.StoreRecord, error)
	StoreProductIDs(ctx context.Context, storeID string) ([]string, error)
	Prices(ctx context.Context, productIDs []string, storeID string) (map[string]pricedb.Price, error)
	ProductsByIDs(ctx context.Context, ids []string) ([]pricedb.Product, error)
}

type Exporter struct {
	src  Source
	logg *logger.Logger
}

func New(src Source, logg *logger.Logger) *Exporter {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Exporter{src: src, logg: logg}
}

var thousand = decimal.NewFromInt(1000)

// UnitPrice returns the price per reference unit. Grams are quoted per kg and
// millilitres per litre; any other unit per single unit. ok is false when the
// product has no usable unit value.
func UnitPrice(price, unitValue float64, unitText string) (value decimal.Decimal, measure string, ok bool) {
	if unitValue <= 0 || price <= 0 {
		return decimal.Zero, "", false
	}
	amount := decimal.NewFromFloat(price)
	qty := decimal.NewFromFloat(unitValue)
	unit := strings.ToLower(strings.TrimSpace(unitText))
	switch unit {
	case "g":
		return amount.Mul(thousand).Div(qty).Round(2), "/kg", true
	case "ml":
		return amount.Mul(thousand).Div(qty).Round(2), "/l", true
	case "":
		return amount.Div(qty).Round(2), "/pz", true
	default:
		return amount.Div(qty).Round(2), "/" + unit, true
	}
}

func money(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

// WriteMarketCSV writes one row per product priced at the latest scrape of
// each store of market. Stores are written in id order, products in product
// id order. It returns the number of data rows.
func (e *Exporter) WriteMarketCSV(ctx context.Context, w io.Writer, market string) (int, error) {
	ctx = e.logg.WithMarket(ctx, market)
	stores, err := e.src.MarketStores(ctx, market)
	if err != nil {
		return 0, err
	}
	slices.SortFunc(stores, func(a, b pricedb.StoreRecord) int { return strings.Compare(a.ID, b.ID) })

	out := csv.NewWriter(w)
	if err := out.Write(Header); err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "writing csv header")
	}

	rows := 0
	for _, store := range stores {
		ids, err := e.src.StoreProductIDs(ctx, store.ID)
		if err != nil {
			return rows, err
		}
		if len(ids) == 0 {
			continue
		}
		prices, err := e.src.Prices(ctx, ids, store.ID)
		if err != nil {
			return rows, err
		}
		if len(prices) == 0 {
			continue
		}
		priced := make([]string, 0, len(prices))
		for id := range prices {
			priced = append(priced, id)
		}
		slices.Sort(priced)
		products, err := e.src.ProductsByIDs(ctx, priced)
		if err != nil {
			return rows, err
		}
		catalog := make(map[string]pricedb.Product, len(products))
		for _, p := range products {
			catalog[p.ID] = p
		}

		for _, id := range priced {
			product, ok := catalog[id]
			if !ok {
				e.logg.Debug(e.logg.WithFields(ctx, map[string]any{"product_id": id, "store_id": store.ID}), "priced product missing from catalog")
				continue
			}
			if err := out.Write(row(store, product, prices[id])); err != nil {
				return rows, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "writing csv row")
			}
			rows++
		}
	}

	out.Flush()
	if err := out.Error(); err != nil {
		return rows, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "flushing csv")
	}
	e.logg.Info(e.logg.WithField(ctx, "rows", rows), "market exported")
	return rows, nil
}

func row(store pricedb.StoreRecord, product pricedb.Product, price pricedb.Price) []string {
	var province, postalCode, address string
	if gp := store.GeoPoint; gp != nil {
		province, postalCode, address = gp.StateCode, gp.PostalCode, gp.Address
	}
	effective := price.DiscountedPrice
	if effective <= 0 {
		effective = price.Price
	}
	unitPrice, measure := "", ""
	if v, m, ok := UnitPrice(effective, product.UnitValue, product.UnitText); ok {
		unitPrice, measure = v.StringFixed(2), m
	}
	return []string{
		store.Market,
		province,
		postalCode,
		store.StoreID,
		address,
		string(store.Service),
		product.EAN,
		product.Description,
		product.SalesDenomination,
		decimal.NewFromFloat(product.UnitValue).String(),
		product.UnitText,
		money(price.Price),
		money(price.DiscountedPrice),
		decimal.NewFromFloat(price.DiscountRate).StringFixed(2),
		price.Label,
		unitPrice,
		measure,
	}
}
