package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	pkgerrors "github.com/clevi/pricestore/pkg/errors"
)

const defaultHistoryLimit = 500

// Querier runs parameterized SQL against the archive dataset.
type Querier interface {
	Query(ctx context.Context, sql string, params []bigquery.QueryParameter) (*bigquery.RowIterator, error)
	TableRef(table string) string
}

// HistoryQuery selects archived snapshots of one product.
type HistoryQuery struct {
	ProductID string
	StoreID   string
	Since     time.Time
	Limit     int
}

// historySQL builds the statement and its named parameters. Rows come back
// newest first.
func historySQL(table string, q HistoryQuery) (string, []bigquery.QueryParameter) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM %s WHERE product_id = @product_id", table)
	params := []bigquery.QueryParameter{{Name: "product_id", Value: q.ProductID}}
	if q.StoreID != "" {
		b.WriteString(" AND store_universal_id = @store_id")
		params = append(params, bigquery.QueryParameter{Name: "store_id", Value: q.StoreID})
	}
	if !q.Since.IsZero() {
		b.WriteString(" AND last_updated >= @since")
		params = append(params, bigquery.QueryParameter{Name: "since", Value: q.Since.UTC()})
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	fmt.Fprintf(&b, " ORDER BY last_updated DESC LIMIT %d", limit)
	return b.String(), params
}

// History reads archived snapshots back from the table the BigQuery sink
// writes to.
func History(ctx context.Context, client Querier, table string, q HistoryQuery) ([]Row, error) {
	if client == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "archive history requires a bigquery client")
	}
	q.ProductID = strings.TrimSpace(q.ProductID)
	if q.ProductID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	sql, params := historySQL(client.TableRef(table), q)
	it, err := client.Query(ctx, sql, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "querying archive history")
	}
	var rows []Row
	for {
		var r Row
		err := it.Next(&r)
		if errors.Is(err, iterator.Done) {
			return rows, nil
		}
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reading archive history")
		}
		rows = append(rows, r)
	}
}
