package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clevi/pricestore/internal/blobstore"
	"github.com/clevi/pricestore/internal/items"
	"github.com/clevi/pricestore/internal/pricedb"
	pkgerrors "github.com/clevi/pricestore/pkg/errors"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeSource struct {
	snapshots map[string][]pricedb.Snapshot
	cutoffs   []time.Time
}

func (f *fakeSource) ProductIDsToDump(_ context.Context, cutoff time.Time) ([]string, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	ids := make([]string, 0, len(f.snapshots))
	for _, id := range []string{"lidl_a", "lidl_b", "lidl_c"} {
		if _, ok := f.snapshots[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeSource) SnapshotsToDump(_ context.Context, cutoff time.Time, productID string) ([]pricedb.Snapshot, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.snapshots[productID], nil
}

func snapshot(productID, store string, price float64, at time.Time) pricedb.Snapshot {
	return pricedb.Snapshot{
		ProductStoreDataItem: items.ProductStoreDataItem{
			Code:             productID[5:],
			Market:           "lidl",
			Price:            price,
			ProductID:        productID,
			StoreUniversalID: store,
			ScrapeParameters: map[string]any{"code": productID[5:]},
		},
		LastUpdated: at,
	}
}

type recordingSink struct {
	name    string
	written map[string][]Row
	failOn  string
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(_ context.Context, productID string, rows []Row) error {
	if productID == s.failOn {
		return errors.New("sink unavailable")
	}
	if s.written == nil {
		s.written = map[string][]Row{}
	}
	s.written[productID] = rows
	return nil
}

func TestArchiveWritesEveryProductToEverySink(t *testing.T) {
	src := &fakeSource{snapshots: map[string][]pricedb.Snapshot{
		"lidl_a": {snapshot("lidl_a", "S1", 1, t0), snapshot("lidl_a", "S2", 2, t0.Add(time.Hour))},
		"lidl_b": {snapshot("lidl_b", "S1", 3, t0)},
	}}
	first, second := &recordingSink{name: "one"}, &recordingSink{name: "two"}

	cutoff := pricedb.RetentionCutoff(t0, 30)
	res, err := New(src, nil, first, second).Archive(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, Result{Products: 2, Rows: 3}, res)
	require.Len(t, src.cutoffs, 3)
	for _, c := range src.cutoffs {
		assert.Equal(t, cutoff, c)
	}
	require.Len(t, first.written["lidl_a"], 2)
	assert.Equal(t, first.written, second.written)

	row := first.written["lidl_a"][1]
	assert.Equal(t, "S2", row.StoreUniversalID)
	assert.Equal(t, `{"code":"a"}`, row.ScrapeParameters)
	assert.False(t, row.ArchivedAt.IsZero())
}

func TestArchiveReportsFailedProducts(t *testing.T) {
	src := &fakeSource{snapshots: map[string][]pricedb.Snapshot{
		"lidl_a": {snapshot("lidl_a", "S1", 1, t0)},
		"lidl_b": {snapshot("lidl_b", "S1", 1, t0)},
		"lidl_c": {snapshot("lidl_c", "S1", 1, t0)},
	}}
	ok := &recordingSink{name: "ok"}
	flaky := &recordingSink{name: "flaky", failOn: "lidl_b"}

	res, err := New(src, nil, ok, flaky).Archive(context.Background(), t0)
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeDependency))
	assert.Contains(t, err.Error(), "flaky sink, product lidl_b")
	assert.Equal(t, []string{"lidl_b"}, res.Failed)
	assert.Equal(t, 2, res.Products)
	assert.Contains(t, flaky.written, "lidl_c")
}

func TestArchiveStopsOnCancelledContext(t *testing.T) {
	src := &fakeSource{snapshots: map[string][]pricedb.Snapshot{"lidl_a": {snapshot("lidl_a", "S1", 1, t0)}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(src, nil, &recordingSink{name: "s"}).Archive(ctx, t0)
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeInserter struct {
	table string
	rows  []any
	err   error
}

func (f *fakeInserter) InsertRows(_ context.Context, table string, rows []any) error {
	f.table = table
	f.rows = append(f.rows, rows...)
	return f.err
}

type fakeCreator struct {
	table     string
	schema    bigquery.Schema
	partition string
}

func (f *fakeCreator) EnsureTable(_ context.Context, table string, schema bigquery.Schema, partitionField string) error {
	f.table, f.schema, f.partition = table, schema, partitionField
	return nil
}

func TestBigQuerySinkStreamsDeduplicatedRows(t *testing.T) {
	ctx := context.Background()
	ins := &fakeInserter{}
	creator := &fakeCreator{}
	sink, err := NewBigQuerySink(ctx, ins, creator, "archive")
	require.NoError(t, err)

	assert.Equal(t, "archive", creator.table)
	assert.Equal(t, "last_updated", creator.partition)
	fields := map[string]bigquery.FieldType{}
	for _, f := range creator.schema {
		fields[f.Name] = f.Type
	}
	assert.Equal(t, bigquery.TimestampFieldType, fields["last_updated"])
	assert.Equal(t, bigquery.FloatFieldType, fields["price"])
	assert.Equal(t, bigquery.StringFieldType, fields["scrape_parameters"])

	row, err := toRow(snapshot("lidl_a", "S1", 1, t0), t0)
	require.NoError(t, err)
	require.NoError(t, sink.Write(ctx, "lidl_a", []Row{row}))

	assert.Equal(t, "archive", ins.table)
	require.Len(t, ins.rows, 1)
	saver, ok := ins.rows[0].(*bigquery.StructSaver)
	require.True(t, ok)
	assert.Equal(t, "lidl_a|S1|1709287200000", saver.InsertID)
	assert.Equal(t, row, saver.Struct)
}

type fakeUploader struct {
	name  string
	value any
	tags  map[string]string
}

func (f *fakeUploader) UploadJSON(_ context.Context, name string, value any, tags map[string]string, _ ...blobstore.UploadOption) error {
	f.name, f.value, f.tags = name, value, tags
	return nil
}

func TestBlobSinkWritesTaggedDump(t *testing.T) {
	up := &fakeUploader{}
	sink := NewBlobSink(up, "dumps/")
	sink.now = func() time.Time { return time.Date(2024, 5, 10, 23, 0, 0, 0, time.UTC) }

	rows := []Row{
		{ProductID: "lidl_a", Market: "lidl", LastUpdated: t0.Add(time.Hour)},
		{ProductID: "lidl_a", Market: "lidl", LastUpdated: t0},
	}
	require.NoError(t, sink.Write(context.Background(), "lidl_a", rows))

	assert.Equal(t, "dumps/lidl_a/2024-05-10.json.z", up.name)
	assert.Equal(t, Dump{ProductID: "lidl_a", Snapshots: rows}, up.value)
	assert.Equal(t, map[string]string{
		"product_id": "lidl_a",
		"market":     "lidl",
		"oldest":     "2024-03-01T10:00:00Z",
		"newest":     "2024-03-01T11:00:00Z",
		"rows":       "2",
	}, up.tags)
}
