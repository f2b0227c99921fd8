package items

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/clevi/pricestore/pkg/errors"
)

func TestLocationIDIsOrderIndependent(t *testing.T) {
	codes := []string{"20121", "00184", "10121", "40121", "80121", "50121"}
	want := LocationIDFromPostalCodes(codes)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]string(nil), codes...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, LocationIDFromPostalCodes(shuffled))
	}

	points := []GeoPoint{{PostalCode: "20121"}, {PostalCode: "00184"}}
	reversed := []GeoPoint{{PostalCode: "00184"}, {PostalCode: "20121"}}
	assert.Equal(t, LocationID(points), LocationID(reversed))
	assert.Equal(t, LocationIDFromPostalCodes([]string{"00184", "20121"}), LocationID(points))
}

func TestLocationIDMatchesConcatenatedDigest(t *testing.T) {
	// md5("0018420121")
	assert.Equal(t, "53922ccb383b46119b22b57a666074ba", LocationIDFromPostalCodes([]string{"20121", "00184"}))
	assert.NotEqual(t, LocationIDFromPostalCodes([]string{"1"}), LocationIDFromPostalCodes([]string{"2"}))
}

func TestLocationIDDoesNotMutateInput(t *testing.T) {
	codes := []string{"b", "a"}
	LocationIDFromPostalCodes(codes)
	assert.Equal(t, []string{"b", "a"}, codes)
}

func TestNewLocationItemSortsPostalCodes(t *testing.T) {
	loc := NewLocationItem([]GeoPoint{{PostalCode: "30100"}, {PostalCode: "00100"}, {PostalCode: "20100"}})
	assert.Equal(t, []string{"00100", "20100", "30100"}, loc.PostalCodes)
	assert.Equal(t, LocationIDFromPostalCodes(loc.PostalCodes), loc.ID())
}

func TestGlobalIDs(t *testing.T) {
	store := StoreItem{StoreID: "12", Market: "lidl", Service: ServicePickup}
	store.EnsureID()
	assert.Equal(t, "12_lidl_pickup", store.ID)

	store.ID = "custom"
	store.EnsureID()
	assert.Equal(t, "custom", store.ID)

	product := ProductItem{Code: "0042", Market: "esselunga"}
	product.EnsureID()
	assert.Equal(t, "esselunga_0042", product.ID)

	snap := ProductStoreDataItem{Code: "0042", Market: "esselunga"}
	snap.EnsureProductID()
	assert.Equal(t, product.ID, snap.ProductID)
}

func validStore() StoreItem {
	return StoreItem{
		StoreID: "12",
		Name:    "Lidl Centro",
		Market:  "lidl",
		Service: ServiceDelivery,
		GeoPoint: &GeoPoint{
			PostalCode: "20121",
			City:       "Milano",
			Lat:        45.4642,
			Long:       9.19,
		},
	}
}

func TestValidateStoreItem(t *testing.T) {
	require.NoError(t, Validate(validStore()))

	bad := validStore()
	bad.Service = "drone"
	bad.GeoPoint.City = ""
	bad.GeoPoint.Lat = 123
	err := Validate(bad)
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))

	details, ok := pkgerrors.As(err).Details().(map[string]string)
	require.True(t, ok)
	assert.Contains(t, details, "service")
	assert.Contains(t, details, "geo_point.city")
	assert.Contains(t, details, "geo_point.lat")
}

func TestValidateRejectsMarketsUnusableAsFieldKeys(t *testing.T) {
	for _, market := range []string{"a.b", "$lidl", ""} {
		store := validStore()
		store.Market = market
		err := Validate(store)
		require.Error(t, err, market)
		details := pkgerrors.As(err).Details().(map[string]string)
		assert.Contains(t, details, "market")
	}
	assert.True(t, ValidMarketName("lidl"))
}

func TestValidateBatchKeysFailuresByIndex(t *testing.T) {
	batch := []ProductItem{
		{Code: "1", Market: "lidl"},
		{Market: "lidl"},
		{Code: "3", Market: "lidl", UnitValue: -1},
	}
	err := ValidateBatch(batch)
	require.Error(t, err)
	details := pkgerrors.As(err).Details().(map[string]string)
	assert.Equal(t, "is required", details["[1].code"])
	assert.Contains(t, details, "[2].unit_value")
	assert.Len(t, details, 2)

	assert.NoError(t, ValidateBatch(batch[:1]))
	assert.NoError(t, ValidateBatch([]ProductItem{}))
}

func TestSharedMarket(t *testing.T) {
	a, b := validStore(), validStore()
	market, err := SharedMarket([]StoreItem{a, b})
	require.NoError(t, err)
	assert.Equal(t, "lidl", market)

	b.Market = "esselunga"
	_, err = SharedMarket([]StoreItem{a, b})
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))

	_, err = SharedMarket(nil)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}
