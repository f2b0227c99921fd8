package items

import (
	"crypto/md5"
	"encoding/hex"
	"slices"
)

// LocationID hashes the sorted postal codes of points. The result does not
// depend on the order of points.
func LocationID(points []GeoPoint) string {
	codes := make([]string, 0, len(points))
	for _, p := range points {
		codes = append(codes, p.PostalCode)
	}
	return LocationIDFromPostalCodes(codes)
}

// LocationIDFromPostalCodes is the md5 hex digest of the sorted codes
// concatenated without separator.
func LocationIDFromPostalCodes(codes []string) string {
	sorted := slices.Clone(codes)
	slices.Sort(sorted)
	h := md5.New()
	for _, c := range sorted {
		h.Write([]byte(c))
	}
	return hex.EncodeToString(h.Sum(nil))
}
