package main

import "testing"

func TestParseTags(t *testing.T) {
	tags, err := parseTags([]string{"market=lidl", "day=2024-05-01", "empty="})
	if err != nil {
		t.Fatalf("parseTags: %v", err)
	}
	if tags["market"] != "lidl" || tags["day"] != "2024-05-01" || tags["empty"] != "" {
		t.Fatalf("unexpected tags %v", tags)
	}
	if _, err := parseTags([]string{"market"}); err == nil {
		t.Fatal("expected error for missing value separator")
	}
	if _, err := parseTags([]string{"=lidl"}); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestFormatTagsIsSorted(t *testing.T) {
	got := formatTags(map[string]string{"rows": "3", "market": "lidl"})
	if got != "market=lidl,rows=3" {
		t.Fatalf("unexpected %q", got)
	}
}
