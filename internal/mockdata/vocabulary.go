// Package mockdata generates realistic stores, products and price snapshots
// for seeding a database, and checks the cross-collection invariants of a
// loaded one.
package mockdata

import (
	"bufio"
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

//go:embed data/*
var dataFS embed.FS

// Category is one leaf of the category tree with its ancestors, leaf first.
type Category [3]string

// Vocabulary holds the word lists product descriptions are built from.
// It is read-only once built.
type Vocabulary struct {
	names      []string
	variants   []string
	categories []Category
}

// NewVocabulary parses the embedded word lists.
func NewVocabulary() (*Vocabulary, error) {
	names, err := readLines("data/product_names.txt")
	if err != nil {
		return nil, err
	}
	variants, err := readLines("data/product_variants.txt")
	if err != nil {
		return nil, err
	}
	// no variant
	variants = append([]string{""}, variants...)

	raw, err := dataFS.ReadFile("data/product_categories.json")
	if err != nil {
		return nil, fmt.Errorf("reading categories: %w", err)
	}
	var tree map[string]map[string][]string
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("parsing categories: %w", err)
	}
	var categories []Category
	for _, lvl1 := range sortedKeys(tree) {
		for _, lvl2 := range sortedKeys(tree[lvl1]) {
			for _, lvl3 := range tree[lvl1][lvl2] {
				categories = append(categories, Category{lvl3, lvl2, lvl1})
			}
		}
	}
	if len(names) == 0 || len(categories) == 0 {
		return nil, fmt.Errorf("vocabulary is empty")
	}
	return &Vocabulary{names: names, variants: variants, categories: categories}, nil
}

// Names returns a copy of the product names.
func (v *Vocabulary) Names() []string { return slices.Clone(v.names) }

// Categories returns a copy of the flattened category tree.
func (v *Vocabulary) Categories() []Category { return slices.Clone(v.categories) }

func readLines(name string) ([]string, error) {
	raw, err := dataFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
