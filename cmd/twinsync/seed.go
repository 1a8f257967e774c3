package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store"
	"gopkg.in/yaml.v3"
)

// fixture maps collection names to the records to load.
type fixture map[string][]records.Record

func loadFixture(reader io.Reader) (fixture, error) {
	decoded := fixture{}
	if err := yaml.NewDecoder(reader).Decode(&decoded); err != nil {
		if errors.Is(err, io.EOF) {
			return fixture{}, nil
		}
		return nil, fmt.Errorf("seed: decode fixture: %w", err)
	}
	for collection := range decoded {
		if _, err := records.ValidateCollection(collection); err != nil {
			return nil, fmt.Errorf("seed: %w", err)
		}
	}
	return decoded, nil
}

// seedStore upserts every fixture record and returns the count per collection.
// Records without a key are created with a generated one.
func seedStore(ctx context.Context, target store.Store, keys records.KeySpec, data fixture) (map[string]int, error) {
	collections := make([]string, 0, len(data))
	for collection := range data {
		collections = append(collections, collection)
	}
	sort.Strings(collections)

	summary := make(map[string]int, len(collections))
	for _, collection := range collections {
		for index, record := range data[collection] {
			id, err := keys.Key(collection, record)
			if err != nil {
				if _, createErr := target.Create(ctx, collection, record); createErr != nil {
					return summary, fmt.Errorf("seed: %s[%d]: %w", collection, index, createErr)
				}
				summary[collection]++
				continue
			}
			if err := store.Upsert(ctx, target, collection, id, keys, record); err != nil {
				return summary, fmt.Errorf("seed: %s/%s: %w", collection, id, err)
			}
			summary[collection]++
		}
	}
	return summary, nil
}
