package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pokedex-arena/battlenode/pkg/battle"
)

const speciesFileName = "species.yaml"

var speciesKeyRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// SpeciesCatalogConfig is the root of species.yaml.
type SpeciesCatalogConfig struct {
	Species []SpeciesConfig `yaml:"species"`
}

// SpeciesConfig pins the stat block of one species. Pinned species are never
// fetched from the upstream data source.
type SpeciesConfig struct {
	// ID is the species identifier used in rosters (e.g. "25")
	ID string `yaml:"id"`
	// Name is an optional alias (e.g. "pikachu")
	Name  string       `yaml:"name"`
	Stats battle.Stats `yaml:"stats"`
}

// SpeciesCatalog maps species ids and names to their stat blocks.
type SpeciesCatalog map[string]battle.Stats

// LoadSpeciesCatalog reads <configDirPath>/species.yaml. A missing file yields an
// error matching os.ErrNotExist.
func LoadSpeciesCatalog(configDirPath string) (SpeciesCatalog, error) {
	f, err := os.Open(filepath.Join(configDirPath, speciesFileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg SpeciesCatalogConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", speciesFileName, err)
	}

	return cfg.Catalog()
}

// Catalog validates the configured species and indexes them by id and name.
func (cfg SpeciesCatalogConfig) Catalog() (SpeciesCatalog, error) {
	catalog := make(SpeciesCatalog, len(cfg.Species)*2)
	for i, species := range cfg.Species {
		keys := []string{normalizeSpeciesKey(species.ID)}
		if species.Name != "" {
			keys = append(keys, normalizeSpeciesKey(species.Name))
		}

		for _, key := range keys {
			if !speciesKeyRegex.MatchString(key) {
				return nil, fmt.Errorf("species #%d: invalid identifier %q", i, key)
			}
			if _, exists := catalog[key]; exists {
				return nil, fmt.Errorf("species #%d: duplicate identifier %q", i, key)
			}
			catalog[key] = species.Stats.WithDefaults()
		}
	}
	return catalog, nil
}

// Lookup returns the pinned stats for a species id or name.
func (c SpeciesCatalog) Lookup(speciesID string) (battle.Stats, bool) {
	stats, ok := c[normalizeSpeciesKey(speciesID)]
	return stats, ok
}

func normalizeSpeciesKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
