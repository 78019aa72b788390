package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/i474232898/weather-sync/internal/weather"
)

//go:embed cities.yaml
var embeddedCities []byte

type cityFile struct {
	Cities []weather.City `yaml:"cities"`
}

// LoadCities reads the city list from path, or from the embedded default
// list when path is empty. City names must be unique.
func LoadCities(path string) ([]weather.City, error) {
	data := embeddedCities
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read cities file (%s): %w", path, err)
		}
		data = raw
	}
	return parseCities(data)
}

func parseCities(data []byte) ([]weather.City, error) {
	var f cityFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse cities: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Cities))
	for i, c := range f.Cities {
		if err := validate.Struct(c); err != nil {
			return nil, fmt.Errorf("city #%d (%q): %w", i+1, c.Name, err)
		}
		if _, dup := seen[c.Name]; dup {
			return nil, fmt.Errorf("duplicate city %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return f.Cities, nil
}
