// README: YAML seed loading for shelter definitions.
package shelter

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"refuge/internal/types"
)

// Upserter is any directory that accepts shelter definitions.
type Upserter interface {
	Upsert(ctx context.Context, s Shelter) error
}

type seedEntry struct {
	ID        types.ID    `yaml:"id"`
	Name      string      `yaml:"name"`
	Location  types.Point `yaml:"location"`
	Capacity  int         `yaml:"capacity"`
	Occupancy int         `yaml:"occupancy"`
	Active    *bool       `yaml:"active"`
}

// LoadSeed reads the shelters section of a seed file.
func LoadSeed(path string) ([]Shelter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "shelter: read seed %s", path)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates shelter definitions. Shelters are active
// unless the seed says otherwise.
func ParseSeed(data []byte) ([]Shelter, error) {
	var raw struct {
		Shelters []seedEntry `yaml:"shelters"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "shelter: parse seed")
	}
	out := make([]Shelter, 0, len(raw.Shelters))
	seen := make(map[string]bool, len(raw.Shelters))
	for _, r := range raw.Shelters {
		s := Shelter{
			ID:        r.ID,
			Name:      r.Name,
			Location:  r.Location,
			Capacity:  r.Capacity,
			Occupancy: r.Occupancy,
			Active:    r.Active == nil || *r.Active,
		}
		if err := s.Validate(); err != nil {
			return nil, eris.Wrapf(err, "shelter: seed entry %q", s.ID)
		}
		if seen[string(s.ID)] {
			return nil, eris.Errorf("shelter: duplicate seed id %q", s.ID)
		}
		seen[string(s.ID)] = true
		out = append(out, s)
	}
	return out, nil
}

// Seed upserts every shelter into dst.
func Seed(ctx context.Context, dst Upserter, shelters []Shelter) error {
	for _, s := range shelters {
		if err := dst.Upsert(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
