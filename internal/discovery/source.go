package discovery

import (
	"context"
	"encoding/json"
	"os"
	"slices"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/projectmatch/internal/identity"
	"github.com/sells-group/projectmatch/internal/model"
)

// Query is what a source is asked for.
type Query struct {
	PublishedRecordID string             `json:"published_record_id"`
	Category          string             `json:"category"`
	Origin            identity.Location  `json:"origin"`
	RadiusMiles       float64            `json:"radius_miles"`
	PreferredSize     model.SizeCategory `json:"preferred_size,omitempty"`
}

// Source is one provider data source.
type Source interface {
	Name() string
	Discover(ctx context.Context, q Query) ([]identity.Observation, error)
}

// FixtureObservation is an observation with the categories it serves.
// An empty category list serves every category.
type FixtureObservation struct {
	identity.Observation
	Categories []string `json:"categories,omitempty"`
}

// Fixture is the on-disk form of static source data and the zip
// coordinate table.
type Fixture struct {
	Zips    map[string]identity.Location    `json:"zips"`
	Sources map[string][]FixtureObservation `json:"sources"`
}

// LoadFixture reads a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "discovery: read fixture %s", path)
	}
	var f Fixture
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrapf(err, "discovery: parse fixture %s", path)
	}
	return &f, nil
}

// StaticSources builds one StaticSource per fixture source, sorted by name.
func (f *Fixture) StaticSources() []Source {
	names := make([]string, 0, len(f.Sources))
	for n := range f.Sources {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Source, 0, len(names))
	for _, n := range names {
		out = append(out, NewStaticSource(n, f.Sources[n]))
	}
	return out
}

// StaticSource serves a fixed set of observations.
type StaticSource struct {
	name string
	obs  []FixtureObservation
}

// NewStaticSource creates a StaticSource. Observations without a source
// name are attributed to name.
func NewStaticSource(name string, obs []FixtureObservation) *StaticSource {
	cp := make([]FixtureObservation, len(obs))
	for i, o := range obs {
		if o.SourceName == "" {
			o.SourceName = name
		}
		cp[i] = o
	}
	return &StaticSource{name: name, obs: cp}
}

// Name implements Source.
func (s *StaticSource) Name() string { return s.name }

// Discover implements Source. It returns the observations that serve the
// query's category.
func (s *StaticSource) Discover(ctx context.Context, q Query) ([]identity.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []identity.Observation
	for _, o := range s.obs {
		if len(o.Categories) == 0 || q.Category == "" || slices.Contains(o.Categories, q.Category) {
			out = append(out, o.Observation)
		}
	}
	return out, nil
}

// ZipLocator resolves a zip code to coordinates.
type ZipLocator interface {
	Locate(zip string) (identity.Location, bool)
}

// ZipTable is a static ZipLocator.
type ZipTable map[string]identity.Location

// Locate implements ZipLocator.
func (t ZipTable) Locate(zip string) (identity.Location, bool) {
	loc, ok := t[zip]
	if !ok {
		return identity.Location{Zip: zip}, false
	}
	loc.Zip = zip
	return loc, true
}
