package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureJSON = `{
  "zips": {"78704": {"lat": 30.243, "lon": -97.77}},
  "sources": {
    "registry": [
      {"external_id": "TX-1", "display_name": "Green Thumb Landscaping", "contact": {"phone": "512-555-0101"}, "categories": ["landscaping"], "observed_at": 1}
    ],
    "directory": [
      {"source_name": "yellow", "display_name": "Drip Stop Plumbing", "contact": {"phone": "512-555-0109"}, "categories": ["plumbing"], "observed_at": 1},
      {"display_name": "Any Job Handyman", "contact": {"phone": "512-555-0110"}, "observed_at": 1}
    ]
  }
}`

func TestLoadFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.json")
	require.NoError(t, os.WriteFile(path, []byte(fixtureJSON), 0o644))

	f, err := LoadFixture(path)
	require.NoError(t, err)

	loc, ok := ZipTable(f.Zips).Locate("78704")
	require.True(t, ok)
	assert.Equal(t, "78704", loc.Zip)

	sources := f.StaticSources()
	require.Len(t, sources, 2)
	assert.Equal(t, "directory", sources[0].Name())
	assert.Equal(t, "registry", sources[1].Name())

	got, err := sources[0].Discover(context.Background(), Query{Category: "landscaping"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Any Job Handyman", got[0].DisplayName)
	assert.Equal(t, "directory", got[0].SourceName)

	got, err = sources[0].Discover(context.Background(), Query{Category: "plumbing"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "yellow", got[0].SourceName)
}

func TestLoadFixture_Errors(t *testing.T) {
	_, err := LoadFixture(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read fixture")

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err = LoadFixture(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse fixture")
}

func TestStaticSource_HonorsCancel(t *testing.T) {
	src := NewStaticSource("registry", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Discover(ctx, Query{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestZipTable_Unknown(t *testing.T) {
	loc, ok := ZipTable{}.Locate("99999")
	assert.False(t, ok)
	assert.Equal(t, "99999", loc.Zip)
	assert.False(t, loc.HasCoords())
}
