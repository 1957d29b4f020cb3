package identity

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func greenThumb(source string, ext string, phone string, at int64) Observation {
	return Observation{
		SourceName:  source,
		ExternalID:  ext,
		DisplayName: "Green Thumb Landscaping",
		Contact:     Contact{Phone: phone},
		Rating:      4.5,
		RatingCount: int(at) * 10,
		Location:    Location{Lat: 30.25, Lon: -97.75, Zip: "78704"},
		ObservedAt:  at,
	}
}

func permutations(n int) [][]int {
	var out [][]int
	var rec func(prefix []int, rest []int)
	rec = func(prefix []int, rest []int) {
		if len(rest) == 0 {
			out = append(out, append([]int(nil), prefix...))
			return
		}
		for i := range rest {
			next := append(append([]int(nil), rest[:i]...), rest[i+1:]...)
			rec(append(prefix, rest[i]), next)
		}
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rec(nil, idx)
	return out
}

func ingestAll(t *testing.T, r *Resolver, obs []Observation) {
	t.Helper()
	for _, o := range obs {
		_, _, err := r.Ingest(context.Background(), o)
		require.NoError(t, err)
	}
}

func TestIngest_ThreeObservationScenario(t *testing.T) {
	obs := []Observation{
		greenThumb("registry", "TX-4411", "", 1),
		greenThumb("maps", "", "(512) 555-0100", 2),
		greenThumb("directory", "tx-4411", "512.555.0100", 3),
	}

	for _, perm := range permutations(len(obs)) {
		t.Run(fmt.Sprint(perm), func(t *testing.T) {
			r := NewResolver()
			for _, i := range perm {
				_, _, err := r.Ingest(context.Background(), obs[i])
				require.NoError(t, err)
			}

			all := r.All()
			require.Len(t, all, 1)
			id := all[0]
			assert.Equal(t, "ext:tx-4411", id.Key)
			assert.Len(t, id.Observations, 3)
			assert.Equal(t, []string{"ext:tx-4411", "np:green thumb landscaping|5125550100"}, id.Aliases)
			assert.Equal(t, []string{"directory", "maps", "registry"}, id.Sources)

			viaAlias, ok := r.Get("np:green thumb landscaping|5125550100")
			require.True(t, ok)
			assert.Equal(t, id.Key, viaAlias.Key)
		})
	}
}

func TestIngest_OrderIndependentWithDuplicates(t *testing.T) {
	base := []Observation{
		greenThumb("registry", "TX-4411", "", 1),
		greenThumb("maps", "", "(512) 555-0100", 2),
		greenThumb("directory", "tx-4411", "512.555.0100", 3),
		{SourceName: "maps", DisplayName: "Blue Sky Roofing", Contact: Contact{Phone: "737-555-0199"}, RatingCount: 80, Rating: 4.1, ObservedAt: 4},
		{SourceName: "yelp", DisplayName: "Blue Sky Roofing, Inc.", Contact: Contact{Phone: "+1 737 555 0199", Website: "blueskyroof.example"}, RatingCount: 12, Rating: 4.8, ObservedAt: 5},
		{SourceName: "registry", ExternalID: "TX-9001", DisplayName: "Lone Star HVAC", ObservedAt: 6, Verified: true, LicenseNumber: "TACLA1234"},
		{SourceName: "maps", DisplayName: "Lone Star HVAC", Contact: Contact{Phone: "512 555 0111"}, ObservedAt: 7},
	}

	reference := NewResolver(WithTrust(map[string]int{"registry": 3, "yelp": 2}))
	ingestAll(t, reference, base)
	want := reference.All()
	require.Len(t, want, 4)

	rng := rand.New(rand.NewPCG(7, 11))
	for round := 0; round < 20; round++ {
		batch := append([]Observation(nil), base...)
		for i := 0; i < 5; i++ {
			batch = append(batch, base[rng.IntN(len(base))])
		}
		rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })

		r := NewResolver(WithTrust(map[string]int{"registry": 3, "yelp": 2}))
		res, err := r.IngestBatch(context.Background(), batch)
		require.NoError(t, err)
		assert.Equal(t, 5, res.Duplicates)
		assert.Equal(t, want, r.All(), "round %d", round)
	}
}

func TestIngest_CompetingRegistryIDs(t *testing.T) {
	obs := []Observation{
		{SourceName: "registry", ExternalID: "B-2", DisplayName: "Ace Plumbing", Contact: Contact{Phone: "555-123-4567"}, ObservedAt: 1},
		{SourceName: "registry", ExternalID: "A-1", DisplayName: "Ace Plumbing", Contact: Contact{Phone: "555-123-4567"}, ObservedAt: 2},
		{SourceName: "maps", DisplayName: "Ace Plumbing", Contact: Contact{Phone: "5551234567"}, ObservedAt: 3},
	}

	for _, perm := range permutations(len(obs)) {
		t.Run(fmt.Sprint(perm), func(t *testing.T) {
			r := NewResolver()
			for _, i := range perm {
				_, _, err := r.Ingest(context.Background(), obs[i])
				require.NoError(t, err)
			}
			all := r.All()
			require.Len(t, all, 2)
			assert.Equal(t, "ext:a-1", all[0].Key)
			assert.Len(t, all[0].Observations, 2)
			assert.True(t, all[0].HasAlias("np:ace plumbing|5551234567"))
			assert.Equal(t, "ext:b-2", all[1].Key)
			assert.Len(t, all[1].Observations, 1)
			assert.Equal(t, []string{"ext:b-2"}, all[1].Aliases)
		})
	}
}

func TestIngest_ContactTrust(t *testing.T) {
	lowTrustHighVolume := Observation{SourceName: "maps", ExternalID: "L-7", DisplayName: "Verde", Contact: Contact{Phone: "512-555-0001", Email: "hi@verde.example"}, Rating: 4.2, RatingCount: 300, ObservedAt: 1}
	highTrustLowVolume := Observation{SourceName: "registry", ExternalID: "L-7", DisplayName: "Verde Landscapes", Contact: Contact{Phone: "512-555-0002"}, Rating: 5, RatingCount: 2, ObservedAt: 2}

	r := NewResolver(WithTrust(map[string]int{"registry": 5, "maps": 1}))
	ingestAll(t, r, []Observation{lowTrustHighVolume, highTrustLowVolume})

	id, ok := r.Get("ext:l-7")
	require.True(t, ok)
	assert.Equal(t, "512-555-0002", id.Contact.Phone, "higher trust wins a conflict")
	assert.Equal(t, "hi@verde.example", id.Contact.Email, "no conflict keeps the only value")
	assert.Equal(t, "Verde Landscapes", id.DisplayName)
	assert.Equal(t, 300, id.RatingCount)
	assert.Equal(t, 4.2, id.Rating)

	// With equal trust the higher review volume supplies contact data.
	flat := NewResolver()
	ingestAll(t, flat, []Observation{highTrustLowVolume, lowTrustHighVolume})
	id, ok = flat.Get("ext:l-7")
	require.True(t, ok)
	assert.Equal(t, "512-555-0001", id.Contact.Phone)
}

func TestIngest_Unresolvable(t *testing.T) {
	r := NewResolver()
	_, _, err := r.Ingest(context.Background(), Observation{SourceName: "maps", DisplayName: "No Phone Painting"})
	assert.True(t, errors.Is(err, ErrUnresolvable))
	assert.Zero(t, r.Len())

	res, err := r.IngestBatch(context.Background(), []Observation{
		{SourceName: "maps", DisplayName: "No Phone Painting"},
		{SourceName: "maps", Contact: Contact{Phone: "512-555-0100"}},
		greenThumb("maps", "", "512-555-0100", 1),
	})
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Created: 1, Unresolvable: 2}, res)
}

func TestIngest_CreatedFlag(t *testing.T) {
	r := NewResolver()
	ctx := context.Background()

	_, created, err := r.Ingest(ctx, greenThumb("maps", "", "512-555-0100", 1))
	require.NoError(t, err)
	assert.True(t, created)

	id, created, err := r.Ingest(ctx, greenThumb("yelp", "", "512-555-0100", 2))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, id.Observations, 2)

	id, created, err = r.Ingest(ctx, greenThumb("yelp", "", "512-555-0100", 2))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, id.Observations, 2)
}

func TestResolve_AbsorbingNamePhoneIsAMerge(t *testing.T) {
	r := NewResolver()
	ctx := context.Background()

	_, outcome, err := r.Resolve(ctx, greenThumb("maps", "", "512-555-0100", 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)

	id, created, err := r.Ingest(ctx, greenThumb("registry", "TX-4411", "512-555-0100", 2))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "ext:tx-4411", id.Key)
	assert.Len(t, id.Observations, 2)
	assert.Equal(t, 1, r.Len())

	// A registry id without name+phone history is still a new identity.
	_, outcome, err = r.Resolve(ctx, greenThumb("registry", "TX-9000", "512-555-0199", 3))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
}

func TestResolve_SmallerRegistryIDTakeoverIsAMerge(t *testing.T) {
	r := NewResolver()
	ctx := context.Background()
	ingestAll(t, r, []Observation{
		{SourceName: "registry", ExternalID: "B-2", DisplayName: "Ace Plumbing", Contact: Contact{Phone: "555-123-4567"}, ObservedAt: 1},
		{SourceName: "maps", DisplayName: "Ace Plumbing", Contact: Contact{Phone: "5551234567"}, ObservedAt: 2},
	})

	res, err := r.IngestBatch(ctx, []Observation{
		{SourceName: "registry", ExternalID: "A-1", DisplayName: "Ace Plumbing", Contact: Contact{Phone: "555-123-4567"}, ObservedAt: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Merged: 1}, res)

	id, ok := r.Get("ext:a-1")
	require.True(t, ok)
	assert.Len(t, id.Observations, 2)
}

func TestIngest_Annotator(t *testing.T) {
	calls := 0
	r := NewResolver(WithAnnotator(func(id *Identity) {
		calls++
		id.Tier = len(id.Observations)
	}))
	ingestAll(t, r, []Observation{
		greenThumb("maps", "", "512-555-0100", 1),
		greenThumb("yelp", "", "512-555-0100", 2),
	})
	id, ok := r.Get("np:green thumb landscaping|5125550100")
	require.True(t, ok)
	assert.Equal(t, 2, id.Tier)
	assert.Equal(t, 2, calls)
}

func TestIngest_ConcurrentMerges(t *testing.T) {
	r := NewResolver(WithStripes(8))
	ctx := context.Background()

	const providers = 20
	const perProvider = 10
	var wg sync.WaitGroup
	for p := 0; p < providers; p++ {
		for i := 0; i < perProvider; i++ {
			wg.Add(1)
			go func(p, i int) {
				defer wg.Done()
				o := Observation{
					SourceName:  fmt.Sprintf("src-%d", i%3),
					DisplayName: fmt.Sprintf("Provider %d", p),
					Contact:     Contact{Phone: fmt.Sprintf("512555%04d", p)},
					ObservedAt:  int64(i),
				}
				// Every third provider also appears with a registry id.
				if p%3 == 0 && i%2 == 0 {
					o.ExternalID = fmt.Sprintf("reg-%d", p)
				}
				if _, _, err := r.Ingest(ctx, o); err != nil {
					t.Errorf("ingest: %v", err)
				}
			}(p, i)
		}
	}
	wg.Wait()

	all := r.All()
	require.Len(t, all, providers)
	total := 0
	for _, id := range all {
		total += len(id.Observations)
	}
	assert.Equal(t, providers*perProvider, total)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Load(ctx context.Context) ([]*Identity, error) {
	args := m.Called(ctx)
	ids, _ := args.Get(0).([]*Identity)
	return ids, args.Error(1)
}

func (m *mockStore) Save(ctx context.Context, ch Change) error {
	return m.Called(ctx, ch).Error(0)
}

func TestIngest_PersistsAbsorption(t *testing.T) {
	st := &mockStore{}
	st.On("Save", mock.Anything, mock.MatchedBy(func(ch Change) bool { return len(ch.Removed) == 0 })).Return(nil).Once()
	st.On("Save", mock.Anything, mock.MatchedBy(func(ch Change) bool {
		return len(ch.Removed) == 1 && ch.Removed[0] == "np:green thumb landscaping|5125550100" && ch.IdentityKey == "ext:tx-4411"
	})).Return(nil).Once()

	r := NewResolver(WithStore(st))
	ingestAll(t, r, []Observation{
		greenThumb("maps", "", "512-555-0100", 1),
		greenThumb("registry", "TX-4411", "512-555-0100", 2),
	})
	st.AssertExpectations(t)
	assert.Equal(t, 1, r.Len())
}

func TestIngest_SaveFailureLeavesStateUnchanged(t *testing.T) {
	st := &mockStore{}
	st.On("Save", mock.Anything, mock.Anything).Return(errors.New("db down"))

	r := NewResolver(WithStore(st))
	_, _, err := r.Ingest(context.Background(), greenThumb("maps", "", "512-555-0100", 1))
	require.Error(t, err)
	assert.Zero(t, r.Len())
	_, ok := r.Get("np:green thumb landscaping|5125550100")
	assert.False(t, ok)
}

func TestLoad(t *testing.T) {
	src := NewResolver()
	ingestAll(t, src, []Observation{
		greenThumb("maps", "", "512-555-0100", 1),
		greenThumb("registry", "TX-4411", "512-555-0100", 2),
	})

	st := &mockStore{}
	st.On("Load", mock.Anything).Return(src.All(), nil)
	st.On("Save", mock.Anything, mock.Anything).Return(nil)

	r := NewResolver(WithStore(st))
	require.NoError(t, r.Load(context.Background()))
	assert.Equal(t, src.All(), r.All())

	// Replaying a loaded observation is a duplicate.
	id, created, err := r.Ingest(context.Background(), greenThumb("maps", "", "512-555-0100", 1))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, id.Observations, 2)
	st.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}
