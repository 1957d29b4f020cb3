package identity

import (
	"sort"
)

// ranked pairs an observation with its precomputed fingerprint.
type ranked struct {
	obs Observation
	fp  string
}

// refresh recomputes every derived field of id from its observations. The
// result depends only on the set of observations, never on arrival order.
func (r *Resolver) refresh(id *Identity) {
	items := make([]ranked, len(id.Observations))
	for i, o := range id.Observations {
		items[i] = ranked{obs: o, fp: o.Fingerprint()}
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.obs.ObservedAt != b.obs.ObservedAt {
			return a.obs.ObservedAt < b.obs.ObservedAt
		}
		if a.obs.SourceName != b.obs.SourceName {
			return a.obs.SourceName < b.obs.SourceName
		}
		return a.fp < b.fp
	})

	sources := map[string]bool{}
	id.Sources = id.Sources[:0]
	for i, it := range items {
		id.Observations[i] = it.obs
		if !sources[it.obs.SourceName] {
			sources[it.obs.SourceName] = true
			id.Sources = append(id.Sources, it.obs.SourceName)
		}
	}
	sort.Strings(id.Sources)

	byTrust := r.byTrust(items)
	pick := func(has func(Observation) bool) (Observation, bool) {
		for _, it := range byTrust {
			if has(it.obs) {
				return it.obs, true
			}
		}
		return Observation{}, false
	}

	id.DisplayName, id.Contact, id.Location = "", Contact{}, Location{}
	if o, ok := pick(func(o Observation) bool { return o.DisplayName != "" }); ok {
		id.DisplayName = o.DisplayName
	}
	if o, ok := pick(func(o Observation) bool { return o.Contact.Phone != "" }); ok {
		id.Contact.Phone = o.Contact.Phone
	}
	if o, ok := pick(func(o Observation) bool { return o.Contact.Email != "" }); ok {
		id.Contact.Email = o.Contact.Email
	}
	if o, ok := pick(func(o Observation) bool { return o.Contact.Website != "" }); ok {
		id.Contact.Website = o.Contact.Website
	}
	if o, ok := pick(func(o Observation) bool { return o.Location.HasCoords() }); ok {
		id.Location.Lat, id.Location.Lon = o.Location.Lat, o.Location.Lon
	}
	if o, ok := pick(func(o Observation) bool { return o.Location.Zip != "" }); ok {
		id.Location.Zip = o.Location.Zip
	}

	// Rating follows review volume rather than trust.
	byVolume := append([]ranked(nil), items...)
	sort.SliceStable(byVolume, func(i, j int) bool {
		a, b := byVolume[i], byVolume[j]
		if a.obs.RatingCount != b.obs.RatingCount {
			return a.obs.RatingCount > b.obs.RatingCount
		}
		return r.prefer(a, b)
	})
	id.Rating, id.RatingCount = 0, 0
	for _, it := range byVolume {
		if it.obs.Rating > 0 || it.obs.RatingCount > 0 {
			id.Rating, id.RatingCount = it.obs.Rating, it.obs.RatingCount
			break
		}
	}

	if r.annotate != nil {
		r.annotate(id)
	}
}

// byTrust orders observations for contact selection: higher source trust,
// then higher rating_count, then newer, then fingerprint.
func (r *Resolver) byTrust(items []ranked) []ranked {
	out := append([]ranked(nil), items...)
	sort.SliceStable(out, func(i, j int) bool { return r.prefer(out[i], out[j]) })
	return out
}

func (r *Resolver) prefer(a, b ranked) bool {
	ta, tb := r.trust[a.obs.SourceName], r.trust[b.obs.SourceName]
	if ta != tb {
		return ta > tb
	}
	if a.obs.RatingCount != b.obs.RatingCount {
		return a.obs.RatingCount > b.obs.RatingCount
	}
	if a.obs.ObservedAt != b.obs.ObservedAt {
		return a.obs.ObservedAt > b.obs.ObservedAt
	}
	return a.fp < b.fp
}
