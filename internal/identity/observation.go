// Package identity resolves raw candidate observations from discovery
// sources into deduplicated candidate identities.
package identity

import (
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/sells-group/projectmatch/internal/model"
)

// Contact is the optional contact data of an observation.
type Contact struct {
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Website string `json:"website,omitempty"`
}

// Location is where a provider operates from. Zero coordinates mean unknown.
type Location struct {
	Lat float64 `json:"lat,omitempty"`
	Lon float64 `json:"lon,omitempty"`
	Zip string  `json:"zip,omitempty"`
}

// HasCoords reports whether the location carries coordinates.
func (l Location) HasCoords() bool {
	return l.Lat != 0 || l.Lon != 0
}

// Observation is one raw sighting of a provider from one source.
type Observation struct {
	SourceName  string   `json:"source_name"`
	ExternalID  string   `json:"external_id,omitempty"`
	DisplayName string   `json:"display_name"`
	Contact     Contact  `json:"contact"`
	Rating      float64  `json:"rating,omitempty"`
	RatingCount int      `json:"rating_count,omitempty"`
	Location    Location `json:"location"`
	ObservedAt  int64    `json:"observed_at"`

	// Size and credibility signals. Zero values mean not reported.
	EmployeeCount int      `json:"employee_count,omitempty"`
	AnnualRevenue float64  `json:"annual_revenue,omitempty"`
	LicenseNumber string   `json:"license_number,omitempty"`
	Verified      bool     `json:"verified,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
}

// Fingerprint identifies an observation for duplicate suppression. Two
// observations with the same fingerprint carry the same facts.
func (o Observation) Fingerprint() string {
	kw := append([]string(nil), o.Keywords...)
	sort.Strings(kw)
	payload := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%g|%d|%g|%g|%s|%d|%d|%g|%s|%t|%q",
		o.SourceName, NormalizeExternalID(o.ExternalID), o.DisplayName,
		NormalizePhone(o.Contact.Phone), o.Contact.Email, o.Contact.Website,
		o.Rating, o.RatingCount, o.Location.Lat, o.Location.Lon, o.Location.Zip,
		o.ObservedAt, o.EmployeeCount, o.AnnualRevenue, o.LicenseNumber, o.Verified, kw,
	)
	h := sha256.Sum256([]byte(payload))
	return fmt.Sprintf("%x", h[:16])
}

// Identity is a resolved, deduplicated provider.
type Identity struct {
	Key          string        `json:"identity_key"`
	Aliases      []string      `json:"aliases"`
	Observations []Observation `json:"merged_observations"`
	Sources      []string      `json:"sources"`

	DisplayName string   `json:"display_name"`
	Rating      float64  `json:"rating"`
	RatingCount int      `json:"rating_count"`
	Contact     Contact  `json:"contact"`
	Location    Location `json:"location"`

	// Set by the classifier.
	Size         model.SizeCategory `json:"size_category,omitempty"`
	Tier         int                `json:"tier,omitempty"`
	Completeness float64            `json:"completeness_score"`
}

// Clone returns a deep copy.
func (id *Identity) Clone() *Identity {
	c := *id
	c.Aliases = append([]string(nil), id.Aliases...)
	c.Sources = append([]string(nil), id.Sources...)
	c.Observations = make([]Observation, len(id.Observations))
	for i, o := range id.Observations {
		o.Keywords = append([]string(nil), o.Keywords...)
		c.Observations[i] = o
	}
	return &c
}

// HasAlias reports whether key resolves to this identity.
func (id *Identity) HasAlias(key string) bool {
	i := sort.SearchStrings(id.Aliases, key)
	return i < len(id.Aliases) && id.Aliases[i] == key
}
