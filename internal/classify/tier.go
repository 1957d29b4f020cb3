package classify

import (
	"math"

	"github.com/sells-group/projectmatch/internal/identity"
)

// Completeness component weights. They sum to 1.
const (
	weightVerifiedContact = 0.30
	weightLicense         = 0.20
	weightPhone           = 0.10
	weightWebOrEmail      = 0.10
	weightReviews         = 0.30
)

// Review-count thresholds for the reviews component.
const (
	fullReviewCount    = 50
	partialReviewCount = 10
)

// Tier floors on the completeness score.
const (
	tierOneFloor = 0.70
	tierTwoFloor = 0.40
)

// Completeness scores how much credible information an identity carries,
// from 0 to 1.
func Completeness(id *identity.Identity) float64 {
	var verifiedContact, license, phone, webOrEmail, reviews float64
	for _, o := range id.Observations {
		if o.Verified && (o.Contact.Phone != "" || o.Contact.Email != "") {
			verifiedContact = 1
		}
		if o.LicenseNumber != "" {
			license = 1
		}
	}
	if id.Contact.Phone != "" {
		phone = 1
	}
	if id.Contact.Website != "" || id.Contact.Email != "" {
		webOrEmail = 1
	}
	switch {
	case id.RatingCount >= fullReviewCount:
		reviews = 1
	case id.RatingCount >= partialReviewCount:
		reviews = 0.5
	}

	total := verifiedContact*weightVerifiedContact +
		license*weightLicense +
		phone*weightPhone +
		webOrEmail*weightWebOrEmail +
		reviews*weightReviews
	return math.Round(total*100) / 100
}

// ClassifyTier maps an identity's completeness to a tier: 1 is the most
// credible, 3 the least.
func ClassifyTier(id *identity.Identity) int {
	return tierFor(Completeness(id))
}

func tierFor(score float64) int {
	switch {
	case score >= tierOneFloor:
		return 1
	case score >= tierTwoFloor:
		return 2
	default:
		return 3
	}
}

// Annotate fills the classifier-owned fields of id. It is installed on the
// identity resolver so every merge is reclassified.
func Annotate(id *identity.Identity) {
	id.Size = ClassifySize(id)
	id.Completeness = Completeness(id)
	id.Tier = tierFor(id.Completeness)
}
