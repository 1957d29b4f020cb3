package identity

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Key prefixes.
const (
	externalPrefix  = "ext:"
	namePhonePrefix = "np:"
)

// minPhoneDigits is the shortest phone number accepted as a key component.
const minPhoneDigits = 7

// legalSuffixes are dropped from the end of normalized names.
var legalSuffixes = []string{
	"llc", "l l c", "inc", "incorporated", "corp", "corporation", "co", "company",
	"ltd", "limited", "lp", "llp", "pc", "pllc", "dba",
}

var (
	nonAlnumRe   = regexp.MustCompile(`[^a-z0-9]+`)
	nonDigitRe   = regexp.MustCompile(`\D`)
	multiSpaceRe = regexp.MustCompile(`\s+`)
)

// NormalizeName folds a display name for matching: diacritics removed,
// lowercased, "&" spelled out, punctuation stripped, a trailing legal
// suffix dropped and whitespace collapsed.
func NormalizeName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	folded = strings.ToLower(folded)
	folded = strings.ReplaceAll(folded, "&", " and ")
	folded = nonAlnumRe.ReplaceAllString(folded, " ")
	folded = strings.TrimSpace(multiSpaceRe.ReplaceAllString(folded, " "))

	for _, suffix := range legalSuffixes {
		if trimmed, ok := strings.CutSuffix(folded, " "+suffix); ok {
			folded = strings.TrimSpace(trimmed)
			break
		}
	}
	return folded
}

// NormalizePhone keeps digits only and drops a leading US country code.
func NormalizePhone(phone string) string {
	digits := nonDigitRe.ReplaceAllString(phone, "")
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	return digits
}

// NormalizeExternalID trims and lowercases a registry identifier.
func NormalizeExternalID(id string) string {
	return strings.ToLower(multiSpaceRe.ReplaceAllString(strings.TrimSpace(id), ""))
}

// ExternalKey returns the external-id key of o, or "".
func ExternalKey(o Observation) string {
	id := NormalizeExternalID(o.ExternalID)
	if id == "" {
		return ""
	}
	return externalPrefix + id
}

// NamePhoneKey returns the name+phone key of o, or "" when either part is
// unusable.
func NamePhoneKey(o Observation) string {
	name := NormalizeName(o.DisplayName)
	phone := NormalizePhone(o.Contact.Phone)
	if name == "" || len(phone) < minPhoneDigits {
		return ""
	}
	return namePhonePrefix + name + "|" + phone
}

// IsExternalKey reports whether key was derived from an external id.
func IsExternalKey(key string) bool {
	return strings.HasPrefix(key, externalPrefix)
}
