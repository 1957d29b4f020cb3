package model

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RejectionReason classifies why a validator refused a value.
type RejectionReason string

// Rejection reasons.
const (
	OutOfRange  RejectionReason = "out_of_range"
	WrongFormat RejectionReason = "wrong_format"
	UnknownEnum RejectionReason = "unknown_enum"
)

// Rejection is the typed result of a failed validation.
type Rejection struct {
	Reason RejectionReason `json:"reason"`
	Detail string          `json:"detail"`
}

func (r *Rejection) Error() string {
	return string(r.Reason) + ": " + r.Detail
}

func reject(reason RejectionReason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	zipRe        = regexp.MustCompile(`^(\d{5})(?:-?\d{4})?$`)
	dateLayouts  = []string{"2006-01-02", "01/02/2006", "1/2/2006", time.RFC3339}
)

// DateLayout is the normalized form of date fields.
const DateLayout = "2006-01-02"

func validate(f *FieldSpec, raw any) (any, *Rejection) {
	if raw == nil {
		return nil, reject(WrongFormat, "%s: value is null", f.Name)
	}
	switch f.Type {
	case TypeString:
		return validateString(f, raw)
	case TypeNumber:
		n, rej := toNumber(f.Name, raw)
		if rej != nil {
			return nil, rej
		}
		return checkRange(f, n)
	case TypeMoney:
		n, rej := toMoney(f.Name, raw)
		if rej != nil {
			return nil, rej
		}
		return checkRange(f, math.Round(n*100)/100)
	case TypeEnum:
		s, ok := raw.(string)
		if !ok {
			return nil, reject(WrongFormat, "%s: expected text, got %T", f.Name, raw)
		}
		tok := normalizeToken(s)
		if !f.enumSet[tok] {
			return nil, reject(UnknownEnum, "%s: %q is not one of %v", f.Name, s, f.EnumValues)
		}
		return tok, nil
	case TypeDate:
		s, ok := raw.(string)
		if !ok {
			return nil, reject(WrongFormat, "%s: expected date text, got %T", f.Name, raw)
		}
		s = strings.TrimSpace(s)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC().Format(DateLayout), nil
			}
		}
		return nil, reject(WrongFormat, "%s: %q is not a date", f.Name, s)
	case TypeGeoZip:
		return validateZip(f.Name, raw)
	default:
		return nil, reject(WrongFormat, "%s: unsupported value type %s", f.Name, f.Type)
	}
}

func validateString(f *FieldSpec, raw any) (any, *Rejection) {
	s, ok := raw.(string)
	if !ok {
		return nil, reject(WrongFormat, "%s: expected text, got %T", f.Name, raw)
	}
	s = whitespaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
	n := len([]rune(s))
	if n == 0 {
		return nil, reject(OutOfRange, "%s: empty text", f.Name)
	}
	if f.MinLength > 0 && n < f.MinLength {
		return nil, reject(OutOfRange, "%s: %d characters, need at least %d", f.Name, n, f.MinLength)
	}
	if f.MaxLength > 0 && n > f.MaxLength {
		return nil, reject(OutOfRange, "%s: %d characters, limit %d", f.Name, n, f.MaxLength)
	}
	return s, nil
}

func checkRange(f *FieldSpec, n float64) (any, *Rejection) {
	if f.Min != nil && n < *f.Min {
		return nil, reject(OutOfRange, "%s: %v below minimum %v", f.Name, n, *f.Min)
	}
	if f.Max != nil && n > *f.Max {
		return nil, reject(OutOfRange, "%s: %v above maximum %v", f.Name, n, *f.Max)
	}
	return n, nil
}

func toNumber(name string, raw any) (float64, *Rejection) {
	var n float64
	switch v := raw.(type) {
	case float64:
		n = v
	case float32:
		n = float64(v)
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, reject(WrongFormat, "%s: %q is not a number", name, v.String())
		}
		n = f
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(v), ",", ""), 64)
		if err != nil {
			return 0, reject(WrongFormat, "%s: %q is not a number", name, v)
		}
		n = f
	default:
		return 0, reject(WrongFormat, "%s: expected number, got %T", name, raw)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, reject(WrongFormat, "%s: not a finite number", name)
	}
	return n, nil
}

func toMoney(name string, raw any) (float64, *Rejection) {
	s, ok := raw.(string)
	if !ok {
		return toNumber(name, raw)
	}
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimSuffix(s, " usd")
	mult := 1.0
	if strings.HasSuffix(s, "k") {
		mult = 1000
		s = strings.TrimSuffix(s, "k")
	}
	n, rej := toNumber(name, s)
	if rej != nil {
		return 0, reject(WrongFormat, "%s: %q is not an amount", name, raw)
	}
	return n * mult, nil
}

func validateZip(name string, raw any) (any, *Rejection) {
	var s string
	switch v := raw.(type) {
	case string:
		s = strings.TrimSpace(v)
	case float64:
		if v != math.Trunc(v) || v < 0 || v > 99999 {
			return nil, reject(WrongFormat, "%s: %v is not a zip code", name, v)
		}
		s = fmt.Sprintf("%05d", int(v))
	case int:
		if v < 0 || v > 99999 {
			return nil, reject(WrongFormat, "%s: %d is not a zip code", name, v)
		}
		s = fmt.Sprintf("%05d", v)
	default:
		return nil, reject(WrongFormat, "%s: expected zip code, got %T", name, raw)
	}
	m := zipRe.FindStringSubmatch(s)
	if m == nil {
		return nil, reject(WrongFormat, "%s: %q is not a zip code", name, s)
	}
	return m[1], nil
}
