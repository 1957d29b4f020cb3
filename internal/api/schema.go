package api

import (
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const updateSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["field_name", "value", "source", "observed_at"],
  "properties": {
    "record_id":   {"type": "string"},
    "field_name":  {"type": "string", "minLength": 1},
    "value":       {},
    "source":      {"type": "string", "enum": ["inferred", "user_confirmed", "external_lookup"]},
    "confidence":  {"type": "number", "minimum": 0, "maximum": 1},
    "observed_at": {"type": "integer", "minimum": 0}
  }
}`

const observationSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "definitions": {
    "observation": {
      "type": "object",
      "required": ["source_name", "display_name", "observed_at"],
      "properties": {
        "source_name":  {"type": "string", "minLength": 1},
        "external_id":  {"type": "string"},
        "display_name": {"type": "string"},
        "contact": {
          "type": "object",
          "properties": {
            "phone":   {"type": "string"},
            "email":   {"type": "string"},
            "website": {"type": "string"}
          }
        },
        "rating":       {"type": "number", "minimum": 0, "maximum": 5},
        "rating_count": {"type": "integer", "minimum": 0},
        "location": {
          "type": "object",
          "properties": {
            "lat": {"type": "number", "minimum": -90, "maximum": 90},
            "lon": {"type": "number", "minimum": -180, "maximum": 180},
            "zip": {"type": "string"}
          }
        },
        "observed_at":    {"type": "integer", "minimum": 0},
        "employee_count": {"type": "integer", "minimum": 0},
        "annual_revenue": {"type": "number", "minimum": 0},
        "license_number": {"type": "string"},
        "verified":       {"type": "boolean"},
        "keywords":       {"type": "array", "items": {"type": "string"}}
      }
    }
  },
  "oneOf": [
    {"$ref": "#/definitions/observation"},
    {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/observation"}}
  ]
}`

var (
	updateSchema      = mustSchema(updateSchemaJSON)
	observationSchema = mustSchema(observationSchemaJSON)
)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(err)
	}
	return s
}

// PayloadError lists the schema violations of a request body.
type PayloadError struct {
	Problems []string
}

func (e *PayloadError) Error() string {
	return "api: invalid payload: " + strings.Join(e.Problems, "; ")
}

// validatePayload checks body against schema. Malformed JSON is reported
// as a PayloadError too.
func validatePayload(schema *gojsonschema.Schema, body []byte) error {
	res, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return &PayloadError{Problems: []string{"malformed JSON: " + err.Error()}}
	}
	if res.Valid() {
		return nil
	}
	problems := make([]string, len(res.Errors()))
	for i, desc := range res.Errors() {
		problems[i] = desc.String()
	}
	return &PayloadError{Problems: problems}
}
