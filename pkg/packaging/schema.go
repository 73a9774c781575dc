package packaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrUnknownDataType = errors.New("packaging: unknown data type")
	ErrSchemaViolation = errors.New("packaging: schema validation failed")
	ErrSchemaVersion   = errors.New("packaging: unsupported schema version")
)

// CurrentSchemaVersion stamps package metadata and is assumed for records
// that carry no schema_version of their own.
const CurrentSchemaVersion = "1.0.0"

var schemaVersionRange = mustConstraint(">= 1.0.0, < 2.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Record schemas, one per supported data type. The amount property admits
// strings because strong anonymization rewrites currency values into bucket
// labels before validation runs.
var recordSchemas = map[string]string{
	"app_usage": `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["app_id", "timestamp", "duration", "action"],
		"properties": {
			"app_id": {"type": "string", "minLength": 1},
			"timestamp": {"type": "string"},
			"duration": {"type": "number", "minimum": 0},
			"action": {"type": "string"}
		}
	}`,
	"location": `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["latitude", "longitude", "timestamp"],
		"properties": {
			"latitude": {"type": "number", "minimum": -90, "maximum": 90},
			"longitude": {"type": "number", "minimum": -180, "maximum": 180},
			"timestamp": {"type": "string"},
			"place_category": {"type": "string"}
		}
	}`,
	"browsing": `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["domain", "timestamp"],
		"properties": {
			"domain": {"type": "string", "minLength": 1},
			"timestamp": {"type": "string"},
			"duration": {"type": "number", "minimum": 0},
			"category": {"type": "string"}
		}
	}`,
	"health": `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["metric", "value", "timestamp"],
		"properties": {
			"metric": {"type": "string", "minLength": 1},
			"value": {"type": "number"},
			"timestamp": {"type": "string"},
			"unit": {"type": "string"}
		}
	}`,
	"purchase": `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["store_category", "amount", "timestamp"],
		"properties": {
			"store_category": {"type": "string", "minLength": 1},
			"amount": {"type": ["number", "string"]},
			"timestamp": {"type": "string"},
			"currency": {"type": "string"},
			"item_count": {"type": "number", "minimum": 0}
		}
	}`,
}

// Documented defaults for optional-with-default fields. Fields that are
// required but absent here have no default and make the record unnormalizable.
var recordDefaults = map[string]map[string]any{
	"app_usage": {"duration": 0.0, "action": "unknown"},
	"location":  {"place_category": "unknown"},
	"browsing":  {"duration": 0.0, "category": "uncategorized"},
	"health":    {"unit": "count"},
	"purchase":  {"currency": "USD", "item_count": 1.0},
}

// Schema normalizes and validates records of one data type.
type Schema struct {
	DataType string

	defaults map[string]any
	compiled *jsonschema.Schema
}

var compileSchemas = sync.OnceValues(func() (map[string]*Schema, error) {
	out := make(map[string]*Schema, len(recordSchemas))
	for dataType, src := range recordSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := "https://tavren.schemas.local/records/" + dataType + ".schema.json"
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("packaging: loading %s schema: %w", dataType, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("packaging: compiling %s schema: %w", dataType, err)
		}
		out[dataType] = &Schema{
			DataType: dataType,
			defaults: recordDefaults[dataType],
			compiled: compiled,
		}
	}
	return out, nil
})

// DataTypes lists the supported package data types.
func DataTypes() []string {
	return []string{"app_usage", "browsing", "health", "location", "purchase"}
}

// SchemaFor returns the schema for a data type, or ErrUnknownDataType.
func SchemaFor(dataType string) (*Schema, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	s, ok := schemas[dataType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDataType, dataType)
	}
	return s, nil
}

// Normalize returns a JSON-shaped copy of rec with defaults filled, the
// schema_version checked against the supported range, and the result
// validated against the data type's schema. The int reports how many
// defaults were injected; it feeds the package quality score.
func (s *Schema) Normalize(rec Record) (Record, int, error) {
	out, err := jsonClone(rec)
	if err != nil {
		return nil, 0, err
	}

	filled := 0
	for field, def := range s.defaults {
		if _, ok := out[field]; !ok {
			out[field] = def
			filled++
		}
	}

	version := CurrentSchemaVersion
	if v, ok := out["schema_version"]; ok {
		version = stringValue(v)
	}
	parsed, err := semver.NewVersion(version)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: schema_version %q is not semver", ErrSchemaVersion, version)
	}
	if !schemaVersionRange.Check(parsed) {
		return nil, 0, fmt.Errorf("%w: schema_version %q outside %s", ErrSchemaVersion, version, schemaVersionRange)
	}

	if err := s.compiled.Validate(map[string]any(out)); err != nil {
		return nil, 0, fmt.Errorf("%w for %s record: %v", ErrSchemaViolation, s.DataType, err)
	}
	return out, filled, nil
}

// jsonClone deep-copies a record through JSON so every value has a JSON
// shape: time.Time becomes a string, ints become float64.
func jsonClone(rec Record) (Record, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("packaging: encoding record: %w", err)
	}
	var out Record
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("packaging: decoding record: %w", err)
	}
	if out == nil {
		out = Record{}
	}
	return out, nil
}
