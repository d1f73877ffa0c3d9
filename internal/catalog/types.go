// Package catalog loads and validates the declarative field-mapping
// document that drives the record transformer: which raw keys feed which
// typed target fields, and how raw values are coerced along the way.
package catalog

import "errors"

// FieldType is the coercion target for one mapping.
type FieldType string

// Supported field types. Any other value fails Catalog.Validate.
const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
)

// Transform names a post-extraction string transform.
type Transform string

// LowercaseFirst lowercases the whole extracted string before value-mapping.
const LowercaseFirst Transform = "lowercase_first"

// FieldMapping is one declarative rule: try Sources in order, take the
// first non-null, non-"N/A" value, and coerce it into Target per Type.
type FieldMapping struct {
	Target       string            `yaml:"target"`
	Sources      []string          `yaml:"sources"`
	Type         FieldType         `yaml:"type"`
	TransformOp  Transform         `yaml:"transform,omitempty"`
	ValueMap     map[string]string `yaml:"value_map,omitempty"`
	ExtractRegex string            `yaml:"extract_regex,omitempty"`
	TrueValues   []string          `yaml:"true_values,omitempty"`
	FalseValues  []string          `yaml:"false_values,omitempty"`
	NullValues   []string          `yaml:"null_values,omitempty"`
}

// EHRIDKey is the literal nested-bag key carrying the external user
// identifier; it always belongs to the known-keys set even if no mapping
// names it directly as a source.
const EHRIDKey = "EHR_ID"

// document is the on-disk shape: two top-level arrays.
type document struct {
	Permanent  []FieldMapping `yaml:"permanent"`
	Changeable []FieldMapping `yaml:"changeable"`
}

// Catalog is a validated, loaded mapping document plus its derived
// known-keys set.
type Catalog struct {
	Permanent  []FieldMapping
	Changeable []FieldMapping

	knownKeys map[string]struct{}
}

// Sentinel validation errors. Wrapped with fmt.Errorf("%w: ...") by Validate
// so callers can match on the failure class with errors.Is.
var (
	ErrEmptySources     = errors.New("catalog: mapping has no sources")
	ErrUnknownType      = errors.New("catalog: mapping has unsupported type")
	ErrAmbiguousBoolean = errors.New("catalog: boolean vocabulary value appears in more than one of true/false/null")
	ErrEmptyCatalog     = errors.New("catalog: document has no mappings")
)
