package catalog

import (
	"embed"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

//go:embed default_mappings.yaml
var defaultMappingsFS embed.FS

// Default loads the catalog shipped with the binary. It panics on a
// malformed embedded document since that indicates a build-time defect,
// not a runtime condition callers can recover from.
func Default() *Catalog {
	f, err := defaultMappingsFS.Open("default_mappings.yaml")
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded default_mappings.yaml missing: %v", err))
	}
	defer f.Close()

	cat, err := Load(f)
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded default_mappings.yaml invalid: %v", err))
	}

	return cat
}

// Load decodes a mapping document from r and validates it. The returned
// Catalog has its known-keys set precomputed.
func Load(r io.Reader) (*Catalog, error) {
	var doc document

	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}

	cat := &Catalog{
		Permanent:  doc.Permanent,
		Changeable: doc.Changeable,
	}

	if err := cat.Validate(); err != nil {
		return nil, err
	}

	cat.knownKeys = cat.computeKnownKeys()

	return cat, nil
}

// Validate rejects a catalog whose mappings are structurally unsound:
// empty sources, an unsupported type, or an ambiguous boolean vocabulary.
func (c *Catalog) Validate() error {
	if len(c.Permanent) == 0 && len(c.Changeable) == 0 {
		return ErrEmptyCatalog
	}

	for _, m := range c.Permanent {
		if err := validateMapping(m); err != nil {
			return err
		}
	}

	for _, m := range c.Changeable {
		if err := validateMapping(m); err != nil {
			return err
		}
	}

	return nil
}

func validateMapping(m FieldMapping) error {
	if len(m.Sources) == 0 {
		return fmt.Errorf("%w: target=%s", ErrEmptySources, m.Target)
	}

	switch m.Type {
	case TypeString, TypeInteger, TypeBoolean:
	default:
		return fmt.Errorf("%w: target=%s type=%s", ErrUnknownType, m.Target, m.Type)
	}

	if m.Type == TypeBoolean {
		seen := make(map[string]string, len(m.TrueValues)+len(m.FalseValues)+len(m.NullValues))

		for _, v := range m.TrueValues {
			seen[v] = "true"
		}

		for _, v := range m.FalseValues {
			if _, ok := seen[v]; ok {
				return fmt.Errorf("%w: target=%s value=%q", ErrAmbiguousBoolean, m.Target, v)
			}

			seen[v] = "false"
		}

		for _, v := range m.NullValues {
			if _, ok := seen[v]; ok {
				return fmt.Errorf("%w: target=%s value=%q", ErrAmbiguousBoolean, m.Target, v)
			}

			seen[v] = "null"
		}
	}

	return nil
}

// KnownKeys returns the set of nested-bag keys this catalog references,
// plus the literal EHR_ID key. Used by the transformer to reject unknown
// keys in a raw record's nested bag.
func (c *Catalog) KnownKeys() map[string]struct{} {
	return c.knownKeys
}

func (c *Catalog) computeKnownKeys() map[string]struct{} {
	keys := map[string]struct{}{EHRIDKey: {}}

	for _, m := range c.Permanent {
		for _, s := range m.Sources {
			keys[s] = struct{}{}
		}
	}

	for _, m := range c.Changeable {
		for _, s := range m.Sources {
			keys[s] = struct{}{}
		}
	}

	return keys
}
