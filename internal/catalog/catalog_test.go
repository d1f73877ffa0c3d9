package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Valid(t *testing.T) {
	doc := `
permanent:
  - target: ehr_id
    sources: [EHR_ID]
    type: integer
changeable:
  - target: age
    sources: [Age]
    type: integer
`
	cat, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, cat.Permanent, 1)
	require.Len(t, cat.Changeable, 1)

	keys := cat.KnownKeys()
	assert.Contains(t, keys, "EHR_ID")
	assert.Contains(t, keys, "Age")
}

func TestLoad_EmptySources(t *testing.T) {
	doc := `
permanent:
  - target: ehr_id
    sources: []
    type: integer
`
	_, err := Load(strings.NewReader(doc))
	require.ErrorIs(t, err, ErrEmptySources)
}

func TestLoad_UnknownType(t *testing.T) {
	doc := `
permanent:
  - target: ehr_id
    sources: [EHR_ID]
    type: float
`
	_, err := Load(strings.NewReader(doc))
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestLoad_AmbiguousBoolean(t *testing.T) {
	doc := `
changeable:
  - target: flag
    sources: [Flag]
    type: boolean
    true_values: ["yes"]
    false_values: ["yes"]
`
	_, err := Load(strings.NewReader(doc))
	require.ErrorIs(t, err, ErrAmbiguousBoolean)
}

func TestLoad_EmptyCatalog(t *testing.T) {
	_, err := Load(strings.NewReader(""))
	require.ErrorIs(t, err, ErrEmptyCatalog)
}

func TestDefault_LoadsAndValidates(t *testing.T) {
	cat := Default()
	require.NotEmpty(t, cat.Permanent)
	require.NotEmpty(t, cat.Changeable)
	assert.Contains(t, cat.KnownKeys(), EHRIDKey)
}

func TestKnownKeys_UnionsAllSources(t *testing.T) {
	doc := `
permanent:
  - target: gender
    sources: [Gender, gender]
    type: string
changeable:
  - target: age
    sources: [Age]
    type: integer
`
	cat, err := Load(strings.NewReader(doc))
	require.NoError(t, err)

	keys := cat.KnownKeys()
	for _, k := range []string{"Gender", "gender", "Age", EHRIDKey} {
		assert.Contains(t, keys, k)
	}
}
