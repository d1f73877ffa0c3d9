package etl

import (
	"reflect"
	"sync"

	"github.com/ehrmetrics/userprops-etl/internal/transform"
)

// excludedFromComparison are the Changeable fields that identify a record
// or its session rather than describe changeable state; they never count
// toward "did anything change".
var excludedFromComparison = map[string]struct{}{
	"UUID":      {},
	"EventTime": {},
	"SessionID": {},
}

var (
	comparableFieldsOnce sync.Once
	comparableFields     []string
)

// comparableFieldNames reflects over transform.Changeable's exported field
// names once and caches the result, so the exclusion set above stays the
// only place a new field would need registering.
func comparableFieldNames() []string {
	comparableFieldsOnce.Do(func() {
		t := reflect.TypeOf(transform.Changeable{})
		comparableFields = make([]string, 0, t.NumField())

		for i := 0; i < t.NumField(); i++ {
			name := t.Field(i).Name
			if _, excluded := excludedFromComparison[name]; excluded {
				continue
			}

			comparableFields = append(comparableFields, name)
		}
	})

	return comparableFields
}

// ChangeDetector decides whether a candidate record differs from the last
// observed one in any field outside {UUID, EventTime, SessionID}. A nil
// old is always "changed"; there is nothing to compare against.
type ChangeDetector struct{}

// Changed reports whether candidate carries different state than old.
func (ChangeDetector) Changed(old, candidate *transform.Changeable) bool {
	if old == nil {
		return true
	}

	oldVal := reflect.ValueOf(*old)
	newVal := reflect.ValueOf(*candidate)

	for _, name := range comparableFieldNames() {
		oldField := oldVal.FieldByName(name).Interface()
		newField := newVal.FieldByName(name).Interface()

		if !reflect.DeepEqual(oldField, newField) {
			return true
		}
	}

	return false
}
