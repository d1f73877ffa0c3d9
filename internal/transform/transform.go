package transform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehrmetrics/userprops-etl/internal/catalog"
)

// Transform applies cat to raw, per the source's nested-bag convention,
// and returns the typed projections plus any structural or coercion
// errors encountered. It never panics on malformed input: every failure
// mode is captured as an Error.
func Transform(raw RawRecord, source Source, cat *catalog.Catalog) Result {
	// Step 1: uuid.
	rawUUID, uuidErr := extractUUID(raw)
	if uuidErr != nil {
		return Result{Errors: []Error{*uuidErr}}
	}

	// Step 2: event_time.
	eventTime, timeErr := extractEventTime(raw)
	if timeErr != nil {
		return Result{Errors: []Error{*timeErr}}
	}

	// Step 3: untyped top-level passthroughs.
	language := stringPassthrough(raw, "language")
	sessionID := stringPassthrough(raw, "session_id")
	startVersion := stringPassthrough(raw, "start_version")

	// Step 4: nested bag.
	bag := extractBag(raw, source)

	// Step 5: unknown-key rejection.
	known := cat.KnownKeys()

	var errs []Error

	for key := range bag {
		if _, ok := known[key]; !ok {
			errs = append(errs, Error{Key: key, Value: fmt.Sprint(bag[key]), Reason: "Unknown key"})
		}
	}

	if len(errs) > 0 {
		return Result{Errors: errs}
	}

	// Step 6: ehr_id resolution.
	ehrID, ehrErr := resolveEhrID(bag)
	if ehrErr != nil {
		errs = append(errs, *ehrErr)
	}

	// Step 7: apply mappings.
	permanentFields, permErrs := applyMappings(cat.Permanent, bag, raw)
	errs = append(errs, permErrs...)

	changeableFields, chgErrs := applyMappings(cat.Changeable, bag, raw)
	errs = append(errs, chgErrs...)

	// Step 8: assemble Permanent.
	var permanent *Permanent
	if ehrID != nil {
		permanent = &Permanent{
			EhrID:            *ehrID,
			FirstLoginAt:     eventTime,
			Gender:           permanentFields.stringPtr("gender"),
			CohortDay:        permanentFields.stringPtr("cohort_day"),
			CohortWeek:       permanentFields.stringPtr("cohort_week"),
			CohortMonth:      permanentFields.stringPtr("cohort_month"),
			RegisteredViaApp: permanentFields.boolPtr("registered_via_app"),
			Source:           permanentFields.stringPtr("source"),
			StartVersion:     startVersion,
		}
	}

	// Step 9: assemble Changeable (always).
	changeable := &Changeable{
		UUID:                        rawUUID,
		EhrID:                       ehrID,
		EventTime:                   eventTime,
		SessionID:                   sessionID,
		Language:                    language,
		Age:                         changeableFields.intPtr("age"),
		AppCity:                     changeableFields.stringPtr("app_city"),
		PushPermission:              changeableFields.boolPtr("push_permission"),
		LocationPermission:          changeableFields.boolPtr("location_permission"),
		AuthorizationStatus:         changeableFields.boolPtr("authorization_status"),
		TelemedFilesSent:            changeableFields.intPtr("telemed_files_sent"),
		TelemedFilesReceived:        changeableFields.intPtr("telemed_files_received"),
		TelemedMessagesSent:         changeableFields.intPtr("telemed_messages_sent"),
		TelemedMessagesReceived:     changeableFields.intPtr("telemed_messages_received"),
		TelemedConsultationsResumed: changeableFields.intPtr("telemed_consultations_resumed"),
		AppointmentsCancelled:       changeableFields.intPtr("appointments_cancelled"),
		AppointmentsBooked:          changeableFields.intPtr("appointments_booked"),
		StartVersion:                startVersion,
		EhrCount:                    changeableFields.intPtr("ehr_count"),
		GooglePayAvailable:          changeableFields.boolPtr("google_pay_available"),
	}

	// Step 10.
	return Result{Permanent: permanent, Changeable: changeable, Errors: errs}
}

// extractUUID implements step 1: accept a textual UUID (native UUID
// values never appear in JSON-sourced records, so only the string form is
// handled); malformed text is fatal for the record.
func extractUUID(raw RawRecord) (string, *Error) {
	v, ok := raw["uuid"]
	if !ok || v == nil {
		return "", &Error{Key: "uuid", Value: "", Reason: ErrMissingUUID.Error()}
	}

	s, ok := v.(string)
	if !ok {
		return "", &Error{Key: "uuid", Value: fmt.Sprint(v), Reason: "Invalid UUID format"}
	}

	if _, err := uuid.Parse(s); err != nil {
		return "", &Error{Key: "uuid", Value: s, Reason: "Invalid UUID format"}
	}

	return s, nil
}

// extractEventTime parses event_time as ISO-8601, normalizing a trailing
// "Z" to "+00:00" first. The single Replace is safe: a "Z" only ever
// appears at the end of a well-formed ISO-8601 timestamp.
func extractEventTime(raw RawRecord) (time.Time, *Error) {
	v, ok := raw["event_time"]
	if !ok || v == nil {
		return time.Time{}, &Error{Key: "event_time", Value: "", Reason: ErrMissingEvent.Error()}
	}

	s, ok := v.(string)
	if !ok {
		return time.Time{}, &Error{Key: "event_time", Value: fmt.Sprint(v), Reason: "Invalid timestamp format"}
	}

	normalized := strings.Replace(s, "Z", "+00:00", 1)

	t, err := time.Parse(time.RFC3339Nano, normalized)
	if err != nil {
		return time.Time{}, &Error{Key: "event_time", Value: s, Reason: "Invalid timestamp format"}
	}

	return t, nil
}

func stringPassthrough(raw RawRecord, key string) *string {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil
	}

	s := fmt.Sprint(v)

	return &s
}

// extractBag implements step 4: pick the nested sub-bag per source,
// defaulting to empty when absent or not a mapping.
func extractBag(raw RawRecord, source Source) map[string]any {
	key := "user_properties"
	if source == SourceStaging {
		key = "user_properties_json"
	}

	v, ok := raw[key]
	if !ok || v == nil {
		return map[string]any{}
	}

	bag, ok := v.(map[string]any)
	if !ok {
		return map[string]any{}
	}

	return bag
}

// resolveEhrID implements step 6.
func resolveEhrID(bag map[string]any) (*int, *Error) {
	v, ok := bag[catalog.EHRIDKey]
	if !ok || v == nil {
		return nil, nil
	}

	s := fmt.Sprint(v)
	if _, sentinel := ehrSentinels[s]; sentinel {
		return nil, nil
	}

	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil, &Error{Key: catalog.EHRIDKey, Value: s, Reason: "Invalid ehr_id"}
	}

	return &n, nil
}

// fieldValues holds the coerced target-field values produced by one
// applyMappings pass, typed loosely (any) since the caller knows the
// expected type of each target by name.
type fieldValues map[string]any

func (f fieldValues) stringPtr(target string) *string {
	v, ok := f[target]
	if !ok || v == nil {
		return nil
	}

	s, _ := v.(string)

	return &s
}

func (f fieldValues) intPtr(target string) *int {
	v, ok := f[target]
	if !ok || v == nil {
		return nil
	}

	n, _ := v.(int)

	return &n
}

func (f fieldValues) boolPtr(target string) *bool {
	v, ok := f[target]
	if !ok || v == nil {
		return nil
	}

	b, _ := v.(bool)

	return &b
}

// applyMappings implements step 7 for one list of mappings (permanent or
// changeable), extracting the first usable source value for each mapping
// from the nested bag or the raw top level, then coercing per type.
func applyMappings(mappings []catalog.FieldMapping, bag map[string]any, raw RawRecord) (fieldValues, []Error) {
	values := make(fieldValues, len(mappings))

	var errs []Error

	for _, m := range mappings {
		sourceVal, found := firstSourceValue(m.Sources, bag, raw)
		if !found {
			continue
		}

		coerced, err := coerce(m, sourceVal)
		if err != nil {
			errs = append(errs, *err)

			continue
		}

		if coerced != nil {
			values[m.Target] = coerced
		}
	}

	return values, errs
}

// firstSourceValue tries each source key against the nested bag first
// (known keys live there), falling back to the raw top level, skipping
// null and "N/A".
func firstSourceValue(sources []string, bag map[string]any, raw RawRecord) (any, bool) {
	for _, key := range sources {
		if v, ok := bag[key]; ok && !isBlank(v) {
			return v, true
		}

		if v, ok := raw[key]; ok && !isBlank(v) {
			return v, true
		}
	}

	return nil, false
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}

	if s, ok := v.(string); ok && (s == "" || s == "N/A") {
		return true
	}

	return false
}

func coerce(m catalog.FieldMapping, v any) (any, *Error) {
	switch m.Type {
	case catalog.TypeString:
		return coerceString(m, v), nil
	case catalog.TypeInteger:
		return coerceInteger(m, v)
	case catalog.TypeBoolean:
		b, err := coerceBoolean(m, v)
		if err != nil {
			return nil, err
		}

		if b == nil {
			return nil, nil
		}

		return *b, nil
	default:
		return nil, &Error{Key: m.Target, Value: fmt.Sprint(v), Reason: "Unsupported type"}
	}
}

func coerceString(m catalog.FieldMapping, v any) string {
	s := fmt.Sprint(v)

	if m.TransformOp == catalog.LowercaseFirst {
		s = strings.ToLower(s)
	}

	if mapped, ok := m.ValueMap[s]; ok {
		return mapped
	}

	return s
}

func coerceInteger(m catalog.FieldMapping, v any) (int, *Error) {
	s := fmt.Sprint(v)

	if m.ExtractRegex != "" {
		re, err := regexp.Compile(m.ExtractRegex)
		if err == nil {
			if match := re.FindString(s); match != "" {
				s = match
			}
		}
	}

	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, &Error{Key: m.Target, Value: fmt.Sprint(v), Reason: "Invalid integer"}
	}

	return n, nil
}

// coerceBoolean returns a nil *bool (no error) when v falls in NullValues —
// that is a deliberate "field stays unset", not a failure.
func coerceBoolean(m catalog.FieldMapping, v any) (*bool, *Error) {
	s := fmt.Sprint(v)

	for _, t := range m.TrueValues {
		if s == t {
			b := true

			return &b, nil
		}
	}

	for _, f := range m.FalseValues {
		if s == f {
			b := false

			return &b, nil
		}
	}

	for _, n := range m.NullValues {
		if s == n {
			return nil, nil
		}
	}

	return nil, &Error{Key: m.Target, Value: s, Reason: "Invalid boolean"}
}
