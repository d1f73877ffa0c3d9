package etl

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/ehrmetrics/userprops-etl/internal/transform"
	"github.com/ehrmetrics/userprops-etl/internal/warehouse"
)

// permanentToRow converts a typed Permanent projection into the generic
// Row the warehouse repository inserts. Pointer fields pass through as-is:
// database/sql's default parameter converter dereferences non-nil pointers
// and maps nil ones to SQL NULL.
func permanentToRow(p *transform.Permanent) warehouse.Row {
	return warehouse.Row{
		"ehr_id":             p.EhrID,
		"first_login_at":     p.FirstLoginAt,
		"gender":             p.Gender,
		"cohort_day":         p.CohortDay,
		"cohort_week":        p.CohortWeek,
		"cohort_month":       p.CohortMonth,
		"registered_via_app": p.RegisteredViaApp,
		"source":             p.Source,
		"start_version":      p.StartVersion,
	}
}

func changeableToRow(c *transform.Changeable) warehouse.Row {
	return warehouse.Row{
		"uuid":                          c.UUID,
		"ehr_id":                        c.EhrID,
		"event_time":                    c.EventTime,
		"session_id":                    c.SessionID,
		"language":                      c.Language,
		"age":                           c.Age,
		"app_city":                      c.AppCity,
		"push_permission":               c.PushPermission,
		"location_permission":           c.LocationPermission,
		"authorization_status":          c.AuthorizationStatus,
		"telemed_files_sent":            c.TelemedFilesSent,
		"telemed_files_received":        c.TelemedFilesReceived,
		"telemed_messages_sent":         c.TelemedMessagesSent,
		"telemed_messages_received":     c.TelemedMessagesReceived,
		"telemed_consultations_resumed": c.TelemedConsultationsResumed,
		"appointments_cancelled":        c.AppointmentsCancelled,
		"appointments_booked":           c.AppointmentsBooked,
		"start_version":                 c.StartVersion,
		"ehr_count":                     c.EhrCount,
		"google_pay_available":          c.GooglePayAvailable,
	}
}

// asString, asInt64, asBool and asTime tolerate both the native Go types
// database/sql produces for well-known drivers and the []byte form some
// text-protocol paths return, since Repository.Query decodes into bare
// interface{} slots rather than typed destinations.
func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	default:
		return "", false
	}
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int32:
		return int64(t), true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case []byte:
		n, err := strconv.ParseInt(string(t), 10, 64)
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case []byte:
		s := string(t)
		return s == "t" || s == "true", true
	default:
		return false, false
	}
}

func asTime(v any) (time.Time, bool) {
	t, ok := v.(time.Time)

	return t, ok
}

// rowToChangeable converts a raw warehouse Row (as returned by
// GetLatestChangeableForEHRs) back into a typed Changeable, the inverse of
// changeableToRow, used to seed the orchestrator's lastChange cache.
func rowToChangeable(row warehouse.Row) *transform.Changeable {
	c := &transform.Changeable{}

	if s, ok := asString(row["uuid"]); ok {
		c.UUID = s
	}

	if n, ok := asInt64(row["ehr_id"]); ok {
		id := int(n)
		c.EhrID = &id
	}

	if t, ok := asTime(row["event_time"]); ok {
		c.EventTime = t
	}

	if s, ok := asString(row["session_id"]); ok {
		c.SessionID = &s
	}

	if s, ok := asString(row["language"]); ok {
		c.Language = &s
	}

	if n, ok := asInt64(row["age"]); ok {
		v := int(n)
		c.Age = &v
	}

	if s, ok := asString(row["app_city"]); ok {
		c.AppCity = &s
	}

	if b, ok := asBool(row["push_permission"]); ok {
		c.PushPermission = &b
	}

	if b, ok := asBool(row["location_permission"]); ok {
		c.LocationPermission = &b
	}

	if b, ok := asBool(row["authorization_status"]); ok {
		c.AuthorizationStatus = &b
	}

	if n, ok := asInt64(row["telemed_files_sent"]); ok {
		v := int(n)
		c.TelemedFilesSent = &v
	}

	if n, ok := asInt64(row["telemed_files_received"]); ok {
		v := int(n)
		c.TelemedFilesReceived = &v
	}

	if n, ok := asInt64(row["telemed_messages_sent"]); ok {
		v := int(n)
		c.TelemedMessagesSent = &v
	}

	if n, ok := asInt64(row["telemed_messages_received"]); ok {
		v := int(n)
		c.TelemedMessagesReceived = &v
	}

	if n, ok := asInt64(row["telemed_consultations_resumed"]); ok {
		v := int(n)
		c.TelemedConsultationsResumed = &v
	}

	if n, ok := asInt64(row["appointments_cancelled"]); ok {
		v := int(n)
		c.AppointmentsCancelled = &v
	}

	if n, ok := asInt64(row["appointments_booked"]); ok {
		v := int(n)
		c.AppointmentsBooked = &v
	}

	if s, ok := asString(row["start_version"]); ok {
		c.StartVersion = &s
	}

	if n, ok := asInt64(row["ehr_count"]); ok {
		v := int(n)
		c.EhrCount = &v
	}

	if b, ok := asBool(row["google_pay_available"]); ok {
		c.GooglePayAvailable = &b
	}

	return c
}

// stagingRowToRaw builds the RawRecord Transform expects from one
// tmp_user_properties row, decoding its JSONB bag and formatting
// event_time back into the RFC3339Nano string form extractEventTime
// parses, since the row already arrives with a decoded time.Time.
func stagingRowToRaw(row warehouse.Row) (transform.RawRecord, error) {
	var bag map[string]any

	if b, ok := row["user_properties_json"].([]byte); ok && len(b) > 0 {
		if err := json.Unmarshal(b, &bag); err != nil {
			return nil, err
		}
	}

	if bag == nil {
		bag = map[string]any{}
	}

	raw := transform.RawRecord{"user_properties_json": bag}

	if s, ok := asString(row["uuid"]); ok {
		raw["uuid"] = s
	}

	if t, ok := asTime(row["event_time"]); ok {
		raw["event_time"] = t.Format(time.RFC3339Nano)
	}

	if s, ok := asString(row["language"]); ok {
		raw["language"] = s
	}

	if n, ok := asInt64(row["session_id"]); ok {
		raw["session_id"] = n
	}

	if s, ok := asString(row["start_version"]); ok {
		raw["start_version"] = s
	}

	return raw, nil
}
