package warehouse

import "log/slog"

// Table names for the three warehouse tables this repository knows about.
const (
	TablePermanent  = "permanent_user_properties"
	TableChangeable = "changeable_user_properties"
	TableStaging    = "tmp_user_properties"

	fallbackColumnCount = 20
)

// schemaColumns is the precomputed column set per known table. Order
// matters only for readability; InsertBatch derives column order from the
// Row map keys of the first row in a chunk, not from this list.
var schemaColumns = map[string][]string{
	TablePermanent: {
		"ehr_id", "first_login_at", "gender", "cohort_day", "cohort_week",
		"cohort_month", "registered_via_app", "source", "start_version",
	},
	TableChangeable: {
		"uuid", "ehr_id", "event_time", "session_id", "language", "age",
		"app_city", "push_permission", "location_permission", "authorization_status",
		"telemed_files_sent", "telemed_files_received", "telemed_messages_sent",
		"telemed_messages_received", "telemed_consultations_resumed",
		"appointments_cancelled", "appointments_booked", "start_version",
		"ehr_count", "google_pay_available",
	},
	TableStaging: {
		"uuid", "user_properties_json", "language", "session_id", "start_version",
		"event_time", "migrated",
	},
}

// columnCount returns the known column count for table, falling back to
// fallbackColumnCount (with a warning) for an unrecognized table the
// batching formula still needs to size against.
func columnCount(logger *slog.Logger, table string) int {
	if cols, ok := schemaColumns[table]; ok {
		return len(cols)
	}

	logger.Warn("warehouse: unknown table, using fallback column count",
		slog.String("table", table), slog.Int("fallback", fallbackColumnCount))

	return fallbackColumnCount
}

// isKnownColumn reports whether col is a recognized column of table, used
// by quote.go to whitelist identifiers before they are interpolated into
// SQL text.
func isKnownColumn(table, col string) bool {
	for _, c := range schemaColumns[table] {
		if c == col {
			return true
		}
	}

	return false
}

func isKnownTable(table string) bool {
	_, ok := schemaColumns[table]

	return ok
}
