package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Row is a generic column-name-to-value map. Callers build a Row from a
// typed projection (transform.Permanent, transform.Changeable) before
// handing it to Repository; the repository itself stays free of domain
// types.
type Row map[string]any

// Repository is the single point of access to the Postgres warehouse: one
// connection-pool-backed type offering generic insert/select primitives
// plus a handful of named, domain-specific queries.
type Repository struct {
	conn   *Connection
	cfg    *Config
	logger *slog.Logger
}

// NullPartitionKey is the map key GetLatestChangeableForEHRs and its
// callers use for the ehr_id IS NULL partition.
const NullPartitionKey = "null"

// NewRepository constructs a Repository over an already-opened Connection.
func NewRepository(conn *Connection, cfg *Config, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}

	return &Repository{conn: conn, cfg: cfg, logger: logger}
}

// Exec runs a statement that returns no rows (INSERT/UPDATE/DELETE without
// RETURNING) and reports the number of rows affected.
func (r *Repository) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify("warehouse: exec", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("warehouse: rows affected: %w", err)
	}

	return n, nil
}

// Query runs a statement that returns rows (SELECT, or INSERT/UPDATE with
// RETURNING) and decodes each row into a Row.
func (r *Repository) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := r.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("warehouse: query", err)
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, err
	}

	return result, rows.Err()
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("warehouse: columns: %w", err)
	}

	var out []Row

	for rows.Next() {
		dest := make([]any, len(cols))
		ptrs := make([]any, len(cols))

		for i := range dest {
			ptrs[i] = &dest[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("warehouse: scan: %w", err)
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = dest[i]
		}

		out = append(out, row)
	}

	return out, nil
}

// InsertOne inserts a single row, optionally appending an ON CONFLICT
// clause verbatim (e.g. "(ehr_id) DO NOTHING"). data's keys must be known
// columns of table.
func (r *Repository) InsertOne(ctx context.Context, table string, data Row, onConflict string) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyRow, table)
	}

	_, err := r.insertRows(ctx, table, []Row{data}, onConflict, "")

	return err
}

// rowsPerBatch computes the per-statement row cap for a table:
//
//	rows_per_batch = min(floor(max_params_per_query/columns_per_row * safety_factor), configured_max_rows_per_insert)
func (r *Repository) rowsPerBatch(table string) int {
	cols := columnCount(r.logger, table)
	theoreticalMax := r.cfg.MaxParamsPerQuery / cols
	safeMax := int(float64(theoreticalMax) * r.cfg.SafetyFactor)

	if safeMax > r.cfg.MaxRowsPerInsert {
		return r.cfg.MaxRowsPerInsert
	}

	if safeMax < 1 {
		return 1
	}

	return safeMax
}

// InsertBatch inserts rows in chunks sized by rowsPerBatch, optionally
// appending ON CONFLICT and RETURNING clauses. It returns every returned
// value, stringified, and the number of batches used.
func (r *Repository) InsertBatch(
	ctx context.Context,
	table string,
	rows []Row,
	onConflict, returningColumn string,
) ([]string, int, error) {
	if len(rows) == 0 {
		return nil, 0, nil
	}

	chunkSize := r.rowsPerBatch(table)

	var (
		returned   []string
		batchCount int
	)

	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}

		ids, err := r.insertChunk(ctx, table, rows[start:end], onConflict, returningColumn)
		if err != nil {
			return nil, batchCount, err
		}

		returned = append(returned, ids...)
		batchCount++
	}

	return returned, batchCount, nil
}

func (r *Repository) insertChunk(
	ctx context.Context,
	table string,
	rows []Row,
	onConflict, returningColumn string,
) ([]string, error) {
	values, err := r.insertRows(ctx, table, rows, onConflict, returningColumn)
	if err != nil {
		return nil, err
	}

	if returningColumn == "" {
		return nil, nil
	}

	ids := make([]string, 0, len(values))
	for _, v := range values {
		ids = append(ids, fmt.Sprint(v))
	}

	return ids, nil
}

// insertRows builds and executes one multi-row INSERT statement. When
// returningColumn is set, the raw returned values are passed back.
func (r *Repository) insertRows(
	ctx context.Context,
	table string,
	rows []Row,
	onConflict, returningColumn string,
) ([]any, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	quotedTable, err := quoteTable(table)
	if err != nil {
		return nil, err
	}

	columns := make([]string, 0, len(rows[0]))
	for col := range rows[0] {
		columns = append(columns, col)
	}

	quotedCols := make([]string, len(columns))

	for i, col := range columns {
		qc, err := quoteColumn(table, col)
		if err != nil {
			return nil, err
		}

		quotedCols[i] = qc
	}

	var (
		valueGroups []string
		args        []any
		argN        = 1
	)

	for _, row := range rows {
		placeholders := make([]string, len(columns))

		for i, col := range columns {
			placeholders[i] = fmt.Sprintf("$%d", argN)
			args = append(args, row[col])
			argN++
		}

		valueGroups = append(valueGroups, "("+strings.Join(placeholders, ", ")+")")
	}

	var b strings.Builder

	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES %s",
		quotedTable, strings.Join(quotedCols, ", "), strings.Join(valueGroups, ", "))

	if onConflict != "" {
		fmt.Fprintf(&b, " ON CONFLICT %s", onConflict)
	}

	if returningColumn != "" {
		retCol, err := quoteColumn(table, returningColumn)
		if err != nil {
			return nil, err
		}

		fmt.Fprintf(&b, " RETURNING %s", retCol)

		result, err := r.Query(ctx, b.String(), args...)
		if err != nil {
			return nil, err
		}

		values := make([]any, 0, len(result))
		for _, row := range result {
			values = append(values, row[returningColumn])
		}

		return values, nil
	}

	if _, err := r.Exec(ctx, b.String(), args...); err != nil {
		return nil, err
	}

	return nil, nil
}

// Condition is one general (column, op, value) filter for Select, covering
// the comparisons an equality-only where map cannot express.
type Condition struct {
	Column string
	Op     string
	Value  any
}

// selectOperators is the whitelist of comparison operators a Condition may
// carry; anything else fails with ErrUnknownOperator before any SQL is built.
var selectOperators = map[string]struct{}{
	"=": {}, "!=": {}, "<>": {}, "<": {}, "<=": {}, ">": {}, ">=": {},
}

// Select runs a dynamically assembled query: equality filters from where,
// general (column, op, value) filters from conditions, signed order_by
// entries (a leading "-" means DESC), and optional paging.
func (r *Repository) Select(
	ctx context.Context,
	table string,
	where Row,
	conditions []Condition,
	orderBy []string,
	limit, offset *int,
) ([]Row, error) {
	query, args, err := buildSelectQuery(table, where, conditions, orderBy, limit, offset)
	if err != nil {
		return nil, err
	}

	return r.Query(ctx, query, args...)
}

func buildSelectQuery(
	table string,
	where Row,
	conditions []Condition,
	orderBy []string,
	limit, offset *int,
) (string, []any, error) {
	quotedTable, err := quoteTable(table)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder

	fmt.Fprintf(&b, "SELECT * FROM %s", quotedTable)

	var (
		args  []any
		conds []string
	)

	// Map iteration order is random; sort so the same arguments always
	// produce the same statement text.
	cols := make([]string, 0, len(where))
	for col := range where {
		cols = append(cols, col)
	}

	sort.Strings(cols)

	for _, col := range cols {
		qc, err := quoteColumn(table, col)
		if err != nil {
			return "", nil, err
		}

		args = append(args, where[col])
		conds = append(conds, fmt.Sprintf("%s = $%d", qc, len(args)))
	}

	for _, c := range conditions {
		if _, ok := selectOperators[c.Op]; !ok {
			return "", nil, fmt.Errorf("%w: %q", ErrUnknownOperator, c.Op)
		}

		qc, err := quoteColumn(table, c.Column)
		if err != nil {
			return "", nil, err
		}

		args = append(args, c.Value)
		conds = append(conds, fmt.Sprintf("%s %s $%d", qc, c.Op, len(args)))
	}

	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}

	if len(orderBy) > 0 {
		parts := make([]string, len(orderBy))

		for i, o := range orderBy {
			desc := strings.HasPrefix(o, "-")

			col := o
			if desc {
				col = o[1:]
			}

			qc, err := quoteColumn(table, col)
			if err != nil {
				return "", nil, err
			}

			if desc {
				parts[i] = qc + " DESC"
			} else {
				parts[i] = qc + " ASC"
			}
		}

		b.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}

	if limit != nil {
		args = append(args, *limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	if offset != nil {
		args = append(args, *offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}

	return b.String(), args, nil
}

// GetAllPermanentEHRIDs returns every ehr_id currently present in
// permanent_user_properties, used by the orchestrator to seed its existence
// cache at the start of a run.
func (r *Repository) GetAllPermanentEHRIDs(ctx context.Context) (map[int]struct{}, error) {
	rows, err := r.conn.QueryContext(ctx, "SELECT ehr_id FROM permanent_user_properties")
	if err != nil {
		return nil, fmt.Errorf("warehouse: get all permanent ehr ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[int]struct{})

	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("warehouse: scanning ehr_id: %w", err)
		}

		ids[id] = struct{}{}
	}

	return ids, rows.Err()
}

// GetLatestChangeableForEHRs returns, for every requested ehr_id, the most
// recent changeable_user_properties row (by event_time); non-null ids are
// looked up with a single windowed query, and the ehr_id IS NULL partition
// is looked up separately when includeNull is true. Results are keyed by
// strconv.Itoa(ehrID), with the null partition under NullPartitionKey.
func (r *Repository) GetLatestChangeableForEHRs(
	ctx context.Context,
	ehrIDs []int,
	includeNull bool,
) (map[string]Row, error) {
	result := make(map[string]Row)

	if len(ehrIDs) > 0 {
		rows, err := r.conn.QueryContext(ctx, `
			WITH ranked AS (
				SELECT *, ROW_NUMBER() OVER (PARTITION BY ehr_id ORDER BY event_time DESC) AS rn
				FROM changeable_user_properties
				WHERE ehr_id = ANY($1)
			)
			SELECT * FROM ranked WHERE rn = 1
		`, pq.Array(ehrIDs))
		if err != nil {
			return nil, fmt.Errorf("warehouse: get latest changeable for ehrs: %w", err)
		}

		decoded, err := scanRows(rows)
		rows.Close()

		if err != nil {
			return nil, err
		}

		for _, row := range decoded {
			delete(row, "rn")

			ehrID, _ := row["ehr_id"].(int64)
			result[strconv.FormatInt(ehrID, 10)] = row
		}
	}

	if includeNull {
		rows, err := r.Query(ctx, `
			SELECT * FROM changeable_user_properties
			WHERE ehr_id IS NULL
			ORDER BY event_time DESC
			LIMIT 1
		`)
		if err != nil {
			return nil, err
		}

		if len(rows) > 0 {
			result[NullPartitionKey] = rows[0]
		}
	}

	return result, nil
}

// InsertChangeable appends one row to the changeable_user_properties
// history. A row whose ehr_id is nil is silently dropped; the history is
// partitioned on that column.
func (r *Repository) InsertChangeable(ctx context.Context, row Row) error {
	if isNilValue(row["ehr_id"]) {
		r.logger.Debug("warehouse: dropping changeable row with nil ehr_id",
			slog.Any("uuid", row["uuid"]))

		return nil
	}

	return r.InsertOne(ctx, TableChangeable, row, "")
}

// isNilValue treats a typed nil pointer (e.g. a (*int)(nil) carried inside
// an interface) the same as a bare nil, since Row values arrive as pointer
// fields from the typed projections.
func isNilValue(v any) bool {
	if v == nil {
		return true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}

// SelectStagingWindow returns the not-yet-migrated tmp_user_properties rows
// whose event_time falls in [start, end), ordered by event_time ascending —
// the one-day window the orchestrator's staging mode walks forward through.
func (r *Repository) SelectStagingWindow(ctx context.Context, start, end time.Time) ([]Row, error) {
	return r.Select(ctx, TableStaging,
		Row{"migrated": false},
		[]Condition{
			{Column: "event_time", Op: ">=", Value: start},
			{Column: "event_time", Op: "<", Value: end},
		},
		[]string{"event_time"},
		nil, nil)
}

// UpdateMigratedBatch marks every row in uuids as migrated in
// tmp_user_properties with a single ANY($2) statement.
func (r *Repository) UpdateMigratedBatch(ctx context.Context, uuids []string, migrated bool) error {
	if len(uuids) == 0 {
		return nil
	}

	_, err := r.Exec(ctx,
		"UPDATE tmp_user_properties SET migrated = $1 WHERE uuid = ANY($2)",
		migrated, pq.Array(uuids))

	return err
}
