package warehouse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRepository(t *testing.T, cfg *Config) *Repository {
	t.Helper()

	if cfg == nil {
		cfg = &Config{
			MaxParamsPerQuery: 65535,
			MaxRowsPerInsert:  1000,
			SafetyFactor:      0.9,
		}
	}

	return &Repository{cfg: cfg, logger: testLogger()}
}

func TestRowsPerBatch_RespectsConfiguredCeiling(t *testing.T) {
	repo := testRepository(t, &Config{
		MaxParamsPerQuery: 65535,
		MaxRowsPerInsert:  50,
		SafetyFactor:      0.9,
	})

	// permanent_user_properties has 9 columns: 65535/9 * 0.9 ≈ 6553, capped at 50.
	assert.Equal(t, 50, repo.rowsPerBatch(TablePermanent))
}

func TestRowsPerBatch_UnknownTableUsesFallback(t *testing.T) {
	repo := testRepository(t, &Config{
		MaxParamsPerQuery: 100,
		MaxRowsPerInsert:  1000,
		SafetyFactor:      1.0,
	})

	// fallback column count is 20: 100/20 = 5.
	assert.Equal(t, 5, repo.rowsPerBatch("some_unmapped_table"))
}

func TestRowsPerBatch_NeverZero(t *testing.T) {
	repo := testRepository(t, &Config{
		MaxParamsPerQuery: 1,
		MaxRowsPerInsert:  1000,
		SafetyFactor:      0.1,
	})

	assert.Equal(t, 1, repo.rowsPerBatch(TableChangeable))
}

func TestQuoteTable_RejectsUnknown(t *testing.T) {
	_, err := quoteTable("drop_everything; --")
	require.ErrorIs(t, err, ErrUnknownTable)
}

func TestQuoteTable_AcceptsKnown(t *testing.T) {
	q, err := quoteTable(TablePermanent)
	require.NoError(t, err)
	assert.Equal(t, `"permanent_user_properties"`, q)
}

func TestQuoteColumn_RejectsUnknown(t *testing.T) {
	_, err := quoteColumn(TablePermanent, "ehr_id\" OR 1=1 --")
	require.ErrorIs(t, err, ErrUnknownColumn)
}

func TestQuoteColumn_AcceptsKnown(t *testing.T) {
	q, err := quoteColumn(TableChangeable, "event_time")
	require.NoError(t, err)
	assert.Equal(t, `"event_time"`, q)
}

func TestInsertOne_RejectsEmptyRow(t *testing.T) {
	repo := testRepository(t, nil)

	err := repo.InsertOne(nil, TablePermanent, Row{}, "")
	require.ErrorIs(t, err, ErrEmptyRow)
}

func TestInsertChangeable_DropsNilEHRIDWithoutQuery(t *testing.T) {
	repo := testRepository(t, nil)

	err := repo.InsertChangeable(nil, Row{"uuid": "abc", "ehr_id": nil})
	require.NoError(t, err)

	// The typed-nil form a pointer field produces must be dropped too.
	err = repo.InsertChangeable(nil, Row{"uuid": "abc", "ehr_id": (*int)(nil)})
	require.NoError(t, err)
}

func TestBuildSelectQuery_WhereAndConditions(t *testing.T) {
	start := "2024-05-01"
	end := "2024-05-02"

	query, args, err := buildSelectQuery(TableStaging,
		Row{"migrated": false},
		[]Condition{
			{Column: "event_time", Op: ">=", Value: start},
			{Column: "event_time", Op: "<", Value: end},
		},
		[]string{"event_time"},
		nil, nil)
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT * FROM "tmp_user_properties" WHERE "migrated" = $1 AND "event_time" >= $2 AND "event_time" < $3 ORDER BY "event_time" ASC`,
		query)
	assert.Equal(t, []any{false, start, end}, args)
}

func TestBuildSelectQuery_SignedOrderByAndPaging(t *testing.T) {
	limit, offset := 10, 20

	query, args, err := buildSelectQuery(TableChangeable, nil, nil,
		[]string{"-event_time", "uuid"}, &limit, &offset)
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT * FROM "changeable_user_properties" ORDER BY "event_time" DESC, "uuid" ASC LIMIT $1 OFFSET $2`,
		query)
	assert.Equal(t, []any{10, 20}, args)
}

func TestBuildSelectQuery_RejectsUnknownOperator(t *testing.T) {
	_, _, err := buildSelectQuery(TableStaging, nil,
		[]Condition{{Column: "event_time", Op: "; DROP TABLE", Value: 1}}, nil, nil, nil)
	require.ErrorIs(t, err, ErrUnknownOperator)
}

func TestBuildSelectQuery_RejectsUnknownConditionColumn(t *testing.T) {
	_, _, err := buildSelectQuery(TableStaging, nil,
		[]Condition{{Column: "nope", Op: "=", Value: 1}}, nil, nil, nil)
	require.ErrorIs(t, err, ErrUnknownColumn)
}
