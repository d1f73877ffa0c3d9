package warehouse_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/ehrmetrics/userprops-etl/internal/config"
	"github.com/ehrmetrics/userprops-etl/internal/warehouse"
)

func setupConn(t *testing.T) *warehouse.Connection {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	return &warehouse.Connection{DB: testDB.Connection}
}

func setupRepo(t *testing.T) *warehouse.Repository {
	t.Helper()

	cfg := &warehouse.Config{
		MaxParamsPerQuery: 65535,
		MaxRowsPerInsert:  500,
		SafetyFactor:      0.9,
	}

	return warehouse.NewRepository(setupConn(t), cfg, nil)
}

func TestRepository_InsertBatch_PermanentOnConflictDoNothing(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	rows := []warehouse.Row{
		{"ehr_id": 1, "first_login_at": time.Now().UTC(), "gender": "m"},
		{"ehr_id": 2, "first_login_at": time.Now().UTC(), "gender": "f"},
	}

	ids, batches, err := repo.InsertBatch(ctx, warehouse.TablePermanent, rows, "(ehr_id) DO NOTHING", "ehr_id")
	require.NoError(t, err)
	assert.Equal(t, 1, batches)
	assert.ElementsMatch(t, []string{"1", "2"}, ids)

	// Reinserting the same ehr_id is ignored, not an error.
	ids, _, err = repo.InsertBatch(ctx, warehouse.TablePermanent, rows[:1], "(ehr_id) DO NOTHING", "ehr_id")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRepository_GetAllPermanentEHRIDs(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	rows := []warehouse.Row{
		{"ehr_id": 10, "first_login_at": time.Now().UTC()},
		{"ehr_id": 11, "first_login_at": time.Now().UTC()},
	}
	_, _, err := repo.InsertBatch(ctx, warehouse.TablePermanent, rows, "(ehr_id) DO NOTHING", "")
	require.NoError(t, err)

	ids, err := repo.GetAllPermanentEHRIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, 10)
	assert.Contains(t, ids, 11)
}

func TestRepository_GetLatestChangeableForEHRs_ReturnsMostRecent(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	older := time.Now().Add(-time.Hour).UTC()
	newer := time.Now().UTC()

	require.NoError(t, repo.InsertChangeable(ctx, warehouse.Row{
		"uuid": "11111111-1111-1111-1111-111111111111", "ehr_id": 42, "event_time": older, "age": 30,
	}))
	require.NoError(t, repo.InsertChangeable(ctx, warehouse.Row{
		"uuid": "22222222-2222-2222-2222-222222222222", "ehr_id": 42, "event_time": newer, "age": 31,
	}))

	latest, err := repo.GetLatestChangeableForEHRs(ctx, []int{42}, false)
	require.NoError(t, err)
	require.Contains(t, latest, "42")
	assert.Equal(t, int64(31), latest["42"]["age"])
}

func TestRepository_InsertChangeable_DropsNilEHRID(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	err := repo.InsertChangeable(ctx, warehouse.Row{
		"uuid": "33333333-3333-3333-3333-333333333333", "ehr_id": nil, "event_time": time.Now().UTC(),
	})
	require.NoError(t, err)

	latest, err := repo.GetLatestChangeableForEHRs(ctx, nil, true)
	require.NoError(t, err)
	assert.NotContains(t, latest, "null")
}

func TestRepository_InsertBatch_ChunksByParamCeiling(t *testing.T) {
	ctx := context.Background()

	// changeable_user_properties has 20 declared columns, so with a
	// 100-parameter ceiling and no safety margin each statement holds
	// floor(100/20) = 5 rows; 12 rows need ceil(12/5) = 3 statements.
	repo := warehouse.NewRepository(setupConn(t), &warehouse.Config{
		MaxParamsPerQuery: 100,
		MaxRowsPerInsert:  1000,
		SafetyFactor:      1.0,
	}, nil)

	rows := make([]warehouse.Row, 0, 12)
	for i := 0; i < 12; i++ {
		rows = append(rows, warehouse.Row{
			"uuid":       fmt.Sprintf("00000000-0000-0000-0000-%012d", i),
			"ehr_id":     100 + i,
			"event_time": time.Now().UTC(),
		})
	}

	ids, batches, err := repo.InsertBatch(ctx, warehouse.TableChangeable, rows, "", "uuid")
	require.NoError(t, err)
	assert.Equal(t, 3, batches)
	assert.Len(t, ids, 12)
}

func TestRepository_UpdateMigratedBatch(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	_, err := repo.Exec(ctx,
		`INSERT INTO tmp_user_properties (uuid, user_properties_json, event_time) VALUES ($1, '{}', now())`,
		"44444444-4444-4444-4444-444444444444")
	require.NoError(t, err)

	err = repo.UpdateMigratedBatch(ctx, []string{"44444444-4444-4444-4444-444444444444"}, true)
	require.NoError(t, err)

	rows, err := repo.Select(ctx, warehouse.TableStaging,
		warehouse.Row{"uuid": "44444444-4444-4444-4444-444444444444"}, nil, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, true, rows[0]["migrated"])
}
