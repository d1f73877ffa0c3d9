package etl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ehrmetrics/userprops-etl/internal/catalog"
	"github.com/ehrmetrics/userprops-etl/internal/objectstore"
	"github.com/ehrmetrics/userprops-etl/internal/transform"
	"github.com/ehrmetrics/userprops-etl/internal/warehouse"
)

// runState holds the two buffers, the staging batch-uuid list, and the two
// preloaded caches (existingPermanent, lastChange) for one ProcessSource
// call.
type runState struct {
	pendingPermanent  []*transform.Permanent
	pendingChangeable []*transform.Changeable
	batchUUIDs        []string

	existingPermanent map[int]struct{}
	lastChange        map[string]*transform.Changeable

	processed  int
	errorCount int
}

// warehouseClient is the slice of *warehouse.Repository the orchestrator
// depends on, extracted as an interface so unit tests can exercise the
// flush/interrupt logic against a fake instead of a real Postgres.
type warehouseClient interface {
	GetAllPermanentEHRIDs(ctx context.Context) (map[int]struct{}, error)
	GetLatestChangeableForEHRs(ctx context.Context, ehrIDs []int, includeNull bool) (map[string]warehouse.Row, error)
	InsertBatch(ctx context.Context, table string, rows []warehouse.Row, onConflict, returningColumn string) ([]string, int, error)
	UpdateMigratedBatch(ctx context.Context, uuids []string, migrated bool) error
	SelectStagingWindow(ctx context.Context, start, end time.Time) ([]warehouse.Row, error)
}

var _ warehouseClient = (*warehouse.Repository)(nil)

// Orchestrator is the single entry point that drives one archive or
// staging processing run end to end. It assumes a single active worker
// per warehouse; concurrent runs only degrade the insert-if-changed
// optimization, never correctness of the latest-per-partition reads.
type Orchestrator struct {
	repo     warehouseClient
	store    objectstore.Store
	catalog  *catalog.Catalog
	cfg      *Config
	detector ChangeDetector
	notifier Notifier
	logger   *slog.Logger
}

// NewOrchestrator constructs an Orchestrator. notifier may be nil.
func NewOrchestrator(
	repo warehouseClient,
	store objectstore.Store,
	cat *catalog.Catalog,
	cfg *Config,
	notifier Notifier,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		repo: repo, store: store, catalog: cat, cfg: cfg, notifier: notifier, logger: logger,
	}
}

// ProcessSource runs one end-to-end pipeline pass for the given source.
func (o *Orchestrator) ProcessSource(ctx context.Context, source transform.Source, params Params) (*Result, error) {
	switch source {
	case transform.SourceArchive:
		return o.processArchive(ctx, params)
	case transform.SourceStaging:
		return o.processStaging(ctx, params)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
}

// preload seeds the run's caches: every known ehr_id plus the latest
// changeable row per ehr_id (and the null partition).
func (o *Orchestrator) preload(ctx context.Context) (*runState, error) {
	existing, err := o.repo.GetAllPermanentEHRIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("etl: preload existing permanent: %w", err)
	}

	ids := make([]int, 0, len(existing))
	for id := range existing {
		ids = append(ids, id)
	}

	latestRows, err := o.repo.GetLatestChangeableForEHRs(ctx, ids, true)
	if err != nil {
		return nil, fmt.Errorf("etl: preload latest changeable: %w", err)
	}

	lastChange := make(map[string]*transform.Changeable, len(latestRows))
	for key, row := range latestRows {
		lastChange[key] = rowToChangeable(row)
	}

	return &runState{existingPermanent: existing, lastChange: lastChange}, nil
}

func ehrKey(ehrID *int) string {
	if ehrID == nil {
		return warehouse.NullPartitionKey
	}

	return strconv.Itoa(*ehrID)
}

// handleRecord runs the per-record step: transform, buffer, and
// flush-on-size-trigger. A non-empty transform-error slice is
// returned for the caller to turn into an interruption; a non-nil error is
// a warehouse failure from an eager flush.
func (o *Orchestrator) handleRecord(
	ctx context.Context,
	state *runState,
	raw transform.RawRecord,
	source transform.Source,
) ([]transform.Error, error) {
	result := transform.Transform(raw, source, o.catalog)
	if len(result.Errors) > 0 {
		return result.Errors, nil
	}

	if result.Permanent != nil {
		state.pendingPermanent = append(state.pendingPermanent, result.Permanent)
	}

	if result.Changeable != nil {
		state.pendingChangeable = append(state.pendingChangeable, result.Changeable)

		if source == transform.SourceStaging {
			state.batchUUIDs = append(state.batchUUIDs, result.Changeable.UUID)
		}
	}

	state.processed++

	if len(state.pendingPermanent) >= o.cfg.BatchSize || len(state.pendingChangeable) >= o.cfg.BatchSize {
		if err := o.flush(ctx, state, source); err != nil {
			return nil, err
		}
	}

	return nil, nil
}

// flush drains both pending buffers and, in staging mode, marks the
// flushed uuids as migrated.
func (o *Orchestrator) flush(ctx context.Context, state *runState, source transform.Source) error {
	if err := o.flushPermanent(ctx, state); err != nil {
		return err
	}

	if err := o.flushChangeable(ctx, state); err != nil {
		return err
	}

	if source == transform.SourceStaging && len(state.batchUUIDs) > 0 {
		if err := o.repo.UpdateMigratedBatch(ctx, state.batchUUIDs, true); err != nil {
			return fmt.Errorf("etl: update migrated batch: %w", err)
		}

		state.batchUUIDs = nil
	}

	return nil
}

func (o *Orchestrator) flushPermanent(ctx context.Context, state *runState) error {
	if len(state.pendingPermanent) == 0 {
		return nil
	}

	rows := make([]warehouse.Row, 0, len(state.pendingPermanent))

	for _, p := range state.pendingPermanent {
		if _, exists := state.existingPermanent[p.EhrID]; exists {
			continue
		}

		rows = append(rows, permanentToRow(p))
	}

	state.pendingPermanent = nil

	if len(rows) == 0 {
		return nil
	}

	ids, _, err := o.repo.InsertBatch(ctx, warehouse.TablePermanent, rows, "(ehr_id) DO NOTHING", "ehr_id")
	if err != nil {
		return fmt.Errorf("etl: flush permanent: %w", err)
	}

	for _, idStr := range ids {
		if n, err := strconv.Atoi(idStr); err == nil {
			state.existingPermanent[n] = struct{}{}
		}
	}

	return nil
}

// flushChangeable performs the change-detector-gated insert, guarding the
// lastChange update against out-of-order event_time: a candidate only
// replaces the cached "latest" when it is actually newer, even though it
// may still be inserted as history if the detector reports a difference.
func (o *Orchestrator) flushChangeable(ctx context.Context, state *runState) error {
	if len(state.pendingChangeable) == 0 {
		return nil
	}

	rows := make([]warehouse.Row, 0, len(state.pendingChangeable))

	for _, candidate := range state.pendingChangeable {
		key := ehrKey(candidate.EhrID)
		old := state.lastChange[key]

		if !o.detector.Changed(old, candidate) {
			continue
		}

		rows = append(rows, changeableToRow(candidate))

		if old == nil || candidate.EventTime.After(old.EventTime) {
			state.lastChange[key] = candidate
		}
	}

	state.pendingChangeable = nil

	if len(rows) == 0 {
		return nil
	}

	if _, _, err := o.repo.InsertBatch(ctx, warehouse.TableChangeable, rows, "", "uuid"); err != nil {
		return fmt.Errorf("etl: flush changeable: %w", err)
	}

	return nil
}

func (o *Orchestrator) notify(ctx context.Context, source, status string, state *runState) {
	if o.notifier == nil {
		return
	}

	summary := RunSummary{Source: source, Processed: state.processed, Errors: state.errorCount, Status: status}
	if err := o.notifier.Notify(ctx, summary); err != nil {
		o.logger.Warn("etl: notifier failed", slog.String("error", err.Error()))
	}
}

// processArchive walks the lines of one object-store NDJSON blob starting
// at StartAfter.
func (o *Orchestrator) processArchive(ctx context.Context, params Params) (*Result, error) {
	state, err := o.preload(ctx)
	if err != nil {
		return nil, err
	}

	body, err := o.store.GetObject(ctx, params.Bucket, params.Prefix)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, params.Bucket, params.Prefix)
		}

		return nil, fmt.Errorf("etl: reading source object: %w", err)
	}

	lines := strings.Split(string(body), "\n")

	lastLine := params.StartAfter - 1

	for idx := params.StartAfter; idx < len(lines); idx++ {
		line := strings.TrimSpace(lines[idx])
		if line == "" {
			continue
		}

		var raw transform.RawRecord
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return o.archiveInterrupt(ctx, state, params, []transform.Error{
				{Key: "line", Value: line, Reason: "Invalid JSON"},
			}, idx)
		}

		errs, err := o.handleRecord(ctx, state, raw, transform.SourceArchive)
		if err != nil {
			return nil, err
		}

		if len(errs) > 0 {
			return o.archiveInterrupt(ctx, state, params, errs, idx)
		}

		lastLine = idx
	}

	if err := o.flush(ctx, state, transform.SourceArchive); err != nil {
		return nil, err
	}

	o.notify(ctx, "archive", "completed", state)

	return &Result{Status: "completed", Processed: state.processed, LastSuccessfulLine: &lastLine}, nil
}

func (o *Orchestrator) archiveInterrupt(
	ctx context.Context,
	state *runState,
	params Params,
	errs []transform.Error,
	failedIdx int,
) (*Result, error) {
	state.errorCount += len(errs)

	// Best-effort cleanup flush of already-valid buffered rows; a flush
	// failure here is logged, not propagated, so the transformation error
	// that actually caused the interruption is always what the caller sees.
	if err := o.flush(ctx, state, transform.SourceArchive); err != nil {
		o.logger.Warn("etl: best-effort flush before interruption failed", slog.String("error", err.Error()))
	}

	last := failedIdx - 1
	interrupted := &ProcessingInterrupted{
		Message:            formatErrorMessage(transformErrorMessages(errs)),
		LastSuccessfulLine: &last,
		FailedLine:         &failedIdx,
		FileKey:            params.Prefix,
		Processed:          state.processed,
		ErrorCount:         state.errorCount,
	}

	o.notify(ctx, "archive", "interrupted", state)

	return nil, interrupted
}

// processStaging walks tmp_user_properties forward from StartDate in
// one-day windows, stopping at the first empty day.
func (o *Orchestrator) processStaging(ctx context.Context, params Params) (*Result, error) {
	state, err := o.preload(ctx)
	if err != nil {
		return nil, err
	}

	day := params.StartDate.Truncate(24 * time.Hour)

	for {
		rows, err := o.repo.SelectStagingWindow(ctx, day, day.AddDate(0, 0, 1))
		if err != nil {
			return nil, fmt.Errorf("etl: selecting staging window: %w", err)
		}

		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			raw, err := stagingRowToRaw(row)
			if err != nil {
				return o.stagingInterrupt(ctx, state, day, []transform.Error{
					{Key: "user_properties_json", Value: fmt.Sprint(row["uuid"]), Reason: "Invalid JSON"},
				})
			}

			errs, err := o.handleRecord(ctx, state, raw, transform.SourceStaging)
			if err != nil {
				return nil, err
			}

			if len(errs) > 0 {
				return o.stagingInterrupt(ctx, state, day, errs)
			}
		}

		day = day.AddDate(0, 0, 1)
	}

	if err := o.flush(ctx, state, transform.SourceStaging); err != nil {
		return nil, err
	}

	o.notify(ctx, "staging", "completed", state)

	return &Result{Status: "completed", Processed: state.processed}, nil
}

func (o *Orchestrator) stagingInterrupt(
	ctx context.Context,
	state *runState,
	day time.Time,
	errs []transform.Error,
) (*Result, error) {
	state.errorCount += len(errs)

	// Flush what is clean and mark the already-collected uuids as migrated
	// before interrupting.
	if err := o.flush(ctx, state, transform.SourceStaging); err != nil {
		o.logger.Warn("etl: best-effort flush before interruption failed", slog.String("error", err.Error()))
	}

	interrupted := &ProcessingInterrupted{
		Message:    formatErrorMessage(transformErrorMessages(errs)),
		FileKey:    fmt.Sprintf("staging:%s", day.Format("2006-01-02")),
		Processed:  state.processed,
		ErrorCount: state.errorCount,
	}

	o.notify(ctx, "staging", "interrupted", state)

	return nil, interrupted
}

func transformErrorMessages(errs []transform.Error) []string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, fmt.Sprintf("'%s' = %s (%s)", e.Key, e.Value, e.Reason))
	}

	return msgs
}
