package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/okian/liquid/internal/adapters/repository"
	"github.com/okian/liquid/internal/domain/model"
)

const recordColumns = `id, decision_id, community_id, status, errors_json, retries, final,
	snapshot_at, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.CalculationRecord, error) {
	var (
		rec                model.CalculationRecord
		errorsJSON         string
		final              int
		snapAt, completeAt sql.NullInt64
		createdAt, updated int64
	)
	err := row.Scan(&rec.ID, &rec.DecisionID, &rec.CommunityID, &rec.Status, &errorsJSON,
		&rec.Retries, &final, &snapAt, &createdAt, &updated, &completeAt)
	if err != nil {
		return model.CalculationRecord{}, err
	}
	if err := json.Unmarshal([]byte(errorsJSON), &rec.Errors); err != nil {
		return model.CalculationRecord{}, fmt.Errorf("decode errors of record %s: %w", rec.ID, err)
	}
	if len(rec.Errors) == 0 {
		rec.Errors = nil
	}
	rec.Final = final == 1
	rec.SnapshotAt = timePtr(snapAt)
	rec.CompletedAt = timePtr(completeAt)
	rec.CreatedAt = fromNanos(createdAt)
	rec.UpdatedAt = fromNanos(updated)
	return rec, nil
}

func encodeErrors(entries []model.ErrorEntry) (string, error) {
	if entries == nil {
		entries = []model.ErrorEntry{}
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encode errors: %w", err)
	}
	return string(b), nil
}

func (d *DB) CreateRecord(ctx context.Context, rec model.CalculationRecord) error {
	if err := repository.ValidateNew(rec); err != nil {
		return err
	}
	errorsJSON, err := encodeErrors(rec.Errors)
	if err != nil {
		return err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM calculation_records WHERE id = ?`, rec.ID).Scan(&n); err != nil {
		return fmt.Errorf("check id: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", repository.ErrDuplicateID, rec.ID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO calculation_records (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		rec.ID, rec.DecisionID, rec.CommunityID, rec.Status, errorsJSON, rec.Retries,
		nullNanos(rec.SnapshotAt), toNanos(rec.CreatedAt), toNanos(rec.UpdatedAt), nullNanos(rec.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", repository.ErrInFlight, rec.DecisionID)
		}
		return fmt.Errorf("insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (d *DB) UpdateRecord(ctx context.Context, rec model.CalculationRecord) error {
	errorsJSON, err := encodeErrors(rec.Errors)
	if err != nil {
		return err
	}
	from := repository.UpdatableFrom(rec.Status)
	args := []any{rec.Status, errorsJSON, rec.Retries, nullNanos(rec.SnapshotAt), toNanos(rec.UpdatedAt),
		nullNanos(rec.CompletedAt), rec.ID}
	for _, st := range from {
		args = append(args, st)
	}
	res, err := d.db.ExecContext(ctx,
		`UPDATE calculation_records
		 SET status = ?, errors_json = ?, retries = ?, snapshot_at = ?, updated_at = ?, completed_at = ?
		 WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: record %s", repository.ErrInFlight, rec.ID)
		}
		return fmt.Errorf("update record: %w", err)
	}
	return d.requireWritten(ctx, res, rec.ID, "become "+string(rec.Status))
}

func (d *DB) ReacquireRecord(ctx context.Context, id string) (model.CalculationRecord, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return model.CalculationRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM calculation_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.CalculationRecord{}, fmt.Errorf("%w: record %s", repository.ErrNotFound, id)
	}
	if err != nil {
		return model.CalculationRecord{}, fmt.Errorf("load record: %w", err)
	}
	if !rec.Status.Failed() {
		return model.CalculationRecord{}, fmt.Errorf("%w: record %s is %s", repository.ErrNotRetryable, id, rec.Status)
	}

	rec.Status = model.StatusCreating
	rec.UpdatedAt = d.now()
	_, err = tx.ExecContext(ctx,
		`UPDATE calculation_records SET status = ?, updated_at = ? WHERE id = ?`,
		rec.Status, toNanos(rec.UpdatedAt), id)
	if err != nil {
		if isUniqueViolation(err) {
			return model.CalculationRecord{}, fmt.Errorf("%w: %s", repository.ErrInFlight, rec.DecisionID)
		}
		return model.CalculationRecord{}, fmt.Errorf("reacquire record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.CalculationRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

func (d *DB) CompleteRecord(ctx context.Context, rec model.CalculationRecord) error {
	if rec.Status != model.StatusCompleted {
		return fmt.Errorf("%w: completing record %s with status %s", repository.ErrInvalidRecord, rec.ID, rec.Status)
	}
	errorsJSON, err := encodeErrors(rec.Errors)
	if err != nil {
		return err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var decision string
	var status model.Status
	err = tx.QueryRowContext(ctx, `SELECT decision_id, status FROM calculation_records WHERE id = ?`, rec.ID).Scan(&decision, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: record %s", repository.ErrNotFound, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}
	if status != model.StatusTallying {
		return fmt.Errorf("%w: record %s is %s, cannot complete", repository.ErrStatusConflict, rec.ID, status)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE calculation_records SET final = 0 WHERE decision_id = ? AND final = 1`, decision); err != nil {
		return fmt.Errorf("clear final: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE calculation_records
		 SET status = ?, errors_json = ?, retries = ?, final = 1, snapshot_at = ?, updated_at = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		rec.Status, errorsJSON, rec.Retries, nullNanos(rec.SnapshotAt), toNanos(rec.UpdatedAt),
		nullNanos(rec.CompletedAt), rec.ID, model.StatusTallying)
	if err != nil {
		return fmt.Errorf("complete record: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: record %s left tallying before completion", repository.ErrStatusConflict, rec.ID)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (d *DB) GetRecord(ctx context.Context, id string) (model.CalculationRecord, error) {
	return d.oneRecord(ctx, `WHERE id = ?`, id)
}

func (d *DB) LatestRecord(ctx context.Context, decision model.DecisionID) (model.CalculationRecord, error) {
	return d.oneRecord(ctx, `WHERE decision_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, decision)
}

func (d *DB) FinalRecord(ctx context.Context, decision model.DecisionID) (model.CalculationRecord, error) {
	return d.oneRecord(ctx, `WHERE decision_id = ? AND final = 1`, decision)
}

func (d *DB) oneRecord(ctx context.Context, where string, arg any) (model.CalculationRecord, error) {
	rec, err := scanRecord(d.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM calculation_records `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return model.CalculationRecord{}, fmt.Errorf("%w: record %v", repository.ErrNotFound, arg)
	}
	if err != nil {
		return model.CalculationRecord{}, fmt.Errorf("load record: %w", err)
	}
	return rec, nil
}

func (d *DB) ListRecords(ctx context.Context, statuses ...model.Status) ([]model.CalculationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM calculation_records`
	args := make([]any, len(statuses))
	if len(statuses) > 0 {
		for i, s := range statuses {
			args[i] = s
		}
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []model.CalculationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out, nil
}

func (d *DB) SaveBallots(ctx context.Context, recordID string, ballots []model.EffectiveBallot) error {
	cp := make([]model.EffectiveBallot, len(ballots))
	copy(cp, ballots)
	repository.SortBallots(cp)
	return d.saveBody(ctx, "effective_ballots", recordID, cp)
}

func (d *DB) Ballots(ctx context.Context, recordID string) ([]model.EffectiveBallot, error) {
	var out []model.EffectiveBallot
	if err := d.loadBody(ctx, "effective_ballots", recordID, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *DB) SaveResult(ctx context.Context, recordID string, result model.TallyResult) error {
	return d.saveBody(ctx, "tally_results", recordID, result)
}

func (d *DB) Result(ctx context.Context, recordID string) (model.TallyResult, error) {
	var out model.TallyResult
	if err := d.loadBody(ctx, "tally_results", recordID, &out); err != nil {
		return model.TallyResult{}, err
	}
	return out, nil
}

// saveBody upserts a JSON document keyed by record id into table.
func (d *DB) saveBody(ctx context.Context, table, recordID string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", table, err)
	}
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calculation_records WHERE id = ?`, recordID).Scan(&n); err != nil {
		return fmt.Errorf("check record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: record %s", repository.ErrNotFound, recordID)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO `+table+` (record_id, body) VALUES (?, ?)
		 ON CONFLICT(record_id) DO UPDATE SET body = excluded.body`,
		recordID, string(body))
	if err != nil {
		return fmt.Errorf("save %s: %w", table, err)
	}
	return nil
}

func (d *DB) loadBody(ctx context.Context, table, recordID string, v any) error {
	var body string
	err := d.db.QueryRowContext(ctx, `SELECT body FROM `+table+` WHERE record_id = ?`, recordID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s for record %s", repository.ErrNotFound, table, recordID)
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", table, err)
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("decode %s: %w", table, err)
	}
	return nil
}

// requireWritten turns a conditional update that matched nothing into
// ErrNotFound or ErrStatusConflict, depending on whether the record exists.
func (d *DB) requireWritten(ctx context.Context, res sql.Result, id, action string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var status model.Status
	err = d.db.QueryRowContext(ctx, `SELECT status FROM calculation_records WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: record %s", repository.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}
	return fmt.Errorf("%w: record %s is %s, cannot %s", repository.ErrStatusConflict, id, status, action)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func requireOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", repository.ErrNotFound, what)
	}
	return nil
}
