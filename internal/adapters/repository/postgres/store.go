package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/okian/liquid/internal/adapters/repository"
	"github.com/okian/liquid/internal/domain/model"
	"github.com/okian/liquid/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (d *DB) CreateRecord(ctx context.Context, rec model.CalculationRecord) error {
	if err := repository.ValidateNew(rec); err != nil {
		return err
	}
	row, err := recordModelFromEntity(rec)
	if err != nil {
		return err
	}
	row.Final = false
	if err := d.db.WithContext(ctx).Omit("seq").Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: record %s for decision %s", conflictKind(err), rec.ID, rec.DecisionID)
		}
		return d.logError(ctx, "create record", err, logger.String("recordID", rec.ID))
	}
	return nil
}

func (d *DB) UpdateRecord(ctx context.Context, rec model.CalculationRecord) error {
	row, err := recordModelFromEntity(rec)
	if err != nil {
		return err
	}
	from := statusNames(repository.UpdatableFrom(rec.Status))
	res := d.db.WithContext(ctx).Model(&recordModel{}).Where("id = ? AND status IN ?", rec.ID, from).Updates(map[string]any{
		"status":       row.Status,
		"errors_json":  row.ErrorsJSON,
		"retries":      row.Retries,
		"snapshot_at":  row.SnapshotAt,
		"updated_at":   row.UpdatedAt,
		"completed_at": row.CompletedAt,
	})
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return fmt.Errorf("%w: record %s", repository.ErrInFlight, rec.ID)
		}
		return d.logError(ctx, "update record", res.Error, logger.String("recordID", rec.ID))
	}
	if res.RowsAffected == 0 {
		return d.unwritten(ctx, rec.ID, "become "+string(rec.Status))
	}
	return nil
}

// unwritten explains a conditional update that matched no row.
func (d *DB) unwritten(ctx context.Context, id, action string) error {
	var row recordModel
	if err := d.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&row).Error; err != nil {
		return d.logError(ctx, "load record", err, logger.String("recordID", id))
	}
	if row.ID == "" {
		return fmt.Errorf("%w: record %s", repository.ErrNotFound, id)
	}
	return fmt.Errorf("%w: record %s is %s, cannot %s", repository.ErrStatusConflict, id, row.Status, action)
}

func statusNames(statuses []model.Status) []string {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return names
}

func (d *DB) ReacquireRecord(ctx context.Context, id string) (model.CalculationRecord, error) {
	var out model.CalculationRecord
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row recordModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: record %s", repository.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("load record: %w", err)
		}
		if !model.Status(row.Status).Failed() {
			return fmt.Errorf("%w: record %s is %s", repository.ErrNotRetryable, id, row.Status)
		}
		row.Status = string(model.StatusCreating)
		row.UpdatedAt = d.now()
		err = tx.Model(&recordModel{}).Where("id = ?", id).Updates(map[string]any{
			"status":     row.Status,
			"updated_at": row.UpdatedAt,
		}).Error
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", repository.ErrInFlight, row.DecisionID)
			}
			return fmt.Errorf("reacquire record: %w", err)
		}
		out, err = row.toEntity()
		return err
	})
	if err != nil {
		return model.CalculationRecord{}, err
	}
	return out, nil
}

func (d *DB) CompleteRecord(ctx context.Context, rec model.CalculationRecord) error {
	if rec.Status != model.StatusCompleted {
		return fmt.Errorf("%w: completing record %s with status %s", repository.ErrInvalidRecord, rec.ID, rec.Status)
	}
	row, err := recordModelFromEntity(rec)
	if err != nil {
		return err
	}
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur recordModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", rec.ID).First(&cur).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: record %s", repository.ErrNotFound, rec.ID)
		}
		if err != nil {
			return fmt.Errorf("load record: %w", err)
		}
		if model.Status(cur.Status) != model.StatusTallying {
			return fmt.Errorf("%w: record %s is %s, cannot complete", repository.ErrStatusConflict, rec.ID, cur.Status)
		}
		if err := tx.Model(&recordModel{}).
			Where("decision_id = ? AND final", cur.DecisionID).
			Update("final", false).Error; err != nil {
			return fmt.Errorf("clear final: %w", err)
		}
		return tx.Model(&recordModel{}).Where("id = ?", rec.ID).Updates(map[string]any{
			"status":       row.Status,
			"errors_json":  row.ErrorsJSON,
			"retries":      row.Retries,
			"final":        true,
			"snapshot_at":  row.SnapshotAt,
			"updated_at":   row.UpdatedAt,
			"completed_at": row.CompletedAt,
		}).Error
	})
}

func (d *DB) GetRecord(ctx context.Context, id string) (model.CalculationRecord, error) {
	return d.firstRecord(ctx, "record "+id, func(q *gorm.DB) *gorm.DB {
		return q.Where("id = ?", id)
	})
}

func (d *DB) LatestRecord(ctx context.Context, decision model.DecisionID) (model.CalculationRecord, error) {
	return d.firstRecord(ctx, "latest record of "+string(decision), func(q *gorm.DB) *gorm.DB {
		return q.Where("decision_id = ?", decision).Order("created_at DESC, seq DESC")
	})
}

func (d *DB) FinalRecord(ctx context.Context, decision model.DecisionID) (model.CalculationRecord, error) {
	return d.firstRecord(ctx, "final record of "+string(decision), func(q *gorm.DB) *gorm.DB {
		return q.Where("decision_id = ? AND final", decision)
	})
}

func (d *DB) firstRecord(ctx context.Context, what string, scope func(*gorm.DB) *gorm.DB) (model.CalculationRecord, error) {
	var row recordModel
	err := scope(d.db.WithContext(ctx)).Limit(1).Find(&row).Error
	if err != nil {
		return model.CalculationRecord{}, d.logError(ctx, "load record", err, logger.String("lookup", what))
	}
	if row.ID == "" {
		return model.CalculationRecord{}, fmt.Errorf("%w: %s", repository.ErrNotFound, what)
	}
	return row.toEntity()
}

func (d *DB) ListRecords(ctx context.Context, statuses ...model.Status) ([]model.CalculationRecord, error) {
	q := d.db.WithContext(ctx).Model(&recordModel{})
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statusNames(statuses))
	}
	var rows []recordModel
	if err := q.Order("created_at ASC, seq ASC").Find(&rows).Error; err != nil {
		return nil, d.logError(ctx, "list records", err)
	}
	out := make([]model.CalculationRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toEntity()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (d *DB) SaveBallots(ctx context.Context, recordID string, ballots []model.EffectiveBallot) error {
	cp := make([]model.EffectiveBallot, len(ballots))
	copy(cp, ballots)
	repository.SortBallots(cp)
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode ballots: %w", err)
	}
	return d.saveBody(ctx, recordID, &ballotSetModel{RecordID: recordID, Body: string(body)})
}

func (d *DB) Ballots(ctx context.Context, recordID string) ([]model.EffectiveBallot, error) {
	var row ballotSetModel
	if err := d.loadBody(ctx, recordID, &row); err != nil {
		return nil, err
	}
	var out []model.EffectiveBallot
	if err := json.Unmarshal([]byte(row.Body), &out); err != nil {
		return nil, fmt.Errorf("decode ballots: %w", err)
	}
	return out, nil
}

func (d *DB) SaveResult(ctx context.Context, recordID string, result model.TallyResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return d.saveBody(ctx, recordID, &resultModel{RecordID: recordID, Body: string(body)})
}

func (d *DB) Result(ctx context.Context, recordID string) (model.TallyResult, error) {
	var row resultModel
	if err := d.loadBody(ctx, recordID, &row); err != nil {
		return model.TallyResult{}, err
	}
	var out model.TallyResult
	if err := json.Unmarshal([]byte(row.Body), &out); err != nil {
		return model.TallyResult{}, fmt.Errorf("decode result: %w", err)
	}
	return out, nil
}

// saveBody upserts a per-record JSON document. The foreign key rejects
// unknown records; that is reported as ErrNotFound.
func (d *DB) saveBody(ctx context.Context, recordID string, row any) error {
	var n int64
	if err := d.db.WithContext(ctx).Model(&recordModel{}).Where("id = ?", recordID).Count(&n).Error; err != nil {
		return d.logError(ctx, "check record", err, logger.String("recordID", recordID))
	}
	if n == 0 {
		return fmt.Errorf("%w: record %s", repository.ErrNotFound, recordID)
	}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"body"}),
	}).Create(row).Error
	if err != nil {
		return d.logError(ctx, "save body", err, logger.String("recordID", recordID))
	}
	return nil
}

func (d *DB) loadBody(ctx context.Context, recordID string, row any) error {
	err := d.db.WithContext(ctx).Where("record_id = ?", recordID).First(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: output of record %s", repository.ErrNotFound, recordID)
	}
	if err != nil {
		return d.logError(ctx, "load body", err, logger.String("recordID", recordID))
	}
	return nil
}
