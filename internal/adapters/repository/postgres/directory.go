package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/okian/liquid/internal/adapters/repository"
	"github.com/okian/liquid/internal/domain/model"
	"github.com/okian/liquid/internal/domain/snapshot"
	"github.com/okian/liquid/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// captureTx reads every table of a capture from one REPEATABLE READ
// snapshot, so concurrent collaborator writes are invisible to it.
var captureTx = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

func (d *DB) Capture(ctx context.Context, communityID model.CommunityID, decision model.DecisionID) (snapshot.Capture, error) {
	out := snapshot.Capture{ReadAt: d.now()}
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var members []memberModel
		if err := tx.Where("community_id = ?", communityID).Order("member_id").Find(&members).Error; err != nil {
			return fmt.Errorf("read members: %w", err)
		}
		for _, m := range members {
			out.Members = append(out.Members, m.toEntity())
		}

		var follows []followModel
		if err := tx.Where("community_id = ?", communityID).Order("follower, priority, followee").Find(&follows).Error; err != nil {
			return fmt.Errorf("read follows: %w", err)
		}
		for _, f := range follows {
			e, err := f.toEntity()
			if err != nil {
				return err
			}
			out.Follows = append(out.Follows, e)
		}

		var decisions []decisionModel
		var ballots []rawBallotModel
		if decision != "" {
			if err := tx.Where("id = ?", decision).Find(&decisions).Error; err != nil {
				return fmt.Errorf("read decision: %w", err)
			}
			if err := tx.Where("decision_id = ?", decision).Order("voter_id").Find(&ballots).Error; err != nil {
				return fmt.Errorf("read ballots: %w", err)
			}
		} else {
			if err := tx.Where("community_id = ?", communityID).Order("id").Find(&decisions).Error; err != nil {
				return fmt.Errorf("read decisions: %w", err)
			}
			sub := tx.Model(&decisionModel{}).Select("id").Where("community_id = ?", communityID)
			if err := tx.Where("decision_id IN (?)", sub).Order("decision_id, voter_id").Find(&ballots).Error; err != nil {
				return fmt.Errorf("read ballots: %w", err)
			}
		}
		for _, m := range decisions {
			dec, err := m.toEntity()
			if err != nil {
				return err
			}
			out.Decisions = append(out.Decisions, dec)
		}
		for _, m := range ballots {
			b, err := m.toEntity()
			if err != nil {
				return err
			}
			out.Ballots = append(out.Ballots, b)
		}
		return nil
	}, captureTx)
	if err != nil {
		return snapshot.Capture{}, d.logError(ctx, "capture", err, logger.String("community", string(communityID)))
	}
	return out, nil
}

func (d *DB) Decision(ctx context.Context, id model.DecisionID) (model.Decision, error) {
	var row decisionModel
	err := d.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Decision{}, fmt.Errorf("%w: decision %s", repository.ErrNotFound, id)
	}
	if err != nil {
		return model.Decision{}, d.logError(ctx, "read decision", err, logger.String("decisionID", string(id)))
	}
	return row.toEntity()
}

func (d *DB) Decisions(ctx context.Context, communityID model.CommunityID) ([]model.Decision, error) {
	var rows []decisionModel
	if err := d.db.WithContext(ctx).Where("community_id = ?", communityID).Order("id").Find(&rows).Error; err != nil {
		return nil, d.logError(ctx, "read decisions", err, logger.String("community", string(communityID)))
	}
	out := make([]model.Decision, 0, len(rows))
	for _, r := range rows {
		dec, err := r.toEntity()
		if err != nil {
			return nil, err
		}
		out = append(out, dec)
	}
	return out, nil
}

func (d *DB) PutMember(ctx context.Context, communityID model.CommunityID, m model.Member) error {
	if m.ID == "" {
		return fmt.Errorf("%w: empty member id", repository.ErrInvalidRecord)
	}
	row := memberModel{CommunityID: string(communityID), MemberID: string(m.ID), Voting: m.Voting}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "community_id"}, {Name: "member_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"voting"}),
	}).Create(&row).Error
	if err != nil {
		return d.logError(ctx, "put member", err, logger.String("memberID", string(m.ID)))
	}
	return nil
}

func (d *DB) RemoveMember(ctx context.Context, communityID model.CommunityID, id model.MemberID) error {
	res := d.db.WithContext(ctx).Where("community_id = ? AND member_id = ?", communityID, id).Delete(&memberModel{})
	return d.requireOne(ctx, res, "member "+string(id))
}

func (d *DB) PutFollow(ctx context.Context, communityID model.CommunityID, e model.FollowEdge) error {
	if e.Follower == "" || e.Followee == "" {
		return fmt.Errorf("%w: follow edge needs both ends", repository.ErrInvalidRecord)
	}
	row, err := followModelFromEntity(communityID, e)
	if err != nil {
		return err
	}
	err = d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "community_id"}, {Name: "follower"}, {Name: "followee"}},
		DoUpdates: clause.AssignmentColumns([]string{"tags_json", "priority"}),
	}).Create(&row).Error
	if err != nil {
		return d.logError(ctx, "put follow", err, logger.String("follower", string(e.Follower)))
	}
	return nil
}

func (d *DB) RemoveFollow(ctx context.Context, communityID model.CommunityID, follower, followee model.MemberID) error {
	res := d.db.WithContext(ctx).
		Where("community_id = ? AND follower = ? AND followee = ?", communityID, follower, followee).
		Delete(&followModel{})
	return d.requireOne(ctx, res, "follow "+string(follower)+" -> "+string(followee))
}

func (d *DB) PutDecision(ctx context.Context, dec model.Decision) error {
	if dec.ID == "" || dec.CommunityID == "" {
		return fmt.Errorf("%w: decision needs id and community", repository.ErrInvalidRecord)
	}
	row, err := decisionModelFromEntity(dec)
	if err != nil {
		return err
	}
	err = d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"community_id", "choices_json", "tags_json", "status", "closes_at"}),
	}).Create(&row).Error
	if err != nil {
		return d.logError(ctx, "put decision", err, logger.String("decisionID", string(dec.ID)))
	}
	return nil
}

func (d *DB) CastBallot(ctx context.Context, b model.RawBallot) error {
	if b.VoterID == "" {
		return fmt.Errorf("%w: empty voter id", repository.ErrInvalidRecord)
	}
	if _, err := d.Decision(ctx, b.DecisionID); err != nil {
		return err
	}
	if b.CastAt.IsZero() {
		b.CastAt = d.now()
	}
	row, err := rawBallotModelFromEntity(b)
	if err != nil {
		return err
	}
	err = d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "decision_id"}, {Name: "voter_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"scores_json", "cast_at"}),
	}).Create(&row).Error
	if err != nil {
		return d.logError(ctx, "cast ballot", err, logger.String("voterID", string(b.VoterID)))
	}
	return nil
}

func (d *DB) RetractBallot(ctx context.Context, decision model.DecisionID, voter model.MemberID) error {
	res := d.db.WithContext(ctx).Where("decision_id = ? AND voter_id = ?", decision, voter).Delete(&rawBallotModel{})
	return d.requireOne(ctx, res, "ballot of "+string(voter))
}

func (d *DB) requireOne(ctx context.Context, res *gorm.DB, what string) error {
	if res.Error != nil {
		return d.logError(ctx, "delete", res.Error, logger.String("target", what))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", repository.ErrNotFound, what)
	}
	return nil
}
