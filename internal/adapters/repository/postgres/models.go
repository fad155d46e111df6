package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/okian/liquid/internal/domain/model"
)

type recordModel struct {
	Seq         int64      `gorm:"column:seq;->"`
	ID          string     `gorm:"column:id;primaryKey"`
	DecisionID  string     `gorm:"column:decision_id"`
	CommunityID string     `gorm:"column:community_id"`
	Status      string     `gorm:"column:status"`
	ErrorsJSON  string     `gorm:"column:errors_json"`
	Retries     int        `gorm:"column:retries"`
	Final       bool       `gorm:"column:final"`
	SnapshotAt  *time.Time `gorm:"column:snapshot_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime:false"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
}

func (recordModel) TableName() string { return "calculation_records" }

func recordModelFromEntity(rec model.CalculationRecord) (recordModel, error) {
	entries := rec.Errors
	if entries == nil {
		entries = []model.ErrorEntry{}
	}
	errorsJSON, err := json.Marshal(entries)
	if err != nil {
		return recordModel{}, fmt.Errorf("encode errors: %w", err)
	}
	return recordModel{
		ID:          rec.ID,
		DecisionID:  string(rec.DecisionID),
		CommunityID: string(rec.CommunityID),
		Status:      string(rec.Status),
		ErrorsJSON:  string(errorsJSON),
		Retries:     rec.Retries,
		Final:       rec.Final,
		SnapshotAt:  utcPtr(rec.SnapshotAt),
		CreatedAt:   rec.CreatedAt.UTC(),
		UpdatedAt:   rec.UpdatedAt.UTC(),
		CompletedAt: utcPtr(rec.CompletedAt),
	}, nil
}

func (m recordModel) toEntity() (model.CalculationRecord, error) {
	rec := model.CalculationRecord{
		ID:          m.ID,
		DecisionID:  model.DecisionID(m.DecisionID),
		CommunityID: model.CommunityID(m.CommunityID),
		Status:      model.Status(m.Status),
		Retries:     m.Retries,
		Final:       m.Final,
		SnapshotAt:  utcPtr(m.SnapshotAt),
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
		CompletedAt: utcPtr(m.CompletedAt),
	}
	if m.ErrorsJSON != "" {
		if err := json.Unmarshal([]byte(m.ErrorsJSON), &rec.Errors); err != nil {
			return model.CalculationRecord{}, fmt.Errorf("decode errors of record %s: %w", m.ID, err)
		}
	}
	if len(rec.Errors) == 0 {
		rec.Errors = nil
	}
	return rec, nil
}

type ballotSetModel struct {
	RecordID string `gorm:"column:record_id;primaryKey"`
	Body     string `gorm:"column:body"`
}

func (ballotSetModel) TableName() string { return "effective_ballots" }

type resultModel struct {
	RecordID string `gorm:"column:record_id;primaryKey"`
	Body     string `gorm:"column:body"`
}

func (resultModel) TableName() string { return "tally_results" }

type memberModel struct {
	CommunityID string `gorm:"column:community_id;primaryKey"`
	MemberID    string `gorm:"column:member_id;primaryKey"`
	Voting      bool   `gorm:"column:voting"`
}

func (memberModel) TableName() string { return "members" }

func (m memberModel) toEntity() model.Member {
	return model.Member{ID: model.MemberID(m.MemberID), Voting: m.Voting}
}

type followModel struct {
	CommunityID string `gorm:"column:community_id;primaryKey"`
	Follower    string `gorm:"column:follower;primaryKey"`
	Followee    string `gorm:"column:followee;primaryKey"`
	TagsJSON    string `gorm:"column:tags_json"`
	Priority    int    `gorm:"column:priority"`
}

func (followModel) TableName() string { return "follows" }

func followModelFromEntity(community model.CommunityID, e model.FollowEdge) (followModel, error) {
	tags := e.Tags
	if tags == nil {
		tags = []model.Tag{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return followModel{}, fmt.Errorf("encode tags: %w", err)
	}
	return followModel{
		CommunityID: string(community),
		Follower:    string(e.Follower),
		Followee:    string(e.Followee),
		TagsJSON:    string(b),
		Priority:    e.Priority,
	}, nil
}

func (m followModel) toEntity() (model.FollowEdge, error) {
	e := model.FollowEdge{
		Follower: model.MemberID(m.Follower),
		Followee: model.MemberID(m.Followee),
		Priority: m.Priority,
	}
	if err := json.Unmarshal([]byte(m.TagsJSON), &e.Tags); err != nil {
		return model.FollowEdge{}, fmt.Errorf("decode tags of %s -> %s: %w", m.Follower, m.Followee, err)
	}
	return e, nil
}

type decisionModel struct {
	ID          string     `gorm:"column:id;primaryKey"`
	CommunityID string     `gorm:"column:community_id"`
	ChoicesJSON string     `gorm:"column:choices_json"`
	TagsJSON    string     `gorm:"column:tags_json"`
	Status      string     `gorm:"column:status"`
	ClosesAt    *time.Time `gorm:"column:closes_at"`
}

func (decisionModel) TableName() string { return "decisions" }

func decisionModelFromEntity(d model.Decision) (decisionModel, error) {
	if d.Status == "" {
		d.Status = model.DecisionOpen
	}
	if d.Choices == nil {
		d.Choices = []model.Choice{}
	}
	if d.Tags == nil {
		d.Tags = []model.Tag{}
	}
	choices, err := json.Marshal(d.Choices)
	if err != nil {
		return decisionModel{}, fmt.Errorf("encode choices: %w", err)
	}
	tags, err := json.Marshal(d.Tags)
	if err != nil {
		return decisionModel{}, fmt.Errorf("encode tags: %w", err)
	}
	return decisionModel{
		ID:          string(d.ID),
		CommunityID: string(d.CommunityID),
		ChoicesJSON: string(choices),
		TagsJSON:    string(tags),
		Status:      string(d.Status),
		ClosesAt:    utcPtr(d.ClosesAt),
	}, nil
}

func (m decisionModel) toEntity() (model.Decision, error) {
	d := model.Decision{
		ID:          model.DecisionID(m.ID),
		CommunityID: model.CommunityID(m.CommunityID),
		Status:      model.DecisionStatus(m.Status),
		ClosesAt:    utcPtr(m.ClosesAt),
	}
	if err := json.Unmarshal([]byte(m.ChoicesJSON), &d.Choices); err != nil {
		return model.Decision{}, fmt.Errorf("decode choices of %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(m.TagsJSON), &d.Tags); err != nil {
		return model.Decision{}, fmt.Errorf("decode tags of %s: %w", m.ID, err)
	}
	return d, nil
}

type rawBallotModel struct {
	DecisionID string    `gorm:"column:decision_id;primaryKey"`
	VoterID    string    `gorm:"column:voter_id;primaryKey"`
	ScoresJSON string    `gorm:"column:scores_json"`
	CastAt     time.Time `gorm:"column:cast_at"`
}

func (rawBallotModel) TableName() string { return "raw_ballots" }

func rawBallotModelFromEntity(b model.RawBallot) (rawBallotModel, error) {
	scores := b.Scores
	if scores == nil {
		scores = model.Scores{}
	}
	body, err := json.Marshal(scores)
	if err != nil {
		return rawBallotModel{}, fmt.Errorf("encode scores: %w", err)
	}
	return rawBallotModel{
		DecisionID: string(b.DecisionID),
		VoterID:    string(b.VoterID),
		ScoresJSON: string(body),
		CastAt:     b.CastAt.UTC(),
	}, nil
}

func (m rawBallotModel) toEntity() (model.RawBallot, error) {
	b := model.RawBallot{
		DecisionID: model.DecisionID(m.DecisionID),
		VoterID:    model.MemberID(m.VoterID),
		CastAt:     m.CastAt.UTC(),
	}
	if err := json.Unmarshal([]byte(m.ScoresJSON), &b.Scores); err != nil {
		return model.RawBallot{}, fmt.Errorf("decode ballot of %s: %w", m.VoterID, err)
	}
	return b, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
