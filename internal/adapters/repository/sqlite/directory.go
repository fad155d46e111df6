package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/okian/liquid/internal/adapters/repository"
	"github.com/okian/liquid/internal/domain/model"
	"github.com/okian/liquid/internal/domain/snapshot"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Capture reads everything inside one transaction. SQLite read transactions
// in WAL mode see a single committed state for their whole duration.
func (d *DB) Capture(ctx context.Context, communityID model.CommunityID, decision model.DecisionID) (snapshot.Capture, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return snapshot.Capture{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // read-only transaction

	out := snapshot.Capture{ReadAt: d.now()}
	if out.Members, err = members(ctx, tx, communityID); err != nil {
		return snapshot.Capture{}, err
	}
	if out.Follows, err = follows(ctx, tx, communityID); err != nil {
		return snapshot.Capture{}, err
	}

	if decision != "" {
		dec, err := decisionByID(ctx, tx, decision)
		switch {
		case errors.Is(err, repository.ErrNotFound):
		case err != nil:
			return snapshot.Capture{}, err
		default:
			out.Decisions = []model.Decision{dec}
		}
		out.Ballots, err = rawBallots(ctx, tx, `WHERE decision_id = ?`, decision)
		if err != nil {
			return snapshot.Capture{}, err
		}
	} else {
		if out.Decisions, err = decisionsOf(ctx, tx, communityID); err != nil {
			return snapshot.Capture{}, err
		}
		out.Ballots, err = rawBallots(ctx, tx,
			`WHERE decision_id IN (SELECT id FROM decisions WHERE community_id = ?)`, communityID)
		if err != nil {
			return snapshot.Capture{}, err
		}
	}
	return out, nil
}

func (d *DB) Decision(ctx context.Context, id model.DecisionID) (model.Decision, error) {
	return decisionByID(ctx, d.db, id)
}

func (d *DB) Decisions(ctx context.Context, communityID model.CommunityID) ([]model.Decision, error) {
	return decisionsOf(ctx, d.db, communityID)
}

func members(ctx context.Context, q querier, communityID model.CommunityID) ([]model.Member, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT member_id, voting FROM members WHERE community_id = ? ORDER BY member_id`, communityID)
	if err != nil {
		return nil, fmt.Errorf("read members: %w", err)
	}
	defer rows.Close()

	var out []model.Member
	for rows.Next() {
		var (
			m      model.Member
			voting int
		)
		if err := rows.Scan(&m.ID, &voting); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.Voting = voting == 1
		out = append(out, m)
	}
	return out, rows.Err()
}

func follows(ctx context.Context, q querier, communityID model.CommunityID) ([]model.FollowEdge, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT follower, followee, tags_json, priority FROM follows
		 WHERE community_id = ? ORDER BY follower, priority, followee`, communityID)
	if err != nil {
		return nil, fmt.Errorf("read follows: %w", err)
	}
	defer rows.Close()

	var out []model.FollowEdge
	for rows.Next() {
		var (
			e    model.FollowEdge
			tags string
		)
		if err := rows.Scan(&e.Follower, &e.Followee, &tags, &e.Priority); err != nil {
			return nil, fmt.Errorf("scan follow: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return nil, fmt.Errorf("decode tags of %s -> %s: %w", e.Follower, e.Followee, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const decisionColumns = `id, community_id, choices_json, tags_json, status, closes_at`

func scanDecision(row rowScanner) (model.Decision, error) {
	var (
		dec           model.Decision
		choices, tags string
		closesAt      sql.NullInt64
	)
	if err := row.Scan(&dec.ID, &dec.CommunityID, &choices, &tags, &dec.Status, &closesAt); err != nil {
		return model.Decision{}, err
	}
	if err := json.Unmarshal([]byte(choices), &dec.Choices); err != nil {
		return model.Decision{}, fmt.Errorf("decode choices of %s: %w", dec.ID, err)
	}
	if err := json.Unmarshal([]byte(tags), &dec.Tags); err != nil {
		return model.Decision{}, fmt.Errorf("decode tags of %s: %w", dec.ID, err)
	}
	dec.ClosesAt = timePtr(closesAt)
	return dec, nil
}

func decisionByID(ctx context.Context, q querier, id model.DecisionID) (model.Decision, error) {
	dec, err := scanDecision(q.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Decision{}, fmt.Errorf("%w: decision %s", repository.ErrNotFound, id)
	}
	if err != nil {
		return model.Decision{}, fmt.Errorf("read decision: %w", err)
	}
	return dec, nil
}

func decisionsOf(ctx context.Context, q querier, communityID model.CommunityID) ([]model.Decision, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE community_id = ? ORDER BY id`, communityID)
	if err != nil {
		return nil, fmt.Errorf("read decisions: %w", err)
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		dec, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, dec)
	}
	return out, rows.Err()
}

func rawBallots(ctx context.Context, q querier, where string, arg any) ([]model.RawBallot, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT decision_id, voter_id, scores_json, cast_at FROM raw_ballots `+where+` ORDER BY decision_id, voter_id`, arg)
	if err != nil {
		return nil, fmt.Errorf("read ballots: %w", err)
	}
	defer rows.Close()

	var out []model.RawBallot
	for rows.Next() {
		var (
			b      model.RawBallot
			scores string
			castAt int64
		)
		if err := rows.Scan(&b.DecisionID, &b.VoterID, &scores, &castAt); err != nil {
			return nil, fmt.Errorf("scan ballot: %w", err)
		}
		if err := json.Unmarshal([]byte(scores), &b.Scores); err != nil {
			return nil, fmt.Errorf("decode ballot of %s: %w", b.VoterID, err)
		}
		b.CastAt = fromNanos(castAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (d *DB) PutMember(ctx context.Context, communityID model.CommunityID, m model.Member) error {
	if m.ID == "" {
		return fmt.Errorf("%w: empty member id", repository.ErrInvalidRecord)
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO members (community_id, member_id, voting) VALUES (?, ?, ?)
		 ON CONFLICT(community_id, member_id) DO UPDATE SET voting = excluded.voting`,
		communityID, m.ID, boolInt(m.Voting))
	if err != nil {
		return fmt.Errorf("put member: %w", err)
	}
	return nil
}

func (d *DB) RemoveMember(ctx context.Context, communityID model.CommunityID, id model.MemberID) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM members WHERE community_id = ? AND member_id = ?`, communityID, id)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return requireOne(res, "member "+string(id))
}

func (d *DB) PutFollow(ctx context.Context, communityID model.CommunityID, e model.FollowEdge) error {
	if e.Follower == "" || e.Followee == "" {
		return fmt.Errorf("%w: follow edge needs both ends", repository.ErrInvalidRecord)
	}
	tags := e.Tags
	if tags == nil {
		tags = []model.Tag{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO follows (community_id, follower, followee, tags_json, priority) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(community_id, follower, followee) DO UPDATE SET tags_json = excluded.tags_json, priority = excluded.priority`,
		communityID, e.Follower, e.Followee, string(tagsJSON), e.Priority)
	if err != nil {
		return fmt.Errorf("put follow: %w", err)
	}
	return nil
}

func (d *DB) RemoveFollow(ctx context.Context, communityID model.CommunityID, follower, followee model.MemberID) error {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM follows WHERE community_id = ? AND follower = ? AND followee = ?`, communityID, follower, followee)
	if err != nil {
		return fmt.Errorf("remove follow: %w", err)
	}
	return requireOne(res, "follow "+string(follower)+" -> "+string(followee))
}

func (d *DB) PutDecision(ctx context.Context, dec model.Decision) error {
	if dec.ID == "" || dec.CommunityID == "" {
		return fmt.Errorf("%w: decision needs id and community", repository.ErrInvalidRecord)
	}
	if dec.Status == "" {
		dec.Status = model.DecisionOpen
	}
	if dec.Choices == nil {
		dec.Choices = []model.Choice{}
	}
	if dec.Tags == nil {
		dec.Tags = []model.Tag{}
	}
	choices, err := json.Marshal(dec.Choices)
	if err != nil {
		return fmt.Errorf("encode choices: %w", err)
	}
	tags, err := json.Marshal(dec.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO decisions (`+decisionColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET community_id = excluded.community_id, choices_json = excluded.choices_json,
		 tags_json = excluded.tags_json, status = excluded.status, closes_at = excluded.closes_at`,
		dec.ID, dec.CommunityID, string(choices), string(tags), dec.Status, nullNanos(dec.ClosesAt))
	if err != nil {
		return fmt.Errorf("put decision: %w", err)
	}
	return nil
}

func (d *DB) CastBallot(ctx context.Context, b model.RawBallot) error {
	if b.VoterID == "" {
		return fmt.Errorf("%w: empty voter id", repository.ErrInvalidRecord)
	}
	if _, err := decisionByID(ctx, d.db, b.DecisionID); err != nil {
		return err
	}
	if b.CastAt.IsZero() {
		b.CastAt = d.now()
	}
	scores := b.Scores
	if scores == nil {
		scores = model.Scores{}
	}
	body, err := json.Marshal(scores)
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO raw_ballots (decision_id, voter_id, scores_json, cast_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(decision_id, voter_id) DO UPDATE SET scores_json = excluded.scores_json, cast_at = excluded.cast_at`,
		b.DecisionID, b.VoterID, string(body), toNanos(b.CastAt))
	if err != nil {
		return fmt.Errorf("cast ballot: %w", err)
	}
	return nil
}

func (d *DB) RetractBallot(ctx context.Context, decision model.DecisionID, voter model.MemberID) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM raw_ballots WHERE decision_id = ? AND voter_id = ?`, decision, voter)
	if err != nil {
		return fmt.Errorf("retract ballot: %w", err)
	}
	return requireOne(res, "ballot of "+string(voter))
}
