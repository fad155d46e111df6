// Package fixture loads community state from YAML documents into a
// collaborator directory. The CLI and tests use it to describe scenarios.
//
//	community: c1
//	members:
//	  - {id: a}
//	  - {id: lobby, voting: false}
//	follows:
//	  - {follower: b, followee: a, tags: [ALL], priority: 0}
//	decisions:
//	  - {id: d1, choices: [A, B], tags: [budget]}
//	ballots:
//	  - {decision: d1, voter: a, scores: {A: 5, B: 1}}
package fixture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/okian/liquid/internal/adapters/repository"
	"github.com/okian/liquid/internal/domain/model"
	"github.com/shopspring/decimal"
)

// ErrInvalidFixture is returned for documents that do not describe a community.
var ErrInvalidFixture = errors.New("invalid fixture")

// Fixture is one community's roster, follow graph, decisions and ballots.
type Fixture struct {
	Community model.CommunityID
	Members   []model.Member
	Follows   []model.FollowEdge
	Decisions []model.Decision
	Ballots   []model.RawBallot
}

type document struct {
	Community string `koanf:"community"`
	Members   []struct {
		ID     string `koanf:"id"`
		Voting *bool  `koanf:"voting"`
	} `koanf:"members"`
	Follows []struct {
		Follower string   `koanf:"follower"`
		Followee string   `koanf:"followee"`
		Tags     []string `koanf:"tags"`
		Priority int      `koanf:"priority"`
	} `koanf:"follows"`
	Decisions []struct {
		ID       string   `koanf:"id"`
		Choices  []string `koanf:"choices"`
		Labels   []string `koanf:"labels"`
		Tags     []string `koanf:"tags"`
		Status   string   `koanf:"status"`
		ClosesAt string   `koanf:"closes_at"`
	} `koanf:"decisions"`
	Ballots []struct {
		Decision string                 `koanf:"decision"`
		Voter    string                 `koanf:"voter"`
		Scores   map[string]interface{} `koanf:"scores"`
		CastAt   string                 `koanf:"cast_at"`
	} `koanf:"ballots"`
}

// Load reads a fixture file.
func Load(path string) (*Fixture, error) {
	return load(file.Provider(path), path)
}

// Parse reads a fixture from YAML bytes.
func Parse(data []byte) (*Fixture, error) {
	return load(bytesProvider(data), "inline fixture")
}

func load(p koanf.Provider, name string) (*Fixture, error) {
	k := koanf.New(".")
	if err := k.Load(p, yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrInvalidFixture, name, err)
	}
	var doc document
	if err := k.UnmarshalWithConf("", &doc, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrInvalidFixture, name, err)
	}
	f, err := doc.fixture()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return f, nil
}

func (doc document) fixture() (*Fixture, error) {
	if strings.TrimSpace(doc.Community) == "" {
		return nil, fmt.Errorf("%w: missing community", ErrInvalidFixture)
	}
	f := &Fixture{Community: model.CommunityID(doc.Community)}

	for _, m := range doc.Members {
		if m.ID == "" {
			return nil, fmt.Errorf("%w: member without id", ErrInvalidFixture)
		}
		voting := true
		if m.Voting != nil {
			voting = *m.Voting
		}
		f.Members = append(f.Members, model.Member{ID: model.MemberID(m.ID), Voting: voting})
	}

	for _, e := range doc.Follows {
		edge := model.FollowEdge{
			Follower: model.MemberID(e.Follower),
			Followee: model.MemberID(e.Followee),
			Priority: e.Priority,
		}
		for _, t := range e.Tags {
			edge.Tags = append(edge.Tags, model.Tag(t))
		}
		f.Follows = append(f.Follows, edge)
	}

	for _, d := range doc.Decisions {
		dec := model.Decision{
			ID:          model.DecisionID(d.ID),
			CommunityID: f.Community,
			Status:      model.DecisionStatus(d.Status),
		}
		if dec.Status == "" {
			dec.Status = model.DecisionOpen
		}
		if dec.Status != model.DecisionOpen && dec.Status != model.DecisionClosed {
			return nil, fmt.Errorf("%w: decision %s has status %q", ErrInvalidFixture, d.ID, d.Status)
		}
		for i, c := range d.Choices {
			ch := model.Choice{ID: model.ChoiceID(c)}
			if i < len(d.Labels) {
				ch.Label = d.Labels[i]
			}
			dec.Choices = append(dec.Choices, ch)
		}
		for _, t := range d.Tags {
			dec.Tags = append(dec.Tags, model.Tag(t))
		}
		if d.ClosesAt != "" {
			at, err := time.Parse(time.RFC3339, d.ClosesAt)
			if err != nil {
				return nil, fmt.Errorf("%w: decision %s closes_at: %w", ErrInvalidFixture, d.ID, err)
			}
			at = at.UTC()
			dec.ClosesAt = &at
		}
		f.Decisions = append(f.Decisions, dec)
	}

	for _, b := range doc.Ballots {
		ballot := model.RawBallot{
			DecisionID: model.DecisionID(b.Decision),
			VoterID:    model.MemberID(b.Voter),
			Scores:     make(model.Scores, len(b.Scores)),
		}
		for c, v := range b.Scores {
			d, err := toDecimal(v)
			if err != nil {
				return nil, fmt.Errorf("%w: ballot of %s on %s, choice %s: %w", ErrInvalidFixture, b.Voter, b.Decision, c, err)
			}
			ballot.Scores[model.ChoiceID(c)] = d
		}
		if b.CastAt != "" {
			at, err := time.Parse(time.RFC3339, b.CastAt)
			if err != nil {
				return nil, fmt.Errorf("%w: ballot of %s cast_at: %w", ErrInvalidFixture, b.Voter, err)
			}
			ballot.CastAt = at.UTC()
		}
		f.Ballots = append(f.Ballots, ballot)
	}
	return f, nil
}

func toDecimal(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case uint64:
		return decimal.NewFromInt(int64(n)), nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		return decimal.NewFromString(n)
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported score %v (%T)", v, v)
	}
}

// Apply writes the fixture into dir. Decisions go first so ballots can
// reference them.
func (f *Fixture) Apply(ctx context.Context, dir repository.Directory) error {
	for _, d := range f.Decisions {
		if err := dir.PutDecision(ctx, d); err != nil {
			return fmt.Errorf("decision %s: %w", d.ID, err)
		}
	}
	for _, m := range f.Members {
		if err := dir.PutMember(ctx, f.Community, m); err != nil {
			return fmt.Errorf("member %s: %w", m.ID, err)
		}
	}
	for _, e := range f.Follows {
		if err := dir.PutFollow(ctx, f.Community, e); err != nil {
			return fmt.Errorf("follow %s -> %s: %w", e.Follower, e.Followee, err)
		}
	}
	for _, b := range f.Ballots {
		if err := dir.CastBallot(ctx, b); err != nil {
			return fmt.Errorf("ballot of %s on %s: %w", b.VoterID, b.DecisionID, err)
		}
	}
	return nil
}

// Directory returns a fresh in-memory directory holding the fixture.
func (f *Fixture) Directory(ctx context.Context, opts ...repository.DirectoryOption) (*repository.MemoryDirectory, error) {
	dir := repository.NewMemoryDirectory(opts...)
	if err := f.Apply(ctx, dir); err != nil {
		return nil, err
	}
	return dir, nil
}

// bytesProvider serves an in-memory document to koanf.
type bytesProvider []byte

func (b bytesProvider) ReadBytes() ([]byte, error) { return b, nil }

func (b bytesProvider) Read() (map[string]interface{}, error) {
	return nil, errors.New("bytes provider does not support Read")
}
