package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/okian/liquid/internal/domain/model"
)

// MemoryStore is an in-process Store guarded by one mutex, so every
// check-and-set is atomic with respect to concurrent callers.
type MemoryStore struct {
	mu      sync.RWMutex
	seq     int64
	records map[string]*memRecord
	ballots map[string][]model.EffectiveBallot
	results map[string]model.TallyResult
}

type memRecord struct {
	rec model.CalculationRecord
	seq int64 // insertion order; breaks CreatedAt ties
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*memRecord),
		ballots: make(map[string][]model.EffectiveBallot),
		results: make(map[string]model.TallyResult),
	}
}

var _ Store = (*MemoryStore)(nil)

// ValidateNew checks the fields every new record must carry.
func ValidateNew(rec model.CalculationRecord) error {
	if rec.ID == "" || rec.DecisionID == "" {
		return fmt.Errorf("%w: id and decision id are required", ErrInvalidRecord)
	}
	if !rec.Status.InFlight() {
		return fmt.Errorf("%w: new record must be in flight, got %s", ErrInvalidRecord, rec.Status)
	}
	return nil
}

// UpdatableFrom lists the stored statuses an UpdateRecord to next may
// overwrite: any in-flight status, and next itself when it is a failure.
func UpdatableFrom(next model.Status) []model.Status {
	from := append([]model.Status(nil), model.InFlightStatuses...)
	if next.Failed() {
		from = append(from, next)
	}
	return from
}

func (s *MemoryStore) CreateRecord(ctx context.Context, rec model.CalculationRecord) error {
	if err := ValidateNew(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	if other := s.inFlightLocked(rec.DecisionID, ""); other != nil {
		return fmt.Errorf("%w: %s (record %s)", ErrInFlight, rec.DecisionID, other.rec.ID)
	}
	s.seq++
	rec.Final = false
	s.records[rec.ID] = &memRecord{rec: rec.Clone(), seq: s.seq}
	return nil
}

func (s *MemoryStore) UpdateRecord(ctx context.Context, rec model.CalculationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[rec.ID]
	if !ok {
		return fmt.Errorf("%w: record %s", ErrNotFound, rec.ID)
	}
	if !slices.Contains(UpdatableFrom(rec.Status), cur.rec.Status) {
		return fmt.Errorf("%w: record %s is %s, cannot become %s", ErrStatusConflict, rec.ID, cur.rec.Status, rec.Status)
	}
	if rec.Status.InFlight() {
		if other := s.inFlightLocked(cur.rec.DecisionID, rec.ID); other != nil {
			return fmt.Errorf("%w: %s (record %s)", ErrInFlight, cur.rec.DecisionID, other.rec.ID)
		}
	}
	next := rec.Clone()
	next.Final = cur.rec.Final
	next.DecisionID = cur.rec.DecisionID
	next.CommunityID = cur.rec.CommunityID
	next.CreatedAt = cur.rec.CreatedAt
	cur.rec = next
	return nil
}

func (s *MemoryStore) ReacquireRecord(ctx context.Context, id string) (model.CalculationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[id]
	if !ok {
		return model.CalculationRecord{}, fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	if !cur.rec.Status.Failed() {
		return model.CalculationRecord{}, fmt.Errorf("%w: record %s is %s", ErrNotRetryable, id, cur.rec.Status)
	}
	if other := s.inFlightLocked(cur.rec.DecisionID, id); other != nil {
		return model.CalculationRecord{}, fmt.Errorf("%w: %s (record %s)", ErrInFlight, cur.rec.DecisionID, other.rec.ID)
	}
	cur.rec.Status = model.StatusCreating
	cur.rec.UpdatedAt = time.Now().UTC()
	return cur.rec.Clone(), nil
}

func (s *MemoryStore) CompleteRecord(ctx context.Context, rec model.CalculationRecord) error {
	if rec.Status != model.StatusCompleted {
		return fmt.Errorf("%w: completing record %s with status %s", ErrInvalidRecord, rec.ID, rec.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[rec.ID]
	if !ok {
		return fmt.Errorf("%w: record %s", ErrNotFound, rec.ID)
	}
	if cur.rec.Status != model.StatusTallying {
		return fmt.Errorf("%w: record %s is %s, cannot complete", ErrStatusConflict, rec.ID, cur.rec.Status)
	}
	for _, r := range s.records {
		if r.rec.DecisionID == cur.rec.DecisionID {
			r.rec.Final = false
		}
	}
	next := rec.Clone()
	next.Final = true
	next.DecisionID = cur.rec.DecisionID
	next.CommunityID = cur.rec.CommunityID
	next.CreatedAt = cur.rec.CreatedAt
	cur.rec = next
	return nil
}

func (s *MemoryStore) GetRecord(ctx context.Context, id string) (model.CalculationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, ok := s.records[id]
	if !ok {
		return model.CalculationRecord{}, fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	return cur.rec.Clone(), nil
}

func (s *MemoryStore) LatestRecord(ctx context.Context, decision model.DecisionID) (model.CalculationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *memRecord
	for _, r := range s.records {
		if r.rec.DecisionID != decision {
			continue
		}
		if latest == nil || later(r, latest) {
			latest = r
		}
	}
	if latest == nil {
		return model.CalculationRecord{}, fmt.Errorf("%w: no record for decision %s", ErrNotFound, decision)
	}
	return latest.rec.Clone(), nil
}

func (s *MemoryStore) FinalRecord(ctx context.Context, decision model.DecisionID) (model.CalculationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.records {
		if r.rec.DecisionID == decision && r.rec.Final {
			return r.rec.Clone(), nil
		}
	}
	return model.CalculationRecord{}, fmt.Errorf("%w: no final record for decision %s", ErrNotFound, decision)
}

func (s *MemoryStore) ListRecords(ctx context.Context, statuses ...model.Status) ([]model.CalculationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[model.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	matched := make([]*memRecord, 0, len(s.records))
	for _, r := range s.records {
		if len(want) == 0 || want[r.rec.Status] {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return later(matched[j], matched[i]) })

	out := make([]model.CalculationRecord, len(matched))
	for i, r := range matched {
		out[i] = r.rec.Clone()
	}
	return out, nil
}

func (s *MemoryStore) SaveBallots(ctx context.Context, recordID string, ballots []model.EffectiveBallot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[recordID]; !ok {
		return fmt.Errorf("%w: record %s", ErrNotFound, recordID)
	}
	cp := make([]model.EffectiveBallot, len(ballots))
	for i, b := range ballots {
		cp[i] = b.Clone()
	}
	SortBallots(cp)
	s.ballots[recordID] = cp
	return nil
}

func (s *MemoryStore) Ballots(ctx context.Context, recordID string) ([]model.EffectiveBallot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	saved, ok := s.ballots[recordID]
	if !ok {
		return nil, fmt.Errorf("%w: ballots for record %s", ErrNotFound, recordID)
	}
	out := make([]model.EffectiveBallot, len(saved))
	for i, b := range saved {
		out[i] = b.Clone()
	}
	return out, nil
}

func (s *MemoryStore) SaveResult(ctx context.Context, recordID string, result model.TallyResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[recordID]; !ok {
		return fmt.Errorf("%w: record %s", ErrNotFound, recordID)
	}
	s.results[recordID] = result.Clone()
	return nil
}

func (s *MemoryStore) Result(ctx context.Context, recordID string) (model.TallyResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.results[recordID]
	if !ok {
		return model.TallyResult{}, fmt.Errorf("%w: result for record %s", ErrNotFound, recordID)
	}
	return res.Clone(), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) inFlightLocked(decision model.DecisionID, except string) *memRecord {
	for id, r := range s.records {
		if id != except && r.rec.DecisionID == decision && r.rec.Status.InFlight() {
			return r
		}
	}
	return nil
}

func later(a, b *memRecord) bool {
	if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
		return a.rec.CreatedAt.After(b.rec.CreatedAt)
	}
	return a.seq > b.seq
}

// SortBallots orders ballots by member id.
func SortBallots(ballots []model.EffectiveBallot) {
	sort.Slice(ballots, func(i, j int) bool { return ballots[i].MemberID < ballots[j].MemberID })
}
