// Package inmem is a process-local implementation of store.Store backed by
// plain maps under a mutex. It exists for tests and as the daemon's
// fallback when the PostgreSQL connection fails; internal/store/postgres is
// the production substrate.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/rawblock/ledgermesh/internal/store"
	"github.com/rawblock/ledgermesh/pkg/models"
)

// Store is an in-memory, mutex-guarded implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	observations  map[string]models.Observation
	byContentHash map[string]string
	byFpRef       map[string][]string
	byFpAmtDay    map[string][]string
	byFpAmtTime   map[string][]string
	byFpSenderAmt map[string][]string

	aggregates map[string]models.Aggregate

	links    map[string]map[string]bool // aggregateID -> set of observationID
	obsToAgg map[string]string          // observationID -> aggregateID

	sessions map[string]models.ImportSession

	opsLog []models.OpsLogEntry
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		observations:  make(map[string]models.Observation),
		byContentHash: make(map[string]string),
		byFpRef:       make(map[string][]string),
		byFpAmtDay:    make(map[string][]string),
		byFpAmtTime:   make(map[string][]string),
		byFpSenderAmt: make(map[string][]string),
		aggregates:    make(map[string]models.Aggregate),
		links:         make(map[string]map[string]bool),
		obsToAgg:      make(map[string]string),
		sessions:      make(map[string]models.ImportSession),
	}
}

func (s *Store) clone() *Store {
	c := New()
	for k, v := range s.observations {
		c.observations[k] = v
	}
	for k, v := range s.byContentHash {
		c.byContentHash[k] = v
	}
	for k, v := range s.byFpRef {
		c.byFpRef[k] = append([]string(nil), v...)
	}
	for k, v := range s.byFpAmtDay {
		c.byFpAmtDay[k] = append([]string(nil), v...)
	}
	for k, v := range s.byFpAmtTime {
		c.byFpAmtTime[k] = append([]string(nil), v...)
	}
	for k, v := range s.byFpSenderAmt {
		c.byFpSenderAmt[k] = append([]string(nil), v...)
	}
	for k, v := range s.aggregates {
		c.aggregates[k] = v
	}
	for k, v := range s.links {
		set := make(map[string]bool, len(v))
		for o := range v {
			set[o] = true
		}
		c.links[k] = set
	}
	for k, v := range s.obsToAgg {
		c.obsToAgg[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	c.opsLog = append([]models.OpsLogEntry(nil), s.opsLog...)
	return c
}

func (s *Store) adopt(other *Store) {
	s.observations = other.observations
	s.byContentHash = other.byContentHash
	s.byFpRef = other.byFpRef
	s.byFpAmtDay = other.byFpAmtDay
	s.byFpAmtTime = other.byFpAmtTime
	s.byFpSenderAmt = other.byFpSenderAmt
	s.aggregates = other.aggregates
	s.links = other.links
	s.obsToAgg = other.obsToAgg
	s.sessions = other.sessions
	s.opsLog = other.opsLog
}

// WithTx runs fn against a cloned snapshot; the clone's state replaces the
// live state only if fn returns nil, giving failing steps all-or-nothing
// semantics (§5 Cancellation: a failing step rolls back its own effects).
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.clone()
	if err := fn(ctx, snapshot); err != nil {
		return err
	}
	s.adopt(snapshot)
	return nil
}

func (s *Store) Observations() store.ObservationStore { return obsView{s} }
func (s *Store) Aggregates() store.AggregateStore      { return aggView{s} }
func (s *Store) Links() store.LinkStore                { return linkView{s} }
func (s *Store) Sessions() store.SessionStore          { return sessionView{s} }
func (s *Store) OpsLog() store.OpsLogStore              { return opsView{s} }

// ---- observations ----

type obsView struct{ s *Store }

func (v obsView) Insert(ctx context.Context, obs models.Observation) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	return v.s.insertLocked(obs), nil
}

func (s *Store) insertLocked(obs models.Observation) bool {
	if _, exists := s.byContentHash[obs.ContentHash]; exists {
		return false
	}
	s.observations[obs.ObservationID] = obs
	s.byContentHash[obs.ContentHash] = obs.ObservationID
	if obs.FpRef != nil {
		s.byFpRef[*obs.FpRef] = append(s.byFpRef[*obs.FpRef], obs.ObservationID)
	}
	if obs.FpAmtDay != nil {
		s.byFpAmtDay[*obs.FpAmtDay] = append(s.byFpAmtDay[*obs.FpAmtDay], obs.ObservationID)
	}
	if obs.FpAmtTime != nil {
		s.byFpAmtTime[*obs.FpAmtTime] = append(s.byFpAmtTime[*obs.FpAmtTime], obs.ObservationID)
	}
	s.byFpSenderAmt[obs.FpSenderAmt] = append(s.byFpSenderAmt[obs.FpSenderAmt], obs.ObservationID)
	return true
}

func (v obsView) InsertBatch(ctx context.Context, obs []models.Observation) (int, int, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	inserted, skipped := 0, 0
	for _, o := range obs {
		if v.s.insertLocked(o) {
			inserted++
		} else {
			skipped++
		}
	}
	return inserted, skipped, nil
}

func (v obsView) GetByContentHash(ctx context.Context, contentHash string) (*models.Observation, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	id, ok := v.s.byContentHash[contentHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	o := v.s.observations[id]
	return &o, nil
}

func (v obsView) GetByID(ctx context.Context, observationID string) (*models.Observation, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	o, ok := v.s.observations[observationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (v obsView) lookup(ids []string) []models.Observation {
	out := make([]models.Observation, 0, len(ids))
	for _, id := range ids {
		if o, ok := v.s.observations[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

func (v obsView) FindByFpRef(ctx context.Context, fpRef string) ([]models.Observation, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	return v.lookup(v.s.byFpRef[fpRef]), nil
}

func (v obsView) FindByFpAmtDay(ctx context.Context, fpAmtDay string) ([]models.Observation, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	return v.lookup(v.s.byFpAmtDay[fpAmtDay]), nil
}

func (v obsView) FindByFpAmtTime(ctx context.Context, fpAmtTime string) ([]models.Observation, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	return v.lookup(v.s.byFpAmtTime[fpAmtTime]), nil
}

func (v obsView) FindByFpSenderAmt(ctx context.Context, fpSenderAmt string) ([]models.Observation, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	return v.lookup(v.s.byFpSenderAmt[fpSenderAmt]), nil
}

func (v obsView) GetUnlinked(ctx context.Context) ([]models.Observation, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	out := make([]models.Observation, 0)
	for id, o := range v.s.observations {
		if _, linked := v.s.obsToAgg[id]; !linked {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservationID < out[j].ObservationID })
	return out, nil
}

func (v obsView) GetForAggregate(ctx context.Context, aggregateID string) ([]models.Observation, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	ids := v.s.links[aggregateID]
	out := make([]models.Observation, 0, len(ids))
	for id := range ids {
		if o, ok := v.s.observations[id]; ok {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservationID < out[j].ObservationID })
	return out, nil
}

func (v obsView) Count(ctx context.Context) (int, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	return len(v.s.observations), nil
}

// ---- aggregates ----

type aggView struct{ s *Store }

func (v aggView) Create(ctx context.Context, agg models.Aggregate) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.aggregates[agg.AggregateID] = agg
	return nil
}

func (v aggView) Update(ctx context.Context, agg models.Aggregate) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, ok := v.s.aggregates[agg.AggregateID]; !ok {
		return store.ErrNotFound
	}
	v.s.aggregates[agg.AggregateID] = agg
	return nil
}

func (v aggView) Delete(ctx context.Context, aggregateID string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	delete(v.s.aggregates, aggregateID)
	delete(v.s.links, aggregateID)
	return nil
}

func (v aggView) GetByID(ctx context.Context, aggregateID string) (*models.Aggregate, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	a, ok := v.s.aggregates[aggregateID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (v aggView) GetBelowConfidence(ctx context.Context, threshold int) ([]models.Aggregate, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	out := make([]models.Aggregate, 0)
	for _, a := range v.s.aggregates {
		if a.ConfidenceScore < threshold {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AggregateID < out[j].AggregateID })
	return out, nil
}

func (v aggView) Count(ctx context.Context) (int, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	return len(v.s.aggregates), nil
}

// ---- links ----

type linkView struct{ s *Store }

func (v linkView) Link(ctx context.Context, aggregateID, observationID string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	set, ok := v.s.links[aggregateID]
	if !ok {
		set = make(map[string]bool)
		v.s.links[aggregateID] = set
	}
	set[observationID] = true
	v.s.obsToAgg[observationID] = aggregateID
	return nil
}

func (v linkView) Unlink(ctx context.Context, aggregateID, observationID string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if set, ok := v.s.links[aggregateID]; ok {
		delete(set, observationID)
	}
	if v.s.obsToAgg[observationID] == aggregateID {
		delete(v.s.obsToAgg, observationID)
	}
	return nil
}

func (v linkView) GetAggregateForObservation(ctx context.Context, observationID string) (string, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	aggID, ok := v.s.obsToAgg[observationID]
	if !ok {
		return "", store.ErrNotFound
	}
	return aggID, nil
}

func (v linkView) GetObservationIDsForAggregate(ctx context.Context, aggregateID string) ([]string, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	set := v.s.links[aggregateID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (v linkView) MoveLinks(ctx context.Context, from, to string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	fromSet, ok := v.s.links[from]
	if !ok {
		return nil
	}
	toSet, ok := v.s.links[to]
	if !ok {
		toSet = make(map[string]bool)
		v.s.links[to] = toSet
	}
	for obsID := range fromSet {
		toSet[obsID] = true
		v.s.obsToAgg[obsID] = to
	}
	delete(v.s.links, from)
	return nil
}

func (v linkView) CountLinks(ctx context.Context, aggregateID string) (int, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	return len(v.s.links[aggregateID]), nil
}

// ---- sessions ----

type sessionView struct{ s *Store }

func (v sessionView) Create(ctx context.Context, session models.ImportSession) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.sessions[session.ImportSessionID] = session
	return nil
}

func (v sessionView) Update(ctx context.Context, session models.ImportSession) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.sessions[session.ImportSessionID] = session
	return nil
}

func (v sessionView) GetByID(ctx context.Context, sessionID string) (*models.ImportSession, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	sess, ok := v.s.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sess, nil
}

// ---- ops log ----

type opsView struct{ s *Store }

func (v opsView) Append(ctx context.Context, entry models.OpsLogEntry) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.opsLog = append(v.s.opsLog, entry)
	return nil
}

func (v opsView) GetForAggregate(ctx context.Context, aggregateID string) ([]models.OpsLogEntry, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	out := make([]models.OpsLogEntry, 0)
	for _, e := range v.s.opsLog {
		if e.TargetAggregateID == aggregateID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (v opsView) GetRecent(ctx context.Context, n int) ([]models.OpsLogEntry, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	all := append([]models.OpsLogEntry(nil), v.s.opsLog...)
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if n < len(all) {
		all = all[:n]
	}
	return all, nil
}
