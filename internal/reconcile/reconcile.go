// Package reconcile implements the reconciliation engine (C5): linking
// unlinked observations to existing canonical aggregates, or creating new
// ones, via candidate search and deterministic scoring (spec §4.4).
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/rawblock/ledgermesh/internal/clock"
	"github.com/rawblock/ledgermesh/internal/projector"
	"github.com/rawblock/ledgermesh/internal/store"
	"github.com/rawblock/ledgermesh/pkg/models"
)

// Config holds the tunables from spec §6.
type Config struct {
	AmountToleranceCents int64
	TimeWindowHours      int
	ConfidenceThreshold  int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		AmountToleranceCents: 50,
		TimeWindowHours:      48,
		ConfidenceThreshold:  75,
	}
}

// IDGenerator mints new aggregate ids. Satisfied by uuid.NewString.
type IDGenerator func() string

// Engine is the reconciliation engine. It holds no business state of its
// own; every read and write goes through the injected Store.
type Engine struct {
	store  store.Store
	cfg    Config
	clock  clock.Clock
	newID  IDGenerator
	logger zerolog.Logger
}

// New builds a reconciliation engine. store, clk, and newID are built
// once by the caller and passed by handle (§9 Dependency wiring).
func New(st store.Store, cfg Config, clk clock.Clock, newID IDGenerator, logger zerolog.Logger) *Engine {
	return &Engine{store: st, cfg: cfg, clock: clk, newID: newID, logger: logger}
}

// Result summarizes one ReconcileAll pass.
type Result struct {
	Processed int
	Linked    int
	Created   int
}

// ReconcileAll processes every currently unlinked observation, in
// observation-id ascending order, exactly once. The population is snapshot
// at call time: observations inserted by a concurrent import after this
// call starts are not picked up until the next pass (§5 Ordering
// guarantees: across invocations, order is defined only by the substrate).
func (e *Engine) ReconcileAll(ctx context.Context) (*Result, error) {
	unlinked, err := e.store.Observations().GetUnlinked(ctx)
	if err != nil {
		return nil, fmt.Errorf("get unlinked observations: %w", err)
	}

	result := &Result{}
	for _, obs := range unlinked {
		created, err := e.reconcileOne(ctx, obs)
		if err != nil {
			return result, fmt.Errorf("reconcile observation %s: %w", obs.ObservationID, err)
		}
		result.Processed++
		if created {
			result.Created++
		} else {
			result.Linked++
		}
	}
	e.logger.Debug().
		Int("processed", result.Processed).
		Int("linked", result.Linked).
		Int("created", result.Created).
		Msg("reconcile_all pass complete")
	return result, nil
}

// candidate is a scored aggregate match for one observation.
type candidate struct {
	aggregateID string
	score       int
	distance    float64 // abs ms distance to obs timestamp, +Inf if either is null
}

func directionCompatible(a, b models.Direction) bool {
	return a == b || a == models.DirectionUnknown || b == models.DirectionUnknown
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func timestampDistance(a, b *int64) float64 {
	if a == nil || b == nil {
		return math.Inf(1)
	}
	return math.Abs(float64(*a - *b))
}

// findCandidates implements the two-probe candidate search of §4.4 step 1.
func (e *Engine) findCandidates(ctx context.Context, tx store.Store, obs models.Observation) (map[string]candidate, error) {
	candidates := make(map[string]candidate)

	if obs.FpRef != nil {
		related, err := tx.Observations().FindByFpRef(ctx, *obs.FpRef)
		if err != nil {
			return nil, fmt.Errorf("find by fp_ref: %w", err)
		}
		for _, ro := range related {
			if ro.ObservationID == obs.ObservationID {
				continue
			}
			aggID, err := tx.Links().GetAggregateForObservation(ctx, ro.ObservationID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("get aggregate for observation: %w", err)
			}
			if _, exists := candidates[aggID]; exists {
				continue
			}
			agg, err := tx.Aggregates().GetByID(ctx, aggID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("get aggregate: %w", err)
			}
			if agg.Currency != obs.Currency {
				continue
			}
			delta := absInt64(agg.AmountMinor - obs.AmountMinor)
			var score int
			switch {
			case delta == 0:
				score = 100
			case delta <= e.cfg.AmountToleranceCents:
				score = 85
			default:
				score = 80
			}
			candidates[aggID] = candidate{
				aggregateID: aggID,
				score:       score,
				distance:    timestampDistance(agg.Timestamp, obs.Timestamp),
			}
		}
	}

	if obs.FpAmtDay != nil {
		related, err := tx.Observations().FindByFpAmtDay(ctx, *obs.FpAmtDay)
		if err != nil {
			return nil, fmt.Errorf("find by fp_amt_day: %w", err)
		}
		windowMillis := int64(e.cfg.TimeWindowHours) * 3_600_000
		for _, ro := range related {
			if ro.ObservationID == obs.ObservationID {
				continue
			}
			aggID, err := tx.Links().GetAggregateForObservation(ctx, ro.ObservationID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("get aggregate for observation: %w", err)
			}
			if _, exists := candidates[aggID]; exists {
				continue
			}
			agg, err := tx.Aggregates().GetByID(ctx, aggID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("get aggregate: %w", err)
			}
			if agg.Currency != obs.Currency {
				continue
			}
			if !directionCompatible(agg.Direction, obs.Direction) {
				continue
			}
			if agg.Timestamp == nil || obs.Timestamp == nil {
				continue
			}
			if absInt64(*agg.Timestamp-*obs.Timestamp) >= windowMillis {
				continue
			}
			candidates[aggID] = candidate{
				aggregateID: aggID,
				score:       60,
				distance:    timestampDistance(agg.Timestamp, obs.Timestamp),
			}
		}
	}

	return candidates, nil
}

// selectWinner sorts by (score desc, distance asc, aggregate id asc) and
// returns the first candidate, or ok=false if there are none.
func selectWinner(candidates map[string]candidate) (candidate, bool) {
	if len(candidates) == 0 {
		return candidate{}, false
	}
	list := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		if list[i].distance != list[j].distance {
			return list[i].distance < list[j].distance
		}
		return list[i].aggregateID < list[j].aggregateID
	})
	return list[0], true
}

// reconcileOne runs the candidate search, selection, and merge-or-create
// steps for a single observation inside one atomic storage transaction.
// created reports whether a brand new aggregate was made.
func (e *Engine) reconcileOne(ctx context.Context, obs models.Observation) (created bool, err error) {
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		candidates, err := e.findCandidates(ctx, tx, obs)
		if err != nil {
			return err
		}
		winner, ok := selectWinner(candidates)
		if ok {
			created = false
			return e.mergeInto(ctx, tx, winner.aggregateID, obs)
		}
		created = true
		return e.createFromSingleton(ctx, tx, obs)
	})
	return created, err
}

func (e *Engine) mergeInto(ctx context.Context, tx store.Store, aggregateID string, obs models.Observation) error {
	existing, err := tx.Aggregates().GetByID(ctx, aggregateID)
	if err != nil {
		return fmt.Errorf("get existing aggregate: %w", err)
	}
	if err := tx.Links().Link(ctx, aggregateID, obs.ObservationID); err != nil {
		return fmt.Errorf("link observation: %w", err)
	}
	linked, err := tx.Observations().GetForAggregate(ctx, aggregateID)
	if err != nil {
		return fmt.Errorf("get observations for aggregate: %w", err)
	}
	projected := projector.Project(linked)

	updated := *existing
	updated.AmountMinor = projected.AmountMinor
	updated.Currency = projected.Currency
	updated.Timestamp = projected.Timestamp
	updated.IsApproxTime = projected.IsApproxTime
	updated.Direction = projected.Direction
	updated.Reference = projected.Reference
	updated.Counterparty = projected.Counterparty
	updated.AccountHint = projected.AccountHint
	updated.ConfidenceScore = projected.ConfidenceScore
	updated.ObservationCount = len(linked)
	updated.UpdatedAt = e.clock.Now()
	// CategoryID and UserNotes are untouched: preserved from existing.

	if err := tx.Aggregates().Update(ctx, updated); err != nil {
		return fmt.Errorf("update aggregate: %w", err)
	}
	return nil
}

func (e *Engine) createFromSingleton(ctx context.Context, tx store.Store, obs models.Observation) error {
	projected := projector.Project([]models.Observation{obs})
	now := e.clock.Now()
	agg := models.Aggregate{
		AggregateID:      e.newID(),
		AmountMinor:      projected.AmountMinor,
		Currency:         projected.Currency,
		Timestamp:        projected.Timestamp,
		IsApproxTime:     projected.IsApproxTime,
		Direction:        projected.Direction,
		Reference:        projected.Reference,
		Counterparty:     projected.Counterparty,
		AccountHint:      projected.AccountHint,
		ConfidenceScore:  projected.ConfidenceScore,
		CategoryID:       nil,
		UserNotes:        nil,
		ObservationCount: 1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := tx.Aggregates().Create(ctx, agg); err != nil {
		return fmt.Errorf("create aggregate: %w", err)
	}
	// The aggregate becomes valid the instant its first link is written,
	// within this same atomic step (spec §3 invariant).
	if err := tx.Links().Link(ctx, agg.AggregateID, obs.ObservationID); err != nil {
		return fmt.Errorf("link observation: %w", err)
	}
	return nil
}
