// Package ops implements the manual operations layer (C6): force-merge,
// split, mark-duplicate, and field edits. Every operation writes exactly
// one ops-log entry after its mutation completes (spec §4.5).
package ops

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rawblock/ledgermesh/internal/clock"
	"github.com/rawblock/ledgermesh/internal/projector"
	"github.com/rawblock/ledgermesh/internal/store"
	"github.com/rawblock/ledgermesh/pkg/models"
)

// ErrInvalidSplit is returned when split's preconditions are violated.
var ErrInvalidSplit = errors.New("ops: invalid split")

// IDGenerator mints new aggregate and ops-log ids.
type IDGenerator func() string

// Ops is the manual operations layer.
type Ops struct {
	store store.Store
	clock clock.Clock
	newID IDGenerator
}

// New builds the ops layer from a handle to the store.
func New(st store.Store, clk clock.Clock, newID IDGenerator) *Ops {
	return &Ops{store: st, clock: clk, newID: newID}
}

// RecognizedFields lists the field names EditField accepts. Exposed so
// callers (e.g. the HTTP API) can validate before calling, without
// changing EditField's own silent-no-op behavior on unknown names
// (spec §9 Open Questions).
func RecognizedFields() []string {
	return []string{"categoryId", "userNotes", "canonicalCounterparty", "canonicalDirection"}
}

func joinIDs(ids []string) string {
	return strings.Join(ids, ",")
}

// ForceMerge moves every link from source onto target, deletes the
// (now observationless) source aggregate, and recomputes target while
// preserving its user-owned fields.
func (o *Ops) ForceMerge(ctx context.Context, targetID, sourceID string) error {
	return o.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		target, err := tx.Aggregates().GetByID(ctx, targetID)
		if err != nil {
			return fmt.Errorf("get target aggregate: %w", err)
		}
		movedObsIDs, err := tx.Links().GetObservationIDsForAggregate(ctx, sourceID)
		if err != nil {
			return fmt.Errorf("get source observations: %w", err)
		}

		if err := tx.Links().MoveLinks(ctx, sourceID, targetID); err != nil {
			return fmt.Errorf("move links: %w", err)
		}
		if err := tx.Aggregates().Delete(ctx, sourceID); err != nil {
			return fmt.Errorf("delete source aggregate: %w", err)
		}

		linked, err := tx.Observations().GetForAggregate(ctx, targetID)
		if err != nil {
			return fmt.Errorf("get observations for target: %w", err)
		}
		projected := projector.Project(linked)

		updated := *target
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
		updated.UpdatedAt = o.clock.Now()
		if err := tx.Aggregates().Update(ctx, updated); err != nil {
			return fmt.Errorf("update target aggregate: %w", err)
		}

		entry := models.OpsLogEntry{
			OpID:                   o.newID(),
			OpType:                 models.OpMerge,
			TargetAggregateID:      targetID,
			SecondaryAggregateID:   &sourceID,
			AffectedObservationIDs: joinIDs(movedObsIDs),
			CreatedAt:              o.clock.Now(),
		}
		if err := tx.OpsLog().Append(ctx, entry); err != nil {
			return fmt.Errorf("append ops log: %w", err)
		}
		return nil
	})
}

// Split moves obsIDs off source onto a newly created aggregate, and
// recomputes the remainder on source while preserving its user-owned
// fields. Preconditions: obsIDs non-empty, at least one observation
// remains on source afterwards, and every id is currently linked to
// source; any violation returns ErrInvalidSplit.
func (o *Ops) Split(ctx context.Context, sourceID string, obsIDs []string) (newAggregateID string, err error) {
	if len(obsIDs) == 0 {
		return "", fmt.Errorf("%w: empty observation selection", ErrInvalidSplit)
	}

	err = o.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		source, err := tx.Aggregates().GetByID(ctx, sourceID)
		if err != nil {
			return fmt.Errorf("get source aggregate: %w", err)
		}
		currentIDs, err := tx.Links().GetObservationIDsForAggregate(ctx, sourceID)
		if err != nil {
			return fmt.Errorf("get source observations: %w", err)
		}
		currentSet := make(map[string]bool, len(currentIDs))
		for _, id := range currentIDs {
			currentSet[id] = true
		}
		splitSet := make(map[string]bool, len(obsIDs))
		for _, id := range obsIDs {
			if !currentSet[id] {
				return fmt.Errorf("%w: observation %s is not linked to source", ErrInvalidSplit, id)
			}
			splitSet[id] = true
		}
		if len(splitSet) >= len(currentSet) {
			return fmt.Errorf("%w: split would leave source with no observations", ErrInvalidSplit)
		}

		newID := o.newID()
		for id := range splitSet {
			if err := tx.Links().Unlink(ctx, sourceID, id); err != nil {
				return fmt.Errorf("unlink from source: %w", err)
			}
			if err := tx.Links().Link(ctx, newID, id); err != nil {
				return fmt.Errorf("link to new aggregate: %w", err)
			}
		}

		splitObs, err := tx.Observations().GetForAggregate(ctx, newID)
		if err != nil {
			return fmt.Errorf("get observations for new aggregate: %w", err)
		}
		now := o.clock.Now()
		newProjected := projector.Project(splitObs)
		newAgg := models.Aggregate{
			AggregateID:      newID,
			AmountMinor:      newProjected.AmountMinor,
			Currency:         newProjected.Currency,
			Timestamp:        newProjected.Timestamp,
			IsApproxTime:     newProjected.IsApproxTime,
			Direction:        newProjected.Direction,
			Reference:        newProjected.Reference,
			Counterparty:     newProjected.Counterparty,
			AccountHint:      newProjected.AccountHint,
			ConfidenceScore:  newProjected.ConfidenceScore,
			ObservationCount: len(splitObs),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.Aggregates().Create(ctx, newAgg); err != nil {
			return fmt.Errorf("create new aggregate: %w", err)
		}

		remaining, err := tx.Observations().GetForAggregate(ctx, sourceID)
		if err != nil {
			return fmt.Errorf("get remaining observations: %w", err)
		}
		remProjected := projector.Project(remaining)
		updatedSource := *source
		updatedSource.AmountMinor = remProjected.AmountMinor
		updatedSource.Currency = remProjected.Currency
		updatedSource.Timestamp = remProjected.Timestamp
		updatedSource.IsApproxTime = remProjected.IsApproxTime
		updatedSource.Direction = remProjected.Direction
		updatedSource.Reference = remProjected.Reference
		updatedSource.Counterparty = remProjected.Counterparty
		updatedSource.AccountHint = remProjected.AccountHint
		updatedSource.ConfidenceScore = remProjected.ConfidenceScore
		updatedSource.ObservationCount = len(remaining)
		updatedSource.UpdatedAt = now
		if err := tx.Aggregates().Update(ctx, updatedSource); err != nil {
			return fmt.Errorf("update source aggregate: %w", err)
		}

		entry := models.OpsLogEntry{
			OpID:                   o.newID(),
			OpType:                 models.OpSplit,
			TargetAggregateID:      sourceID,
			SecondaryAggregateID:   &newID,
			AffectedObservationIDs: joinIDs(obsIDs),
			CreatedAt:              now,
		}
		if err := tx.OpsLog().Append(ctx, entry); err != nil {
			return fmt.Errorf("append ops log: %w", err)
		}
		newAggregateID = newID
		return nil
	})
	if err != nil {
		return "", err
	}
	return newAggregateID, nil
}

// MarkDuplicate is purely informational: it emits a MARK_DUPLICATE entry
// with no link or projection change (spec §9 Open Questions: interpreted
// as a note for a later reconciliation pass, not an automatic unlink).
func (o *Ops) MarkDuplicate(ctx context.Context, aggregateID, observationID string) error {
	return o.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		entry := models.OpsLogEntry{
			OpID:                   o.newID(),
			OpType:                 models.OpMarkDuplicate,
			TargetAggregateID:      aggregateID,
			AffectedObservationIDs: observationID,
			CreatedAt:              o.clock.Now(),
		}
		return tx.OpsLog().Append(ctx, entry)
	})
}

// EditField applies a last-write-wins edit to one recognized field.
// Unknown field names are a silent no-op: no mutation, no ops-log entry
// (spec §4.5, preserved as specified; see RecognizedFields for callers
// that want to validate up front).
func (o *Ops) EditField(ctx context.Context, aggregateID, fieldName, oldValue, newValue string) error {
	return o.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		agg, err := tx.Aggregates().GetByID(ctx, aggregateID)
		if err != nil {
			return fmt.Errorf("get aggregate: %w", err)
		}

		applied := true
		switch fieldName {
		case "categoryId":
			agg.CategoryID = &newValue
		case "userNotes":
			agg.UserNotes = &newValue
		case "canonicalCounterparty":
			agg.Counterparty = &newValue
		case "canonicalDirection":
			agg.Direction = parseDirectionOrUnknown(newValue)
		default:
			applied = false
		}
		if !applied {
			return nil
		}
		agg.UpdatedAt = o.clock.Now()
		if err := tx.Aggregates().Update(ctx, *agg); err != nil {
			return fmt.Errorf("update aggregate: %w", err)
		}

		entry := models.OpsLogEntry{
			OpID:              o.newID(),
			OpType:            models.OpEditField,
			TargetAggregateID: aggregateID,
			FieldName:         &fieldName,
			OldValue:          &oldValue,
			NewValue:          &newValue,
			CreatedAt:         o.clock.Now(),
		}
		return tx.OpsLog().Append(ctx, entry)
	})
}

func parseDirectionOrUnknown(v string) models.Direction {
	switch models.Direction(strings.ToUpper(strings.TrimSpace(v))) {
	case models.DirectionDebit:
		return models.DirectionDebit
	case models.DirectionCredit:
		return models.DirectionCredit
	case models.DirectionMixed:
		return models.DirectionMixed
	default:
		return models.DirectionUnknown
	}
}
