package ops

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rawblock/ledgermesh/internal/clock"
	"github.com/rawblock/ledgermesh/internal/store"
	"github.com/rawblock/ledgermesh/internal/store/inmem"
	"github.com/rawblock/ledgermesh/pkg/models"
)

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newTestOps() (*Ops, *inmem.Store) {
	st := inmem.New()
	o := New(st, clock.Frozen{At: time.Unix(1700000000, 0)}, sequentialIDs("op"))
	return o, st
}

func ptr[T any](v T) *T { return &v }

func seedAggregateWithObs(t *testing.T, st *inmem.Store, aggID string, obsIDs []string, notes *string) {
	t.Helper()
	ctx := context.Background()
	agg := models.Aggregate{
		AggregateID:      aggID,
		AmountMinor:      1000,
		Currency:         "KES",
		Direction:        models.DirectionDebit,
		ConfidenceScore:  90,
		UserNotes:        notes,
		ObservationCount: len(obsIDs),
		CreatedAt:        time.Unix(1700000000, 0),
		UpdatedAt:        time.Unix(1700000000, 0),
	}
	if err := st.Aggregates().Create(ctx, agg); err != nil {
		t.Fatalf("create aggregate: %v", err)
	}
	for _, id := range obsIDs {
		obs := models.Observation{
			ObservationID: id, SourceType: models.SourceSMS, SourceLocator: "MPESA",
			AmountMinor: 1000, Currency: "KES", Direction: models.DirectionDebit,
			ContentHash: "hash-" + id,
		}
		if _, err := st.Observations().Insert(ctx, obs); err != nil {
			t.Fatalf("insert observation: %v", err)
		}
		if err := st.Links().Link(ctx, aggID, id); err != nil {
			t.Fatalf("link: %v", err)
		}
	}
}

func TestForceMerge_PreservesTargetUserNotes(t *testing.T) {
	o, st := newTestOps()
	ctx := context.Background()

	notes := "important: keep me"
	seedAggregateWithObs(t, st, "agg-target", []string{"obs-001"}, &notes)
	seedAggregateWithObs(t, st, "agg-source", []string{"obs-002"}, nil)

	if err := o.ForceMerge(ctx, "agg-target", "agg-source"); err != nil {
		t.Fatalf("force merge: %v", err)
	}

	target, err := st.Aggregates().GetByID(ctx, "agg-target")
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	if target.UserNotes == nil || *target.UserNotes != notes {
		t.Errorf("user notes not preserved: %v", target.UserNotes)
	}
	if target.ObservationCount != 2 {
		t.Errorf("observation_count = %d, want 2", target.ObservationCount)
	}

	if _, err := st.Aggregates().GetByID(ctx, "agg-source"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected source aggregate to be deleted, got err=%v", err)
	}
	obsIDs, err := st.Links().GetObservationIDsForAggregate(ctx, "agg-target")
	if err != nil {
		t.Fatalf("get linked observations: %v", err)
	}
	if len(obsIDs) != 2 {
		t.Errorf("expected 2 linked observations, got %d", len(obsIDs))
	}

	entries, err := st.OpsLog().GetForAggregate(ctx, "agg-target")
	if err != nil {
		t.Fatalf("get ops log: %v", err)
	}
	if len(entries) != 1 || entries[0].OpType != models.OpMerge {
		t.Fatalf("expected one MERGE entry, got %+v", entries)
	}
}

func TestSplit_MovesSelectedObservationsToNewAggregate(t *testing.T) {
	o, st := newTestOps()
	ctx := context.Background()

	seedAggregateWithObs(t, st, "agg-001", []string{"obs-001", "obs-002", "obs-003"}, nil)

	newID, err := o.Split(ctx, "agg-001", []string{"obs-002", "obs-003"})
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	source, err := st.Aggregates().GetByID(ctx, "agg-001")
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if source.ObservationCount != 1 {
		t.Errorf("source observation_count = %d, want 1", source.ObservationCount)
	}

	newAgg, err := st.Aggregates().GetByID(ctx, newID)
	if err != nil {
		t.Fatalf("get new aggregate: %v", err)
	}
	if newAgg.ObservationCount != 2 {
		t.Errorf("new aggregate observation_count = %d, want 2", newAgg.ObservationCount)
	}

	entries, err := st.OpsLog().GetForAggregate(ctx, "agg-001")
	if err != nil {
		t.Fatalf("get ops log: %v", err)
	}
	if len(entries) != 1 || entries[0].OpType != models.OpSplit {
		t.Fatalf("expected one SPLIT entry, got %+v", entries)
	}
}

func TestSplit_InvalidSplit_AllObservationsSelected(t *testing.T) {
	o, st := newTestOps()
	ctx := context.Background()

	seedAggregateWithObs(t, st, "agg-001", []string{"obs-001", "obs-002"}, nil)

	_, err := o.Split(ctx, "agg-001", []string{"obs-001", "obs-002"})
	if !errors.Is(err, ErrInvalidSplit) {
		t.Fatalf("expected ErrInvalidSplit, got %v", err)
	}

	// Aggregate topology must be untouched.
	source, err := st.Aggregates().GetByID(ctx, "agg-001")
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if source.ObservationCount != 2 {
		t.Errorf("observation_count changed despite invalid split: %d", source.ObservationCount)
	}
}

func TestSplit_InvalidSplit_EmptySelection(t *testing.T) {
	o, st := newTestOps()
	ctx := context.Background()
	seedAggregateWithObs(t, st, "agg-001", []string{"obs-001", "obs-002"}, nil)

	if _, err := o.Split(ctx, "agg-001", nil); !errors.Is(err, ErrInvalidSplit) {
		t.Fatalf("expected ErrInvalidSplit, got %v", err)
	}
}

func TestSplit_InvalidSplit_ObservationNotLinked(t *testing.T) {
	o, st := newTestOps()
	ctx := context.Background()
	seedAggregateWithObs(t, st, "agg-001", []string{"obs-001", "obs-002"}, nil)

	if _, err := o.Split(ctx, "agg-001", []string{"obs-999"}); !errors.Is(err, ErrInvalidSplit) {
		t.Fatalf("expected ErrInvalidSplit, got %v", err)
	}
}

func TestMarkDuplicate_AppendsAuditEntryOnly(t *testing.T) {
	o, st := newTestOps()
	ctx := context.Background()
	seedAggregateWithObs(t, st, "agg-001", []string{"obs-001", "obs-002"}, nil)

	if err := o.MarkDuplicate(ctx, "agg-001", "obs-002"); err != nil {
		t.Fatalf("mark duplicate: %v", err)
	}

	agg, err := st.Aggregates().GetByID(ctx, "agg-001")
	if err != nil {
		t.Fatalf("get aggregate: %v", err)
	}
	if agg.ObservationCount != 2 {
		t.Errorf("observation_count changed by mark_duplicate: %d", agg.ObservationCount)
	}

	entries, err := st.OpsLog().GetForAggregate(ctx, "agg-001")
	if err != nil {
		t.Fatalf("get ops log: %v", err)
	}
	if len(entries) != 1 || entries[0].OpType != models.OpMarkDuplicate {
		t.Fatalf("expected one MARK_DUPLICATE entry, got %+v", entries)
	}
}

func TestEditField_RecognizedFieldsApply(t *testing.T) {
	o, st := newTestOps()
	ctx := context.Background()
	seedAggregateWithObs(t, st, "agg-001", []string{"obs-001"}, nil)

	if err := o.EditField(ctx, "agg-001", "userNotes", "", "reviewed by alice"); err != nil {
		t.Fatalf("edit field: %v", err)
	}
	agg, err := st.Aggregates().GetByID(ctx, "agg-001")
	if err != nil {
		t.Fatalf("get aggregate: %v", err)
	}
	if agg.UserNotes == nil || *agg.UserNotes != "reviewed by alice" {
		t.Errorf("user_notes = %v, want 'reviewed by alice'", agg.UserNotes)
	}

	if err := o.EditField(ctx, "agg-001", "canonicalDirection", "DEBIT", "credit"); err != nil {
		t.Fatalf("edit field: %v", err)
	}
	agg, _ = st.Aggregates().GetByID(ctx, "agg-001")
	if agg.Direction != models.DirectionCredit {
		t.Errorf("direction = %v, want CREDIT", agg.Direction)
	}

	entries, err := st.OpsLog().GetForAggregate(ctx, "agg-001")
	if err != nil {
		t.Fatalf("get ops log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 EDIT_FIELD entries, got %d", len(entries))
	}
}

func TestEditField_UnknownFieldIsSilentNoOp(t *testing.T) {
	o, st := newTestOps()
	ctx := context.Background()
	seedAggregateWithObs(t, st, "agg-001", []string{"obs-001"}, nil)

	if err := o.EditField(ctx, "agg-001", "nonsenseField", "a", "b"); err != nil {
		t.Fatalf("edit field: %v", err)
	}

	entries, err := st.OpsLog().GetForAggregate(ctx, "agg-001")
	if err != nil {
		t.Fatalf("get ops log: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no ops log entry for unknown field, got %+v", entries)
	}
}

func TestEditField_CanonicalDirectionInvalidValueCoercesToUnknown(t *testing.T) {
	o, st := newTestOps()
	ctx := context.Background()
	seedAggregateWithObs(t, st, "agg-001", []string{"obs-001"}, nil)

	if err := o.EditField(ctx, "agg-001", "canonicalDirection", "DEBIT", "sideways"); err != nil {
		t.Fatalf("edit field: %v", err)
	}
	agg, err := st.Aggregates().GetByID(ctx, "agg-001")
	if err != nil {
		t.Fatalf("get aggregate: %v", err)
	}
	if agg.Direction != models.DirectionUnknown {
		t.Errorf("direction = %v, want UNKNOWN", agg.Direction)
	}
}

func TestRecognizedFields_ListsExpectedNames(t *testing.T) {
	fields := RecognizedFields()
	want := map[string]bool{"categoryId": true, "userNotes": true, "canonicalCounterparty": true, "canonicalDirection": true}
	if len(fields) != len(want) {
		t.Fatalf("RecognizedFields() = %v, want %d entries", fields, len(want))
	}
	for _, f := range fields {
		if !want[f] {
			t.Errorf("unexpected field %q", f)
		}
	}
}
