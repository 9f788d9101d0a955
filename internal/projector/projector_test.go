package projector

import (
	"math/rand"
	"testing"

	"github.com/rawblock/ledgermesh/pkg/models"
)

func ptr[T any](v T) *T { return &v }

func TestProject_S2Scenario(t *testing.T) {
	ts1 := int64(1735689600000)
	ts2 := int64(1735689660000)
	obs := []models.Observation{
		{
			ObservationID: "obs-1", SourceType: models.SourceSMS, AmountMinor: 150000, Currency: "KES",
			Timestamp: &ts1, Direction: models.DirectionDebit, Reference: ptr("TXN42"), ParseConfidence: 0.85,
		},
		{
			ObservationID: "obs-2", SourceType: models.SourceCSV, AmountMinor: 150000, Currency: "KES",
			Timestamp: &ts2, Direction: models.DirectionDebit, Reference: ptr("TXN42"), ParseConfidence: 0.8,
		},
	}
	got := Project(obs)
	if got.Direction != models.DirectionDebit {
		t.Errorf("direction = %v, want DEBIT", got.Direction)
	}
	if got.Reference == nil || *got.Reference != "TXN42" {
		t.Errorf("reference = %v, want TXN42", got.Reference)
	}
	if got.ConfidenceScore != 96 {
		t.Errorf("confidence = %d, want 96", got.ConfidenceScore)
	}
}

func TestProject_S4Scenario_LowerMedian(t *testing.T) {
	base := int64(1_700_000_000_000)
	t1, t2, t3 := base, base+30_000, base+90_000
	obs := []models.Observation{
		{ObservationID: "a", SourceType: models.SourceSMS, AmountMinor: 5000, Currency: "KES", Timestamp: &t1, Direction: models.DirectionUnknown},
		{ObservationID: "b", SourceType: models.SourceSMS, AmountMinor: 5000, Currency: "KES", Timestamp: &t2, Direction: models.DirectionUnknown},
		{ObservationID: "c", SourceType: models.SourceSMS, AmountMinor: 5000, Currency: "KES", Timestamp: &t3, Direction: models.DirectionUnknown},
	}
	got := Project(obs)
	if got.Timestamp == nil || *got.Timestamp != t2 {
		t.Errorf("timestamp = %v, want %d", got.Timestamp, t2)
	}
}

func TestProject_MixedDirection(t *testing.T) {
	obs := []models.Observation{
		{ObservationID: "a", SourceType: models.SourceSMS, AmountMinor: 100, Currency: "KES", Direction: models.DirectionDebit},
		{ObservationID: "b", SourceType: models.SourceSMS, AmountMinor: 100, Currency: "KES", Direction: models.DirectionCredit},
	}
	got := Project(obs)
	if got.Direction != models.DirectionMixed {
		t.Errorf("direction = %v, want MIXED", got.Direction)
	}
}

func TestProject_Determinism_UnderPermutation(t *testing.T) {
	base := int64(1_700_000_000_000)
	mk := func(id string, amt int64, ts int64, dir models.Direction, ref, cp string, src models.SourceType) models.Observation {
		return models.Observation{
			ObservationID: id, SourceType: src, AmountMinor: amt, Currency: "KES",
			Timestamp: &ts, Direction: dir, Reference: ptr(ref), Counterparty: ptr(cp), ParseConfidence: 0.7,
		}
	}
	obs := []models.Observation{
		mk("obs-001", 100, base, models.DirectionDebit, "REF1", "Acme Ltd", models.SourceSMS),
		mk("obs-002", 100, base+1000, models.DirectionDebit, "REF1", "ACME LTD", models.SourceCSV),
		mk("obs-003", 200, base+2000, models.DirectionDebit, "REF2", "Other", models.SourcePDF),
	}
	want := Project(obs)

	for i := 0; i < 20; i++ {
		shuffled := append([]models.Observation(nil), obs...)
		rand.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := Project(shuffled)
		if !sameProjection(got, want) {
			t.Fatalf("projection not invariant under permutation:\n got  %+v\n want %+v", got, want)
		}
	}
}

func sameProjection(a, b Projected) bool {
	return a.AmountMinor == b.AmountMinor &&
		a.Currency == b.Currency &&
		ptrEqualInt64(a.Timestamp, b.Timestamp) &&
		a.IsApproxTime == b.IsApproxTime &&
		a.Direction == b.Direction &&
		ptrEqualString(a.Reference, b.Reference) &&
		ptrEqualString(a.Counterparty, b.Counterparty) &&
		ptrEqualString(a.AccountHint, b.AccountHint) &&
		a.ConfidenceScore == b.ConfidenceScore
}

func ptrEqualInt64(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func ptrEqualString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func TestProject_ConfidenceBounds(t *testing.T) {
	obs := []models.Observation{
		{ObservationID: "a", SourceType: models.SourceSMS, AmountMinor: 100, Currency: "KES", ParseConfidence: 1.0, Reference: ptr("X")},
		{ObservationID: "b", SourceType: models.SourceCSV, AmountMinor: 100, Currency: "KES", ParseConfidence: 1.0, Reference: ptr("X")},
		{ObservationID: "c", SourceType: models.SourcePDF, AmountMinor: 100, Currency: "KES", ParseConfidence: 1.0, Reference: ptr("X")},
	}
	got := Project(obs)
	if got.ConfidenceScore < 0 || got.ConfidenceScore > 100 {
		t.Errorf("confidence out of bounds: %d", got.ConfidenceScore)
	}
	// 30 (sources, capped) + 20 (references agree) + 0 (no timestamps)
	// + 20 (parse confidence 1.0) + 10 (amounts agree) = 80.
	if got.ConfidenceScore != 80 {
		t.Errorf("expected 80 without timestamps, got %d", got.ConfidenceScore)
	}
}

func TestProject_CounterpartyCaseInsensitiveGrouping(t *testing.T) {
	obs := []models.Observation{
		{ObservationID: "a", SourceType: models.SourceSMS, AmountMinor: 100, Currency: "KES", Counterparty: ptr("acme ltd")},
		{ObservationID: "b", SourceType: models.SourceSMS, AmountMinor: 100, Currency: "KES", Counterparty: ptr("ACME LTD")},
		{ObservationID: "c", SourceType: models.SourceSMS, AmountMinor: 100, Currency: "KES", Counterparty: ptr("Someone Else")},
	}
	got := Project(obs)
	if got.Counterparty == nil || *got.Counterparty != "acme ltd" {
		t.Errorf("counterparty = %v, want original-case first member 'acme ltd'", got.Counterparty)
	}
}

func TestProject_ReferenceLongestTieBreak(t *testing.T) {
	obs := []models.Observation{
		{ObservationID: "a", SourceType: models.SourceSMS, AmountMinor: 100, Currency: "KES", Reference: ptr("ABC")},
		{ObservationID: "b", SourceType: models.SourceSMS, AmountMinor: 100, Currency: "KES", Reference: ptr("ABCDE")},
	}
	got := Project(obs)
	if got.Reference == nil || *got.Reference != "ABCDE" {
		t.Errorf("reference = %v, want longest 'ABCDE'", got.Reference)
	}
}
