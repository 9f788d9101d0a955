//go:build integration

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rawblock/ledgermesh/pkg/models"
)

// TestPostgresRoundTrip exercises the real schema against DATABASE_URL.
// Run with: go test -tags=integration ./internal/store/postgres/...
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	s, err := Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	if err := s.InitSchema(ctx); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	ts := time.Now().UnixMilli()
	obs := models.Observation{
		ObservationID:   "obs-it-1",
		SourceType:      models.SourceSMS,
		SourceLocator:   "MPESA",
		RawPayload:      "integration test payload",
		AmountMinor:     1000,
		Currency:        "KES",
		Timestamp:       &ts,
		Direction:       models.DirectionDebit,
		ParseConfidence: 0.85,
		ContentHash:     "integration-test-hash-1",
		ImportSessionID: "sess-it-1",
		FpSenderAmt:     "sa:MPESA:1000",
	}

	inserted, err := s.Observations().Insert(ctx, obs)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted {
		t.Fatalf("expected first insert to succeed")
	}

	inserted, err = s.Observations().Insert(ctx, obs)
	if err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	if inserted {
		t.Fatalf("expected duplicate insert to be a no-op")
	}

	got, err := s.Observations().GetByContentHash(ctx, obs.ContentHash)
	if err != nil {
		t.Fatalf("get by content hash: %v", err)
	}
	if got.ObservationID != obs.ObservationID {
		t.Fatalf("expected %s, got %s", obs.ObservationID, got.ObservationID)
	}
}
