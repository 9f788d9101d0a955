package importer

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rawblock/ledgermesh/internal/clock"
	csvparser "github.com/rawblock/ledgermesh/internal/parser/csv"
	smsparser "github.com/rawblock/ledgermesh/internal/parser/sms"
	"github.com/rawblock/ledgermesh/internal/reconcile"
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

func newTestImporter() (*Importer, *inmem.Store) {
	st := inmem.New()
	clk := clock.Frozen{At: time.Unix(1700000000, 0)}
	eng := reconcile.New(st, reconcile.DefaultConfig(), clk, sequentialIDs("agg"), zerolog.Nop())
	im := New(st, eng, clk, sequentialIDs("session"), zerolog.Nop())
	return im, st
}

func TestImportCSV_InsertsAndReconciles(t *testing.T) {
	im, st := newTestImporter()
	ctx := context.Background()

	data := "Date,Description,Debit,Credit\n" +
		"2024-01-05,Coffee shop,500.00,\n" +
		"2024-01-06,Salary,,250000.00\n"
	mapping := csvparser.ColumnMapping{DateColumn: 0, DescriptionColumn: 1, DebitColumn: 2, CreditColumn: 3, ReferenceColumn: -1, AmountColumn: -1}

	result, err := im.ImportCSV(ctx, strings.NewReader(data), "bank.csv", mapping)
	if err != nil {
		t.Fatalf("import csv: %v", err)
	}
	if result.Imported != 2 {
		t.Errorf("imported = %d, want 2", result.Imported)
	}

	session, err := st.Sessions().GetByID(ctx, result.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status != models.SessionCompleted {
		t.Errorf("status = %v, want COMPLETED", session.Status)
	}

	obsCount, _ := st.Observations().Count(ctx)
	if obsCount != 2 {
		t.Errorf("observation count = %d, want 2", obsCount)
	}
}

func TestImportCSV_DuplicateContentSkipped(t *testing.T) {
	im, _ := newTestImporter()
	ctx := context.Background()
	data := "Date,Amount\n2024-01-05,500.00\n"
	mapping := csvparser.ColumnMapping{DateColumn: 0, AmountColumn: 1, ReferenceColumn: -1, DescriptionColumn: -1, DebitColumn: -1, CreditColumn: -1}

	if _, err := im.ImportCSV(ctx, strings.NewReader(data), "bank.csv", mapping); err != nil {
		t.Fatalf("first import: %v", err)
	}
	result, err := im.ImportCSV(ctx, strings.NewReader(data), "bank.csv", mapping)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if result.Imported != 0 || result.Skipped != 1 {
		t.Errorf("expected the re-import to be fully deduped, got %+v", result)
	}
}

func TestImportSMSAll_MarksUnmatchedAsFailed(t *testing.T) {
	im, _ := newTestImporter()
	ctx := context.Background()
	registry := smsparser.NewRegistry([]smsparser.Profile{
		{
			ID: "mpesa", Name: "M-PESA", SenderAddresses: []string{"MPESA"}, Priority: 1, Enabled: true,
			Patterns: []smsparser.Pattern{
				{Regex: `Ksh([\d,]+\.\d{2}) sent`, AmountGroup: 1, Direction: models.DirectionDebit},
			},
		},
	})
	messages := []smsparser.Message{
		{ID: "m1", Sender: "MPESA", Body: "Ksh500.00 sent to shop", DateMillis: 1700000000000},
		{ID: "m2", Sender: "Unknown", Body: "not a transaction", DateMillis: 1700000000000},
	}

	result, err := im.ImportSMSAll(ctx, registry, messages)
	if err != nil {
		t.Fatalf("import sms: %v", err)
	}
	if result.Imported != 1 {
		t.Errorf("imported = %d, want 1", result.Imported)
	}
	if result.Failed != 1 {
		t.Errorf("failed = %d, want 1 (unmatched)", result.Failed)
	}
}

func TestImportSMSSince_FiltersByTimestamp(t *testing.T) {
	im, _ := newTestImporter()
	ctx := context.Background()
	registry := smsparser.NewRegistry([]smsparser.Profile{
		{
			ID: "mpesa", Name: "M-PESA", SenderAddresses: []string{"MPESA"}, Priority: 1, Enabled: true,
			Patterns: []smsparser.Pattern{
				{Regex: `Ksh([\d,]+\.\d{2}) sent`, AmountGroup: 1, Direction: models.DirectionDebit},
			},
		},
	})
	messages := []smsparser.Message{
		{ID: "m1", Sender: "MPESA", Body: "Ksh500.00 sent to shop", DateMillis: 1000},
		{ID: "m2", Sender: "MPESA", Body: "Ksh700.00 sent to shop", DateMillis: 2000},
	}

	result, err := im.ImportSMSSince(ctx, registry, messages, 1500)
	if err != nil {
		t.Fatalf("import sms since: %v", err)
	}
	if result.Imported != 1 {
		t.Errorf("imported = %d, want 1 (older message filtered out)", result.Imported)
	}
}
