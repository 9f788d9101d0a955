package csv

import (
	"strings"
	"testing"

	"github.com/rawblock/ledgermesh/pkg/models"
)

func TestDetectDelimiter(t *testing.T) {
	tests := []struct {
		name string
		line string
		want rune
	}{
		{"comma", "date,amount,ref", ','},
		{"semicolon", "date;amount;ref", ';'},
		{"tab", "date\tamount\tref", '\t'},
		{"pipe", "date|amount|ref", '|'},
		{"tie_prefers_comma", "a,b;c", ','},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectDelimiter(tt.line); got != tt.want {
				t.Errorf("DetectDelimiter(%q) = %q, want %q", tt.line, got, tt.want)
			}
		})
	}
}

func TestPreviewStream_SuggestsMapping(t *testing.T) {
	data := "Date,Description,Debit,Credit,Reference\n2024-01-05,Coffee shop,500.00,,REF123\n"
	p, err := PreviewStream(strings.NewReader(data))
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if p.SuggestedMapping == nil {
		t.Fatal("expected a suggested mapping")
	}
	if p.SuggestedMapping.DateColumn != 0 {
		t.Errorf("DateColumn = %d, want 0", p.SuggestedMapping.DateColumn)
	}
	if p.SuggestedMapping.DebitColumn != 2 {
		t.Errorf("DebitColumn = %d, want 2", p.SuggestedMapping.DebitColumn)
	}
	if p.SuggestedMapping.CreditColumn != 3 {
		t.Errorf("CreditColumn = %d, want 3", p.SuggestedMapping.CreditColumn)
	}
	if p.SuggestedMapping.ReferenceColumn != 4 {
		t.Errorf("ReferenceColumn = %d, want 4", p.SuggestedMapping.ReferenceColumn)
	}
}

func TestPreviewStream_NoDateColumn_NilSuggestion(t *testing.T) {
	data := "Amount,Reference\n500.00,REF1\n"
	p, err := PreviewStream(strings.NewReader(data))
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if p.SuggestedMapping != nil {
		t.Errorf("expected nil suggestion without a date column, got %+v", p.SuggestedMapping)
	}
}

func TestParse_DebitCreditColumns(t *testing.T) {
	data := "Date,Description,Debit,Credit\n" +
		"2024-01-05,Coffee shop,500.00,\n" +
		"2024-01-06,Salary,,250000.00\n" +
		"2024-01-07,,,\n"
	mapping := ColumnMapping{DateColumn: 0, DescriptionColumn: 1, DebitColumn: 2, CreditColumn: 3, ReferenceColumn: -1, AmountColumn: -1}
	result := Parse(strings.NewReader(data), "bank.csv", mapping)
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %+v", result.Errors)
	}
	if len(result.Observations) != 2 {
		t.Fatalf("expected 2 observations, got %d: %+v", len(result.Observations), result.Observations)
	}
	if result.Observations[0].Direction != models.DirectionDebit || result.Observations[0].AmountMinor != 50000 {
		t.Errorf("row0 = %+v", result.Observations[0])
	}
	if result.Observations[1].Direction != models.DirectionCredit || result.Observations[1].AmountMinor != 25000000 {
		t.Errorf("row1 = %+v", result.Observations[1])
	}
}

func TestParse_AmountColumnSignedDerivesDirection(t *testing.T) {
	data := "Date,Amount\n2024-01-05,-500.00\n2024-01-06,250000.00\n2024-01-07,0\n"
	mapping := ColumnMapping{DateColumn: 0, AmountColumn: 1, ReferenceColumn: -1, DescriptionColumn: -1, DebitColumn: -1, CreditColumn: -1}
	result := Parse(strings.NewReader(data), "bank.csv", mapping)
	if len(result.Observations) != 2 {
		t.Fatalf("expected 2 observations (zero row skipped), got %d", len(result.Observations))
	}
	if result.Observations[0].Direction != models.DirectionDebit {
		t.Errorf("expected DEBIT for negative amount")
	}
	if result.Observations[1].Direction != models.DirectionCredit {
		t.Errorf("expected CREDIT for positive amount")
	}
}

func TestParse_BlankDateRowSkippedNoError(t *testing.T) {
	data := "Date,Amount\n,500.00\n2024-01-06,250.00\n"
	mapping := ColumnMapping{DateColumn: 0, AmountColumn: 1, ReferenceColumn: -1, DescriptionColumn: -1, DebitColumn: -1, CreditColumn: -1}
	result := Parse(strings.NewReader(data), "bank.csv", mapping)
	if len(result.Errors) != 0 {
		t.Fatalf("blank date row should not produce an error: %+v", result.Errors)
	}
	if len(result.Observations) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(result.Observations))
	}
}
