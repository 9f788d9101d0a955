package sms

import (
	"testing"

	"github.com/rawblock/ledgermesh/pkg/models"
)

func mpesaProfile() Profile {
	return Profile{
		ID:              "mpesa",
		Name:            "M-PESA",
		SenderAddresses: []string{"MPESA"},
		Priority:        10,
		Enabled:         true,
		Patterns: []Pattern{
			{
				Regex:             `Ksh([\d,]+\.\d{2}) sent to (.+?) on .+? Ref ([A-Z0-9]+)`,
				AmountGroup:       1,
				CounterpartyGroup: 2,
				ReferenceGroup:    3,
				Direction:         models.DirectionDebit,
			},
			{
				Regex:             `You have received Ksh([\d,]+\.\d{2}) from (.+?)\. Ref ([A-Z0-9]+)`,
				AmountGroup:       1,
				CounterpartyGroup: 2,
				ReferenceGroup:    3,
				Direction:         models.DirectionCredit,
			},
		},
	}
}

func contentOnlyProfile() Profile {
	return Profile{
		ID:       "generic-bank",
		Name:     "Generic Bank",
		Priority: 1,
		Enabled:  true,
		Patterns: []Pattern{
			{Regex: `debited with USD ([\d,]+\.\d{2})`, AmountGroup: 1, Direction: models.DirectionDebit},
		},
	}
}

func TestMatch_SenderAddressWins(t *testing.T) {
	reg := NewRegistry([]Profile{mpesaProfile(), contentOnlyProfile()})
	msg := Message{ID: "m1", Sender: "MPESA", Body: "Ksh1,500.00 sent to John Doe on 5/1/24 Ref ABC123", DateMillis: 1700000000000}
	result := reg.Match([]Message{msg})
	if len(result.Observations) != 1 {
		t.Fatalf("expected 1 observation, got %d (unmatched=%+v)", len(result.Observations), result.Unmatched)
	}
	obs := result.Observations[0]
	if obs.AmountMinor != 150000 {
		t.Errorf("amount = %d, want 150000", obs.AmountMinor)
	}
	if obs.Direction != models.DirectionDebit {
		t.Errorf("direction = %v, want DEBIT", obs.Direction)
	}
	if obs.Reference == nil || *obs.Reference != "ABC123" {
		t.Errorf("reference = %v, want ABC123", obs.Reference)
	}
}

func TestMatch_ContentOnlyProfileFallback(t *testing.T) {
	reg := NewRegistry([]Profile{mpesaProfile(), contentOnlyProfile()})
	msg := Message{ID: "m2", Sender: "UnknownBank", Body: "Your account was debited with USD 45.00 today", DateMillis: 1700000000000}
	result := reg.Match([]Message{msg})
	if len(result.Observations) != 1 {
		t.Fatalf("expected 1 observation, got %d (unmatched=%+v)", len(result.Observations), result.Unmatched)
	}
	if result.Observations[0].AmountMinor != 4500 {
		t.Errorf("amount = %d, want 4500", result.Observations[0].AmountMinor)
	}
}

func TestMatch_NoProfileMatches_Unmatched(t *testing.T) {
	reg := NewRegistry([]Profile{mpesaProfile()})
	msg := Message{ID: "m3", Sender: "RandomSender", Body: "hello world", DateMillis: 1700000000000}
	result := reg.Match([]Message{msg})
	if len(result.Observations) != 0 {
		t.Fatalf("expected 0 observations, got %d", len(result.Observations))
	}
	if len(result.Unmatched) != 1 || result.Unmatched[0].ProfileID != nil {
		t.Fatalf("expected unmatched with no profile id, got %+v", result.Unmatched)
	}
}

func TestMatch_ProfileMatchesSenderButNoPatternExtracts(t *testing.T) {
	reg := NewRegistry([]Profile{mpesaProfile()})
	msg := Message{ID: "m4", Sender: "MPESA", Body: "Your M-PESA balance is Ksh500.00", DateMillis: 1700000000000}
	result := reg.Match([]Message{msg})
	if len(result.Observations) != 0 {
		t.Fatalf("expected 0 observations, got %d", len(result.Observations))
	}
	if len(result.Unmatched) != 1 || result.Unmatched[0].ProfileID == nil || *result.Unmatched[0].ProfileID != "mpesa" {
		t.Fatalf("expected unmatched tagged with profile id 'mpesa', got %+v", result.Unmatched)
	}
}

func TestUpdateProfiles_SortsByPriorityDescending(t *testing.T) {
	reg := NewRegistry(nil)
	low := Profile{ID: "low", Priority: 1, Enabled: true}
	high := Profile{ID: "high", Priority: 100, Enabled: true}
	reg.UpdateProfiles([]Profile{low, high})
	snap := reg.snapshot()
	if snap[0].ID != "high" || snap[1].ID != "low" {
		t.Fatalf("profiles not sorted by priority: %+v", snap)
	}
}
