// Package sms implements the SMS transaction-alert parser (C7): profile
// selection by sender/content match, then regex-capture field extraction
// (spec §4.6).
package sms

import (
	"regexp"
	"strings"
	"sync"

	"github.com/rawblock/ledgermesh/internal/fingerprint"
	"github.com/rawblock/ledgermesh/internal/money"
	"github.com/rawblock/ledgermesh/pkg/models"
)

// Pattern is one regex rule within a Profile.
type Pattern struct {
	Regex           string
	AmountGroup     int
	ReferenceGroup  int
	CounterpartyGroup int
	AccountGroup    int
	Direction       models.Direction
}

// Profile groups the patterns used to recognize alerts from one sender.
type Profile struct {
	ID             string
	Name           string
	SenderAddresses []string
	Patterns       []Pattern
	Priority       int
	Enabled        bool
}

// Message is one raw inbound SMS.
type Message struct {
	ID         string
	Sender     string
	Body       string
	DateMillis int64
}

// Unmatched is accumulated, never returned as an error, when no pattern in
// the selected profile (or no profile at all) extracts an observation.
type Unmatched struct {
	MessageID string
	ProfileID *string
}

// Result is the outcome of matching one batch of messages.
type Result struct {
	Observations []models.Observation
	Unmatched    []Unmatched
}

// Registry holds the active, priority-sorted profile list behind a mutex,
// replaced atomically by UpdateProfiles (§5 Shared state: a single
// writable slot, never mutated by imports/projector/engine).
type Registry struct {
	mu       sync.RWMutex
	profiles []Profile
}

// NewRegistry builds a registry from an initial profile list.
func NewRegistry(profiles []Profile) *Registry {
	r := &Registry{}
	r.UpdateProfiles(profiles)
	return r
}

// UpdateProfiles atomically replaces the active list, re-sorted by
// priority descending.
func (r *Registry) UpdateProfiles(profiles []Profile) {
	sorted := append([]Profile(nil), profiles...)
	sortByPriorityDesc(sorted)
	r.mu.Lock()
	r.profiles = sorted
	r.mu.Unlock()
}

func sortByPriorityDesc(profiles []Profile) {
	for i := 1; i < len(profiles); i++ {
		j := i
		for j > 0 && profiles[j-1].Priority < profiles[j].Priority {
			profiles[j-1], profiles[j] = profiles[j], profiles[j-1]
			j--
		}
	}
}

func (r *Registry) snapshot() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Profile(nil), r.profiles...)
}

func senderMatches(sender string, addresses []string) bool {
	lowerSender := strings.ToLower(sender)
	for _, addr := range addresses {
		lowerAddr := strings.ToLower(addr)
		if lowerSender == lowerAddr || strings.Contains(lowerSender, lowerAddr) {
			return true
		}
	}
	return false
}

// selectProfile implements the two-pass matching order of §4.6: profiles
// with a sender-address match win outright; failing that, the first
// content-only profile whose body matches any pattern is chosen.
func selectProfile(profiles []Profile, msg Message) *Profile {
	for i := range profiles {
		p := &profiles[i]
		if !p.Enabled || len(p.SenderAddresses) == 0 {
			continue
		}
		if senderMatches(msg.Sender, p.SenderAddresses) {
			return p
		}
	}
	for i := range profiles {
		p := &profiles[i]
		if !p.Enabled || len(p.SenderAddresses) != 0 {
			continue
		}
		for _, pat := range p.Patterns {
			re, err := regexp.Compile("(?i)" + pat.Regex)
			if err != nil {
				continue
			}
			if re.MatchString(msg.Body) {
				return p
			}
		}
	}
	return nil
}

func captureOrEmpty(match []string, group int) string {
	if group <= 0 || group >= len(match) {
		return ""
	}
	return match[group]
}

// matchWithinProfile tries every pattern in declared order, returning the
// first one that extracts a non-zero amount.
func matchWithinProfile(p Profile, msg Message) (models.Observation, bool) {
	for _, pat := range p.Patterns {
		re, err := regexp.Compile("(?i)" + pat.Regex)
		if err != nil {
			continue
		}
		match := re.FindStringSubmatch(msg.Body)
		if match == nil {
			continue
		}
		amountText := captureOrEmpty(match, pat.AmountGroup)
		amountMinor, ok := money.ParseMinorUnits(amountText)
		if !ok || amountMinor == 0 {
			continue
		}

		var reference, counterparty, accountHint *string
		if v := captureOrEmpty(match, pat.ReferenceGroup); v != "" {
			reference = &v
		}
		if v := captureOrEmpty(match, pat.CounterpartyGroup); v != "" {
			counterparty = &v
		}
		if v := captureOrEmpty(match, pat.AccountGroup); v != "" {
			accountHint = &v
		} else {
			name := p.Name
			accountHint = &name
		}

		ts := msg.DateMillis
		obs := models.Observation{
			ObservationID:     "",
			SourceType:        models.SourceSMS,
			SourceLocator:     msg.Sender,
			RawPayload:        msg.Body,
			AmountMinor:       amountMinor,
			Timestamp:         &ts,
			TimestampDateOnly: false,
			Direction:         pat.Direction,
			Reference:         reference,
			Counterparty:      counterparty,
			AccountHint:       accountHint,
			ParseConfidence:   0.85,
			ContentHash:       fingerprint.ContentHash(string(models.SourceSMS), msg.Sender, msg.Body),
			FpAmtDay:          fingerprint.AmtDay(amountMinor, &ts),
			FpAmtTime:         fingerprint.AmtTime(amountMinor, &ts),
			FpSenderAmt:       fingerprint.SenderAmt(msg.Sender, amountMinor),
		}
		if obs.Direction == "" {
			obs.Direction = models.DirectionUnknown
		}
		if reference != nil {
			obs.FpRef = fingerprint.Ref(*reference)
		}
		return obs, true
	}
	return models.Observation{}, false
}

// Match runs profile selection and field extraction for one batch of
// messages (internal/importer calls this per import_sms_* invocation).
func (r *Registry) Match(messages []Message) Result {
	profiles := r.snapshot()
	var result Result
	for _, msg := range messages {
		profile := selectProfile(profiles, msg)
		if profile == nil {
			result.Unmatched = append(result.Unmatched, Unmatched{MessageID: msg.ID})
			continue
		}
		obs, ok := matchWithinProfile(*profile, msg)
		if !ok {
			id := profile.ID
			result.Unmatched = append(result.Unmatched, Unmatched{MessageID: msg.ID, ProfileID: &id})
			continue
		}
		result.Observations = append(result.Observations, obs)
	}
	return result
}
