// Package projector implements the canonical projection: a pure function
// from a non-empty set of observations to an aggregate's canonical fields
// and confidence score (C4, spec §4.3). Determinism requires that every
// tie-break be order-independent, so Project always works from a copy of
// its input sorted by ObservationID ascending — "first" anywhere below
// means first in that canonical order, never input order.
package projector

import (
	"math"
	"sort"
	"strings"

	"github.com/rawblock/ledgermesh/pkg/models"
)

// Projected holds the fields the projector derives. CategoryID and
// UserNotes are deliberately absent: they are user-owned and preserved by
// the caller (reconciler/ops), never recomputed here.
type Projected struct {
	AmountMinor     int64
	Currency        string
	Timestamp       *int64
	IsApproxTime    bool
	Direction       models.Direction
	Reference       *string
	Counterparty    *string
	AccountHint     *string
	ConfidenceScore int
}

// sourcePriority ranks source types for the amount tie-break: document
// sources (PDF/CSV/XLSX) outrank SMS, whose amount parsing is regex-derived
// from free text and more failure-prone.
func sourcePriority(t models.SourceType) int {
	switch t {
	case models.SourcePDF, models.SourceCSV, models.SourceXLSX:
		return 3
	case models.SourceSMS:
		return 1
	default:
		return 0
	}
}

// Project computes canonical fields over a non-empty observation set. An
// empty input returns a zero-value Projected; callers never invoke it with
// zero observations (an aggregate always has at least one linked row).
func Project(observations []models.Observation) Projected {
	if len(observations) == 0 {
		return Projected{}
	}

	sorted := make([]models.Observation, len(observations))
	copy(sorted, observations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ObservationID < sorted[j].ObservationID })

	return Projected{
		AmountMinor:     projectAmount(sorted),
		Currency:        projectCurrency(sorted),
		Timestamp:       projectTimestamp(sorted),
		IsApproxTime:    projectIsApproxTime(sorted),
		Direction:       projectDirection(sorted),
		Reference:       projectReference(sorted),
		Counterparty:    projectCounterparty(sorted),
		AccountHint:     projectAccountHint(sorted),
		ConfidenceScore: projectConfidence(sorted),
	}
}

type amountGroup struct {
	amount   int64
	size     int
	priority int
	firstID  string
}

func projectAmount(sorted []models.Observation) int64 {
	order := make([]int64, 0)
	groups := make(map[int64]*amountGroup)
	for _, o := range sorted {
		g, ok := groups[o.AmountMinor]
		if !ok {
			g = &amountGroup{amount: o.AmountMinor, priority: sourcePriority(o.SourceType), firstID: o.ObservationID}
			groups[o.AmountMinor] = g
			order = append(order, o.AmountMinor)
		}
		g.size++
	}
	best := groups[order[0]]
	for _, amt := range order[1:] {
		g := groups[amt]
		if betterAmountGroup(g, best) {
			best = g
		}
	}
	return best.amount
}

func betterAmountGroup(g, best *amountGroup) bool {
	if g.size != best.size {
		return g.size > best.size
	}
	if g.priority != best.priority {
		return g.priority > best.priority
	}
	return g.firstID < best.firstID
}

func projectCurrency(sorted []models.Observation) string {
	type stat struct {
		count      int
		firstIndex int
	}
	stats := make(map[string]*stat)
	for i, o := range sorted {
		s, ok := stats[o.Currency]
		if !ok {
			stats[o.Currency] = &stat{count: 1, firstIndex: i}
			continue
		}
		s.count++
	}
	var best string
	var bestStat *stat
	for cur, s := range stats {
		if bestStat == nil ||
			s.count > bestStat.count ||
			(s.count == bestStat.count && s.firstIndex < bestStat.firstIndex) {
			best = cur
			bestStat = s
		}
	}
	return best
}

func projectTimestamp(sorted []models.Observation) *int64 {
	var values []int64
	for _, o := range sorted {
		if o.Timestamp != nil {
			values = append(values, *o.Timestamp)
		}
	}
	if len(values) == 0 {
		return nil
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	v := values[len(values)/2]
	return &v
}

func projectIsApproxTime(sorted []models.Observation) bool {
	for _, o := range sorted {
		if !o.TimestampDateOnly {
			return false
		}
	}
	return true
}

func projectDirection(sorted []models.Observation) models.Direction {
	seen := make(map[models.Direction]bool)
	var firstOrder []models.Direction
	for _, o := range sorted {
		if o.Direction == models.DirectionUnknown {
			continue
		}
		if !seen[o.Direction] {
			seen[o.Direction] = true
			firstOrder = append(firstOrder, o.Direction)
		}
	}
	switch len(firstOrder) {
	case 0:
		return models.DirectionUnknown
	case 1:
		return firstOrder[0]
	}
	if seen[models.DirectionDebit] && seen[models.DirectionCredit] {
		return models.DirectionMixed
	}
	return firstOrder[0]
}

func projectReference(sorted []models.Observation) *string {
	var nonBlank []string
	for _, o := range sorted {
		if o.Reference == nil {
			continue
		}
		trimmed := strings.TrimSpace(*o.Reference)
		if trimmed == "" {
			continue
		}
		nonBlank = append(nonBlank, trimmed)
	}
	if len(nonBlank) == 0 {
		return nil
	}
	allEqual := true
	for _, v := range nonBlank[1:] {
		if v != nonBlank[0] {
			allEqual = false
			break
		}
	}
	if allEqual {
		return &nonBlank[0]
	}
	best := nonBlank[0]
	for _, v := range nonBlank[1:] {
		if len(v) > len(best) {
			best = v
		}
	}
	return &best
}

func projectCounterparty(sorted []models.Observation) *string {
	type group struct {
		count      int
		firstValue string
		firstIndex int
	}
	groups := make(map[string]*group)
	idx := 0
	for _, o := range sorted {
		if o.Counterparty == nil {
			continue
		}
		trimmed := strings.TrimSpace(*o.Counterparty)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		g, ok := groups[key]
		if !ok {
			groups[key] = &group{count: 1, firstValue: trimmed, firstIndex: idx}
		} else {
			g.count++
		}
		idx++
	}
	if len(groups) == 0 {
		return nil
	}
	var best *group
	for _, g := range groups {
		if best == nil || g.count > best.count || (g.count == best.count && g.firstIndex < best.firstIndex) {
			best = g
		}
	}
	return &best.firstValue
}

func projectAccountHint(sorted []models.Observation) *string {
	type group struct {
		count      int
		value      string
		firstIndex int
	}
	groups := make(map[string]*group)
	idx := 0
	for _, o := range sorted {
		if o.AccountHint == nil {
			continue
		}
		trimmed := strings.TrimSpace(*o.AccountHint)
		if trimmed == "" {
			continue
		}
		g, ok := groups[trimmed]
		if !ok {
			groups[trimmed] = &group{count: 1, value: trimmed, firstIndex: idx}
		} else {
			g.count++
		}
		idx++
	}
	if len(groups) == 0 {
		return nil
	}
	var best *group
	for _, g := range groups {
		if best == nil || g.count > best.count || (g.count == best.count && g.firstIndex < best.firstIndex) {
			best = g
		}
	}
	return &best.value
}

func projectConfidence(sorted []models.Observation) int {
	total := 0.0

	distinctSources := make(map[models.SourceType]bool)
	for _, o := range sorted {
		distinctSources[o.SourceType] = true
	}
	sourceBonus := len(distinctSources) * 15
	if sourceBonus > 30 {
		sourceBonus = 30
	}
	total += float64(sourceBonus)

	var nonBlankRefs []string
	for _, o := range sorted {
		if o.Reference == nil {
			continue
		}
		trimmed := strings.TrimSpace(*o.Reference)
		if trimmed == "" {
			continue
		}
		nonBlankRefs = append(nonBlankRefs, trimmed)
	}
	if len(nonBlankRefs) > 0 {
		allEqual := true
		for _, v := range nonBlankRefs[1:] {
			if v != nonBlankRefs[0] {
				allEqual = false
				break
			}
		}
		if allEqual {
			total += 20
		}
	}

	var timestamps []int64
	for _, o := range sorted {
		if o.Timestamp != nil {
			timestamps = append(timestamps, *o.Timestamp)
		}
	}
	switch {
	case len(timestamps) >= 2:
		min, max := timestamps[0], timestamps[0]
		for _, t := range timestamps[1:] {
			if t < min {
				min = t
			}
			if t > max {
				max = t
			}
		}
		spanMinutes := float64(max-min) / 60_000.0
		switch {
		case spanMinutes < 5:
			total += 20
		case spanMinutes < 60:
			total += 15
		case spanMinutes < 1440:
			total += 10
		default:
			total += 5
		}
	case len(timestamps) == 1:
		total += 10
	}

	sumConfidence := 0.0
	for _, o := range sorted {
		sumConfidence += o.ParseConfidence
	}
	total += (sumConfidence / float64(len(sorted))) * 20

	allSameAmount := true
	for _, o := range sorted[1:] {
		if o.AmountMinor != sorted[0].AmountMinor {
			allSameAmount = false
			break
		}
	}
	if allSameAmount {
		total += 10
	}

	if total > 100 {
		total = 100
	}
	return int(math.Floor(total))
}
