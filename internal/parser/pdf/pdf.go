// Package pdf implements the bank-statement PDF parser (C9): glyph-sorted
// text extraction via an external stripper, scanned-PDF detection, header
// discovery, column layout inference, and row parsing (spec §4.8).
package pdf

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	pdflib "github.com/ledongthuc/pdf"

	"github.com/rawblock/ledgermesh/internal/fingerprint"
	"github.com/rawblock/ledgermesh/internal/money"
	"github.com/rawblock/ledgermesh/pkg/models"
)

// ErrEncryptedPDF and ErrScannedPDF abort the import outright (spec §7).
var (
	ErrEncryptedPDF = errors.New("pdf: is password-protected")
	ErrScannedPDF   = errors.New("pdf: scanned PDF detected")
)

// minCharsPerPage is the non-whitespace character density below which a
// PDF is judged image-only ("likely scanned").
const minCharsPerPage = 20

// extractText pulls glyph-sorted plain text from the document, the way an
// external text-stripper configured for position-sorted output would.
func extractText(data []byte) (text string, numPages int, err error) {
	reader, err := pdflib.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "encrypt") || strings.Contains(strings.ToLower(err.Error()), "password") {
			return "", 0, ErrEncryptedPDF
		}
		return "", 0, fmt.Errorf("open: %w", err)
	}
	numPages = reader.NumPage()
	r, err := reader.GetPlainText()
	if err != nil {
		return "", numPages, fmt.Errorf("extract text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return "", numPages, fmt.Errorf("read extracted text: %w", err)
	}
	return buf.String(), numPages, nil
}

func nonWhitespaceCount(s string) int {
	n := 0
	for _, r := range s {
		if !strings.ContainsRune(" \t\n\r\f\v", r) {
			n++
		}
	}
	return n
}

var headerKeywords = []string{
	"date", "description", "narration", "particulars", "details", "debit",
	"credit", "amount", "withdrawal", "deposit", "balance", "reference",
	"ref", "value", "transaction",
}

func countHeaderKeywords(line string) int {
	lower := strings.ToLower(line)
	count := 0
	for _, kw := range headerKeywords {
		if strings.Contains(lower, kw) {
			count++
		}
	}
	return count
}

type columnLayout struct {
	dateOffset        int
	descriptionOffset int
	debitOffset       int
	creditOffset      int
	amountOffset      int
	balanceOffset     int
	referenceOffset   int
}

func findOffset(lowerLine string, tokens ...string) int {
	best := -1
	for _, tok := range tokens {
		if idx := strings.Index(lowerLine, tok); idx != -1 {
			if best == -1 || idx < best {
				best = idx
			}
		}
	}
	return best
}

// layoutFromHeader derives column offsets from a header line. ok is false
// if no date column is found, per spec (discard this table).
func layoutFromHeader(header string) (columnLayout, bool) {
	lower := strings.ToLower(header)
	layout := columnLayout{}
	layout.dateOffset = findOffset(lower, "value date", "txn date", "date")
	if layout.dateOffset == -1 {
		return layout, false
	}
	layout.descriptionOffset = findOffset(lower, "description", "narration", "particulars", "details")
	if layout.descriptionOffset == -1 {
		layout.descriptionOffset = layout.dateOffset + 12
	}
	layout.debitOffset = findOffset(lower, "debit", "withdrawal")
	layout.creditOffset = findOffset(lower, "credit", "deposit")
	layout.amountOffset = findOffset(lower, "amount")
	layout.balanceOffset = findOffset(lower, "balance")
	layout.referenceOffset = findOffset(lower, "reference", "ref")
	return layout, true
}

var stopPrefixes = []string{
	"total", "closing balance", "opening balance", "statement summary",
	"page total", "brought forward", "carried forward", "end of statement",
}

func isStopLine(line string) bool {
	lower := strings.ToLower(strings.TrimSpace(line))
	for _, p := range stopPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

var rowDateFormats = []string{
	"02/01/2006", "01/02/2006", "2006-01-02", "02-01-2006", "02.01.2006",
	"2 Jan 2006", "02 Jan 2006", "Jan 2, 2006", "2006/01/02", "02 January 2006",
	"2-Jan-2006", "02-Jan-2006", "1/2/2006", "2006.01.02",
}

// tryParseLeadingDate attempts to parse a date from the first 1-3
// whitespace-delimited tokens of line.
func tryParseLeadingDate(line string) (time.Time, bool) {
	fields := strings.Fields(line)
	for take := 1; take <= 3 && take <= len(fields); take++ {
		candidate := strings.Join(fields[:take], " ")
		for _, f := range rowDateFormats {
			if t, err := time.ParseInLocation(f, candidate, time.Local); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

var amountPattern = regexp.MustCompile(`[\d,]+\.\d{2}`)
var referencePattern = regexp.MustCompile(`[A-Z]{2,4}\d{8,16}`)
var trailingDRCR = regexp.MustCompile(`(?i)\b(DR|CR)\b\s*$`)

type pendingRow struct {
	date        time.Time
	description strings.Builder
	rawLines    strings.Builder
	amountMinor int64
	hasAmount   bool
	direction   models.Direction
	reference   *string
}

// parseTable runs the row-accumulation state machine of spec §4.8 starting
// just below one discovered header line, until a blank run, a stop line,
// or input end.
func parseTable(lines []string, layout columnLayout) []models.Observation {
	var out []models.Observation
	var current *pendingRow
	blankStreak := 0

	flush := func() {
		if current == nil {
			return
		}
		if current.hasAmount {
			ts := current.date.UnixMilli()
			desc := strings.TrimSpace(current.description.String())
			var counterparty *string
			if desc != "" {
				counterparty = &desc
			}
			direction := current.direction
			if direction == "" {
				direction = models.DirectionDebit // spec §4.8: single-amount layouts default to DEBIT
			}
			out = append(out, models.Observation{
				SourceType:        models.SourcePDF,
				RawPayload:        strings.TrimSpace(current.rawLines.String()),
				AmountMinor:       current.amountMinor,
				Timestamp:         &ts,
				TimestampDateOnly: true,
				Direction:         direction,
				Reference:         current.reference,
				Counterparty:      counterparty,
				ParseConfidence:   0.7,
				FpAmtDay:          fingerprint.AmtDay(current.amountMinor, &ts),
				FpAmtTime:         fingerprint.AmtTime(current.amountMinor, &ts),
				FpRef:             refFingerprint(current.reference),
			})
		}
		current = nil
	}

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blankStreak++
			if blankStreak >= 3 {
				flush()
				return out
			}
			continue
		}
		blankStreak = 0

		if isStopLine(line) {
			flush()
			return out
		}

		if t, ok := tryParseLeadingDate(line); ok {
			flush()
			current = &pendingRow{date: t}
			current.rawLines.WriteString(line)
			applyAmountAndRef(current, line, layout)
			continue
		}

		if current != nil {
			current.description.WriteString(" ")
			current.description.WriteString(strings.TrimSpace(line))
			current.rawLines.WriteString("\n")
			current.rawLines.WriteString(line)
			if !current.hasAmount {
				applyAmountAndRef(current, line, layout)
			}
		}
	}
	flush()
	return out
}

func applyAmountAndRef(row *pendingRow, line string, layout columnLayout) {
	loc := amountPattern.FindStringIndex(line)
	if loc != nil {
		amountText := line[loc[0]:loc[1]]
		if minor, ok := money.ParseMinorUnits(amountText); ok {
			row.amountMinor = minor
			row.hasAmount = true
			row.direction = inferDirection(line, loc[0], layout)
		}
	}
	if m := referencePattern.FindString(line); m != "" {
		ref := m
		row.reference = &ref
	}
}

func inferDirection(line string, amountCharPos int, layout columnLayout) models.Direction {
	if m := trailingDRCR.FindString(line); m != "" {
		if strings.EqualFold(strings.TrimSpace(m), "DR") {
			return models.DirectionDebit
		}
		return models.DirectionCredit
	}
	if layout.debitOffset >= 0 && layout.creditOffset >= 0 {
		debitDist := absInt(amountCharPos - layout.debitOffset)
		creditDist := absInt(amountCharPos - layout.creditOffset)
		if debitDist <= creditDist {
			return models.DirectionDebit
		}
		return models.DirectionCredit
	}
	return ""
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func refFingerprint(ref *string) *string {
	if ref == nil {
		return nil
	}
	return fingerprint.Ref(*ref)
}

// discoverTables scans every line for a header (≥2 keyword hits, not
// within 3 lines of a previously discovered header) and parses the rows
// beneath each one found.
func discoverTables(lines []string) []models.Observation {
	var all []models.Observation
	lastHeaderLine := -4
	for i, line := range lines {
		if i-lastHeaderLine <= 3 {
			continue
		}
		if countHeaderKeywords(line) < 2 {
			continue
		}
		layout, ok := layoutFromHeader(line)
		if !ok {
			continue
		}
		lastHeaderLine = i
		all = append(all, parseTable(lines[i+1:], layout)...)
	}
	return all
}

// Parse extracts observations from one PDF statement's raw bytes. locator
// identifies the source file; currency is supplied by the caller since
// statements carry no reliable currency marker of their own.
func Parse(data []byte, locator, currency string) ([]models.Observation, error) {
	text, numPages, err := extractText(data)
	if err != nil {
		return nil, err
	}
	if numPages == 0 {
		numPages = 1
	}
	if nonWhitespaceCount(text) < numPages*minCharsPerPage {
		return nil, ErrScannedPDF
	}

	lines := strings.Split(text, "\n")
	observations := discoverTables(lines)
	for i := range observations {
		observations[i].SourceLocator = locator
		observations[i].Currency = currency
		observations[i].ContentHash = fingerprint.ContentHash(string(models.SourcePDF), locator, observations[i].RawPayload)
		observations[i].FpSenderAmt = fingerprint.SenderAmt(locator, observations[i].AmountMinor)
	}
	return observations, nil
}
