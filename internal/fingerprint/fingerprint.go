// Package fingerprint derives normalized lookup keys from raw observation
// fields. Every function here is pure and side-effect free: reconciliation
// never rehashes, it only compares fingerprints computed once at insertion
// time (see internal/parser).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// bucketMillis is the width of the time bucket used by AmtTime (5 minutes).
const bucketMillis = 300_000

// Ref derives the reference fingerprint: uppercase s, strip everything
// outside [A-Z0-9]. A blank input, or an input with nothing left after
// stripping, has no fingerprint.
func Ref(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return nil
	}
	out := "ref:" + b.String()
	return &out
}

// AmtTime buckets amount+timestamp into 5-minute windows. Nil timestamp
// yields no fingerprint.
func AmtTime(amountMinor int64, tsMillis *int64) *string {
	if tsMillis == nil {
		return nil
	}
	bucket := *tsMillis / bucketMillis
	out := fmt.Sprintf("at:%d:%d", amountMinor, bucket)
	return &out
}

// AmtDay buckets amount+timestamp onto a calendar day in the host's local
// time zone. This makes ingestion non-reproducible across time zones by
// construction (see spec §9 Open Questions) — reproduced as-is.
func AmtDay(amountMinor int64, tsMillis *int64) *string {
	if tsMillis == nil {
		return nil
	}
	t := time.UnixMilli(*tsMillis).In(time.Local)
	out := fmt.Sprintf("ad:%d:%s", amountMinor, t.Format("2006-01-02"))
	return &out
}

// SenderAmt is always defined: uppercased, trimmed locator plus amount.
func SenderAmt(locator string, amountMinor int64) string {
	return fmt.Sprintf("sa:%s:%d", strings.ToUpper(strings.TrimSpace(locator)), amountMinor)
}

// ContentHash is the lowercase hex SHA-256 of the pipe-joined source type,
// locator, and raw payload. It is the dedup key for the observation store.
func ContentHash(sourceType, locator, rawPayload string) string {
	joined := sourceType + "|" + locator + "|" + rawPayload
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}
