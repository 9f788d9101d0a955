// Package models holds the domain types shared across the ingestion and
// reconciliation pipeline: observations, canonical aggregates, the
// many-to-many links between them, import sessions, and the ops audit log.
package models

import "time"

// SourceType identifies where an observation originated.
type SourceType string

const (
	SourceSMS  SourceType = "SMS"
	SourceCSV  SourceType = "CSV"
	SourcePDF  SourceType = "PDF"
	SourceXLSX SourceType = "XLSX"
)

// Direction is the debit/credit sense of a transaction. MIXED only ever
// appears on an aggregate, never on a raw observation.
type Direction string

const (
	DirectionDebit   Direction = "DEBIT"
	DirectionCredit  Direction = "CREDIT"
	DirectionUnknown Direction = "UNKNOWN"
	DirectionMixed   Direction = "MIXED"
)

// SessionStatus is the lifecycle state of an ImportSession.
type SessionStatus string

const (
	SessionPending    SessionStatus = "PENDING"
	SessionProcessing SessionStatus = "PROCESSING"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionFailed     SessionStatus = "FAILED"
)

// OpType identifies the kind of manual operation recorded in the ops log.
type OpType string

const (
	OpMerge         OpType = "MERGE"
	OpSplit         OpType = "SPLIT"
	OpMarkDuplicate OpType = "MARK_DUPLICATE"
	OpEditField     OpType = "EDIT_FIELD"
)

// Observation is an immutable record of one raw sighting of a transaction.
// Once inserted it is never mutated; fingerprints are computed once at
// insertion time and denormalized onto the row.
type Observation struct {
	ObservationID     string     `json:"observationId"`
	SourceType        SourceType `json:"sourceType"`
	SourceLocator     string     `json:"sourceLocator"`
	RawPayload        string     `json:"rawPayload"`
	AmountMinor       int64      `json:"amountMinor"`
	Currency          string     `json:"currency"`
	Timestamp         *int64     `json:"timestamp,omitempty"`
	TimestampDateOnly bool       `json:"timestampDateOnly"`
	Direction         Direction  `json:"direction"`
	Reference         *string    `json:"reference,omitempty"`
	Counterparty      *string    `json:"counterparty,omitempty"`
	AccountHint       *string    `json:"accountHint,omitempty"`
	ParseConfidence   float64    `json:"parseConfidence"`
	ContentHash       string     `json:"contentHash"`
	ImportSessionID   string     `json:"importSessionId"`

	FpRef        *string `json:"fpRef,omitempty"`
	FpAmtTime    *string `json:"fpAmtTime,omitempty"`
	FpAmtDay     *string `json:"fpAmtDay,omitempty"`
	FpSenderAmt  string  `json:"fpSenderAmt"`
}

// Aggregate is the mutable canonical transaction backed by one or more
// observations. CategoryID and UserNotes are user-owned and are never
// overwritten by the projector.
type Aggregate struct {
	AggregateID      string    `json:"aggregateId"`
	AmountMinor      int64     `json:"amountMinor"`
	Currency         string    `json:"currency"`
	Timestamp        *int64    `json:"timestamp,omitempty"`
	IsApproxTime     bool      `json:"isApproxTime"`
	Direction        Direction `json:"direction"`
	Reference        *string   `json:"reference,omitempty"`
	Counterparty     *string   `json:"counterparty,omitempty"`
	AccountHint      *string   `json:"accountHint,omitempty"`
	ConfidenceScore  int       `json:"confidenceScore"`
	CategoryID       *string   `json:"categoryId,omitempty"`
	UserNotes        *string   `json:"userNotes,omitempty"`
	ObservationCount int       `json:"observationCount"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Link is a row in the many-to-many aggregate<->observation join table.
type Link struct {
	AggregateID   string `json:"aggregateId"`
	ObservationID string `json:"observationId"`
}

// ImportSession tracks one ingestion run end to end.
type ImportSession struct {
	ImportSessionID string        `json:"importSessionId"`
	SourceType      SourceType    `json:"sourceType"`
	SourceLocator   string        `json:"sourceLocator"`
	Status          SessionStatus `json:"status"`
	Total           int           `json:"total"`
	Imported        int           `json:"imported"`
	Skipped         int           `json:"skipped"`
	Failed          int           `json:"failed"`
	ErrorMessage    *string       `json:"errorMessage,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
}

// OpsLogEntry is one append-only audit row for a manual operation.
type OpsLogEntry struct {
	OpID                   string    `json:"opId"`
	OpType                 OpType    `json:"opType"`
	TargetAggregateID      string    `json:"targetAggregateId"`
	SecondaryAggregateID   *string   `json:"secondaryAggregateId,omitempty"`
	AffectedObservationIDs string    `json:"affectedObservationIds"`
	FieldName              *string   `json:"fieldName,omitempty"`
	OldValue               *string   `json:"oldValue,omitempty"`
	NewValue               *string   `json:"newValue,omitempty"`
	CreatedAt              time.Time `json:"createdAt"`
}

// Category is a user-defined label an aggregate may be tagged with.
// Declared here since aggregates.category_id references it; the core
// does not otherwise manage category CRUD (left to the UI surface).
type Category struct {
	CategoryID string `json:"categoryId"`
	Name       string `json:"name"`
}
