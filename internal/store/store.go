// Package store defines the storage substrate contract for LedgerMesh:
// an append-only, content-addressed observation table; a mutable
// aggregate table; a many-to-many link table; import sessions; and the
// ops audit log. internal/store/inmem backs unit tests, internal/store/postgres
// backs the real substrate (§6 Storage substrate contract).
package store

import (
	"context"
	"errors"

	"github.com/rawblock/ledgermesh/pkg/models"
)

// ErrNotFound is returned by single-row lookups that miss.
var ErrNotFound = errors.New("store: not found")

// ObservationStore is the append-only, content-hash-deduplicated set of
// observations, indexed by fingerprint (C2).
type ObservationStore interface {
	// Insert is idempotent on ContentHash. inserted is false when a row
	// with the same content hash already existed; this is never an error.
	Insert(ctx context.Context, obs models.Observation) (inserted bool, err error)
	// InsertBatch inserts every row, returning per-row inserted/skipped
	// counts. A storage failure mid-batch is propagated; rows already
	// committed remain durable (matches the teacher's per-statement tx
	// handling in internal/db/postgres.go).
	InsertBatch(ctx context.Context, obs []models.Observation) (inserted, skipped int, err error)

	GetByContentHash(ctx context.Context, contentHash string) (*models.Observation, error)
	GetByID(ctx context.Context, observationID string) (*models.Observation, error)

	FindByFpRef(ctx context.Context, fpRef string) ([]models.Observation, error)
	FindByFpAmtDay(ctx context.Context, fpAmtDay string) ([]models.Observation, error)
	FindByFpAmtTime(ctx context.Context, fpAmtTime string) ([]models.Observation, error)
	FindByFpSenderAmt(ctx context.Context, fpSenderAmt string) ([]models.Observation, error)

	// GetUnlinked returns every observation with zero rows in the link
	// table, ordered by ObservationID ascending (§4.4 batch determinism).
	GetUnlinked(ctx context.Context) ([]models.Observation, error)
	GetForAggregate(ctx context.Context, aggregateID string) ([]models.Observation, error)

	Count(ctx context.Context) (int, error)
}

// AggregateStore is the canonical-transaction table (C3).
type AggregateStore interface {
	Create(ctx context.Context, agg models.Aggregate) error
	Update(ctx context.Context, agg models.Aggregate) error
	Delete(ctx context.Context, aggregateID string) error
	GetByID(ctx context.Context, aggregateID string) (*models.Aggregate, error)
	// GetBelowConfidence returns aggregates whose confidence_score is
	// strictly below threshold: the review queue (GLOSSARY).
	GetBelowConfidence(ctx context.Context, threshold int) ([]models.Aggregate, error)
	Count(ctx context.Context) (int, error)
}

// LinkStore is the many-to-many aggregate<->observation join table.
type LinkStore interface {
	// Link is idempotent: linking an already-linked pair is a no-op.
	Link(ctx context.Context, aggregateID, observationID string) error
	Unlink(ctx context.Context, aggregateID, observationID string) error
	// GetAggregateForObservation returns the aggregate id this
	// observation is linked to, or ErrNotFound if unlinked.
	GetAggregateForObservation(ctx context.Context, observationID string) (string, error)
	GetObservationIDsForAggregate(ctx context.Context, aggregateID string) ([]string, error)
	// MoveLinks repoints every link currently on `from` to `to`,
	// idempotent if a link already exists on `to`.
	MoveLinks(ctx context.Context, from, to string) error
	CountLinks(ctx context.Context, aggregateID string) (int, error)
}

// SessionStore tracks import session lifecycle and counters.
type SessionStore interface {
	Create(ctx context.Context, session models.ImportSession) error
	Update(ctx context.Context, session models.ImportSession) error
	GetByID(ctx context.Context, sessionID string) (*models.ImportSession, error)
}

// OpsLogStore is the append-only manual-operation audit log (C11).
type OpsLogStore interface {
	Append(ctx context.Context, entry models.OpsLogEntry) error
	GetForAggregate(ctx context.Context, aggregateID string) ([]models.OpsLogEntry, error)
	GetRecent(ctx context.Context, n int) ([]models.OpsLogEntry, error)
}

// Store bundles every table the engine needs behind one handle, built
// once at process start and passed by reference to the reconciler, ops
// layer, and importer (§9 Dependency wiring: explicit construction, no
// singletons).
type Store interface {
	Observations() ObservationStore
	Aggregates() AggregateStore
	Links() LinkStore
	Sessions() SessionStore
	OpsLog() OpsLogStore

	// WithTx runs fn inside one atomic unit of work. Implementations that
	// are not transactional (e.g. a naive in-memory map) may run fn
	// directly; the contract only requires that a failing fn's partial
	// writes do not become visible to later atomic steps (§5 Cancellation).
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
