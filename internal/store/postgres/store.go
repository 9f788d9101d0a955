// Package postgres implements store.Store against a real PostgreSQL
// substrate using pgx, following the connection and transaction idioms of
// the teacher's internal/db/postgres.go: a pooled pgxpool.Pool, explicit
// Begin/Commit/Rollback, and ON CONFLICT clauses for idempotent dedup.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/ledgermesh/internal/store"
	"github.com/rawblock/ledgermesh/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// executor is satisfied by both *pgxpool.Pool and pgx.Tx, letting every
// view run unmodified whether or not it's inside WithTx.
type executor interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store is the PostgreSQL-backed implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
	exec executor
}

// Connect opens a pooled connection and verifies it with a ping, matching
// the teacher's db.Connect.
func Connect(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	return &Store{pool: pool, exec: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema applies the embedded schema, safe to run repeatedly.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	return nil
}

// WithTx runs fn inside one Postgres transaction, committing on success and
// rolling back on any error (§5 Cancellation: atomic per-observation steps).
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	txStore := &Store{pool: s.pool, exec: tx}
	if err := fn(ctx, txStore); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Observations() store.ObservationStore { return obsStore{s.exec} }
func (s *Store) Aggregates() store.AggregateStore      { return aggStore{s.exec} }
func (s *Store) Links() store.LinkStore                { return linkStore{s.exec} }
func (s *Store) Sessions() store.SessionStore          { return sessionStore{s.exec} }
func (s *Store) OpsLog() store.OpsLogStore              { return opsStore{s.exec} }

// ---- observations ----

type obsStore struct{ e executor }

func (o obsStore) Insert(ctx context.Context, obs models.Observation) (bool, error) {
	tag, err := o.e.Exec(ctx, `
		INSERT INTO observations
		(observation_id, source_type, source_locator, raw_payload, amount_minor, currency,
		 ts_millis, timestamp_date_only, direction, reference, counterparty, account_hint,
		 parse_confidence, content_hash, import_session_id, fp_ref, fp_amt_time, fp_amt_day, fp_sender_amt)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (content_hash) DO NOTHING`,
		obs.ObservationID, obs.SourceType, obs.SourceLocator, obs.RawPayload, obs.AmountMinor, obs.Currency,
		obs.Timestamp, obs.TimestampDateOnly, obs.Direction, obs.Reference, obs.Counterparty, obs.AccountHint,
		obs.ParseConfidence, obs.ContentHash, obs.ImportSessionID, obs.FpRef, obs.FpAmtTime, obs.FpAmtDay, obs.FpSenderAmt,
	)
	if err != nil {
		return false, fmt.Errorf("insert observation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (o obsStore) InsertBatch(ctx context.Context, obs []models.Observation) (int, int, error) {
	inserted, skipped := 0, 0
	for _, row := range obs {
		ok, err := o.Insert(ctx, row)
		if err != nil {
			return inserted, skipped, err
		}
		if ok {
			inserted++
		} else {
			skipped++
		}
	}
	return inserted, skipped, nil
}

func scanObservation(row interface {
	Scan(dest ...interface{}) error
}) (*models.Observation, error) {
	var m models.Observation
	err := row.Scan(
		&m.ObservationID, &m.SourceType, &m.SourceLocator, &m.RawPayload, &m.AmountMinor, &m.Currency,
		&m.Timestamp, &m.TimestampDateOnly, &m.Direction, &m.Reference, &m.Counterparty, &m.AccountHint,
		&m.ParseConfidence, &m.ContentHash, &m.ImportSessionID, &m.FpRef, &m.FpAmtTime, &m.FpAmtDay, &m.FpSenderAmt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

const observationColumns = `observation_id, source_type, source_locator, raw_payload, amount_minor, currency,
	ts_millis, timestamp_date_only, direction, reference, counterparty, account_hint,
	parse_confidence, content_hash, import_session_id, fp_ref, fp_amt_time, fp_amt_day, fp_sender_amt`

func (o obsStore) GetByContentHash(ctx context.Context, contentHash string) (*models.Observation, error) {
	row := o.e.QueryRow(ctx, `SELECT `+observationColumns+` FROM observations WHERE content_hash = $1`, contentHash)
	m, err := scanObservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get observation by content hash: %w", err)
	}
	return m, nil
}

func (o obsStore) GetByID(ctx context.Context, observationID string) (*models.Observation, error) {
	row := o.e.QueryRow(ctx, `SELECT `+observationColumns+` FROM observations WHERE observation_id = $1`, observationID)
	m, err := scanObservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get observation by id: %w", err)
	}
	return m, nil
}

func (o obsStore) queryByFp(ctx context.Context, column, value string) ([]models.Observation, error) {
	rows, err := o.e.Query(ctx, `SELECT `+observationColumns+` FROM observations WHERE `+column+` = $1`, value)
	if err != nil {
		return nil, fmt.Errorf("query observations by %s: %w", column, err)
	}
	defer rows.Close()
	var out []models.Observation
	for rows.Next() {
		m, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (o obsStore) FindByFpRef(ctx context.Context, fpRef string) ([]models.Observation, error) {
	return o.queryByFp(ctx, "fp_ref", fpRef)
}

func (o obsStore) FindByFpAmtDay(ctx context.Context, fpAmtDay string) ([]models.Observation, error) {
	return o.queryByFp(ctx, "fp_amt_day", fpAmtDay)
}

func (o obsStore) FindByFpAmtTime(ctx context.Context, fpAmtTime string) ([]models.Observation, error) {
	return o.queryByFp(ctx, "fp_amt_time", fpAmtTime)
}

func (o obsStore) FindByFpSenderAmt(ctx context.Context, fpSenderAmt string) ([]models.Observation, error) {
	return o.queryByFp(ctx, "fp_sender_amt", fpSenderAmt)
}

func (o obsStore) GetUnlinked(ctx context.Context) ([]models.Observation, error) {
	rows, err := o.e.Query(ctx, `
		SELECT `+observationColumns+` FROM observations o
		WHERE NOT EXISTS (
			SELECT 1 FROM aggregate_observation_links l WHERE l.observation_id = o.observation_id
		)
		ORDER BY o.observation_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query unlinked observations: %w", err)
	}
	defer rows.Close()
	var out []models.Observation
	for rows.Next() {
		m, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (o obsStore) GetForAggregate(ctx context.Context, aggregateID string) ([]models.Observation, error) {
	rows, err := o.e.Query(ctx, `
		SELECT `+observationColumns+` FROM observations o
		JOIN aggregate_observation_links l ON l.observation_id = o.observation_id
		WHERE l.aggregate_id = $1
		ORDER BY o.observation_id ASC`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query observations for aggregate: %w", err)
	}
	defer rows.Close()
	var out []models.Observation
	for rows.Next() {
		m, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (o obsStore) Count(ctx context.Context) (int, error) {
	var n int
	err := o.e.QueryRow(ctx, `SELECT COUNT(*) FROM observations`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count observations: %w", err)
	}
	return n, nil
}

// ---- aggregates ----

type aggStore struct{ e executor }

const aggregateColumns = `aggregate_id, amount_minor, currency, ts_millis, is_approx_time, direction,
	reference, counterparty, account_hint, confidence_score, category_id, user_notes,
	observation_count, created_at, updated_at`

func scanAggregate(row interface {
	Scan(dest ...interface{}) error
}) (*models.Aggregate, error) {
	var a models.Aggregate
	err := row.Scan(
		&a.AggregateID, &a.AmountMinor, &a.Currency, &a.Timestamp, &a.IsApproxTime, &a.Direction,
		&a.Reference, &a.Counterparty, &a.AccountHint, &a.ConfidenceScore, &a.CategoryID, &a.UserNotes,
		&a.ObservationCount, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (a aggStore) Create(ctx context.Context, agg models.Aggregate) error {
	_, err := a.e.Exec(ctx, `
		INSERT INTO aggregates (`+aggregateColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		agg.AggregateID, agg.AmountMinor, agg.Currency, agg.Timestamp, agg.IsApproxTime, agg.Direction,
		agg.Reference, agg.Counterparty, agg.AccountHint, agg.ConfidenceScore, agg.CategoryID, agg.UserNotes,
		agg.ObservationCount, agg.CreatedAt, agg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create aggregate: %w", err)
	}
	return nil
}

func (a aggStore) Update(ctx context.Context, agg models.Aggregate) error {
	tag, err := a.e.Exec(ctx, `
		UPDATE aggregates SET amount_minor=$2, currency=$3, ts_millis=$4, is_approx_time=$5, direction=$6,
			reference=$7, counterparty=$8, account_hint=$9, confidence_score=$10, category_id=$11,
			user_notes=$12, observation_count=$13, updated_at=$14
		WHERE aggregate_id=$1`,
		agg.AggregateID, agg.AmountMinor, agg.Currency, agg.Timestamp, agg.IsApproxTime, agg.Direction,
		agg.Reference, agg.Counterparty, agg.AccountHint, agg.ConfidenceScore, agg.CategoryID,
		agg.UserNotes, agg.ObservationCount, agg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update aggregate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (a aggStore) Delete(ctx context.Context, aggregateID string) error {
	_, err := a.e.Exec(ctx, `DELETE FROM aggregates WHERE aggregate_id = $1`, aggregateID)
	if err != nil {
		return fmt.Errorf("delete aggregate: %w", err)
	}
	return nil
}

func (a aggStore) GetByID(ctx context.Context, aggregateID string) (*models.Aggregate, error) {
	row := a.e.QueryRow(ctx, `SELECT `+aggregateColumns+` FROM aggregates WHERE aggregate_id = $1`, aggregateID)
	agg, err := scanAggregate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get aggregate: %w", err)
	}
	return agg, nil
}

func (a aggStore) GetBelowConfidence(ctx context.Context, threshold int) ([]models.Aggregate, error) {
	rows, err := a.e.Query(ctx, `SELECT `+aggregateColumns+` FROM aggregates WHERE confidence_score < $1 ORDER BY aggregate_id`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query review queue: %w", err)
	}
	defer rows.Close()
	var out []models.Aggregate
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		out = append(out, *agg)
	}
	return out, rows.Err()
}

func (a aggStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := a.e.QueryRow(ctx, `SELECT COUNT(*) FROM aggregates`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count aggregates: %w", err)
	}
	return n, nil
}

// ---- links ----

type linkStore struct{ e executor }

func (l linkStore) Link(ctx context.Context, aggregateID, observationID string) error {
	_, err := l.e.Exec(ctx, `
		INSERT INTO aggregate_observation_links (aggregate_id, observation_id)
		VALUES ($1, $2) ON CONFLICT (aggregate_id, observation_id) DO NOTHING`,
		aggregateID, observationID)
	if err != nil {
		return fmt.Errorf("link observation: %w", err)
	}
	return nil
}

func (l linkStore) Unlink(ctx context.Context, aggregateID, observationID string) error {
	_, err := l.e.Exec(ctx, `DELETE FROM aggregate_observation_links WHERE aggregate_id=$1 AND observation_id=$2`,
		aggregateID, observationID)
	if err != nil {
		return fmt.Errorf("unlink observation: %w", err)
	}
	return nil
}

func (l linkStore) GetAggregateForObservation(ctx context.Context, observationID string) (string, error) {
	var aggID string
	err := l.e.QueryRow(ctx, `SELECT aggregate_id FROM aggregate_observation_links WHERE observation_id = $1`, observationID).Scan(&aggID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("get aggregate for observation: %w", err)
	}
	return aggID, nil
}

func (l linkStore) GetObservationIDsForAggregate(ctx context.Context, aggregateID string) ([]string, error) {
	rows, err := l.e.Query(ctx, `SELECT observation_id FROM aggregate_observation_links WHERE aggregate_id = $1 ORDER BY observation_id`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("get observation ids for aggregate: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan observation id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (l linkStore) MoveLinks(ctx context.Context, from, to string) error {
	_, err := l.e.Exec(ctx, `
		INSERT INTO aggregate_observation_links (aggregate_id, observation_id)
		SELECT $2, observation_id FROM aggregate_observation_links WHERE aggregate_id = $1
		ON CONFLICT (aggregate_id, observation_id) DO NOTHING`, from, to)
	if err != nil {
		return fmt.Errorf("move links (copy): %w", err)
	}
	_, err = l.e.Exec(ctx, `DELETE FROM aggregate_observation_links WHERE aggregate_id = $1`, from)
	if err != nil {
		return fmt.Errorf("move links (delete source): %w", err)
	}
	return nil
}

func (l linkStore) CountLinks(ctx context.Context, aggregateID string) (int, error) {
	var n int
	err := l.e.QueryRow(ctx, `SELECT COUNT(*) FROM aggregate_observation_links WHERE aggregate_id = $1`, aggregateID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count links: %w", err)
	}
	return n, nil
}

// ---- sessions ----

type sessionStore struct{ e executor }

const sessionColumns = `import_session_id, source_type, source_locator, status, total, imported, skipped, failed, error_message, created_at, completed_at`

func scanSession(row interface {
	Scan(dest ...interface{}) error
}) (*models.ImportSession, error) {
	var s models.ImportSession
	err := row.Scan(&s.ImportSessionID, &s.SourceType, &s.SourceLocator, &s.Status, &s.Total, &s.Imported,
		&s.Skipped, &s.Failed, &s.ErrorMessage, &s.CreatedAt, &s.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (s sessionStore) Create(ctx context.Context, session models.ImportSession) error {
	_, err := s.e.Exec(ctx, `
		INSERT INTO import_sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		session.ImportSessionID, session.SourceType, session.SourceLocator, session.Status, session.Total,
		session.Imported, session.Skipped, session.Failed, session.ErrorMessage, session.CreatedAt, session.CompletedAt)
	if err != nil {
		return fmt.Errorf("create import session: %w", err)
	}
	return nil
}

func (s sessionStore) Update(ctx context.Context, session models.ImportSession) error {
	_, err := s.e.Exec(ctx, `
		UPDATE import_sessions SET status=$2, total=$3, imported=$4, skipped=$5, failed=$6,
			error_message=$7, completed_at=$8
		WHERE import_session_id=$1`,
		session.ImportSessionID, session.Status, session.Total, session.Imported, session.Skipped,
		session.Failed, session.ErrorMessage, session.CompletedAt)
	if err != nil {
		return fmt.Errorf("update import session: %w", err)
	}
	return nil
}

func (s sessionStore) GetByID(ctx context.Context, sessionID string) (*models.ImportSession, error) {
	row := s.e.QueryRow(ctx, `SELECT `+sessionColumns+` FROM import_sessions WHERE import_session_id = $1`, sessionID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get import session: %w", err)
	}
	return sess, nil
}

// ---- ops log ----

type opsStore struct{ e executor }

const opsColumns = `op_id, op_type, target_aggregate_id, secondary_aggregate_id, affected_observation_ids,
	field_name, old_value, new_value, created_at`

func scanOps(row interface {
	Scan(dest ...interface{}) error
}) (*models.OpsLogEntry, error) {
	var e models.OpsLogEntry
	err := row.Scan(&e.OpID, &e.OpType, &e.TargetAggregateID, &e.SecondaryAggregateID, &e.AffectedObservationIDs,
		&e.FieldName, &e.OldValue, &e.NewValue, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (o opsStore) Append(ctx context.Context, entry models.OpsLogEntry) error {
	_, err := o.e.Exec(ctx, `
		INSERT INTO ops_log (`+opsColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		entry.OpID, entry.OpType, entry.TargetAggregateID, entry.SecondaryAggregateID, entry.AffectedObservationIDs,
		entry.FieldName, entry.OldValue, entry.NewValue, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append ops log: %w", err)
	}
	return nil
}

func (o opsStore) GetForAggregate(ctx context.Context, aggregateID string) ([]models.OpsLogEntry, error) {
	rows, err := o.e.Query(ctx, `SELECT `+opsColumns+` FROM ops_log WHERE target_aggregate_id = $1 ORDER BY created_at DESC`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query ops log for aggregate: %w", err)
	}
	defer rows.Close()
	var out []models.OpsLogEntry
	for rows.Next() {
		e, err := scanOps(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ops log entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (o opsStore) GetRecent(ctx context.Context, n int) ([]models.OpsLogEntry, error) {
	rows, err := o.e.Query(ctx, `SELECT `+opsColumns+` FROM ops_log ORDER BY created_at DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent ops log: %w", err)
	}
	defer rows.Close()
	var out []models.OpsLogEntry
	for rows.Next() {
		e, err := scanOps(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ops log entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
