// Package importer implements the import orchestrator (C10): it drives
// one of the three parsers, batch-inserts the resulting observations,
// updates the owning ImportSession, and triggers reconciliation (spec
// §4.9).
package importer

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/rawblock/ledgermesh/internal/clock"
	csvparser "github.com/rawblock/ledgermesh/internal/parser/csv"
	pdfparser "github.com/rawblock/ledgermesh/internal/parser/pdf"
	smsparser "github.com/rawblock/ledgermesh/internal/parser/sms"
	"github.com/rawblock/ledgermesh/internal/reconcile"
	"github.com/rawblock/ledgermesh/internal/store"
	"github.com/rawblock/ledgermesh/pkg/models"
)

// IDGenerator mints import session ids.
type IDGenerator func() string

// Result is returned to the caller at the import boundary (spec §6).
type Result struct {
	SessionID string
	Imported  int
	Skipped   int
	Failed    int
	Errors    []string
}

// Importer drives a parser, persists its output, and advances reconciliation.
type Importer struct {
	store     store.Store
	reconciler *reconcile.Engine
	clock     clock.Clock
	newID     IDGenerator
	logger    zerolog.Logger
}

// New builds an orchestrator from its already-constructed collaborators.
func New(st store.Store, reconciler *reconcile.Engine, clk clock.Clock, newID IDGenerator, logger zerolog.Logger) *Importer {
	return &Importer{store: st, reconciler: reconciler, clock: clk, newID: newID, logger: logger}
}

func (im *Importer) beginSession(ctx context.Context, sourceType models.SourceType, locator string) (*models.ImportSession, error) {
	session := &models.ImportSession{
		ImportSessionID: im.newID(),
		SourceType:      sourceType,
		SourceLocator:   locator,
		Status:          models.SessionProcessing,
		CreatedAt:       im.clock.Now(),
	}
	if err := im.store.Sessions().Create(ctx, *session); err != nil {
		return nil, fmt.Errorf("create import session: %w", err)
	}
	return session, nil
}

func (im *Importer) failSession(ctx context.Context, session *models.ImportSession, cause error) {
	msg := cause.Error()
	session.Status = models.SessionFailed
	session.ErrorMessage = &msg
	now := im.clock.Now()
	session.CompletedAt = &now
	if err := im.store.Sessions().Update(ctx, *session); err != nil {
		im.logger.Error().Err(err).Str("session_id", session.ImportSessionID).Msg("failed to persist session failure")
	}
}

func (im *Importer) completeSession(ctx context.Context, session *models.ImportSession, total, imported, skipped, failed int) (*Result, error) {
	session.Total = total
	session.Imported = imported
	session.Skipped = skipped
	session.Failed = failed
	session.Status = models.SessionCompleted
	now := im.clock.Now()
	session.CompletedAt = &now
	if err := im.store.Sessions().Update(ctx, *session); err != nil {
		return nil, fmt.Errorf("update import session: %w", err)
	}

	if _, err := im.reconciler.ReconcileAll(ctx); err != nil {
		return nil, fmt.Errorf("reconcile after import: %w", err)
	}

	im.logger.Info().
		Str("session_id", session.ImportSessionID).
		Int("imported", imported).Int("skipped", skipped).Int("failed", failed).
		Msg("import complete")

	return &Result{SessionID: session.ImportSessionID, Imported: imported, Skipped: skipped, Failed: failed}, nil
}

// PreviewCSV returns the header/sample/suggested-mapping preview without
// writing anything to storage.
func (im *Importer) PreviewCSV(stream io.Reader) (*csvparser.Preview, error) {
	return csvparser.PreviewStream(stream)
}

// ImportCSV drives csvparser.Parse with the caller-confirmed mapping.
func (im *Importer) ImportCSV(ctx context.Context, stream io.Reader, locator string, mapping csvparser.ColumnMapping) (res *Result, err error) {
	session, err := im.beginSession(ctx, models.SourceCSV, locator)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			im.failSession(ctx, session, err)
		}
	}()

	parsed := csvparser.Parse(stream, locator, mapping)
	for i := range parsed.Observations {
		parsed.Observations[i].ObservationID = im.newID()
		parsed.Observations[i].ImportSessionID = session.ImportSessionID
	}
	inserted, skipped, insertErr := im.store.Observations().InsertBatch(ctx, parsed.Observations)
	if insertErr != nil {
		err = fmt.Errorf("insert observations: %w", insertErr)
		return nil, err
	}

	errMsgs := make([]string, 0, len(parsed.Errors))
	for _, e := range parsed.Errors {
		errMsgs = append(errMsgs, e.Error())
	}
	result, compErr := im.completeSession(ctx, session, len(parsed.Observations)+len(parsed.Errors), inserted, skipped, len(parsed.Errors))
	if compErr != nil {
		err = compErr
		return nil, err
	}
	result.Errors = errMsgs
	return result, nil
}

// ImportPDF drives pdfparser.Parse. An encrypted or scanned PDF aborts the
// session as FAILED and the error is rethrown (spec §4.9, §7).
func (im *Importer) ImportPDF(ctx context.Context, data []byte, locator, currency string) (res *Result, err error) {
	session, err := im.beginSession(ctx, models.SourcePDF, locator)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			im.failSession(ctx, session, err)
		}
	}()

	observations, parseErr := pdfparser.Parse(data, locator, currency)
	if parseErr != nil {
		err = parseErr
		return nil, err
	}
	for i := range observations {
		observations[i].ObservationID = im.newID()
		observations[i].ImportSessionID = session.ImportSessionID
	}
	inserted, skipped, insertErr := im.store.Observations().InsertBatch(ctx, observations)
	if insertErr != nil {
		err = fmt.Errorf("insert observations: %w", insertErr)
		return nil, err
	}

	result, compErr := im.completeSession(ctx, session, len(observations), inserted, skipped, 0)
	if compErr != nil {
		err = compErr
		return nil, err
	}
	return result, nil
}

// ImportSMSAll drives registry.Match over every message supplied by the
// caller (the caller is responsible for sourcing "all" messages from the
// platform inbox; this package has no device access of its own).
func (im *Importer) ImportSMSAll(ctx context.Context, registry *smsparser.Registry, messages []smsparser.Message) (*Result, error) {
	return im.importSMS(ctx, registry, messages, "sms-inbox-full")
}

// ImportSMSSince filters to messages with DateMillis > afterMs before
// matching, mirroring spec.md's import_sms_since boundary semantics.
func (im *Importer) ImportSMSSince(ctx context.Context, registry *smsparser.Registry, messages []smsparser.Message, afterMs int64) (*Result, error) {
	filtered := make([]smsparser.Message, 0, len(messages))
	for _, m := range messages {
		if m.DateMillis > afterMs {
			filtered = append(filtered, m)
		}
	}
	return im.importSMS(ctx, registry, filtered, "sms-inbox-since")
}

func (im *Importer) importSMS(ctx context.Context, registry *smsparser.Registry, messages []smsparser.Message, locator string) (res *Result, err error) {
	session, err := im.beginSession(ctx, models.SourceSMS, locator)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			im.failSession(ctx, session, err)
		}
	}()

	matchResult := registry.Match(messages)
	for i := range matchResult.Observations {
		matchResult.Observations[i].ObservationID = im.newID()
		matchResult.Observations[i].ImportSessionID = session.ImportSessionID
	}
	inserted, skipped, insertErr := im.store.Observations().InsertBatch(ctx, matchResult.Observations)
	if insertErr != nil {
		err = fmt.Errorf("insert observations: %w", insertErr)
		return nil, err
	}

	result, compErr := im.completeSession(ctx, session, len(messages), inserted, skipped, len(matchResult.Unmatched))
	if compErr != nil {
		err = compErr
		return nil, err
	}
	return result, nil
}
