package api

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/rawblock/ledgermesh/internal/importer"
	"github.com/rawblock/ledgermesh/internal/ops"
	smsparser "github.com/rawblock/ledgermesh/internal/parser/sms"
	"github.com/rawblock/ledgermesh/internal/store"
)

// Server holds every collaborator the HTTP surface needs, constructed once
// at process start and passed by reference (spec §9 Dependency wiring).
type Server struct {
	store               store.Store
	importer            *importer.Importer
	ops                 *ops.Ops
	smsRegistry         *smsparser.Registry
	hub                 *Hub
	authToken           string
	confidenceThreshold int
	log                 zerolog.Logger
}

// NewServer builds the API server. confidenceThreshold sets the review
// queue cutoff (spec §6 CONFIDENCE_THRESHOLD).
func NewServer(
	st store.Store,
	im *importer.Importer,
	op *ops.Ops,
	smsRegistry *smsparser.Registry,
	hub *Hub,
	authToken string,
	confidenceThreshold int,
	logger zerolog.Logger,
) *Server {
	return &Server{
		store:               st,
		importer:            im,
		ops:                 op,
		smsRegistry:         smsRegistry,
		hub:                 hub,
		authToken:           authToken,
		confidenceThreshold: confidenceThreshold,
		log:                 logger,
	}
}

// broadcastImportResult pushes one "import_completed" event (session id and
// imported/skipped/failed counts) to every websocket subscriber after an
// import completes.
func (s *Server) broadcastImportResult(sourceType, locator string, res *importer.Result) {
	if s.hub == nil || res == nil {
		return
	}
	payload, err := json.Marshal(gin.H{
		"event":      "import_completed",
		"sourceType": sourceType,
		"locator":    locator,
		"sessionId":  res.SessionID,
		"imported":   res.Imported,
		"skipped":    res.Skipped,
		"failed":     res.Failed,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to marshal import broadcast")
		return
	}
	s.hub.Broadcast(payload)
}
