package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/ledgermesh/internal/importer"
	"github.com/rawblock/ledgermesh/internal/ops"
	csvparser "github.com/rawblock/ledgermesh/internal/parser/csv"
	smsparser "github.com/rawblock/ledgermesh/internal/parser/sms"
	"github.com/rawblock/ledgermesh/internal/store"
)

// ──────────────────────────────────────────────────────────────────
// Import endpoints
// ──────────────────────────────────────────────────────────────────

func (s *Server) previewCSV(c *gin.Context) {
	file, _, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}
	defer file.Close()

	preview, err := s.importer.PreviewCSV(file)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, preview)
}

func (s *Server) importCSV(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}
	defer file.Close()

	mappingJSON := c.PostForm("mapping")
	if mappingJSON == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing mapping field"})
		return
	}
	var mapping csvparser.ColumnMapping
	if err := json.Unmarshal([]byte(mappingJSON), &mapping); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid column mapping: " + err.Error()})
		return
	}

	res, err := s.importer.ImportCSV(c.Request.Context(), file, header.Filename, mapping)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	s.broadcastImportResult("CSV", header.Filename, res)
	c.JSON(http.StatusOK, res)
}

func (s *Server) importPDF(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}
	defer file.Close()

	currency := c.DefaultPostForm("currency", "KES")

	buf, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
		return
	}

	res, err := s.importer.ImportPDF(c.Request.Context(), buf, header.Filename, currency)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	s.broadcastImportResult("PDF", header.Filename, res)
	c.JSON(http.StatusOK, res)
}

type smsImportRequest struct {
	Messages  []smsparser.Message `json:"messages"`
	SinceMs   *int64              `json:"sinceMs,omitempty"`
}

func (s *Server) importSMS(c *gin.Context) {
	var req smsImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var out *importer.Result
	var err error
	if req.SinceMs != nil {
		out, err = s.importer.ImportSMSSince(c.Request.Context(), s.smsRegistry, req.Messages, *req.SinceMs)
	} else {
		out, err = s.importer.ImportSMSAll(c.Request.Context(), s.smsRegistry, req.Messages)
	}
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	s.broadcastImportResult("SMS", "sms-batch", out)
	c.JSON(http.StatusOK, out)
}

// ──────────────────────────────────────────────────────────────────
// Review queue + aggregate detail endpoints
// ──────────────────────────────────────────────────────────────────

func (s *Server) reviewQueue(c *gin.Context) {
	aggs, err := s.store.Aggregates().GetBelowConfidence(c.Request.Context(), s.confidenceThreshold)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"aggregates": aggs, "count": len(aggs)})
}

func (s *Server) getAggregate(c *gin.Context) {
	id := c.Param("id")
	agg, err := s.store.Aggregates().GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "aggregate not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, agg)
}

func (s *Server) getAggregateObservations(c *gin.Context) {
	id := c.Param("id")
	obs, err := s.store.Observations().GetForAggregate(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"observations": obs, "count": len(obs)})
}

// ──────────────────────────────────────────────────────────────────
// Manual ops endpoints (C6)
// ──────────────────────────────────────────────────────────────────

type forceMergeRequest struct {
	TargetAggregateID string `json:"targetAggregateId" binding:"required"`
	SourceAggregateID string `json:"sourceAggregateId" binding:"required"`
}

func (s *Server) forceMerge(c *gin.Context) {
	var req forceMergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.ops.ForceMerge(c.Request.Context(), req.TargetAggregateID, req.SourceAggregateID); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "merged"})
}

type splitRequest struct {
	SourceAggregateID string   `json:"sourceAggregateId" binding:"required"`
	ObservationIDs    []string `json:"observationIds" binding:"required"`
}

func (s *Server) split(c *gin.Context) {
	var req splitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	newID, err := s.ops.Split(c.Request.Context(), req.SourceAggregateID, req.ObservationIDs)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"newAggregateId": newID})
}

type markDuplicateRequest struct {
	AggregateID   string `json:"aggregateId" binding:"required"`
	ObservationID string `json:"observationId" binding:"required"`
}

func (s *Server) markDuplicate(c *gin.Context) {
	var req markDuplicateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.ops.MarkDuplicate(c.Request.Context(), req.AggregateID, req.ObservationID); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "marked"})
}

type editFieldRequest struct {
	AggregateID string `json:"aggregateId" binding:"required"`
	FieldName   string `json:"fieldName" binding:"required"`
	OldValue    string `json:"oldValue"`
	NewValue    string `json:"newValue"`
}

func (s *Server) editField(c *gin.Context) {
	var req editFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.ops.EditField(c.Request.Context(), req.AggregateID, req.FieldName, req.OldValue, req.NewValue); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "edited"})
}

func (s *Server) recognizedFields(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"fields": ops.RecognizedFields()})
}
