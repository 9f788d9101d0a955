package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewRouter wires the gin engine: auth + rate limiting on every mutating
// route, the review surface, manual ops, and the websocket progress feed.
func NewRouter(s *Server, rateLimiter *RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ws", s.hub.Subscribe)

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(s.authToken, s.log))
	if rateLimiter != nil {
		v1.Use(rateLimiter.Middleware())
	}

	importGroup := v1.Group("/import")
	{
		importGroup.POST("/csv/preview", s.previewCSV)
		importGroup.POST("/csv", s.importCSV)
		importGroup.POST("/pdf", s.importPDF)
		importGroup.POST("/sms", s.importSMS)
	}

	aggregates := v1.Group("/aggregates")
	{
		aggregates.GET("/review-queue", s.reviewQueue)
		aggregates.GET("/:id", s.getAggregate)
		aggregates.GET("/:id/observations", s.getAggregateObservations)
	}

	opsGroup := v1.Group("/ops")
	{
		opsGroup.POST("/force-merge", s.forceMerge)
		opsGroup.POST("/split", s.split)
		opsGroup.POST("/mark-duplicate", s.markDuplicate)
		opsGroup.POST("/edit-field", s.editField)
		opsGroup.GET("/recognized-fields", s.recognizedFields)
	}

	return r
}
