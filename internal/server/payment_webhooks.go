package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const signatureHeader = "Paylane-Signature"

func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	err = s.webhookSvc.Ingest(c.Request.Context(), payload, c.GetHeader(signatureHeader))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// Duplicates and no-op preconditions also land here; the processor
	// must not redeliver them.
	c.JSON(http.StatusOK, gin.H{"received": true})
}
