package bridge

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	apierrors "github.com/cargoline/opsdash/internal/errors"
	"github.com/cargoline/opsdash/internal/session"
)

// ResyncedHeader is set on mark-as-read responses when the acknowledgement
// failed and the feed was reloaded instead.
const ResyncedHeader = "X-Resynced"

type credentialRequest struct {
	Credential string `json:"credential"`
}

func (s *Server) getSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Snapshot())
}

func (s *Server) refresh(c *gin.Context) {
	err := s.service.Refresh(c.Request.Context())
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, session.ErrNoSession):
		apierrors.AbortWithUnavailable(c, "No credential configured", nil)
	default:
		s.logger.WithContext(c.Request.Context()).Warn("refresh failed", slog.String("error", err.Error()))
		apierrors.AbortWithUpstream(c, "Failed to refresh notifications", err)
	}
}

func (s *Server) markAsRead(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		apierrors.AbortWithBadRequest(c, "Notification id is required", nil)
		return
	}

	err := s.service.MarkAsRead(c.Request.Context(), id)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, session.ErrNoSession):
		apierrors.AbortWithUnavailable(c, "No credential configured", nil)
	default:
		// The store has already reloaded from the server; the UI just re-reads.
		c.Header(ResyncedHeader, "true")
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) putCredential(c *gin.Context) {
	var req credentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "Invalid request body", map[string]any{"cause": err.Error()})
		return
	}

	credential := strings.TrimSpace(req.Credential)
	if credential == "" {
		apierrors.AbortWithBadRequest(c, "Credential is required", nil)
		return
	}

	s.service.SetCredential(c.Request.Context(), credential)
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteCredential(c *gin.Context) {
	s.service.SetCredential(c.Request.Context(), "")
	c.Status(http.StatusNoContent)
}
