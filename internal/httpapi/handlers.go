package httpapi

import (
	"errors"
	"io"
	"net/http"

	"genqueue/internal/core"
	"genqueue/internal/credential"
	"genqueue/internal/eventbus"
	"genqueue/internal/queue"

	"github.com/gin-gonic/gin"
)

type enqueueRequest struct {
	Content string            `json:"content"`
	Options map[string]string `json:"options"`
}

type moveRequest struct {
	Direction string `json:"direction"`
}

type automationRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type credentialRequest struct {
	Value    string `json:"value"`
	DeviceID string `json:"deviceId"`
	Locale   string `json:"locale"`
}

func (s *Server) snapshot(c *gin.Context) {
	snap, err := s.svc.Snapshot(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id, err := s.svc.Enqueue(c.Request.Context(), req.Content, req.Options)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) remove(c *gin.Context) {
	if err := s.svc.Remove(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) move(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	dir, err := queue.ParseDirection(req.Direction)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.svc.Reorder(c.Request.Context(), c.Param("id"), dir); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) retry(c *gin.Context) {
	if err := s.svc.Retry(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setAutomation(c *gin.Context) {
	var req automationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.svc.SetAutomationEnabled(c.Request.Context(), *req.Enabled); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) pause(c *gin.Context) {
	if err := s.svc.Pause(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) resume(c *gin.Context) {
	if err := s.svc.Resume(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setCredential(c *gin.Context) {
	var req credentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	aux := credential.Aux{DeviceID: req.DeviceID, Locale: req.Locale}
	if err := s.svc.SetCredential(c.Request.Context(), req.Value, aux); err != nil {
		s.fail(c, err)
		return
	}
	// The value is never echoed back.
	c.Status(http.StatusNoContent)
}

func (s *Server) clearCredential(c *gin.Context) {
	if err := s.svc.ClearCredential(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// events streams bus events as server-sent events until the client leaves.
func (s *Server) events(c *gin.Context) {
	if s.bus == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "event stream disabled"})
		return
	}
	ch, unsub := s.bus.Subscribe(64,
		core.EventItemStatusChanged,
		core.EventAutomationStateChanged,
		core.EventCredentialStateChanged,
		core.EventLeaderStatusChanged,
	)
	defer unsub()

	c.SSEvent("ready", gin.H{"dropped": s.bus.Dropped()})
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case e, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(e.Type, eventPayload(e))
			return true
		}
	})
}

func eventPayload(e eventbus.Event) gin.H {
	return gin.H{"time": e.Time, "data": e.Data}
}

// fail maps an operation error to a status code.
func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	var ve *queue.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid input", "fields": ve.Fields})
	case errors.Is(err, queue.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, credential.ErrEmptyValue):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "fields": gin.H{"value": "required"}})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
}
