package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/collab/clock"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/collab/crdt"
)

// Handler exposes collaboration sessions over HTTP.
type Handler struct {
	manager *Manager
}

// NewHTTPHandler creates the handler.
func NewHTTPHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes attaches the collaboration endpoints to the router.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/collab/sessions", h.createSession)
	r.GET("/collab/sessions", h.listSessions)
	r.GET("/collab/sessions/:id", h.getSession)
	r.DELETE("/collab/sessions/:id", h.closeSession)
	r.POST("/collab/sessions/:id/join", h.join)
	r.POST("/collab/sessions/:id/leave", h.leave)
	r.POST("/collab/sessions/:id/operations", h.applyOperation)
	r.GET("/collab/sessions/:id/state", h.getState)
	r.POST("/collab/sessions/:id/snapshots", h.takeSnapshot)
	r.GET("/collab/shards", h.shardStats)
}

type sessionSummary struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	CRDTType        string    `json:"crdt_type"`
	Participants    int       `json:"participants"`
	MaxParticipants int       `json:"max_participants"`
	PrimaryShard    string    `json:"primary_shard,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func summarize(s *Session) sessionSummary {
	return sessionSummary{
		ID:              s.ID,
		Name:            s.Name,
		CRDTType:        string(s.CRDTType),
		Participants:    len(s.Participants()),
		MaxParticipants: s.MaxParticipants,
		PrimaryShard:    s.PrimaryShard(),
		CreatedAt:       s.CreatedAt,
	}
}

type createSessionRequest struct {
	Name            string   `json:"name" binding:"required"`
	CRDTType        string   `json:"crdt_type"`
	MaxParticipants int      `json:"max_participants"`
	Settings        Settings `json:"settings"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}

	sess, err := h.manager.Create(req.Name, crdt.Type(req.CRDTType), req.MaxParticipants, req.Settings)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "validation"})
		return
	}
	c.JSON(http.StatusCreated, summarize(sess))
}

func (h *Handler) listSessions(c *gin.Context) {
	sessions := h.manager.List()
	out := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, summarize(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "total": len(out)})
}

func (h *Handler) getSession(c *gin.Context) {
	sess, err := h.manager.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "session_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":      summarize(sess),
		"participants": sess.Participants(),
		"value":        sess.Value(),
	})
}

func (h *Handler) closeSession(c *gin.Context) {
	if err := h.manager.Close(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "session_not_found"})
		return
	}
	c.Status(http.StatusNoContent)
}

type joinRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
	Role          Role   `json:"role"`
}

func (h *Handler) join(c *gin.Context) {
	sess, err := h.manager.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "session_not_found"})
		return
	}

	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}
	if req.Role == "" {
		req.Role = RoleEditor
	}

	p, err := sess.Join(req.ParticipantID, req.Role)
	if err != nil {
		h.writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type leaveRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
}

func (h *Handler) leave(c *gin.Context) {
	sess, err := h.manager.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "session_not_found"})
		return
	}

	var req leaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}
	sess.Leave(req.ParticipantID)
	c.Status(http.StatusNoContent)
}

type operationRequest struct {
	ParticipantID string    `json:"participant_id" binding:"required"`
	Op            OpRequest `json:"op"`
}

func (h *Handler) applyOperation(c *gin.Context) {
	sess, err := h.manager.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "session_not_found"})
		return
	}

	var req operationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}

	op, err := sess.ApplyOperation(req.ParticipantID, req.Op)
	if err != nil {
		h.writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operation": op, "value": sess.Value()})
}

// getState returns the full value, or the operations since a caller-supplied
// clock when the since query parameter carries a JSON vector clock.
func (h *Handler) getState(c *gin.Context) {
	sess, err := h.manager.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "session_not_found"})
		return
	}

	if raw := c.Query("since"); raw != "" {
		var since clock.VectorClock
		if err := json.Unmarshal([]byte(raw), &since); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a JSON vector clock", "code": "bad_request"})
			return
		}
		c.JSON(http.StatusOK, sess.GetStateDelta(since))
		return
	}

	c.JSON(http.StatusOK, gin.H{"value": sess.Value(), "clock": sess.Clock()})
}

func (h *Handler) takeSnapshot(c *gin.Context) {
	sess, err := h.manager.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "session_not_found"})
		return
	}

	snap, err := sess.TakeSnapshot()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "internal"})
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (h *Handler) shardStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Shards().Stats())
}

func (h *Handler) writeSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrParticipantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "participant_not_found"})
	case errors.Is(err, ErrViewerCannotWrite):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "code": "forbidden"})
	case errors.Is(err, ErrSessionFull):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "session_full"})
	case errors.Is(err, ErrInvalidOperation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "invalid_operation"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "internal"})
	}
}
