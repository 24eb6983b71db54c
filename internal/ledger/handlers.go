package ledger

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/api/v1"
)

// Handler exposes the ledger over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates the handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes attaches the ledger endpoints to the router.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/ledger/event", h.recordEvent)
	r.GET("/ledger/events", h.queryEvents)
	r.GET("/ledger/events/:id", h.getEvent)
	r.GET("/ledger/chains/:correlation_id", h.getChain)
}

func (h *Handler) recordEvent(c *gin.Context) {
	var ev v1.LedgerEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}

	recorded, err := h.service.Record(&ev)
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingAction),
			errors.Is(err, ErrMissingCorrelation),
			errors.Is(err, ErrMissingActor):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "validation"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "internal"})
		}
		return
	}
	c.JSON(http.StatusCreated, recorded)
}

func (h *Handler) queryEvents(c *gin.Context) {
	var q v1.LedgerQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}
	c.JSON(http.StatusOK, h.service.Query(q))
}

func (h *Handler) getEvent(c *gin.Context) {
	ev, ok := h.service.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found", "code": "not_found"})
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *Handler) getChain(c *gin.Context) {
	events := h.service.Chain(c.Param("correlation_id"))
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}
