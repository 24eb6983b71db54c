package policy

import (
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/api/v1"
)

// Handler exposes policy evaluation over HTTP.
type Handler struct {
	engine *Engine
}

// NewHandler creates the handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes attaches the policy endpoints to the router.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/policy/evaluate", h.evaluate)
	r.GET("/policy/packs", h.listPacks)
	r.POST("/policy/reload", h.reload)
}

func (h *Handler) evaluate(c *gin.Context) {
	var req v1.PolicyEvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
		return
	}
	c.JSON(http.StatusOK, h.engine.Evaluate(&req))
}

func (h *Handler) listPacks(c *gin.Context) {
	packs := h.engine.Packs()
	c.JSON(http.StatusOK, gin.H{"packs": packs, "total": len(packs)})
}

func (h *Handler) reload(c *gin.Context) {
	if err := h.engine.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "reload_failed"})
		return
	}
	c.JSON(http.StatusOK, h.engine.Health())
}
