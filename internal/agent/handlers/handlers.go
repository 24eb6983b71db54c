// Package handlers exposes the agent registry over HTTP and hosts the
// WebSocket endpoint agents connect to.
package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/agent/registry"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/agent/session"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/logger"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/agent"
)

// registerWait bounds how long a fresh connection may take to send its
// mandatory register frame.
const registerWait = 10 * time.Second

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// TaskEventSink receives task progress frames from connected agents. The
// scheduler implements it.
type TaskEventSink interface {
	OnTaskOutput(agentID string, p *agent.TaskOutputPayload)
	OnCommandResult(agentID string, p *agent.CommandResultPayload)
	OnTaskComplete(agentID string, p *agent.TaskCompletePayload)
}

// Handler wires agent HTTP routes and the agent WebSocket endpoint.
type Handler struct {
	registry *registry.Registry
	sink     TaskEventSink
	secret   string
	logger   *logger.Logger
}

// New creates the handler. secret may be empty to disable auth; sink may be
// nil when no scheduler is attached.
func New(reg *registry.Registry, sink TaskEventSink, secret string, log *logger.Logger) *Handler {
	return &Handler{
		registry: reg,
		sink:     sink,
		secret:   secret,
		logger:   log.WithFields(zap.String("component", "agent_handlers")),
	}
}

// RegisterRoutes attaches the agent endpoints to the router.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/agents", h.listAgents)
	r.GET("/agents/:id", h.getAgent)
	r.POST("/agents/:id/ping", h.pingAgent)
	r.DELETE("/agents/:id", h.disconnectAgent)
	r.GET("/ws/agent", h.handleAgentConnection)
}

func (h *Handler) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.registry.List()})
}

func (h *Handler) getAgent(c *gin.Context) {
	a, err := h.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "agent_not_found"})
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) pingAgent(c *gin.Context) {
	msg, err := agent.NewMessage(agent.TypePing, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "internal"})
		return
	}
	if err := h.registry.Send(c.Param("id"), msg); err != nil {
		status := http.StatusBadGateway
		code := "not_sent"
		if errors.Is(err, registry.ErrAgentNotFound) {
			status = http.StatusNotFound
			code = "agent_not_found"
		}
		c.JSON(status, gin.H{"error": err.Error(), "code": code})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

func (h *Handler) disconnectAgent(c *gin.Context) {
	h.registry.Unregister(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// handleAgentConnection upgrades the connection and runs the session until
// the agent disconnects. The first frame MUST be a register message.
func (h *Handler) handleAgentConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	reg, err := h.readRegisterFrame(conn)
	if err != nil {
		h.logger.Warn("agent rejected",
			zap.String("remote_addr", c.Request.RemoteAddr), zap.Error(err))
		conn.WriteControl(gorillaws.CloseMessage,
			gorillaws.FormatCloseMessage(gorillaws.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	sess := session.New(reg.ID, conn, h.logger)
	if _, err := h.registry.Register(reg, sess); err != nil {
		sess.Close()
		return
	}

	ack, _ := agent.NewMessage(agent.TypeRegistered, map[string]string{"agent_id": reg.ID})
	if err := sess.Send(ack); err != nil {
		h.registry.Unregister(reg.ID)
		return
	}

	go sess.WritePump()
	sess.ReadPump(func(msg *agent.Message) {
		h.handleFrame(reg.ID, msg)
	}, func() {
		h.registry.Unregister(reg.ID)
	})
}

// readRegisterFrame reads and authenticates the mandatory first frame.
func (h *Handler) readRegisterFrame(conn *gorillaws.Conn) (*agent.RegisterPayload, error) {
	conn.SetReadDeadline(time.Now().Add(registerWait))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, errors.New("no register frame")
	}

	var msg agent.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.New("malformed register frame")
	}
	if msg.Type != agent.TypeRegister {
		return nil, errors.New("first frame must be register")
	}

	var reg agent.RegisterPayload
	if err := msg.ParsePayload(&reg); err != nil {
		return nil, errors.New("malformed register payload")
	}
	if reg.ID == "" {
		return nil, errors.New("register without agent id")
	}
	if h.secret != "" {
		if subtle.ConstantTimeCompare([]byte(h.secret), []byte(reg.Secret)) != 1 {
			return nil, errors.New("invalid agent secret")
		}
	}
	return &reg, nil
}

// handleFrame dispatches post-registration frames.
func (h *Handler) handleFrame(agentID string, msg *agent.Message) {
	switch msg.Type {
	case agent.TypeHeartbeat:
		var hb agent.HeartbeatPayload
		if err := msg.ParsePayload(&hb); err != nil {
			h.logger.Warn("malformed heartbeat", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		if hb.AgentID == "" {
			hb.AgentID = agentID
		}
		h.registry.Heartbeat(&hb)

	case agent.TypeTaskOutput:
		var p agent.TaskOutputPayload
		if err := msg.ParsePayload(&p); err != nil {
			return
		}
		if h.sink != nil {
			h.sink.OnTaskOutput(agentID, &p)
		}

	case agent.TypeCommandResult:
		var p agent.CommandResultPayload
		if err := msg.ParsePayload(&p); err != nil {
			return
		}
		if h.sink != nil {
			h.sink.OnCommandResult(agentID, &p)
		}

	case agent.TypeTaskComplete:
		var p agent.TaskCompletePayload
		if err := msg.ParsePayload(&p); err != nil {
			return
		}
		if h.sink != nil {
			h.sink.OnTaskComplete(agentID, &p)
		}

	default:
		h.logger.Debug("unhandled frame type",
			zap.String("agent_id", agentID), zap.String("type", msg.Type))
	}
}
