package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/logger"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/version"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/events"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/events/bus"
	v1 "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/api/v1"
	ws "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/websocket"
)

// TaskSource is the hub's read-only view of the scheduler.
type TaskSource interface {
	Get(id string) (*v1.Task, error)
	List(status v1.TaskStatus) []*v1.Task
}

// AgentSource is the hub's read-only view of the agent registry.
type AgentSource interface {
	Get(id string) (*v1.Agent, error)
	List() []*v1.Agent
}

type idRequest struct {
	ID string `json:"id"`
}

// RegisterDispatchers wires the query actions a dashboard can issue over
// the socket.
func RegisterDispatchers(d *ws.Dispatcher, tasks TaskSource, agents AgentSource) {
	d.RegisterFunc(ws.ActionHealthCheck, func(_ context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "operator",
			"version": version.Version,
		})
	})

	d.RegisterFunc(ws.ActionTaskList, func(_ context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			Status string `json:"status"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		list := tasks.List(v1.TaskStatus(req.Status))
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"tasks": list,
			"total": len(list),
		})
	})

	d.RegisterFunc(ws.ActionTaskGet, func(_ context.Context, msg *ws.Message) (*ws.Message, error) {
		var req idRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		t, err := tasks.Get(req.ID)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, t)
	})

	d.RegisterFunc(ws.ActionAgentList, func(_ context.Context, msg *ws.Message) (*ws.Message, error) {
		list := agents.List()
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"agents": list,
			"total":  len(list),
		})
	})

	d.RegisterFunc(ws.ActionAgentGet, func(_ context.Context, msg *ws.Message) (*ws.Message, error) {
		var req idRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		a, err := agents.Get(req.ID)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, a)
	})
}

// BindEventBus subscribes the hub to the operator event stream and fans the
// events out as dashboard notifications. Task output only goes to clients
// subscribed to that task.
func BindEventBus(hub *Hub, eventBus bus.EventBus, log *logger.Logger) error {
	forward := func(action string) bus.EventHandler {
		return func(_ context.Context, event *bus.Event) error {
			msg, err := ws.NewNotification(action, event.Data)
			if err != nil {
				return err
			}
			hub.Broadcast(msg)
			return nil
		}
	}

	subs := map[string]bus.EventHandler{
		events.AllTaskEvents: func(_ context.Context, event *bus.Event) error {
			msg, err := ws.NewNotification(ws.ActionTaskStateChanged, event.Data)
			if err != nil {
				return err
			}
			hub.Broadcast(msg)
			return nil
		},
		events.AgentOutput: func(_ context.Context, event *bus.Event) error {
			taskID, _ := event.Data["task_id"].(string)
			if taskID == "" {
				return nil
			}
			msg, err := ws.NewNotification(ws.ActionTaskOutput, event.Data)
			if err != nil {
				return err
			}
			hub.BroadcastToTask(taskID, msg)
			return nil
		},
		events.AgentConnected:    forward(ws.ActionAgentConnected),
		events.AgentDisconnected: forward(ws.ActionAgentUpdated),
		events.AgentStatusChange: forward(ws.ActionAgentUpdated),
		events.PoolScaled:        forward(ws.ActionPoolScaled),
	}

	for subject, handler := range subs {
		if _, err := eventBus.Subscribe(subject, handler); err != nil {
			return err
		}
		log.Debug("hub subscribed", zap.String("subject", subject))
	}
	return nil
}
