package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/logger"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/events"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/events/bus"
	v1 "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/api/v1"
	ws "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/websocket"
)

type fakeTasks struct {
	tasks map[string]*v1.Task
}

func (f *fakeTasks) Get(id string) (*v1.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return t, nil
}

func (f *fakeTasks) List(status v1.TaskStatus) []*v1.Task {
	var out []*v1.Task
	for _, t := range f.tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

type fakeAgents struct {
	agents map[string]*v1.Agent
}

func (f *fakeAgents) Get(id string) (*v1.Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return a, nil
}

func (f *fakeAgents) List() []*v1.Agent {
	var out []*v1.Agent
	for _, a := range f.agents {
		out = append(out, a)
	}
	return out
}

type testEnv struct {
	hub      *Hub
	eventBus bus.EventBus
	server   *httptest.Server
	cancel   context.CancelFunc
}

func setup(t *testing.T, tasks TaskSource, agents AgentSource) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	dispatcher := ws.NewDispatcher()
	RegisterDispatchers(dispatcher, tasks, agents)

	hub := NewHub(dispatcher, log)
	eventBus := bus.NewMemoryEventBus(log)
	require.NoError(t, BindEventBus(hub, eventBus, log))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	NewHandler(hub, log).RegisterRoutes(r)
	server := httptest.NewServer(r)

	env := &testEnv{hub: hub, eventBus: eventBus, server: server, cancel: cancel}
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return env
}

func dial(t *testing.T, env *testEnv) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/ui"
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *gorillaws.Conn, msg *ws.Message) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func request(id, action string, payload interface{}) *ws.Message {
	data, _ := json.Marshal(payload)
	return &ws.Message{ID: id, Type: ws.MessageTypeRequest, Action: action, Payload: data}
}

// readUntil reads frames until one matches the predicate or the deadline
// passes. Batched frames are newline-separated.
func readUntil(t *testing.T, conn *gorillaws.Conn, match func(*ws.Message) bool) *ws.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		for _, raw := range strings.Split(string(data), "\n") {
			if raw == "" {
				continue
			}
			var msg ws.Message
			if json.Unmarshal([]byte(raw), &msg) != nil {
				continue
			}
			if match(&msg) {
				return &msg
			}
		}
	}
	t.Fatal("expected message never arrived")
	return nil
}

func TestHealthCheckRoundTrip(t *testing.T) {
	env := setup(t, &fakeTasks{}, &fakeAgents{})
	conn := dial(t, env)

	send(t, conn, request("1", ws.ActionHealthCheck, nil))
	msg := readUntil(t, conn, func(m *ws.Message) bool { return m.ID == "1" })

	assert.Equal(t, ws.MessageTypeResponse, msg.Type)
	var payload map[string]interface{}
	require.NoError(t, msg.ParsePayload(&payload))
	assert.Equal(t, "ok", payload["status"])
}

func TestTaskQueries(t *testing.T) {
	tasks := &fakeTasks{tasks: map[string]*v1.Task{
		"t1": {ID: "t1", Status: v1.TaskStatusRunning},
		"t2": {ID: "t2", Status: v1.TaskStatusQueued},
	}}
	env := setup(t, tasks, &fakeAgents{})
	conn := dial(t, env)

	send(t, conn, request("1", ws.ActionTaskList, map[string]string{"status": "RUNNING"}))
	msg := readUntil(t, conn, func(m *ws.Message) bool { return m.ID == "1" })
	var list struct {
		Total int `json:"total"`
	}
	require.NoError(t, msg.ParsePayload(&list))
	assert.Equal(t, 1, list.Total)

	send(t, conn, request("2", ws.ActionTaskGet, map[string]string{"id": "missing"}))
	msg = readUntil(t, conn, func(m *ws.Message) bool { return m.ID == "2" })
	assert.Equal(t, ws.MessageTypeError, msg.Type)
}

func TestUnknownActionReturnsError(t *testing.T) {
	env := setup(t, &fakeTasks{}, &fakeAgents{})
	conn := dial(t, env)

	send(t, conn, request("1", "task.explode", nil))
	msg := readUntil(t, conn, func(m *ws.Message) bool { return m.ID == "1" })

	assert.Equal(t, ws.MessageTypeError, msg.Type)
	var payload ws.ErrorPayload
	require.NoError(t, msg.ParsePayload(&payload))
	assert.Equal(t, ws.ErrorCodeUnknownAction, payload.Code)
}

func TestTaskEventBroadcast(t *testing.T) {
	env := setup(t, &fakeTasks{}, &fakeAgents{})
	conn := dial(t, env)

	// Confirm the connection is registered before publishing.
	send(t, conn, request("1", ws.ActionHealthCheck, nil))
	readUntil(t, conn, func(m *ws.Message) bool { return m.ID == "1" })

	event := bus.NewEvent(events.TaskDispatched, "scheduler", map[string]interface{}{
		"task_id": "t1",
		"status":  "RUNNING",
	})
	require.NoError(t, env.eventBus.Publish(context.Background(), events.TaskDispatched, event))

	msg := readUntil(t, conn, func(m *ws.Message) bool {
		return m.Action == ws.ActionTaskStateChanged
	})
	var payload map[string]interface{}
	require.NoError(t, msg.ParsePayload(&payload))
	assert.Equal(t, "t1", payload["task_id"])
}

func TestTaskOutputOnlyForSubscribers(t *testing.T) {
	env := setup(t, &fakeTasks{}, &fakeAgents{})
	subscriber := dial(t, env)
	bystander := dial(t, env)

	send(t, subscriber, request("1", ws.ActionTaskSubscribe, map[string]string{"task_id": "t1"}))
	readUntil(t, subscriber, func(m *ws.Message) bool { return m.ID == "1" })

	send(t, bystander, request("1", ws.ActionHealthCheck, nil))
	readUntil(t, bystander, func(m *ws.Message) bool { return m.ID == "1" })

	event := bus.NewEvent(events.AgentOutput, "scheduler", map[string]interface{}{
		"task_id": "t1",
		"stream":  "stdout",
		"content": "hello",
	})
	require.NoError(t, env.eventBus.Publish(context.Background(), events.AgentOutput, event))

	msg := readUntil(t, subscriber, func(m *ws.Message) bool {
		return m.Action == ws.ActionTaskOutput
	})
	var payload map[string]interface{}
	require.NoError(t, msg.ParsePayload(&payload))
	assert.Equal(t, "hello", payload["content"])

	// The unsubscribed client sees nothing on a short deadline.
	bystander.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	for {
		var msg ws.Message
		if err := bystander.ReadJSON(&msg); err != nil {
			break
		}
		assert.NotEqual(t, ws.ActionTaskOutput, msg.Action)
	}
}

func TestPoolScaledNotification(t *testing.T) {
	env := setup(t, &fakeTasks{}, &fakeAgents{})
	conn := dial(t, env)

	send(t, conn, request("1", ws.ActionHealthCheck, nil))
	readUntil(t, conn, func(m *ws.Message) bool { return m.ID == "1" })

	event := bus.NewEvent(events.PoolScaled, "reconciler", map[string]interface{}{
		"pool": "default",
		"to":   2,
	})
	require.NoError(t, env.eventBus.Publish(context.Background(), events.PoolScaled, event))

	msg := readUntil(t, conn, func(m *ws.Message) bool {
		return m.Action == ws.ActionPoolScaled
	})
	var payload map[string]interface{}
	require.NoError(t, msg.ParsePayload(&payload))
	assert.Equal(t, "default", payload["pool"])
}
