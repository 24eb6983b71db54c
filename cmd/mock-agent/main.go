// Package main implements a mock agent that connects to the operator over
// WebSocket and simulates task execution. Useful for development and e2e
// testing without provisioning a real worker machine.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/agent"
	v1 "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/api/v1"
)

const heartbeatInterval = 15 * time.Second

type mockAgent struct {
	id     string
	conn   *websocket.Conn
	mu     sync.Mutex // serializes writes
	cancel map[string]chan struct{}
}

func main() {
	operatorURL := envOr("OPERATOR_URL", "ws://localhost:8080/ws/agent")
	agentID := envOr("BR_AGENT_ID", fmt.Sprintf("mock-agent-%d", os.Getpid()))
	secret := os.Getenv("BR_AGENT_SECRET")
	roles := strings.Split(envOr("BR_AGENT_ROLES", "mock"), ",")

	conn, resp, err := websocket.DefaultDialer.Dial(operatorURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: dial %s: %v\n", operatorURL, err)
		os.Exit(1)
	}
	if resp != nil {
		resp.Body.Close()
	}

	a := &mockAgent{
		id:     agentID,
		conn:   conn,
		cancel: make(map[string]chan struct{}),
	}

	hostname, _ := os.Hostname()
	if err := a.send(agent.TypeRegister, agent.RegisterPayload{
		ID:       agentID,
		Hostname: hostname,
		Roles:    roles,
		Secret:   secret,
		Capabilities: v1.Capabilities{
			Runtimes: map[string]string{"mock": "1"},
		},
	}); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: register: %v\n", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	go a.readLoop(done)
	go a.heartbeatLoop(done)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-done:
	}
	conn.Close()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (a *mockAgent) send(msgType string, payload interface{}) error {
	msg, err := agent.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	msg.AgentID = a.id

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn.WriteJSON(msg)
}

func (a *mockAgent) readLoop(done chan struct{}) {
	defer close(done)

	for {
		var msg agent.Message
		if err := a.conn.ReadJSON(&msg); err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: read: %v\n", err)
			return
		}

		switch msg.Type {
		case agent.TypeRegistered:
			fmt.Printf("registered as %s\n", a.id)

		case agent.TypePing:
			a.send(agent.TypePong, nil)

		case agent.TypeExecuteTask:
			var payload agent.ExecuteTaskPayload
			if err := msg.ParsePayload(&payload); err != nil {
				fmt.Fprintf(os.Stderr, "mock-agent: bad execute payload: %v\n", err)
				continue
			}
			go a.executeTask(payload)

		case agent.TypeCancelTask:
			var payload agent.CancelTaskPayload
			if err := msg.ParsePayload(&payload); err != nil {
				continue
			}
			a.mu.Lock()
			if ch, ok := a.cancel[payload.TaskID]; ok {
				close(ch)
				delete(a.cancel, payload.TaskID)
			}
			a.mu.Unlock()
		}
	}
}

func (a *mockAgent) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			a.send(agent.TypeHeartbeat, agent.HeartbeatPayload{
				AgentID:   a.id,
				Timestamp: time.Now(),
				Telemetry: v1.Telemetry{
					CPUPercent:    12.5,
					MemoryPercent: 34.0,
					DiskPercent:   41.2,
					UptimeSeconds: int64(time.Since(started).Seconds()),
				},
			})
		}
	}
}

var started = time.Now()

// executeTask walks the plan's commands and fabricates plausible output.
// A command containing "fail" exits nonzero so failure paths can be tested
// end to end.
func (a *mockAgent) executeTask(payload agent.ExecuteTaskPayload) {
	cancel := make(chan struct{})
	a.mu.Lock()
	a.cancel[payload.TaskID] = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.cancel, payload.TaskID)
		a.mu.Unlock()
	}()

	var output strings.Builder
	for i, cmd := range payload.Plan.Commands {
		select {
		case <-cancel:
			return
		case <-time.After(200 * time.Millisecond):
		}

		startedAt := time.Now()
		line := fmt.Sprintf("$ %s\nmock output for %q\n", cmd.Run, cmd.Run)
		output.WriteString(line)

		a.send(agent.TypeTaskOutput, agent.TaskOutputPayload{
			TaskID:       payload.TaskID,
			Stream:       "stdout",
			Content:      line,
			CommandIndex: i,
		})

		exitCode := 0
		if strings.Contains(cmd.Run, "fail") {
			exitCode = 1
		}
		a.send(agent.TypeCommandResult, agent.CommandResultPayload{
			TaskID:       payload.TaskID,
			CommandIndex: i,
			Command:      cmd.Run,
			ExitCode:     exitCode,
			DurationMS:   time.Since(startedAt).Milliseconds(),
			StartedAt:    startedAt,
			CompletedAt:  time.Now(),
		})

		if exitCode != 0 && !cmd.ContinueOnError {
			a.send(agent.TypeTaskComplete, agent.TaskCompletePayload{
				TaskID:   payload.TaskID,
				Success:  false,
				ExitCode: exitCode,
				Output:   output.String(),
				Error:    fmt.Sprintf("command %d failed", i),
			})
			return
		}
	}

	a.send(agent.TypeTaskComplete, agent.TaskCompletePayload{
		TaskID:   payload.TaskID,
		Success:  true,
		ExitCode: 0,
		Output:   output.String(),
	})
}
