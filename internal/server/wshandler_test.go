package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tellurhq/tellur/pkg/cache"
	"github.com/tellurhq/tellur/pkg/executor"
	"github.com/tellurhq/tellur/pkg/geotools"
	"github.com/tellurhq/tellur/pkg/protocol"
	"github.com/tellurhq/tellur/pkg/ratelimit"
	"github.com/tellurhq/tellur/pkg/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestHandler builds a WSHandler over the geotools registry with generous
// limits unless overridden.
func newTestHandler(t *testing.T, planner Planner, queryLimit, toolLimit *ratelimit.Limiter) *WSHandler {
	t.Helper()
	if queryLimit == nil {
		queryLimit = ratelimit.New(1000, time.Minute, 1000)
	}
	if toolLimit == nil {
		toolLimit = ratelimit.New(1000, time.Minute, 1000)
	}
	logger := discardLogger()
	c := cache.New(nil, time.Minute, logger)
	exec := executor.New(geotools.DefaultRegistry(), c, executor.TTLPolicy{Default: time.Minute, Error: time.Second}, 5*time.Second, logger)
	sessions := session.NewManager(session.Config{}, logger)
	return NewWSHandler(sessions, exec, planner, queryLimit, toolLimit, logger)
}

func dial(t *testing.T, h *WSHandler) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading message: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decoding message: %v", err)
	}
	return msg
}

func TestWSHandler_SessionAckOnConnect(t *testing.T) {
	conn := dial(t, newTestHandler(t, nil, nil, nil))

	ack := readMessage(t, conn)
	if ack["type"] != "session_ack" {
		t.Fatalf("first message type = %v, want session_ack", ack["type"])
	}
	if ack["session_id"] == "" || ack["session_id"] == nil {
		t.Error("session_ack missing session_id")
	}
	tools, _ := ack["tools"].([]any)
	if len(tools) == 0 {
		t.Error("session_ack should advertise the tool registry")
	}
}

func TestWSHandler_ToolCall(t *testing.T) {
	conn := dial(t, newTestHandler(t, nil, nil, nil))
	readMessage(t, conn) // session_ack

	err := conn.WriteJSON(protocol.ToolCallMessage{
		Type: protocol.TypeToolCall,
		ID:   "c1",
		Tool: "calculate_distance",
		Arguments: map[string]any{
			"lat1": 38.7223, "lon1": -9.1393,
			"lat2": 40.4168, "lon2": -3.7038,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	msg := readMessage(t, conn)
	if msg["type"] != "result" || msg["id"] != "c1" {
		t.Fatalf("reply = %v, want result with id c1", msg)
	}
	result, _ := msg["result"].(map[string]any)
	if _, ok := result["distance_km"]; !ok {
		t.Errorf("result = %v, want distance_km", result)
	}
}

func TestWSHandler_UnknownToolReturnsResultFailure(t *testing.T) {
	conn := dial(t, newTestHandler(t, nil, nil, nil))
	readMessage(t, conn)

	conn.WriteJSON(protocol.ToolCallMessage{Type: protocol.TypeToolCall, ID: "c2", Tool: "nope"})

	msg := readMessage(t, conn)
	if msg["type"] != "result" {
		t.Fatalf("reply type = %v, want result (tool failures are in-band)", msg["type"])
	}
	result, _ := msg["result"].(map[string]any)
	if result["code"] != executor.CodeToolNotFound {
		t.Errorf("result = %v, want %s code", result, executor.CodeToolNotFound)
	}
}

func TestWSHandler_InvalidMessage(t *testing.T) {
	conn := dial(t, newTestHandler(t, nil, nil, nil))
	readMessage(t, conn)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe"}`))

	msg := readMessage(t, conn)
	if msg["type"] != "error" || msg["code"] != protocol.CodeInvalidMessage {
		t.Errorf("reply = %v, want %s error", msg, protocol.CodeInvalidMessage)
	}
}

func TestWSHandler_Batch(t *testing.T) {
	conn := dial(t, newTestHandler(t, nil, nil, nil))
	readMessage(t, conn)

	conn.WriteJSON(protocol.BatchMessage{
		Type: protocol.TypeBatch,
		ID:   "b1",
		Calls: []executor.Call{
			{Tool: "calculate_distance", Args: map[string]any{
				"lat1": 0.0, "lon1": 0.0, "lat2": 1.0, "lon2": 1.0,
			}},
			{Tool: "bounding_box", Args: map[string]any{
				"lat": 0.0, "lon": 0.0, "radius_km": 10.0,
			}},
		},
	})

	msg := readMessage(t, conn)
	if msg["type"] != "batch_result" || msg["id"] != "b1" {
		t.Fatalf("reply = %v, want batch_result with id b1", msg)
	}
	results, _ := msg["results"].(map[string]any)
	if len(results) != 2 {
		t.Errorf("results = %v, want 2 entries", results)
	}
}

func TestWSHandler_Pipeline(t *testing.T) {
	conn := dial(t, newTestHandler(t, nil, nil, nil))
	readMessage(t, conn)

	conn.WriteMessage(websocket.TextMessage, []byte(`{
		"type": "pipeline", "id": "pl1",
		"steps": [
			{"tool": "destination_point",
			 "arguments": {"lat": 0, "lon": 0, "bearing_deg": 90, "distance_km": 111.195},
			 "output_mapping": {"end_lat": "lat", "end_lon": "lon"}},
			{"tool": "calculate_distance",
			 "arguments": {"lat1": 0, "lon1": 0, "lat2": "${end_lat}", "lon2": "${end_lon}"}}
		]
	}`))

	msg := readMessage(t, conn)
	if msg["type"] != "pipeline_result" {
		t.Fatalf("reply = %v, want pipeline_result", msg)
	}
	steps, _ := msg["steps"].([]any)
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	last, _ := steps[1].(map[string]any)
	result, _ := last["result"].(map[string]any)
	km, _ := result["distance_km"].(float64)
	if km < 110 || km > 113 {
		t.Errorf("piped distance = %v, want ~111.195", result["distance_km"])
	}
}

func TestWSHandler_RateLimited(t *testing.T) {
	toolLimit := ratelimit.New(1, time.Hour, 2)
	conn := dial(t, newTestHandler(t, nil, nil, toolLimit))
	readMessage(t, conn)

	call := protocol.ToolCallMessage{
		Type: protocol.TypeToolCall, Tool: "bounding_box",
		Arguments: map[string]any{"lat": 0.0, "lon": 0.0, "radius_km": 1.0},
	}

	conn.WriteJSON(call)
	readMessage(t, conn)
	conn.WriteJSON(call)
	readMessage(t, conn)

	conn.WriteJSON(call)
	msg := readMessage(t, conn)
	if msg["type"] != "error" || msg["code"] != protocol.CodeRateLimited {
		t.Errorf("third call reply = %v, want %s error", msg, protocol.CodeRateLimited)
	}
}

func TestWSHandler_QueryWithoutPlanner(t *testing.T) {
	conn := dial(t, newTestHandler(t, nil, nil, nil))
	readMessage(t, conn)

	conn.WriteJSON(protocol.QueryMessage{Type: protocol.TypeQuery, ID: "q1", Query: "weather?"})

	msg := readMessage(t, conn)
	if msg["type"] != "error" || msg["code"] != protocol.CodePlannerUnavailable {
		t.Errorf("reply = %v, want %s error", msg, protocol.CodePlannerUnavailable)
	}
}

func TestWSHandler_QueryPlansAndExecutes(t *testing.T) {
	planner := PlannerFunc(func(ctx context.Context, query string) ([]executor.Call, error) {
		return []executor.Call{
			{Tool: "bounding_box", Args: map[string]any{"lat": 38.7, "lon": -9.1, "radius_km": 5.0}},
		}, nil
	})
	conn := dial(t, newTestHandler(t, planner, nil, nil))
	readMessage(t, conn)

	conn.WriteJSON(protocol.QueryMessage{Type: protocol.TypeQuery, ID: "q1", Query: "box around Lisbon"})

	msg := readMessage(t, conn)
	if msg["type"] != "batch_result" || msg["id"] != "q1" {
		t.Fatalf("reply = %v, want batch_result with id q1", msg)
	}
	results, _ := msg["results"].(map[string]any)
	if _, ok := results["bounding_box"]; !ok {
		t.Errorf("results = %v, want bounding_box entry", results)
	}
}

func TestWSHandler_PlannerFailure(t *testing.T) {
	planner := PlannerFunc(func(ctx context.Context, query string) ([]executor.Call, error) {
		return nil, errors.New("model backend offline")
	})
	conn := dial(t, newTestHandler(t, planner, nil, nil))
	readMessage(t, conn)

	conn.WriteJSON(protocol.QueryMessage{Type: protocol.TypeQuery, ID: "q1", Query: "anything"})

	msg := readMessage(t, conn)
	if msg["type"] != "error" || msg["code"] != protocol.CodePlannerUnavailable {
		t.Errorf("reply = %v, want %s error", msg, protocol.CodePlannerUnavailable)
	}
}

func TestWSHandler_Ping(t *testing.T) {
	conn := dial(t, newTestHandler(t, nil, nil, nil))
	readMessage(t, conn)

	conn.WriteJSON(protocol.PingMessage{Type: protocol.TypePing, ID: "p1"})

	msg := readMessage(t, conn)
	if msg["type"] != "pong" || msg["id"] != "p1" {
		t.Errorf("reply = %v, want pong with id p1", msg)
	}
}
