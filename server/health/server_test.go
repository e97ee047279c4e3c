// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DeepBlueCoffee/vespa/api"
	"github.com/DeepBlueCoffee/vespa/comm"
	"github.com/DeepBlueCoffee/vespa/link"
	"github.com/DeepBlueCoffee/vespa/queue"
)

type mockManager struct {
	state comm.State
}

func (m *mockManager) State() comm.State {
	return m.state
}

func (m *mockManager) UpdateMetrics() comm.Snapshot {
	return comm.Snapshot{
		State:      m.state,
		QueueDepth: 3,
		Pending:    1,
		Queue:      queue.Stats{Enqueued: 9, Dequeued: 6},
	}
}

type mockStatus struct {
	state *api.NodeState
}

func (m *mockStatus) NodeState() *api.NodeState {
	return m.state.Clone()
}

func (m *mockStatus) Info() link.NodeInfo {
	return link.NodeInfo{Type: "storage", Cluster: "music", Index: 2}
}

func (m *mockStatus) SystemState() string {
	return "version:3"
}

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, nil, nil, slog.Default())
	if server.Addr() != "" {
		t.Fatalf("expected empty address before listen, got %q", server.Addr())
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, nil, nil, slog.Default())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
		expectedBody   HealthResponse
	}{
		{
			name:           "GET request returns healthy",
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedBody:   HealthResponse{Status: "healthy"},
		},
		{
			name:           "POST request not allowed",
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:           "PUT request not allowed",
			method:         http.MethodPut,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}

				if response.Status != tt.expectedBody.Status {
					t.Errorf("expected status %q, got %q", tt.expectedBody.Status, response.Status)
				}
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		manager        Manager
		method         string
		expectedStatus int
		expectedReady  bool
		expectedReason string
	}{
		{
			name:           "manager nil - not ready",
			manager:        nil,
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReason: "communication manager not initialized",
		},
		{
			name:           "opened - not ready",
			manager:        &mockManager{state: comm.StateOpened},
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReason: "communication manager opened",
		},
		{
			name:           "running - ready",
			manager:        &mockManager{state: comm.StateRunning},
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedReady:  true,
		},
		{
			name:           "closing - not ready",
			manager:        &mockManager{state: comm.StateClosing},
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReason: "communication manager closing",
		},
		{
			name:           "POST request not allowed",
			manager:        &mockManager{state: comm.StateRunning},
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, tt.manager, nil, slog.Default())

			req := httptest.NewRequest(tt.method, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			server.handleReady(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			if tt.expectedStatus == http.StatusOK || tt.expectedStatus == http.StatusServiceUnavailable {
				var response ReadyResponse
				if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}

				if tt.expectedReady && response.Status != "ready" {
					t.Errorf("expected ready status, got %q", response.Status)
				}

				if !tt.expectedReady && response.Status != "not_ready" {
					t.Errorf("expected not_ready status, got %q", response.Status)
				}

				if tt.expectedReason != "" && response.Details != tt.expectedReason {
					t.Errorf("expected details %q, got %q", tt.expectedReason, response.Details)
				}
			}
		})
	}
}

func TestStateEndpoint(t *testing.T) {
	state := api.NewNodeState(api.StateMaintenance)
	state.Description = "disk swap"
	state.Disks = []api.DiskState{{State: api.StateUp, Capacity: api.DefaultCapacity}}
	server := New(Config{}, nil, &mockStatus{state: state}, slog.Default())

	tests := []struct {
		name     string
		query    string
		expected string
	}{
		{name: "current", query: "", expected: "s:m"},
		{name: "with description", query: "?description=true", expected: `s:m m:disk\x20swap`},
		{name: "legacy", query: "?legacy=true", expected: "s:m d:1 d.0.s:u"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://test/state"+tt.query, nil)
			rec := httptest.NewRecorder()

			server.handleState(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d", rec.Code)
			}
			if got := rec.Body.String(); got != tt.expected {
				t.Errorf("expected state %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestStateEndpointWithoutStatus(t *testing.T) {
	server := New(Config{}, nil, nil, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "http://test/state", nil)
	rec := httptest.NewRecorder()
	server.handleState(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	server := New(Config{}, &mockManager{state: comm.StateRunning}, &mockStatus{state: api.NewNodeState(api.StateUp)}, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "http://test/stats", nil)
	rec := httptest.NewRecorder()
	server.handleStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var response struct {
		Node        link.NodeInfo `json:"node"`
		SystemState string        `json:"system_state"`
		Manager     struct {
			State      string `json:"State"`
			QueueDepth int    `json:"QueueDepth"`
			Queue      struct {
				Enqueued uint64 `json:"Enqueued"`
			} `json:"Queue"`
		} `json:"manager"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Node.Cluster != "music" {
		t.Errorf("expected cluster music, got %q", response.Node.Cluster)
	}
	if response.SystemState != "version:3" {
		t.Errorf("expected system state version:3, got %q", response.SystemState)
	}
	if response.Manager.State != "running" || response.Manager.QueueDepth != 3 {
		t.Errorf("unexpected manager stats %+v", response.Manager)
	}
	if response.Manager.Queue.Enqueued != 9 {
		t.Errorf("expected 9 enqueued, got %d", response.Manager.Queue.Enqueued)
	}
}

func TestContentTypeHeaders(t *testing.T) {
	server := New(Config{}, &mockManager{state: comm.StateRunning}, nil, slog.Default())

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "/health", handler: server.handleHealth},
		{name: "/ready", handler: server.handleReady},
		{name: "/stats", handler: server.handleStats},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://test"+tt.name, nil)
			rec := httptest.NewRecorder()

			tt.handler(rec, req)

			contentType := rec.Header().Get("Content-Type")
			if contentType != "application/json" {
				t.Errorf("expected Content-Type application/json, got %q", contentType)
			}

			body, err := io.ReadAll(rec.Body)
			if err != nil {
				t.Fatalf("failed to read body: %v", err)
			}

			var data map[string]interface{}
			if err := json.Unmarshal(body, &data); err != nil {
				t.Errorf("response is not valid JSON: %v", err)
			}
		})
	}
}
