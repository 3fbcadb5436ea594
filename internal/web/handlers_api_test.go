package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bb8-bridge/internal/driver"
	"bb8-bridge/internal/entity"
	"bb8-bridge/internal/protocol"
)

type stubToy struct {
	mu     sync.Mutex
	state  driver.ConnState
	err    error
	lights []driver.LightValue
	ops    []protocol.Opcode
}

func (s *stubToy) ConnectionStatus() driver.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubToy) LightState(mode driver.LightMode) driver.LightState {
	return driver.LightState{Mode: mode}
}

func (s *stubToy) SetLightState(mode driver.LightMode, value driver.LightValue, _ time.Duration) *driver.Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lights = append(s.lights, value)
	return driver.Resolved(mode.Opcode(), s.err)
}

func (s *stubToy) Submit(op protocol.Opcode, _ []byte) *driver.Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	return driver.Resolved(op, s.err)
}

func setupTestServer(t *testing.T, apiKey string) (*Server, *stubToy) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := entity.NewEventBus(logger)
	toy := &stubToy{state: driver.Connected}

	reg := entity.NewRegistry()
	for _, e := range []entity.Entity{
		entity.NewSensor(entity.SensorConfig{Name: "Battery", Unit: "V"}, bus),
		entity.NewLight(entity.LightConfig{Name: "Head", Mode: driver.LightRGB}, toy, bus),
		entity.NewButton("Sleep", entity.ButtonSleep, toy, bus),
	} {
		if err := reg.Add(e); err != nil {
			t.Fatal(err)
		}
	}

	var opts []ServerOption
	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	opts = append(opts, WithVersion("1.2.3"))
	srv := NewServer(toy, reg, bus, logger, opts...)
	t.Cleanup(srv.Stop)
	return srv, toy
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestAPIStatus(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	w := do(srv, "GET", "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got statusView
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if !got.Connected || got.Connection != "Connected" {
		t.Errorf("connection: %+v", got)
	}
	if got.Entities != 3 || len(got.Lights) != 2 || got.Version != "1.2.3" {
		t.Errorf("status: %+v", got)
	}
}

func TestAPIListEntities(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	w := do(srv, "GET", "/api/entities", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got []entity.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != "battery" || got[1].ID != "head" || got[2].ID != "sleep" {
		t.Errorf("entities: %+v", got)
	}
}

func TestAPIGetEntity(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	w := do(srv, "GET", "/api/entities/head", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got entity.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Kind != entity.KindLight {
		t.Errorf("kind = %q", got.Kind)
	}

	if w := do(srv, "GET", "/api/entities/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing entity: status = %d, want 404", w.Code)
	}
}

func TestAPIPressButton(t *testing.T) {
	srv, toy := setupTestServer(t, "")

	w := do(srv, "POST", "/api/buttons/sleep/press", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if len(toy.ops) != 1 || toy.ops[0] != protocol.OpSleep {
		t.Errorf("ops = %v", toy.ops)
	}

	if w := do(srv, "POST", "/api/buttons/head/press", ""); w.Code != http.StatusNotFound {
		t.Errorf("light as button: status = %d, want 404", w.Code)
	}
}

func TestAPIPressButtonErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{driver.ErrNotConnected, http.StatusServiceUnavailable},
		{driver.ErrLinkLost, http.StatusServiceUnavailable},
		{driver.ErrCommandTimeout, http.StatusGatewayTimeout},
		{fmt.Errorf("sleep: %w", driver.ErrRejected), http.StatusBadGateway},
		{driver.ErrCancelled, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			srv, toy := setupTestServer(t, "")
			toy.err = tt.err
			w := do(srv, "POST", "/api/buttons/sleep/press", "")
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Errorf("body = %v, %v", body, err)
			}
		})
	}
}

func TestAPISetLight(t *testing.T) {
	srv, toy := setupTestServer(t, "")

	w := do(srv, "POST", "/api/lights/head", `{"state":true,"brightness":0.5,"color":{"r":1,"g":0,"b":0},"transition_ms":0}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var got entity.LightStatus
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if !got.On || got.Brightness != 0.5 || got.Color.R != 1 {
		t.Errorf("light status: %+v", got)
	}
	if len(toy.lights) != 1 {
		t.Fatalf("driver calls = %d", len(toy.lights))
	}
	if v := toy.lights[0]; v.R != 128 || v.G != 0 || v.B != 0 {
		t.Errorf("device value: %+v", v)
	}
}

func TestAPISetLightValidation(t *testing.T) {
	srv, toy := setupTestServer(t, "")

	tests := []struct {
		name, path, body string
		want             int
	}{
		{"bad json", "/api/lights/head", `{"state":`, http.StatusBadRequest},
		{"empty", "/api/lights/head", `{}`, http.StatusBadRequest},
		{"unknown light", "/api/lights/tail", `{"state":true}`, http.StatusNotFound},
		{"button", "/api/lights/sleep", `{"state":true}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(srv, "POST", tt.path, tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
	if len(toy.lights) != 0 {
		t.Errorf("driver called %d times", len(toy.lights))
	}
}

func TestAPISetLightBodyLimit(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	body := `{"state":true,"pad":"` + strings.Repeat("x", 2<<20) + `"}`
	if w := do(srv, "POST", "/api/lights/head", body); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	w := do(srv, "GET", "/api/version", "")
	if !strings.Contains(w.Body.String(), `"1.2.3"`) {
		t.Errorf("body = %s", w.Body)
	}
}

func TestAPIAutomationsDisabled(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	w := do(srv, "GET", "/api/automations", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("list: %d %s", w.Code, w.Body)
	}
	if w := do(srv, "GET", "/api/automations/x", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("get: status = %d", w.Code)
	}
	if w := do(srv, "POST", "/api/automations/x/run", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("run: status = %d", w.Code)
	}
	if w := do(srv, "POST", "/api/automations/eval", `{"lua_code":"x=1"}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("eval: status = %d", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := setupTestServer(t, "secret-key")

	tests := []struct {
		name, key string
		want      int
	}{
		{"correct", "secret-key", http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "wrong-key", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/entities", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestCORSRejectsForeignOrigin(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := entity.NewEventBus(logger)
	srv := NewServer(&stubToy{}, entity.NewRegistry(), bus, logger, WithAllowedOrigins([]string{"http://ha.local"}))
	defer srv.Stop()

	req := httptest.NewRequest("POST", "/api/buttons/x/press", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign origin: status = %d, want 403", w.Code)
	}

	req = httptest.NewRequest("OPTIONS", "/api/buttons/x/press", nil)
	req.Header.Set("Origin", "http://ha.local")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "http://ha.local" {
		t.Errorf("preflight: %d %v", w.Code, w.Header())
	}
}
