package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"bb8-bridge/internal/driver"
	"bb8-bridge/internal/entity"
)

// commandWait bounds how long an API call waits for the toy.
const commandWait = 30 * time.Second

type lightView struct {
	Mode  string `json:"mode"`
	Value string `json:"value"`
}

type statusView struct {
	Connection string      `json:"connection"`
	Connected  bool        `json:"connected"`
	Lights     []lightView `json:"lights"`
	Entities   int         `json:"entities"`
	Scripts    []string    `json:"scripts"`
	Version    string      `json:"version,omitempty"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	st := s.toy.ConnectionStatus()
	view := statusView{
		Connection: st.String(),
		Connected:  st == driver.Connected,
		Lights:     []lightView{},
		Entities:   len(s.entities.All()),
		Scripts:    []string{},
		Version:    s.version,
	}
	for _, mode := range []driver.LightMode{driver.LightRGB, driver.LightTaillight} {
		ls := s.toy.LightState(mode)
		view.Lights = append(view.Lights, lightView{Mode: mode.String(), Value: ls.Value.String()})
	}
	if s.autoEngine != nil {
		if running := s.autoEngine.Running(); running != nil {
			view.Scripts = running
		}
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleAPIListEntities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.entities.Snapshots())
}

func (s *Server) handleAPIGetEntity(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entities.Get(r.PathValue("id"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "entity not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, e.Snapshot())
}

func (s *Server) handleAPIPressButton(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	btn, ok := s.entities.Button(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "button not found"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandWait)
	defer cancel()
	if err := btn.Press(ctx); err != nil {
		s.logger.Warn("button press failed", "id", id, "err", err)
		s.writeJSON(w, commandStatus(err), map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// setLightRequest uses entity units: brightness and colour channels in [0, 1].
type setLightRequest struct {
	State        *bool         `json:"state"`
	Brightness   *float64      `json:"brightness"`
	Color        *entity.Color `json:"color"`
	TransitionMS *int          `json:"transition_ms"`
}

func (s *Server) handleAPISetLight(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	light, ok := s.entities.Light(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "light not found"})
		return
	}

	var req setLightRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.State == nil && req.Brightness == nil && req.Color == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "state, brightness or color is required"})
		return
	}

	cmd := entity.LightCommand{State: req.State, Brightness: req.Brightness, Color: req.Color}
	if req.TransitionMS != nil {
		d := time.Duration(*req.TransitionMS) * time.Millisecond
		cmd.Transition = &d
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandWait)
	defer cancel()
	if err := light.Set(cmd).Wait(ctx); err != nil {
		s.logger.Warn("set light failed", "id", id, "err", err)
		s.writeJSON(w, commandStatus(err), map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, light.Status())
}

// commandStatus maps a command outcome onto an HTTP status.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, driver.ErrNotConnected), errors.Is(err, driver.ErrLinkLost), errors.Is(err, driver.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, driver.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, driver.ErrRejected):
		return http.StatusBadGateway
	case errors.Is(err, driver.ErrCancelled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
