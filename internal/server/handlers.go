package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/api"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/dispatcher"
	middleware "github.com/bagaspng/Moisture-Sense-Dashboard/internal/grpc/middlewares"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/models"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/state"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
	commandSource     = "http"
)

type snapshotView struct {
	models.StateSnapshot
	MoisturePercent int `json:"moisture_percent"`
}

type stateView struct {
	Snapshot     snapshotView              `json:"snapshot"`
	Connectivity models.ConnectivityStatus `json:"connectivity"`
	Stale        bool                      `json:"stale"`
	Alerts       []models.AlertKind        `json:"alerts"`
	Mode         models.OperatingMode      `json:"mode"`
	Pending      bool                      `json:"pending"`
	Synced       bool                      `json:"synced"`
	Version      uint64                    `json:"version"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

func (s *Server) view(st state.State) stateView {
	return stateView{
		Snapshot: snapshotView{
			StateSnapshot:   st.Snapshot,
			MoisturePercent: st.Snapshot.MoisturePercent(),
		},
		Connectivity: st.Connectivity,
		Stale:        st.Stale(s.now(), s.cfg.StaleAfter),
		Alerts:       st.Alerts.Active(),
		Mode:         st.Mode,
		Pending:      st.Pending,
		Synced:       st.Synced,
		Version:      st.Version,
		UpdatedAt:    st.UpdatedAt,
	}
}

type commandResponse struct {
	ID       string           `json:"id"`
	Target   models.PumpState `json:"target"`
	Previous models.PumpState `json:"previous"`
	Pump     models.PumpState `json:"pump"`
	Mismatch bool             `json:"mismatch"`
}

type errorResponse struct {
	Error string            `json:"error"`
	Pump  *models.PumpState `json:"pump,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// commandStatus maps a dispatcher error to an HTTP status code.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, dispatcher.ErrMode), errors.Is(err, dispatcher.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, dispatcher.ErrDeviceRejected):
		return http.StatusBadGateway
	case errors.Is(err, api.ErrTransport) && errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, api.ErrTransport), errors.Is(err, api.ErrProtocol):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	st := s.store.Current()
	stale := st.Stale(s.now(), s.cfg.StaleAfter)

	status := "ok"
	if !st.Connectivity.Connected || stale {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"connected": st.Connectivity.Connected,
		"stale":     stale,
	})
}

func (s *Server) getStateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.view(s.store.Current()))
}

func (s *Server) getEventsHandler(w http.ResponseWriter, r *http.Request) {
	st := s.store.Current()
	events := st.Events
	if events == nil {
		events = []models.EventRecord{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) getAlertsHandler(w http.ResponseWriter, r *http.Request) {
	st := s.store.Current()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active": st.Alerts.Active(),
		"dry":    st.Alerts.Dry,
		"rain":   st.Alerts.Rain,
	})
}

func (s *Server) setModeHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	mode, err := models.ParseOperatingMode(body.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SetMode(mode); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.WithField("request_id", middleware.RequestID(r.Context())).
		WithField("mode", mode.String()).Info("Operating mode changed")
	writeJSON(w, http.StatusOK, map[string]models.OperatingMode{"mode": s.store.Current().Mode})
}

func (s *Server) toggleHandler(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, "toggle", func(ctx context.Context) (dispatcher.Outcome, error) {
		return s.commander.Toggle(ctx, commandSource)
	})
}

func (s *Server) setPumpHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cmd string `json:"cmd"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	target, err := models.ParsePumpState(body.Cmd)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.runCommand(w, r, "set "+target.String(), func(ctx context.Context) (dispatcher.Outcome, error) {
		return s.commander.Set(ctx, target, commandSource)
	})
}

// replay is a remembered command outcome. request identifies the command
// the key was first used for.
type replay struct {
	request string
	resp    commandResponse
}

// runCommand executes fn once per Idempotency-Key: a repeated key replays
// the first accepted outcome instead of sending another command. Reusing a
// key for a different command is rejected with 422. Failed commands are not
// remembered so the caller can retry them.
func (s *Server) runCommand(w http.ResponseWriter, r *http.Request, request string, fn func(ctx context.Context) (dispatcher.Outcome, error)) {
	key := r.Header.Get(idempotencyHeader)
	if key != "" {
		if cached, ok := s.replays.Get(key); ok {
			prev := cached.(replay)
			if prev.request != request {
				writeError(w, http.StatusUnprocessableEntity,
					"idempotency key already used for "+prev.request)
				return
			}
			w.Header().Set(replayedHeader, "true")
			writeJSON(w, http.StatusOK, prev.resp)
			return
		}
	}

	// The command outlives a client that hangs up; the dispatcher bounds it.
	out, err := fn(context.WithoutCancel(r.Context()))
	if err != nil {
		resp := errorResponse{Error: err.Error()}
		if out.ID != "" {
			pump := out.Pump
			resp.Pump = &pump
		}
		writeJSON(w, commandStatus(err), resp)
		return
	}

	resp := commandResponse{
		ID:       out.ID,
		Target:   out.Target,
		Previous: out.Previous,
		Pump:     out.Pump,
		Mismatch: out.Mismatch,
	}
	if key != "" {
		s.replays.Add(key, replay{request: request, resp: resp})
	}
	writeJSON(w, http.StatusOK, resp)
}
