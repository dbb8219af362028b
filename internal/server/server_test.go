package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/api"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/dispatcher"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/metrics"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/models"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/state"
)

type mockCommander struct {
	mock.Mock
}

func (m *mockCommander) Toggle(ctx context.Context, source string) (dispatcher.Outcome, error) {
	args := m.Called(source)
	return args.Get(0).(dispatcher.Outcome), args.Error(1)
}

func (m *mockCommander) Set(ctx context.Context, target models.PumpState, source string) (dispatcher.Outcome, error) {
	args := m.Called(target, source)
	return args.Get(0).(dispatcher.Outcome), args.Error(1)
}

type fixture struct {
	server    *Server
	store     *state.Store
	commander *mockCommander
	registry  *prometheus.Registry
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	registry := prometheus.NewRegistry()
	cfg.Gatherer = registry
	store := state.NewStore(models.ModeManual)
	commander := &mockCommander{}

	srv, err := New(store, commander, logger, metrics.New(registry), cfg)
	require.NoError(t, err)
	return &fixture{server: srv, store: store, commander: commander, registry: registry}
}

func (f *fixture) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) sync(t *testing.T, snapshot models.StateSnapshot, events []models.EventRecord, alerts models.AlertSet) {
	t.Helper()
	require.NoError(t, f.store.ApplyPoll(snapshot, events, alerts, time.Now()))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestGetState(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: time.Minute})

	rec := f.do(http.MethodGet, "/api/v1/state", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var before map[string]interface{}
	decode(t, rec, &before)
	assert.Equal(t, true, before["stale"], "never synced is stale")
	assert.Equal(t, false, before["synced"])

	f.sync(t, models.StateSnapshot{Temperature: 28.5, Humidity: 70, SoilRaw: 250, Rain: models.RainDetected, Pump: models.PumpOn},
		nil, models.AlertSet{Dry: true, Rain: true})

	rec = f.do(http.MethodGet, "/api/v1/state", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got struct {
		Snapshot struct {
			SoilRaw         int     `json:"soil_raw"`
			MoisturePercent int     `json:"moisture_percent"`
			Temperature     float64 `json:"temperature"`
			Rain            string  `json:"rain"`
			Pump            string  `json:"pump"`
		} `json:"snapshot"`
		Connectivity struct {
			Connected bool `json:"connected"`
		} `json:"connectivity"`
		Stale  bool     `json:"stale"`
		Alerts []string `json:"alerts"`
		Mode   string   `json:"mode"`
	}
	decode(t, rec, &got)

	assert.Equal(t, 250, got.Snapshot.SoilRaw)
	assert.Equal(t, 24, got.Snapshot.MoisturePercent)
	assert.Equal(t, 28.5, got.Snapshot.Temperature)
	assert.Equal(t, "rain", got.Snapshot.Rain)
	assert.Equal(t, "ON", got.Snapshot.Pump)
	assert.True(t, got.Connectivity.Connected)
	assert.False(t, got.Stale)
	assert.Equal(t, []string{"dry", "rain"}, got.Alerts)
	assert.Equal(t, "manual", got.Mode)
}

func TestGetEventsAndAlerts(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(http.MethodGet, "/api/v1/events", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	f.sync(t, models.StateSnapshot{SoilRaw: 900}, []models.EventRecord{
		{Category: models.CategoryPumpOff, Message: "second"},
		{Category: models.CategoryPumpOn, Message: "first"},
	}, models.AlertSet{Rain: true})

	var events []struct {
		Category string `json:"category"`
		Message  string `json:"message"`
	}
	decode(t, f.do(http.MethodGet, "/api/v1/events", "", nil), &events)
	require.Len(t, events, 2)
	assert.Equal(t, "second", events[0].Message, "service order is kept")
	assert.Equal(t, "pump_off", events[0].Category)

	rec = f.do(http.MethodGet, "/api/v1/alerts", "", nil)
	assert.JSONEq(t, `{"active":["rain"],"dry":false,"rain":true}`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: time.Minute})

	var body map[string]interface{}
	decode(t, f.do(http.MethodGet, "/healthz", "", nil), &body)
	assert.Equal(t, "degraded", body["status"])

	f.sync(t, models.StateSnapshot{SoilRaw: 500}, nil, models.AlertSet{})
	decode(t, f.do(http.MethodGet, "/healthz", "", nil), &body)
	assert.Equal(t, "ok", body["status"])

	require.NoError(t, f.store.ApplyPollFailure(api.ErrTransport, time.Now()))
	decode(t, f.do(http.MethodGet, "/healthz", "", nil), &body)
	assert.Equal(t, "degraded", body["status"])
}

func TestSetMode(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(http.MethodPut, "/api/v1/mode", `{"mode":"auto"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"mode":"auto"}`, rec.Body.String())
	assert.Equal(t, models.ModeAuto, f.store.Current().Mode)

	rec = f.do(http.MethodPut, "/api/v1/mode", `{"mode":"auto"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "setting the same mode is not an error")

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/v1/mode", `{"mode":"turbo"}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/v1/mode", `not json`, nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/api/v1/mode", "", nil).Code)
}

func TestCommandRoutesRejectWrongMethod(t *testing.T) {
	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/mode"},
		{http.MethodPost, "/api/v1/mode"},
		{http.MethodGet, "/api/v1/pump/toggle"},
		{http.MethodPut, "/api/v1/pump/toggle"},
		{http.MethodGet, "/api/v1/pump"},
		{http.MethodDelete, "/api/v1/pump"},
	}

	f := newFixture(t, Config{})
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, http.StatusMethodNotAllowed, f.do(tt.method, tt.path, "", nil).Code)
		})
	}
	f.commander.AssertNotCalled(t, "Toggle", mock.Anything)
}

func TestToggleStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		outcome  dispatcher.Outcome
		err      error
		expected int
	}{
		{"accepted", dispatcher.Outcome{ID: "c1", Target: models.PumpOn, Pump: models.PumpOn}, nil, http.StatusOK},
		{"auto mode", dispatcher.Outcome{}, fmt.Errorf("%w: auto mode is active", dispatcher.ErrMode), http.StatusConflict},
		{"busy", dispatcher.Outcome{}, dispatcher.ErrBusy, http.StatusConflict},
		{"device rejected", dispatcher.Outcome{ID: "c2"}, fmt.Errorf("%w: pump jammed", dispatcher.ErrDeviceRejected), http.StatusBadGateway},
		{"transport timeout", dispatcher.Outcome{ID: "c3"}, fmt.Errorf("%w: POST /api/pump: %w", api.ErrTransport, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"transport", dispatcher.Outcome{ID: "c4"}, fmt.Errorf("%w: connection refused", api.ErrTransport), http.StatusBadGateway},
		{"protocol", dispatcher.Outcome{ID: "c5"}, fmt.Errorf("%w: bad body", api.ErrProtocol), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.commander.On("Toggle", "http").Return(tt.outcome, tt.err).Once()

			rec := f.do(http.MethodPost, "/api/v1/pump/toggle", "", nil)
			assert.Equal(t, tt.expected, rec.Code)

			if tt.err != nil {
				var body map[string]interface{}
				decode(t, rec, &body)
				assert.Contains(t, body["error"], tt.err.Error())
			}
			f.commander.AssertExpectations(t)
		})
	}
}

func TestToggleIdempotencyKey(t *testing.T) {
	f := newFixture(t, Config{})
	f.commander.On("Toggle", "http").
		Return(dispatcher.Outcome{ID: "c1", Target: models.PumpOn, Previous: models.PumpOff, Pump: models.PumpOn}, nil).Once()

	header := map[string]string{idempotencyHeader: "key-1"}
	first := f.do(http.MethodPost, "/api/v1/pump/toggle", "", header)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Empty(t, first.Header().Get(replayedHeader))

	second := f.do(http.MethodPost, "/api/v1/pump/toggle", "", header)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get(replayedHeader))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	f.commander.AssertNumberOfCalls(t, "Toggle", 1)
}

func TestFailedCommandIsNotReplayed(t *testing.T) {
	f := newFixture(t, Config{})
	f.commander.On("Toggle", "http").Return(dispatcher.Outcome{ID: "c1"}, api.ErrTransport).Once()
	f.commander.On("Toggle", "http").Return(dispatcher.Outcome{ID: "c2", Pump: models.PumpOn}, nil).Once()

	header := map[string]string{idempotencyHeader: "key-2"}
	assert.Equal(t, http.StatusBadGateway, f.do(http.MethodPost, "/api/v1/pump/toggle", "", header).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/pump/toggle", "", header).Code)
	f.commander.AssertNumberOfCalls(t, "Toggle", 2)
}

func TestIdempotencyKeyReusedForOtherCommand(t *testing.T) {
	f := newFixture(t, Config{})
	f.commander.On("Toggle", "http").
		Return(dispatcher.Outcome{ID: "c1", Target: models.PumpOn, Previous: models.PumpOff, Pump: models.PumpOn}, nil).Once()
	f.commander.On("Set", models.PumpOn, "http").
		Return(dispatcher.Outcome{ID: "c2", Target: models.PumpOn, Previous: models.PumpOn, Pump: models.PumpOn}, nil).Once()

	header := map[string]string{idempotencyHeader: "key-3"}
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/pump/toggle", "", header).Code)

	rec := f.do(http.MethodPost, "/api/v1/pump", `{"cmd":"OFF"}`, header)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, rec.Header().Get(replayedHeader))
	f.commander.AssertNotCalled(t, "Set", models.PumpOff, "http")

	other := map[string]string{idempotencyHeader: "key-4"}
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/pump", `{"cmd":"ON"}`, other).Code)
	rec = f.do(http.MethodPost, "/api/v1/pump", `{"cmd":"OFF"}`, other)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "same route, different target")

	rec = f.do(http.MethodPost, "/api/v1/pump", `{"cmd":"on"}`, other)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(replayedHeader))
	f.commander.AssertNumberOfCalls(t, "Set", 1)
}

func TestSetPump(t *testing.T) {
	f := newFixture(t, Config{})
	f.commander.On("Set", models.PumpOff, "http").
		Return(dispatcher.Outcome{ID: "c1", Target: models.PumpOff, Previous: models.PumpOn, Pump: models.PumpOff}, nil)

	rec := f.do(http.MethodPost, "/api/v1/pump", `{"cmd":"off"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"c1","target":"OFF","previous":"ON","pump":"OFF","mismatch":false}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/pump", `{"cmd":"maybe"}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/pump", `{`, nil).Code)
	f.commander.AssertNumberOfCalls(t, "Set", 1)
}

func TestCommandRateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 0.001, RateLimitBurst: 1})
	f.commander.On("Toggle", "http").Return(dispatcher.Outcome{ID: "c1"}, nil)

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/pump/toggle", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodPost, "/api/v1/pump/toggle", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/state", "", nil).Code, "reads are not limited")
}

func TestRequestID(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(http.MethodGet, "/healthz", "", map[string]string{requestIDHeader: "abc"})
	assert.Equal(t, "abc", rec.Header().Get(requestIDHeader))

	rec = f.do(http.MethodGet, "/healthz", "", nil)
	assert.Len(t, rec.Header().Get(requestIDHeader), 36)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, Config{})
	f.do(http.MethodGet, "/api/v1/state", "", nil)

	rec := f.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `moissense_http_requests_total{code="200",route="/api/v1/state"} 1`)
}

func TestStream(t *testing.T) {
	f := newFixture(t, Config{})
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	next := func() stateView {
		t.Helper()
		var data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			}
			if line == "" && data != "" {
				break
			}
		}
		var v stateView
		require.NoError(t, json.Unmarshal([]byte(data), &v))
		return v
	}

	initial := next()
	assert.Equal(t, uint64(0), initial.Version)

	f.sync(t, models.StateSnapshot{SoilRaw: 100}, nil, models.AlertSet{Dry: true})
	update := next()
	assert.Equal(t, uint64(1), update.Version)
	assert.Equal(t, 100, update.Snapshot.SoilRaw)
	assert.Equal(t, []models.AlertKind{models.AlertDry}, update.Alerts)
}
