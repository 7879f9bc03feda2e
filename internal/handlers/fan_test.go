package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"mcm_daemon/internal/daemon"
	"mcm_daemon/internal/models"
	"mcm_daemon/internal/service"
)

func doJSON(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Buffer
	if body != "" {
		rd = bytes.NewBufferString(body)
	} else {
		rd = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, vv := range authHeader(token) {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r := newTestRouter(&service.Service{})
	w := doJSON(t, r, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status=%d", w.Code)
	}
}

func TestFanHandlers_GetState(t *testing.T) {
	mon := &mockMonitoring{state: models.FanStatus{TemperatureC: 47, HaveReading: true, Fan: "on", Mode: "auto"}}
	s := &service.Service{Authorization: &mockAuth{parseSubject: "admin"}, Monitoring: mon}
	r := newTestRouter(s)

	// requires auth
	if w := doJSON(t, r, http.MethodGet, "/api/v1/fan/state", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without auth, got %d", w.Code)
	}

	w := doJSON(t, r, http.MethodGet, "/api/v1/fan/state", "", "valid")
	if w.Code != http.StatusOK {
		t.Fatalf("state status=%d, body=%s", w.Code, w.Body.String())
	}
	var st models.FanStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if st.TemperatureC != 47 || st.Fan != "on" {
		t.Fatalf("unexpected state: %+v", st)
	}

	mon.err = errors.New("boom")
	if w := doJSON(t, r, http.MethodGet, "/api/v1/fan/state", "", "valid"); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on monitoring error, got %d", w.Code)
	}
}

func TestFanHandlers_SetMode(t *testing.T) {
	ctl := &mockControl{res: service.CommandResult{Command: "SetFanOn", Reply: "ok", Outcome: "success"}}
	s := &service.Service{Authorization: &mockAuth{parseSubject: "admin"}, Control: ctl}
	r := newTestRouter(s)

	w := doJSON(t, r, http.MethodPost, "/api/v1/fan/mode", `{"mode":"on"}`, "valid")
	if w.Code != http.StatusOK {
		t.Fatalf("mode status=%d, body=%s", w.Code, w.Body.String())
	}
	if ctl.lastMode.Mode != "on" {
		t.Fatalf("mode not passed: %+v", ctl.lastMode)
	}

	// missing mode → 400 without calling the service
	calls := ctl.calls
	if w := doJSON(t, r, http.MethodPost, "/api/v1/fan/mode", `{}`, "valid"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if ctl.calls != calls {
		t.Fatalf("service must not be called for a bad body")
	}

	// daemon stopping → 503
	ctl.err = daemon.ErrShuttingDown
	if w := doJSON(t, r, http.MethodPost, "/api/v1/fan/mode", `{"mode":"off"}`, "valid"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestFanHandlers_SetModeInvalid(t *testing.T) {
	// the real control service rejects the mode before submitting
	s := &service.Service{
		Authorization: &mockAuth{parseSubject: "admin"},
		Control:       service.NewControlService(nil, 0),
	}
	r := newTestRouter(s)

	w := doJSON(t, r, http.MethodPost, "/api/v1/fan/mode", `{"mode":"turbo"}`, "valid")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid mode, got %d (body=%s)", w.Code, w.Body.String())
	}
}

func TestFanHandlers_RunCommand(t *testing.T) {
	ctl := &mockControl{res: service.CommandResult{Command: "GetTemperature", Reply: "41", Outcome: "success"}}
	s := &service.Service{Authorization: &mockAuth{parseSubject: "admin"}, Control: ctl}
	r := newTestRouter(s)

	w := doJSON(t, r, http.MethodPost, "/api/v1/command", `{"command":"GetTemperature"}`, "valid")
	if w.Code != http.StatusOK {
		t.Fatalf("command status=%d, body=%s", w.Code, w.Body.String())
	}
	var res service.CommandResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Reply != "41" || ctl.lastCommand != "GetTemperature" {
		t.Fatalf("unexpected result %+v (sent %q)", res, ctl.lastCommand)
	}

	// MCU failure → 502 with the dispatcher reply
	ctl.res = service.CommandResult{Command: "GetTemperature", Reply: "error: protocol: wrong answer", Outcome: "failure"}
	w = doJSON(t, r, http.MethodPost, "/api/v1/command", `{"command":"GetTemperature"}`, "valid")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}

	// shutdown is not a failure → 200
	ctl.res = service.CommandResult{Command: "ShutdownDaemon", Reply: "shutting down", Outcome: "shutdown"}
	w = doJSON(t, r, http.MethodPost, "/api/v1/command", `{"command":"ShutdownDaemon"}`, "valid")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for shutdown outcome, got %d", w.Code)
	}

	// other submit errors → 500
	ctl.err = errors.New("context canceled")
	w = doJSON(t, r, http.MethodPost, "/api/v1/command", `{"command":"GetStatus"}`, "valid")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}
