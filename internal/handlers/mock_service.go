package handlers

import (
	"context"
	"net/http"
	"sync"

	"mcm_daemon/internal/models"
	"mcm_daemon/internal/service"

	"github.com/gin-gonic/gin"
)

// ---- Service Mocks ----

type mockAuth struct {
	genTokenToken string
	genTokenErr   error
	parseSubject  string
	parseErr      error

	lastGenUsername string
	lastGenPassword string
	lastParseToken  string
}

func (m *mockAuth) GenerateToken(username, password string) (string, error) {
	m.lastGenUsername = username
	m.lastGenPassword = password
	return m.genTokenToken, m.genTokenErr
}
func (m *mockAuth) ParseToken(token string) (string, error) {
	m.lastParseToken = token
	return m.parseSubject, m.parseErr
}

type mockMonitoring struct {
	mu    sync.Mutex
	state models.FanStatus
	err   error
}

func (m *mockMonitoring) GetState(ctx context.Context) (models.FanStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.err
}

func (m *mockMonitoring) set(st models.FanStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st
}

type mockControl struct {
	res         service.CommandResult
	err         error
	lastMode    service.ModeParams
	lastCommand string
	calls       int
}

func (m *mockControl) SetMode(ctx context.Context, p service.ModeParams) (service.CommandResult, error) {
	m.calls++
	m.lastMode = p
	return m.res, m.err
}
func (m *mockControl) Execute(ctx context.Context, command string) (service.CommandResult, error) {
	m.calls++
	m.lastCommand = command
	return m.res, m.err
}

// ---- Shared Test Helpers ----

func newTestRouter(s *service.Service) *gin.Engine {
	h := NewHandler(s, nil)
	gin.SetMode(gin.TestMode)
	return h.InitRoutes()
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
