package handlers

import (
	"errors"
	"net/http"

	"mcm_daemon/internal/daemon"
	"mcm_daemon/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	statusOK = "ok"

	errGetState        = "failed to load state"
	errDaemonStopping  = "daemon is shutting down"
	errCommandFailed   = "failed to run command"
	errInvalidBodyPref = "invalid body: "
	errBadCredentials  = "invalid credentials"
)

// Centralized error logging and response.
func (h *Handler) logAndJSONError(c *gin.Context, httpCode int, userMsg, logKey string, err error, kv ...interface{}) {
	if h.log != nil && err != nil {
		fields := append([]interface{}{"err", err}, kv...)
		h.log.Errorw(logKey, fields...)
	}
	c.JSON(httpCode, gin.H{"error": userMsg})
}

// SetModeRequest is the setMode payload.
type SetModeRequest struct {
	// Mode to set. Allowed: auto, on, off
	Mode string `json:"mode" binding:"required" example:"on"`
}

// CommandRequest is the runCommand payload.
type CommandRequest struct {
	// One command line as accepted by the command socket
	Command string `json:"command" binding:"required" example:"GetTemperature"`
}

// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": statusOK,
	})
}

// @Summary      Get fan state
// @Tags         fan
// @Produce      json
// @Success      200  {object}  models.FanStatus
// @Failure      401  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/fan/state [get]
// @Security     BearerAuth
func (h *Handler) getState(c *gin.Context) {
	st, err := h.services.Monitoring.GetState(c.Request.Context())
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errGetState, "fan_get_state_failed", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// @Summary      Set fan mode
// @Description  on/off override the hysteresis loop, auto resumes it
// @Tags         fan
// @Accept       json
// @Produce      json
// @Param        body  body      SetModeRequest  true  "Mode payload"
// @Success      200   {object}  service.CommandResult
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Failure      502   {object}  service.CommandResult
// @Failure      503   {object}  map[string]string
// @Router       /api/v1/fan/mode [post]
// @Security     BearerAuth
func (h *Handler) setMode(c *gin.Context) {
	req, ok := bindJSON[SetModeRequest](h, c)
	if !ok {
		return
	}
	res, err := h.services.Control.SetMode(c.Request.Context(), service.ModeParams{Mode: req.Mode})
	if err != nil {
		if service.IsInvalidMode(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.respondSubmitError(c, err, "mode", req.Mode)
		return
	}
	h.respondResult(c, res)
}

// @Summary      Run a command
// @Description  Same vocabulary as the command socket
// @Tags         fan
// @Accept       json
// @Produce      json
// @Param        body  body      CommandRequest  true  "Command payload"
// @Success      200   {object}  service.CommandResult
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Failure      502   {object}  service.CommandResult
// @Failure      503   {object}  map[string]string
// @Router       /api/v1/command [post]
// @Security     BearerAuth
func (h *Handler) runCommand(c *gin.Context) {
	req, ok := bindJSON[CommandRequest](h, c)
	if !ok {
		return
	}
	res, err := h.services.Control.Execute(c.Request.Context(), req.Command)
	if err != nil {
		h.respondSubmitError(c, err, "command", req.Command)
		return
	}
	h.respondResult(c, res)
}

func (h *Handler) respondResult(c *gin.Context, res service.CommandResult) {
	if res.Failed() {
		c.JSON(http.StatusBadGateway, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) respondSubmitError(c *gin.Context, err error, kv ...interface{}) {
	if errors.Is(err, daemon.ErrShuttingDown) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errDaemonStopping})
		return
	}
	h.logAndJSONError(c, http.StatusInternalServerError, errCommandFailed, "command_submit_failed", err, kv...)
}
