package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SignInRequest is the sign-in payload.
type SignInRequest struct {
	Username string `json:"username" binding:"required" example:"admin"`
	Password string `json:"password" binding:"required"`
}

// bindJSON decodes the body into a T. On failure the 400 reply has already
// been written and ok is false.
func bindJSON[T any](h *Handler, c *gin.Context) (req T, ok bool) {
	if err := c.ShouldBindJSON(&req); err != nil {
		if h.log != nil {
			h.log.Infow("bad_request_body", "path", c.FullPath(), "err", err)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return req, false
	}
	return req, true
}

// @Summary      Sign in
// @Description  Exchanges the configured API credentials for a bearer token
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        body  body      SignInRequest  true  "Credentials"
// @Success      200   {object}  map[string]string
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Router       /auth/sign-in [post]
func (h *Handler) signIn(c *gin.Context) {
	req, ok := bindJSON[SignInRequest](h, c)
	if !ok {
		return
	}
	token, err := h.services.GenerateToken(req.Username, req.Password)
	if err != nil {
		// the reason stays in the log
		h.logAndJSONError(c, http.StatusUnauthorized, errBadCredentials, "auth_sign_in_failed", err, "username", req.Username)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}
