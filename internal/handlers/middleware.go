package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const subjectKey = "subject"

const (
	errMissingAuth   = "missing Authorization header"
	errMalformedAuth = "invalid Authorization header format"
	errTokenRejected = "invalid or expired token"
)

// requestToken returns the token from ?token= (browsers cannot set headers
// on a websocket handshake) or from "Authorization: Bearer <token>". On
// failure the second value is the message for the client.
func requestToken(c *gin.Context) (string, string) {
	if token := c.Query("token"); token != "" {
		return token, ""
	}
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", errMissingAuth
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || scheme != "Bearer" || token == "" {
		return "", errMalformedAuth
	}
	return token, ""
}

// subjectMiddleware stores the token subject under subjectKey.
func (h *Handler) subjectMiddleware(c *gin.Context) {
	token, problem := requestToken(c)
	if problem != "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": problem})
		return
	}
	subject, err := h.services.ParseToken(token)
	if err != nil {
		if h.log != nil {
			h.log.Debugw("auth_token_rejected", "path", c.FullPath(), "err", err)
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errTokenRejected})
		return
	}
	c.Set(subjectKey, subject)
	c.Next()
}
