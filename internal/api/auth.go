// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// TokenAuth requires a bearer token matching the bcrypt hash. An empty hash
// disables authentication. Browsers cannot set headers on websocket
// upgrades, so the token is also accepted as the "token" query parameter.
func TokenAuth(hash string) gin.HandlerFunc {
	if hash == "" {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		token := bearer(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse("invalid or missing API token"))
			return
		}
		c.Next()
	}
}

func bearer(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
