package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/councilproxy/councilproxy/internal/models"
)

// APIKeyAuth validates the client API key against the configured key list.
// Keys are presented in the X-API-Key header, as an Authorization bearer
// token, or as an api_key query parameter for WebSocket clients that cannot
// set headers. Configured keys starting with "$2" are treated as bcrypt
// hashes; anything else is compared in constant time. An empty key list
// disables authentication.
func APIKeyAuth(keys []string, log *logrus.Logger) gin.HandlerFunc {
	if len(keys) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		presented := clientKey(c)
		if presented == "" {
			abortWithError(c, http.StatusUnauthorized, models.ErrAuthentication, "missing API key")
			return
		}
		if !keyMatches(keys, presented) {
			log.WithFields(logrus.Fields{
				"request_id": RequestIDFromContext(c),
				"client_ip":  c.ClientIP(),
			}).Warn("Rejected request with invalid API key")
			abortWithError(c, http.StatusUnauthorized, models.ErrAuthentication, "invalid API key")
			return
		}
		c.Next()
	}
}

func clientKey(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.Query("api_key")
}

func keyMatches(keys []string, presented string) bool {
	for _, key := range keys {
		if strings.HasPrefix(key, "$2") {
			if bcrypt.CompareHashAndPassword([]byte(key), []byte(presented)) == nil {
				return true
			}
			continue
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			return true
		}
	}
	return false
}
