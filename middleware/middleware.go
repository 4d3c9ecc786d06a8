package middleware

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	C "beacon/config"
	U "beacon/util"
)

// Paths served to third party sites. Cross origin by nature.
const prefixPathSDK = "/sdk/"
const prefixPathAPI = "/api/"

const headerRequestID = "X-Request-Id"

// CustomCors applies per path cors configuration. The sdk and api
// endpoints are called from customer pages on any origin, everything
// else is restricted to the development origins.
func CustomCors() gin.HandlerFunc {
	return func(c *gin.Context) {
		corsConfig := cors.DefaultConfig()

		if strings.HasPrefix(c.Request.URL.Path, prefixPathSDK) ||
			strings.HasPrefix(c.Request.URL.Path, prefixPathAPI) {
			corsConfig.AllowAllOrigins = true
			corsConfig.AddAllowHeaders("Authorization")
		} else if C.IsDevelopment() {
			corsConfig.AllowOrigins = []string{"http://localhost:8080", "http://localhost:3000"}
		}

		cors.New(corsConfig)(c)
	}
}

// RequestID ensures every request carries an id, generating one when
// the caller did not send the header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Header.Get(headerRequestID) == "" {
			c.Request.Header.Set(headerRequestID, U.GetUUID())
		}
		c.Writer.Header().Set(headerRequestID, c.Request.Header.Get(headerRequestID))
		c.Next()
	}
}

// RequestLogger logs one line per request after completion.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.WithFields(log.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"request_id": c.Request.Header.Get(headerRequestID),
			"client_ip":  c.ClientIP(),
		}).Info("Request served.")
	}
}
