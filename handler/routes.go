package handler

import (
	"github.com/gin-gonic/gin"

	"beacon/sdk"
)

// InitAppRoutes wires the tracking endpoints on the given engine.
func InitAppRoutes(r *gin.Engine, p *sdk.Processor) {
	processor = p
	initCookieCodec()

	r.GET("/sdk/status", SDKStatusHandler)
	r.POST("/sdk/track", SDKTrackHandler)
	r.POST("/sdk/identify", SDKIdentifyHandler)
	r.POST("/api/track", APITrackHandler)
}
