package handler

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"beacon/sdk"
	U "beacon/util"
)

type SDKEvent struct {
	Type string                 `json:"type"`
	Meta map[string]interface{} `json:"meta"`
}

type SDKTrackPayload struct {
	// Unaltered URL of the tracked page.
	URL       string     `json:"url"`
	Referer   string     `json:"referer"`
	VisitID   string     `json:"visit_id"`
	Timestamp int64      `json:"timestamp"`
	Events    []SDKEvent `json:"events"`
}

type SDKTrackResponse struct {
	CookieID string `json:"cookie_id,omitempty"`
	VisitID  string `json:"visit_id,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

type APITrackPayload struct {
	VisitID   string     `json:"visit_id"`
	CookieID  string     `json:"cookie_id"`
	UserAgent string     `json:"user_agent"`
	Referer   string     `json:"referer"`
	URL       string     `json:"url"`
	ClientIP  string     `json:"client_ip"`
	Method    string     `json:"method"`
	MimeType  string     `json:"mime_type"`
	Timestamp int64      `json:"timestamp"`
	Events    []SDKEvent `json:"events"`
}

type SDKIdentifyPayload struct {
	Identifier string `json:"identifier"`
	VisitID    string `json:"visit_id"`
	CookieID   string `json:"cookie_id"`
}

type SDKIdentifyResponse struct {
	CookieID string `json:"cookie_id,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

var processor *sdk.Processor

// fillFromURL splits the tracked page URL into the payload's domain,
// path and query parameter fields.
func fillFromURL(payload *sdk.TrackPayload, rawURL string) {
	payload.IngressURL = rawURL

	parsed, err := url.Parse(rawURL)
	if err != nil {
		log.WithField("url", rawURL).Debug("Failed to parse tracked url.")
		return
	}

	payload.Domain = parsed.Host
	payload.Path = U.TrimTrailingSlash(parsed.Path)

	params := make(map[string]string)
	for name, values := range parsed.Query() {
		if len(values) > 0 {
			params[name] = values[0]
		}
	}
	payload.QueryParams = params
}

func requestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-Id"); id != "" {
		return id
	}
	return U.GetUUID()
}

func trackAndRecord(protocol sdk.Protocol, payload *sdk.TrackPayload,
	events []SDKEvent) (*sdk.Tracker, int, *SDKTrackResponse) {

	start := U.TimeNow()

	tracker := processor.NewTracker(protocol, payload)
	tracker.Track()
	tracker.RecordPageview("", "")

	for _, event := range events {
		if err := tracker.QueueEvent(event.Type, event.Meta); err != nil {
			log.WithError(err).WithField("event_type", event.Type).
				Error("Failed to queue event on track.")
		}
	}

	tracker.SetResponse(http.StatusOK, time.Since(start).Milliseconds())
	if err := tracker.Save(); err != nil {
		log.WithError(err).Error("Failed to save pageview on track.")
		return tracker, http.StatusInternalServerError,
			&SDKTrackResponse{Error: "Tracking failed. Unable to save pageview."}
	}

	response := &SDKTrackResponse{Message: "Request tracked successfully."}
	if tracker.Cookie() != nil {
		response.CookieID = tracker.Cookie().ID
	}
	if tracker.Visit() != nil {
		response.VisitID = tracker.Visit().VisitID
	}
	return tracker, http.StatusOK, response
}

// SDKTrackHandler serves the browser originated tracking call.
func SDKTrackHandler(c *gin.Context) {
	var request SDKTrackPayload

	decoder := json.NewDecoder(c.Request.Body)
	if err := decoder.Decode(&request); err != nil {
		log.WithError(err).Error("Tracking failed. Json decoding failed.")
		c.AbortWithStatusJSON(http.StatusBadRequest,
			&SDKTrackResponse{Error: "Tracking failed. Invalid payload."})
		return
	}

	payload := &sdk.TrackPayload{
		Method:    http.MethodGet,
		MimeType:  "text/html",
		RequestID: requestID(c),
		ClientIP:  c.ClientIP(),
		CookieID:  readVisitorCookie(c),
		VisitID:   request.VisitID,
		UserAgent: c.Request.UserAgent(),
		Referer:   request.Referer,
		Timestamp: request.Timestamp,
	}
	fillFromURL(payload, request.URL)

	tracker, status, response := trackAndRecord(sdk.ProtocolBrowser, payload, request.Events)

	// Reissue the visitor cookie on every response. The cookie id may
	// have been minted fresh on this request.
	if tracker.Cookie() != nil {
		writeVisitorCookie(c, tracker.Cookie().ID)
	}

	c.JSON(status, response)
}

// APITrackHandler serves the trusted server-to-server tracking call
// with an explicit visit_id.
func APITrackHandler(c *gin.Context) {
	var request APITrackPayload

	decoder := json.NewDecoder(c.Request.Body)
	if err := decoder.Decode(&request); err != nil {
		log.WithError(err).Error("Tracking failed. Json decoding failed.")
		c.AbortWithStatusJSON(http.StatusBadRequest,
			&SDKTrackResponse{Error: "Tracking failed. Invalid payload."})
		return
	}

	if request.VisitID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest,
			&SDKTrackResponse{Error: "Tracking failed. Missing visit_id."})
		return
	}

	clientIP := request.ClientIP
	if clientIP == "" {
		clientIP = c.ClientIP()
	}
	method := request.Method
	if method == "" {
		method = c.Request.Method
	}

	payload := &sdk.TrackPayload{
		Method:    method,
		MimeType:  request.MimeType,
		RequestID: requestID(c),
		ClientIP:  clientIP,
		CookieID:  request.CookieID,
		VisitID:   request.VisitID,
		UserAgent: request.UserAgent,
		Referer:   request.Referer,
		Timestamp: request.Timestamp,
	}
	fillFromURL(payload, request.URL)

	_, status, response := trackAndRecord(sdk.ProtocolAPI, payload, request.Events)
	c.JSON(status, response)
}

// SDKIdentifyHandler attaches an owner to the visitor's current visit.
func SDKIdentifyHandler(c *gin.Context) {
	var request SDKIdentifyPayload

	decoder := json.NewDecoder(c.Request.Body)
	if err := decoder.Decode(&request); err != nil {
		log.WithError(err).Error("Identification failed. Json decoding failed.")
		c.AbortWithStatusJSON(http.StatusBadRequest,
			&SDKIdentifyResponse{Error: "Identification failed. Invalid payload."})
		return
	}

	if request.Identifier == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest,
			&SDKIdentifyResponse{Error: "Identification failed. Missing identifier."})
		return
	}

	cookieID := request.CookieID
	if cookieID == "" {
		cookieID = readVisitorCookie(c)
	}

	payload := &sdk.TrackPayload{
		RequestID: requestID(c),
		ClientIP:  c.ClientIP(),
		CookieID:  cookieID,
		VisitID:   request.VisitID,
		UserAgent: c.Request.UserAgent(),
	}

	tracker := processor.NewTracker(sdk.ProtocolBrowser, payload)
	tracker.Track()

	if err := tracker.Identify(request.Identifier); err != nil {
		log.WithError(err).Error("Identification failed.")
		c.JSON(http.StatusInternalServerError,
			&SDKIdentifyResponse{Error: "Identification failed."})
		return
	}

	response := &SDKIdentifyResponse{Message: "Visitor identified successfully."}
	if tracker.Cookie() != nil {
		response.CookieID = tracker.Cookie().ID
		writeVisitorCookie(c, tracker.Cookie().ID)
	}
	c.JSON(http.StatusOK, response)
}

func SDKStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "I'm ok."})
}
