package model

import (
	"time"

	"github.com/jinzhu/gorm/dialects/postgres"

	C "beacon/config"
	U "beacon/util"
)

// Pageview is one recorded request within a visit. Created once per
// request, never mutated.
type Pageview struct {
	ID             string    `gorm:"primary_key:true" json:"id"`
	VisitID        string    `json:"visit_id"`
	Path           string    `json:"path"`
	HTTPMethod     string    `json:"http_method"`
	MimeType       string    `json:"mime_type"`
	QueryString    string    `json:"query_string"`
	RequestID      string    `json:"request_id"`
	ClickID        string    `json:"click_id"`
	PixelCookieID  string    `json:"pixel_cookie_id"`
	HTTPStatus     int       `json:"http_status"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// Event is a custom event attached to a pageview at save time.
type Event struct {
	ID         string         `gorm:"primary_key:true" json:"id"`
	VisitID    string         `json:"visit_id"`
	PageviewID string         `json:"pageview_id"`
	EventType  string         `json:"event_type"`
	Meta       postgres.Jsonb `json:"meta"`
	RequestID  string         `json:"request_id"`
	CreatedAt  time.Time      `json:"created_at"`
}

// GormEventStore persists pageviews and events.
type GormEventStore struct{}

func (GormEventStore) CreatePageview(pageview *Pageview) (*Pageview, error) {
	db := C.GetServices().Db

	if pageview.ID == "" {
		pageview.ID = U.GetUUID()
	}
	if err := db.Create(pageview).Error; err != nil {
		return nil, asStoreError(err)
	}
	return pageview, nil
}

func (GormEventStore) CreateEvent(event *Event) (*Event, error) {
	db := C.GetServices().Db

	if event.ID == "" {
		event.ID = U.GetUUID()
	}
	if err := db.Create(event).Error; err != nil {
		return nil, asStoreError(err)
	}
	return event, nil
}
