package model

import (
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	cacheRedis "beacon/cache/redis"
	C "beacon/config"
	"beacon/store"
)

// Visit is one logical browsing session. Created once, never destroyed
// by the engine. Blank fields may be backfilled exactly once by a
// lagging reconciliation, populated fields are never overwritten.
type Visit struct {
	ID string `gorm:"primary_key:true" json:"id"`
	// Caller supplied or generated session key.
	// A unique index is created on visit_id.
	VisitID             string    `json:"visit_id"`
	CookieID            string    `json:"cookie_id"`
	AttributionID       string    `json:"attribution_id"`
	RefererID           string    `json:"referer_id"`
	UserAgentID         string    `json:"user_agent_id"`
	IPAddress           string    `json:"ip_address"`
	DomainID            string    `json:"domain_id"`
	RawQueryString      string    `json:"raw_query_string"`
	UnalteredIngressURL string    `json:"unaltered_ingress_url"`
	OwnerID             string    `json:"owner_id"`
	CountryCode         string    `json:"country_code"`
	City                string    `json:"city"`
	CreatedAt           time.Time `json:"created_at"`
}

const lastObservedCacheTag = "visit_last_observed"

// GormVisitStore is the database backed visit persistence collaborator.
type GormVisitStore struct{}

func (GormVisitStore) GetByVisitID(visitID string) (*Visit, error) {
	db := C.GetServices().Db

	var visit Visit
	if err := db.Where("visit_id = ?", visitID).First(&visit).Error; err != nil {
		return nil, asStoreError(err)
	}
	return &visit, nil
}

func (GormVisitStore) Create(visit *Visit) (*Visit, error) {
	db := C.GetServices().Db

	if err := db.Create(visit).Error; err != nil {
		return nil, asStoreError(err)
	}
	return visit, nil
}

func backfillVisitColumn(visitID, column string, value interface{}) (bool, error) {
	db := C.GetServices().Db

	// Single conditional update. Only a still blank column is set, so
	// replaying the same backfill is a no-op.
	q := db.Model(&Visit{}).
		Where("visit_id = ? AND ("+column+" IS NULL OR "+column+" = '')", visitID).
		Update(column, value)
	if q.Error != nil {
		return false, q.Error
	}
	return q.RowsAffected > 0, nil
}

func (GormVisitStore) BackfillQueryString(visitID, rawQueryString string) (bool, error) {
	return backfillVisitColumn(visitID, "raw_query_string", rawQueryString)
}

func (GormVisitStore) BackfillAttribution(visitID, attributionID string) (bool, error) {
	return backfillVisitColumn(visitID, "attribution_id", attributionID)
}

func (GormVisitStore) BackfillReferer(visitID, refererID string) (bool, error) {
	return backfillVisitColumn(visitID, "referer_id", refererID)
}

func (GormVisitStore) BackfillIngressURL(visitID, ingressURL string) (bool, error) {
	return backfillVisitColumn(visitID, "unaltered_ingress_url", ingressURL)
}

func (GormVisitStore) SetOwner(visitID, ownerID string) (bool, error) {
	return backfillVisitColumn(visitID, "owner_id", ownerID)
}

// LastObserved returns the time of the latest activity on the visit.
// Served from redis when warm, falling back to the latest pageview and
// finally the visit creation time.
func (s GormVisitStore) LastObserved(visitID string) (time.Time, error) {
	value, exists, err := cacheRedis.GetIfExists(lastObservedCacheTag, visitID)
	if err == nil && exists {
		unix, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return time.Unix(unix, 0).UTC(), nil
		}
	}
	if err != nil && err != cacheRedis.ErrNotAvailable {
		log.WithError(err).WithField("visit_id", visitID).
			Warn("Failed to read last observed time from cache. Falling back to db.")
	}

	db := C.GetServices().Db

	var pageview Pageview
	err = db.Where("visit_id = ?", visitID).
		Order("created_at DESC").First(&pageview).Error
	if err == nil {
		return pageview.CreatedAt, nil
	}
	if asStoreError(err) != store.ErrNotFound {
		return time.Time{}, err
	}

	visit, err := s.GetByVisitID(visitID)
	if err != nil {
		return time.Time{}, err
	}
	return visit.CreatedAt, nil
}

func (GormVisitStore) TouchLastObserved(visitID string, t time.Time) error {
	expiry := 2 * int64(C.GetConfig().Tracking.VisitTimeoutSecs)
	err := cacheRedis.SetWithExpiry(strconv.FormatInt(t.Unix(), 10),
		expiry, lastObservedCacheTag, visitID)
	if err != nil && err != cacheRedis.ErrNotAvailable {
		return err
	}
	return nil
}

// FillVisitLocation enriches the visit with country and city from the
// client IP. No-op without a configured geolocation reader.
func FillVisitLocation(visit *Visit, clientIP string) {
	geo := C.GetGeoLocation()
	if geo == nil || clientIP == "" {
		return
	}

	ip := net.ParseIP(clientIP)
	if ip == nil {
		return
	}

	record, err := geo.City(ip)
	if err != nil {
		log.WithError(err).WithField("ip", clientIP).
			Debug("Failed to lookup visit location.")
		return
	}

	visit.CountryCode = record.Country.IsoCode
	if name, exists := record.City.Names["en"]; exists {
		visit.City = name
	}
}
