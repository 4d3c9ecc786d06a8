// Package sdk orchestrates one tracking request end to end: load
// identity, resolve the visit, record the pageview and queued events,
// reconcile. Tracking is best effort, a failure here must never fail
// the host request.
package sdk

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/jinzhu/gorm/dialects/postgres"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"beacon/attribution"
	C "beacon/config"
	"beacon/identity"
	"beacon/model"
	"beacon/store"
	U "beacon/util"
	"beacon/visit"
)

type Protocol string

const (
	// ProtocolBrowser is the browser originated tracking call.
	ProtocolBrowser Protocol = "browser"
	// ProtocolAPI is the trusted server-to-server call.
	ProtocolAPI Protocol = "api"
)

const (
	ownerCacheSize     = 50
	ownershipCacheSize = 50
)

// TrackPayload carries the raw per-request inputs from the HTTP layer.
type TrackPayload struct {
	QueryParams map[string]string `json:"query_params"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	MimeType    string            `json:"mime_type"`
	RequestID   string            `json:"request_id"`
	ClientIP    string            `json:"client_ip"`
	CookieID    string            `json:"cookie_id"`
	VisitID     string            `json:"visit_id"`
	UserAgent   string            `json:"user_agent"`
	Referer     string            `json:"referer"`
	IngressURL  string            `json:"ingress_url"`
	Domain      string            `json:"domain"`
	Timestamp   int64             `json:"timestamp"`
}

// EventStore persists pageviews and events.
type EventStore interface {
	CreatePageview(pageview *model.Pageview) (*model.Pageview, error)
	CreateEvent(event *model.Event) (*model.Event, error)
}

// Processor holds the long lived resolvers shared by all requests.
type Processor struct {
	identity    *identity.Resolver
	attribution *attribution.Resolver
	visits      *visit.Resolver
	events      EventStore
	owners      *store.Interner[string, model.Owner]
	ownerships  *store.Interner[model.OwnershipKey, model.Ownership]
}

func NewProcessor(
	identityResolver *identity.Resolver,
	attributionResolver *attribution.Resolver,
	visitResolver *visit.Resolver,
	events EventStore,
	ownerBackend store.Backend[string, model.Owner],
	ownershipBackend store.Backend[model.OwnershipKey, model.Ownership]) (*Processor, error) {

	owners, err := store.NewInterner("owner", ownerBackend, ownerCacheSize)
	if err != nil {
		return nil, err
	}
	ownerships, err := store.NewInterner("ownership", ownershipBackend, ownershipCacheSize)
	if err != nil {
		return nil, err
	}

	return &Processor{
		identity:    identityResolver,
		attribution: attributionResolver,
		visits:      visitResolver,
		events:      events,
		owners:      owners,
		ownerships:  ownerships,
	}, nil
}

// NewDefaultProcessor wires the database backed collaborators from the
// process configuration.
func NewDefaultProcessor() (*Processor, error) {
	attributionResolver, err := attribution.NewResolver(model.AttributionBackend{})
	if err != nil {
		return nil, err
	}

	identityResolver, err := identity.NewResolver(
		model.CookieBackend{}, model.UserAgentBackend{}, model.DomainBackend{},
		model.RefererBackend{}, attributionResolver, C.GetBlankUserAgentString())
	if err != nil {
		return nil, err
	}

	visitResolver := visit.NewResolver(model.GormVisitStore{},
		C.GetNewVisitReasons(), C.GetVisitTimeout())

	return NewProcessor(identityResolver, attributionResolver, visitResolver,
		model.GormEventStore{}, model.OwnerBackend{}, model.OwnershipBackend{})
}

// Tracker is the explicit per-request pipeline context. Populated once
// at load time, no lazily memoized scratch state.
type Tracker struct {
	processor  *Processor
	protocol   Protocol
	payload    *TrackPayload
	extraction attribution.Extraction
	now        time.Time

	cookie   *model.Cookie
	visit    *model.Visit
	visitReq *visit.Request

	pageview       *model.Pageview
	queuedEvents   []*model.Event
	httpStatus     int
	responseTimeMs int64
}

func (p *Processor) NewTracker(protocol Protocol, payload *TrackPayload) *Tracker {
	now := U.TimeNow()
	if payload.Timestamp > 0 {
		now = time.Unix(payload.Timestamp, 0).UTC()
	}

	return &Tracker{
		processor:  p,
		protocol:   protocol,
		payload:    payload,
		extraction: attribution.Extract(payload.QueryParams),
		now:        now,
	}
}

func (t *Tracker) logCtx() *log.Entry {
	return log.WithFields(log.Fields{"protocol": t.protocol,
		"request_id": t.payload.RequestID, "visit_id": t.payload.VisitID})
}

// Track resolves identity and visit for the request. All failures are
// caught, logged and swallowed here, the host request proceeds
// regardless of tracking outcome.
func (t *Tracker) Track() {
	if !C.IsTrackingEnabled() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			t.logCtx().WithField("panic", r).Error("Tracking panicked. Request continues.")
		}
	}()

	if err := t.track(); err != nil {
		t.logCtx().WithError(err).Error("Tracking failed. Request continues.")
	}
}

func (t *Tracker) track() error {
	if t.protocol == ProtocolBrowser && C.IsExcludeBotEnabled() &&
		U.IsBotUserAgent(t.payload.UserAgent) {
		t.logCtx().Debug("Tracking skipped. Bot request.")
		return nil
	}

	req, err := t.loadRequest()
	if err != nil {
		return err
	}
	t.visitReq = req

	var outcome *visit.Outcome
	switch t.protocol {
	case ProtocolAPI:
		outcome, err = t.processor.visits.ResolveAPI(req)
	default:
		outcome, err = t.processor.visits.ResolveBrowser(req)
	}
	if err != nil {
		return err
	}

	t.visit = outcome.Visit

	// Opportunistic completion of a reused visit, browser path only.
	if t.protocol == ProtocolBrowser && !outcome.Created {
		if err := t.processor.visits.BackfillBrowser(t.visit, req); err != nil {
			return err
		}
	}

	t.logCtx().WithFields(log.Fields{"state": outcome.State.String(),
		"created": outcome.Created, "reason": outcome.Reason}).Debug("Resolved visit.")
	return nil
}

// loadRequest resolves the raw identity inputs into the per-request
// context consumed by the visit state machine.
func (t *Tracker) loadRequest() (*visit.Request, error) {
	mode := identity.CookieModeBrowser
	if t.protocol == ProtocolAPI {
		mode = identity.CookieModeAPI
	}

	cookie, err := t.processor.identity.EnsureCookie(t.payload.CookieID, mode)
	if err != nil {
		return nil, errors.Wrap(err, "failed to ensure cookie")
	}
	if cookie == nil {
		return nil, errors.New("no cookie resolved for tracking")
	}
	t.cookie = cookie

	userAgent, err := t.processor.identity.ResolveUserAgent(t.payload.UserAgent)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve user agent")
	}

	referer, err := t.processor.identity.ResolveReferer(t.payload.Referer)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve referer")
	}

	attributionRow, err := t.processor.attribution.ResolveExtraction(t.extraction)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve attribution")
	}

	domain, err := t.processor.identity.ResolveDomain(t.payload.Domain)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve domain")
	}

	req := &visit.Request{
		CookieID:        cookie.ID,
		CookieWasValid:  cookie.ID == strings.TrimSpace(t.payload.CookieID),
		SuppliedVisitID: t.payload.VisitID,
		IPAddress:       t.payload.ClientIP,
		RawQueryString:  encodeParams(t.payload.QueryParams),
		IngressURL:      t.payload.IngressURL,
		Now:             t.now,
	}
	req.UserAgentID = userAgent.ID
	if referer != nil {
		req.RefererID = referer.ID
	}
	if attributionRow != nil {
		req.AttributionID = attributionRow.ID
		req.HasAttribution = true
	}
	if domain != nil {
		req.DomainID = domain.ID
	}

	return req, nil
}

// SetResponse attaches the response status and time, once known, to
// the pageview recorded for this request.
func (t *Tracker) SetResponse(httpStatus int, responseTimeMs int64) {
	t.httpStatus = httpStatus
	t.responseTimeMs = responseTimeMs
	if t.pageview != nil {
		t.pageview.HTTPStatus = httpStatus
		t.pageview.ResponseTimeMs = responseTimeMs
	}
}

// RecordPageview builds the pageview row for this request, using the
// method and path overrides when supplied. Tracking parameters are
// stripped from the stored query string. The row is persisted on Save.
func (t *Tracker) RecordPageview(methodOverride, pathOverride string) *model.Pageview {
	method := t.payload.Method
	if methodOverride != "" {
		method = methodOverride
	}
	path := t.payload.Path
	if pathOverride != "" {
		path = pathOverride
	}

	pageview := &model.Pageview{
		ID:             U.GetUUID(),
		Path:           path,
		HTTPMethod:     method,
		MimeType:       t.payload.MimeType,
		QueryString:    residualQueryString(t.payload.QueryParams),
		RequestID:      t.payload.RequestID,
		ClickID:        t.extraction.ClickID,
		PixelCookieID:  t.extraction.PixelCookieID,
		HTTPStatus:     t.httpStatus,
		ResponseTimeMs: t.responseTimeMs,
		CreatedAt:      t.now,
	}
	if t.visit != nil {
		pageview.VisitID = t.visit.VisitID
	}

	t.pageview = pageview
	return pageview
}

// QueueEvent queues a custom event to be attached to the pageview at
// save time.
func (t *Tracker) QueueEvent(eventType string, meta map[string]interface{}) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event meta")
	}

	t.queuedEvents = append(t.queuedEvents, &model.Event{
		ID:        U.GetUUID(),
		EventType: eventType,
		Meta:      postgres.Jsonb{RawMessage: metaJSON},
		RequestID: t.payload.RequestID,
		CreatedAt: t.now,
	})
	return nil
}

// Save persists the pageview and attaches every queued event to it.
// Unlike Track, failures surface to the caller.
func (t *Tracker) Save() error {
	if !C.IsTrackingEnabled() {
		return nil
	}

	if t.pageview == nil {
		t.RecordPageview("", "")
	}

	pageview, err := t.processor.events.CreatePageview(t.pageview)
	if err != nil {
		return errors.Wrap(err, "failed to create pageview")
	}
	t.pageview = pageview

	for _, event := range t.queuedEvents {
		event.PageviewID = pageview.ID
		event.VisitID = pageview.VisitID
		if _, err := t.processor.events.CreateEvent(event); err != nil {
			return errors.Wrap(err, "failed to create event")
		}
	}
	t.queuedEvents = nil

	return nil
}

// Identify resolves an owner for the identifier, attaches it to the
// current visit and records the cookie-owner link, first or create.
func (t *Tracker) Identify(identifier string) error {
	if !C.IsTrackingEnabled() {
		return nil
	}
	if identifier == "" {
		return errors.New("identification failed. missing identifier")
	}

	owner, err := t.processor.owners.FindOrCreate(identifier,
		&model.Owner{ID: U.GetUUID(), Identifier: identifier})
	if err != nil {
		return errors.Wrap(err, "failed to resolve owner")
	}

	if t.visit != nil {
		if err := t.processor.visits.AttachOwner(t.visit, owner.ID); err != nil {
			return errors.Wrap(err, "failed to attach owner to visit")
		}
	}

	if t.cookie != nil {
		key := model.OwnershipKey{CookieID: t.cookie.ID, OwnerID: owner.ID}
		seed := &model.Ownership{ID: U.GetUUID(), CookieID: key.CookieID, OwnerID: key.OwnerID}
		if _, err := t.processor.ownerships.FindOrCreate(key, seed); err != nil {
			return errors.Wrap(err, "failed to record ownership")
		}
	}

	return nil
}

// Visit returns the visit resolved by Track, nil before Track or when
// tracking is disabled.
func (t *Tracker) Visit() *model.Visit {
	return t.visit
}

// Cookie returns the cookie resolved by Track.
func (t *Tracker) Cookie() *model.Cookie {
	return t.cookie
}

func encodeParams(params map[string]string) string {
	values := url.Values{}
	for name, value := range params {
		values.Set(name, value)
	}
	return values.Encode()
}

func residualQueryString(params map[string]string) string {
	values := url.Values{}
	for name, value := range params {
		if !attribution.IsTrackedKey(name) {
			values.Set(name, value)
		}
	}
	return values.Encode()
}
