package sdk

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	C "beacon/config"
	"beacon/attribution"
	"beacon/identity"
	"beacon/model"
	"beacon/store"
	U "beacon/util"
	"beacon/visit"
)

// memVisitStore mirrors the conditional update semantics of the
// database visit store.
type memVisitStore struct {
	mu           sync.Mutex
	visits       map[string]*model.Visit
	lastObserved map[string]time.Time
	failCreate   bool
}

func newMemVisitStore() *memVisitStore {
	return &memVisitStore{
		visits:       make(map[string]*model.Visit),
		lastObserved: make(map[string]time.Time),
	}
}

func (s *memVisitStore) GetByVisitID(visitID string) (*model.Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	visit, exists := s.visits[visitID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := *visit
	return &copied, nil
}

func (s *memVisitStore) Create(visit *model.Visit) (*model.Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCreate {
		return nil, assert.AnError
	}
	if _, exists := s.visits[visit.VisitID]; exists {
		return nil, store.ErrDuplicate
	}
	copied := *visit
	s.visits[visit.VisitID] = &copied
	return visit, nil
}

func (s *memVisitStore) backfill(visitID string, get func(*model.Visit) *string,
	value string) (bool, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	visit, exists := s.visits[visitID]
	if !exists {
		return false, store.ErrNotFound
	}
	field := get(visit)
	if *field != "" {
		return false, nil
	}
	*field = value
	return true, nil
}

func (s *memVisitStore) BackfillQueryString(visitID, rawQueryString string) (bool, error) {
	return s.backfill(visitID, func(v *model.Visit) *string { return &v.RawQueryString }, rawQueryString)
}

func (s *memVisitStore) BackfillAttribution(visitID, attributionID string) (bool, error) {
	return s.backfill(visitID, func(v *model.Visit) *string { return &v.AttributionID }, attributionID)
}

func (s *memVisitStore) BackfillReferer(visitID, refererID string) (bool, error) {
	return s.backfill(visitID, func(v *model.Visit) *string { return &v.RefererID }, refererID)
}

func (s *memVisitStore) BackfillIngressURL(visitID, ingressURL string) (bool, error) {
	return s.backfill(visitID, func(v *model.Visit) *string { return &v.UnalteredIngressURL }, ingressURL)
}

func (s *memVisitStore) SetOwner(visitID, ownerID string) (bool, error) {
	return s.backfill(visitID, func(v *model.Visit) *string { return &v.OwnerID }, ownerID)
}

func (s *memVisitStore) LastObserved(visitID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, exists := s.lastObserved[visitID]; exists {
		return t, nil
	}
	visit, exists := s.visits[visitID]
	if !exists {
		return time.Time{}, store.ErrNotFound
	}
	return visit.CreatedAt, nil
}

func (s *memVisitStore) TouchLastObserved(visitID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastObserved[visitID] = t
	return nil
}

type memEventStore struct {
	mu        sync.Mutex
	pageviews []*model.Pageview
	events    []*model.Event
}

func (s *memEventStore) CreatePageview(pageview *model.Pageview) (*model.Pageview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *pageview
	s.pageviews = append(s.pageviews, &copied)
	return pageview, nil
}

func (s *memEventStore) CreateEvent(event *model.Event) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *event
	s.events = append(s.events, &copied)
	return event, nil
}

type testPipeline struct {
	processor  *Processor
	visitStore *memVisitStore
	eventStore *memEventStore
	owners     *store.MemBackend[string, model.Owner]
	ownerships *store.MemBackend[model.OwnershipKey, model.Ownership]
}

func initTestConf(t *testing.T, tracking C.TrackingConf) {
	err := C.InitConf(&C.Configuration{Env: "test", Tracking: tracking})
	assert.Nil(t, err)
}

func newTestPipeline(t *testing.T) *testPipeline {
	initTestConf(t, C.TrackingConf{Enabled: true})

	attributionResolver, err := attribution.NewResolver(
		store.NewMemBackend[string, model.Attribution]())
	assert.Nil(t, err)

	identityResolver, err := identity.NewResolver(
		store.NewMemBackend[string, model.Cookie](),
		store.NewMemBackend[string, model.UserAgent](),
		store.NewMemBackend[string, model.Domain](),
		store.NewMemBackend[string, model.Referer](),
		attributionResolver, C.DefaultBlankUserAgentString)
	assert.Nil(t, err)

	visitStore := newMemVisitStore()
	visitResolver := visit.NewResolver(visitStore,
		C.DefaultNewVisitReasons, 30*time.Minute)

	eventStore := &memEventStore{}
	owners := store.NewMemBackend[string, model.Owner]()
	ownerships := store.NewMemBackend[model.OwnershipKey, model.Ownership]()

	processor, err := NewProcessor(identityResolver, attributionResolver,
		visitResolver, eventStore, owners, ownerships)
	assert.Nil(t, err)

	return &testPipeline{
		processor:  processor,
		visitStore: visitStore,
		eventStore: eventStore,
		owners:     owners,
		ownerships: ownerships,
	}
}

func browserPayload() *TrackPayload {
	return &TrackPayload{
		QueryParams: map[string]string{
			"utm_source": "fb", "gclid": "gclid-1", "page": "2"},
		Method:     "GET",
		Path:       "/pricing",
		MimeType:   "text/html",
		RequestID:  U.GetUUID(),
		ClientIP:   "10.0.0.1",
		UserAgent:  "Mozilla/5.0",
		Referer:    "http://www.example.com/landing",
		IngressURL: "https://shop.example.com/pricing?utm_source=fb&gclid=gclid-1&page=2",
		Domain:     "shop.example.com",
	}
}

func TestTrackBrowserEndToEnd(t *testing.T) {
	pipeline := newTestPipeline(t)

	tracker := pipeline.processor.NewTracker(ProtocolBrowser, browserPayload())
	tracker.Track()

	cookie := tracker.Cookie()
	assert.NotNil(t, cookie)
	assert.True(t, U.IsValidUUIDv4(cookie.ID))

	visitRow := tracker.Visit()
	assert.NotNil(t, visitRow)
	assert.Equal(t, cookie.ID, visitRow.CookieID)
	assert.NotEmpty(t, visitRow.AttributionID)
	assert.NotEmpty(t, visitRow.RefererID)
	assert.NotEmpty(t, visitRow.UserAgentID)
	assert.NotEmpty(t, visitRow.DomainID)

	tracker.RecordPageview("", "")
	tracker.SetResponse(200, 12)
	assert.Nil(t, tracker.Save())

	assert.Len(t, pipeline.eventStore.pageviews, 1)
	pageview := pipeline.eventStore.pageviews[0]
	assert.Equal(t, visitRow.VisitID, pageview.VisitID)
	assert.Equal(t, "/pricing", pageview.Path)
	assert.Equal(t, 200, pageview.HTTPStatus)

	// Tracking parameters never land in the stored query string. The
	// click id is carried on its own column.
	assert.Equal(t, "page=2", pageview.QueryString)
	assert.Equal(t, "gclid-1", pageview.ClickID)
}

func TestTrackDisabledIsNoOp(t *testing.T) {
	pipeline := newTestPipeline(t)
	initTestConf(t, C.TrackingConf{Enabled: false})

	tracker := pipeline.processor.NewTracker(ProtocolBrowser, browserPayload())
	tracker.Track()

	assert.Nil(t, tracker.Visit())
	assert.Nil(t, tracker.Save())
	assert.Len(t, pipeline.eventStore.pageviews, 0)
}

func TestTrackBrowserReusesVisit(t *testing.T) {
	pipeline := newTestPipeline(t)

	first := pipeline.processor.NewTracker(ProtocolBrowser, browserPayload())
	first.Track()
	assert.NotNil(t, first.Visit())

	payload := browserPayload()
	payload.CookieID = first.Cookie().ID
	payload.VisitID = first.Visit().VisitID

	second := pipeline.processor.NewTracker(ProtocolBrowser, payload)
	second.Track()

	assert.Equal(t, first.Visit().VisitID, second.Visit().VisitID)
	assert.Len(t, pipeline.visitStore.visits, 1)
}

func TestTrackAPIUsesSuppliedIDs(t *testing.T) {
	pipeline := newTestPipeline(t)

	payload := browserPayload()
	payload.CookieID = U.GetUUID()
	payload.VisitID = "srv-visit-1"

	tracker := pipeline.processor.NewTracker(ProtocolAPI, payload)
	tracker.Track()

	assert.NotNil(t, tracker.Visit())
	assert.Equal(t, "srv-visit-1", tracker.Visit().VisitID)
	assert.Equal(t, payload.CookieID, tracker.Cookie().ID)
}

func TestTrackAPIWithoutVisitIDFailsSoft(t *testing.T) {
	pipeline := newTestPipeline(t)

	tracker := pipeline.processor.NewTracker(ProtocolAPI, browserPayload())
	tracker.Track()

	assert.Nil(t, tracker.Visit())
}

func TestTrackStoreFailureFailsSoft(t *testing.T) {
	pipeline := newTestPipeline(t)
	pipeline.visitStore.failCreate = true

	tracker := pipeline.processor.NewTracker(ProtocolBrowser, browserPayload())
	tracker.Track()

	assert.Nil(t, tracker.Visit())
}

func TestTrackBrowserSkipsBots(t *testing.T) {
	pipeline := newTestPipeline(t)
	initTestConf(t, C.TrackingConf{Enabled: true, ExcludeBot: true})

	payload := browserPayload()
	payload.UserAgent = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"

	tracker := pipeline.processor.NewTracker(ProtocolBrowser, payload)
	tracker.Track()

	assert.Nil(t, tracker.Visit())
	assert.Len(t, pipeline.visitStore.visits, 0)
}

func TestSaveAttachesQueuedEvents(t *testing.T) {
	pipeline := newTestPipeline(t)

	tracker := pipeline.processor.NewTracker(ProtocolBrowser, browserPayload())
	tracker.Track()

	assert.Nil(t, tracker.QueueEvent("signup", map[string]interface{}{"plan": "pro"}))
	assert.Nil(t, tracker.QueueEvent("trial_started", nil))
	assert.Nil(t, tracker.Save())

	assert.Len(t, pipeline.eventStore.pageviews, 1)
	assert.Len(t, pipeline.eventStore.events, 2)

	pageview := pipeline.eventStore.pageviews[0]
	for _, event := range pipeline.eventStore.events {
		assert.Equal(t, pageview.ID, event.PageviewID)
		assert.Equal(t, pageview.VisitID, event.VisitID)
	}
}

func TestIdentifyIdempotent(t *testing.T) {
	pipeline := newTestPipeline(t)

	tracker := pipeline.processor.NewTracker(ProtocolBrowser, browserPayload())
	tracker.Track()
	assert.NotNil(t, tracker.Visit())

	assert.Nil(t, tracker.Identify("user@example.com"))
	ownerID := tracker.Visit().OwnerID
	assert.NotEmpty(t, ownerID)

	// Replaying the identification changes nothing.
	assert.Nil(t, tracker.Identify("user@example.com"))
	assert.Equal(t, ownerID, tracker.Visit().OwnerID)
	assert.Equal(t, 1, pipeline.owners.Creates())
	assert.Equal(t, 1, pipeline.ownerships.Creates())

	// A second identity does not displace the visit owner but is still
	// linked to the cookie.
	assert.Nil(t, tracker.Identify("other@example.com"))
	assert.Equal(t, ownerID, tracker.Visit().OwnerID)
	assert.Equal(t, 2, pipeline.owners.Creates())
	assert.Equal(t, 2, pipeline.ownerships.Creates())
}

func TestIdentifyRequiresIdentifier(t *testing.T) {
	pipeline := newTestPipeline(t)

	tracker := pipeline.processor.NewTracker(ProtocolBrowser, browserPayload())
	tracker.Track()

	assert.NotNil(t, tracker.Identify(""))
}
