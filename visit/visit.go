// Package visit implements the visit lifecycle state machine: staleness,
// creation, lookup and the race reconciliation between the browser
// tracking call and the server-to-server API call for one session.
package visit

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	C "beacon/config"
	"beacon/model"
	"beacon/store"
	U "beacon/util"
)

// State of a visit within one request lifetime. Absent and Provisional
// are transient, every request terminates in Active or Complete.
type State int

const (
	StateAbsent State = iota
	StateProvisional
	StateActive
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateProvisional:
		return "provisional"
	case StateActive:
		return "active"
	default:
		return "complete"
	}
}

// StateOf derives the state from the row. A visit is complete once its
// attribution and referer are both non-empty, after which neither is
// overwritten.
func StateOf(visit *model.Visit) State {
	if visit == nil {
		return StateAbsent
	}
	if visit.AttributionID != "" && visit.RefererID != "" {
		return StateComplete
	}
	return StateActive
}

// Store is the visit persistence collaborator. Create must return
// store.ErrDuplicate when the unique constraint on visit_id fires, and
// every Backfill* call must be a single conditional update that only
// sets a still blank column.
type Store interface {
	GetByVisitID(visitID string) (*model.Visit, error)
	Create(visit *model.Visit) (*model.Visit, error)
	BackfillQueryString(visitID, rawQueryString string) (bool, error)
	BackfillAttribution(visitID, attributionID string) (bool, error)
	BackfillReferer(visitID, refererID string) (bool, error)
	BackfillIngressURL(visitID, ingressURL string) (bool, error)
	SetOwner(visitID, ownerID string) (bool, error)
	LastObserved(visitID string) (time.Time, error)
	TouchLastObserved(visitID string, t time.Time) error
}

// Request carries the already resolved inputs of one tracking request.
// Populated once at load time and passed through explicitly.
type Request struct {
	CookieID string
	// Whether the inbound cookie resolved as-is. A reissued cookie
	// also invalidates a caller supplied visit_id on the browser path.
	CookieWasValid  bool
	SuppliedVisitID string
	UserAgentID     string
	AttributionID   string
	HasAttribution  bool
	RefererID       string
	IPAddress       string
	DomainID        string
	RawQueryString  string
	IngressURL      string
	Now             time.Time
}

// Outcome of resolving a request against the visit store.
type Outcome struct {
	Visit   *model.Visit
	State   State
	Created bool
	// Reason that triggered new visit creation, empty on reuse.
	Reason string
}

const maxCreateAttempts = 3

type Resolver struct {
	store   Store
	reasons []string
	timeout time.Duration
}

func NewResolver(visitStore Store, reasons []string, timeout time.Duration) *Resolver {
	return &Resolver{store: visitStore, reasons: reasons, timeout: timeout}
}

// ResolveBrowser runs the browser entry protocol: the configured
// new-visit reasons are evaluated as OR against the current visit and a
// new visit is created with full fields in one step when any fires,
// otherwise the existing visit is reused as-is.
func (r *Resolver) ResolveBrowser(req *Request) (*Outcome, error) {
	suppliedID := req.SuppliedVisitID
	if !req.CookieWasValid {
		// Invalid cookie invalidates the supplied visit too.
		suppliedID = ""
	}

	var current *model.Visit
	if suppliedID != "" {
		found, err := r.store.GetByVisitID(suppliedID)
		if err != nil && !store.IsNotFound(err) {
			return nil, err
		}
		current = found
	}

	entryState := StateOf(current)
	if current == nil && suppliedID != "" {
		entryState = StateProvisional
	}

	reason, startNew := r.shouldStartNewVisit(current, req)
	if !startNew {
		if err := r.store.TouchLastObserved(current.VisitID, req.Now); err != nil {
			log.WithError(err).WithField("visit_id", current.VisitID).
				Warn("Failed to touch last observed time.")
		}
		return &Outcome{Visit: current, State: StateOf(current)}, nil
	}

	// Keep the supplied id only when no row exists for it yet, so a
	// racing API call for the same id converges on one row. An expired
	// or otherwise replaced visit gets a fresh id.
	visitID := U.GetUUID()
	if entryState == StateProvisional {
		visitID = suppliedID
	}

	log.WithFields(log.Fields{"visit_id": visitID, "entry_state": entryState.String(),
		"reason": reason}).Debug("Starting new visit.")

	visit, created, err := r.createConverging(newVisitFromRequest(visitID, req))
	if err != nil {
		return nil, err
	}

	if err := r.store.TouchLastObserved(visit.VisitID, req.Now); err != nil {
		log.WithError(err).WithField("visit_id", visit.VisitID).
			Warn("Failed to touch last observed time.")
	}

	outcome := &Outcome{Visit: visit, State: StateOf(visit), Created: created}
	if created {
		outcome.Reason = reason
	}
	return outcome, nil
}

// ResolveAPI runs the server-to-server entry protocol for an explicit
// visit_id. On create all known fields are populated now. On find the
// existing row is authoritative and only the bounded reconciliation
// pass below may fill its blanks.
func (r *Resolver) ResolveAPI(req *Request) (*Outcome, error) {
	if req.SuppliedVisitID == "" {
		return nil, errors.New("visit_id required on api protocol")
	}

	visit, created, err := r.createConverging(
		newVisitFromRequest(req.SuppliedVisitID, req))
	if err != nil {
		return nil, err
	}

	if !created {
		if err := r.Reconcile(visit, req); err != nil {
			return nil, err
		}
	}

	if err := r.store.TouchLastObserved(visit.VisitID, req.Now); err != nil {
		log.WithError(err).WithField("visit_id", visit.VisitID).
			Warn("Failed to touch last observed time.")
	}

	return &Outcome{Visit: visit, State: StateOf(visit), Created: created}, nil
}

// Reconcile backfills a visit created by the other race participant.
// Each backfill is a single conditional update, so replaying it on an
// already complete row is a no-op and no populated field is erased. A
// backfill rejected because a concurrent writer filled the column
// first re-reads the row, so the in-memory visit never stays behind
// the store.
func (r *Resolver) Reconcile(visit *model.Visit, req *Request) error {
	stale := false

	if visit.RawQueryString == "" && req.RawQueryString != "" {
		applied, err := r.store.BackfillQueryString(visit.VisitID, req.RawQueryString)
		if err != nil {
			return err
		}
		if applied {
			visit.RawQueryString = req.RawQueryString
		} else {
			stale = true
		}
	}

	if visit.AttributionID == "" && req.HasAttribution && req.AttributionID != "" {
		applied, err := r.store.BackfillAttribution(visit.VisitID, req.AttributionID)
		if err != nil {
			return err
		}
		if applied {
			visit.AttributionID = req.AttributionID
		} else {
			stale = true
		}
	}

	if stale {
		return r.refresh(visit)
	}
	return nil
}

// refresh replaces the in-memory visit with the store's current row.
func (r *Resolver) refresh(visit *model.Visit) error {
	current, err := r.store.GetByVisitID(visit.VisitID)
	if err != nil {
		return err
	}
	*visit = *current
	return nil
}

// BackfillBrowser opportunistically completes a reused visit on the
// browser path: raw query string, ingress URL, attribution and referer
// are each set once if still blank and new information is available.
func (r *Resolver) BackfillBrowser(visit *model.Visit, req *Request) error {
	if err := r.Reconcile(visit, req); err != nil {
		return err
	}

	stale := false

	if visit.UnalteredIngressURL == "" && req.IngressURL != "" {
		applied, err := r.store.BackfillIngressURL(visit.VisitID, req.IngressURL)
		if err != nil {
			return err
		}
		if applied {
			visit.UnalteredIngressURL = req.IngressURL
		} else {
			stale = true
		}
	}

	if visit.RefererID == "" && req.RefererID != "" {
		applied, err := r.store.BackfillReferer(visit.VisitID, req.RefererID)
		if err != nil {
			return err
		}
		if applied {
			visit.RefererID = req.RefererID
		} else {
			stale = true
		}
	}

	if stale {
		return r.refresh(visit)
	}
	return nil
}

// AttachOwner sets the owner on the visit once. An already owned visit
// keeps its owner.
func (r *Resolver) AttachOwner(visit *model.Visit, ownerID string) error {
	if visit.OwnerID != "" || ownerID == "" {
		return nil
	}
	applied, err := r.store.SetOwner(visit.VisitID, ownerID)
	if err != nil {
		return err
	}
	if applied {
		visit.OwnerID = ownerID
	}
	return nil
}

// createConverging creates the visit, resolving a lost uniqueness race
// by re-reading the winner's row. Bounded, creation is idempotent from
// the caller's perspective.
func (r *Resolver) createConverging(visit *model.Visit) (*model.Visit, bool, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		created, err := r.store.Create(visit)
		if err == nil {
			return created, true, nil
		}
		if !store.IsDuplicate(err) {
			return nil, false, err
		}

		existing, err := r.store.GetByVisitID(visit.VisitID)
		if err == nil {
			return existing, false, nil
		}
		if !store.IsNotFound(err) {
			return nil, false, err
		}

		log.WithFields(log.Fields{"visit_id": visit.VisitID, "attempt": attempt}).
			Debug("Lost visit creation race. Retrying.")
	}

	return nil, false, errors.Wrapf(store.ErrConflictExhausted,
		"visit %s gave up after %d attempts", visit.VisitID, maxCreateAttempts)
}

func (r *Resolver) shouldStartNewVisit(current *model.Visit, req *Request) (string, bool) {
	// A missing visit always requires creation. There is nothing to
	// reuse, whatever reasons are configured.
	if current == nil {
		return C.ReasonNoVisit, true
	}

	for _, reason := range r.reasons {
		if r.evalReason(reason, current, req) {
			return reason, true
		}
	}
	return "", false
}

// evalReason evaluates one configured predicate against a known
// current visit.
func (r *Resolver) evalReason(reason string, current *model.Visit, req *Request) bool {
	switch reason {
	case C.ReasonNoVisit:
		// Already handled before predicate evaluation.
		return false
	case C.ReasonCookieChanged:
		return current.CookieID != req.CookieID
	case C.ReasonVisitExpired:
		return r.isExpired(current, req.Now)
	case C.ReasonUserAgentChanged:
		return current.UserAgentID != req.UserAgentID
	case C.ReasonAttributionChanged:
		// A blank attribution on the row is backfill territory, not a
		// new touch point.
		return req.HasAttribution && current.AttributionID != "" &&
			current.AttributionID != req.AttributionID
	case C.ReasonRefererChanged:
		return req.RefererID != "" && current.RefererID != "" &&
			current.RefererID != req.RefererID
	default:
		log.WithField("reason", reason).Warn("Unknown new visit reason. Skipped.")
		return false
	}
}

// isExpired applies the idle timeout. Expiry only triggers creation of
// a new visit, the old row is never mutated.
func (r *Resolver) isExpired(visit *model.Visit, now time.Time) bool {
	lastObserved, err := r.store.LastObserved(visit.VisitID)
	if err != nil {
		log.WithError(err).WithField("visit_id", visit.VisitID).
			Warn("Failed to get last observed time. Visit treated as live.")
		return false
	}
	return now.Sub(lastObserved) > r.timeout
}

func newVisitFromRequest(visitID string, req *Request) *model.Visit {
	visit := &model.Visit{
		ID:                  U.GetUUID(),
		VisitID:             visitID,
		CookieID:            req.CookieID,
		AttributionID:       req.AttributionID,
		RefererID:           req.RefererID,
		UserAgentID:         req.UserAgentID,
		IPAddress:           req.IPAddress,
		DomainID:            req.DomainID,
		RawQueryString:      req.RawQueryString,
		UnalteredIngressURL: req.IngressURL,
		CreatedAt:           req.Now,
	}
	model.FillVisitLocation(visit, req.IPAddress)
	return visit
}
