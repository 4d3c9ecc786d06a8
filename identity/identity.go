// Package identity resolves the anonymous cookie identity, the user
// agent and the referer of a request into canonical interned rows.
package identity

import (
	"fmt"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"

	"beacon/attribution"
	"beacon/model"
	"beacon/store"
	U "beacon/util"
)

// CookieMode selects how a missing or unknown cookie id is handled.
type CookieMode int

const (
	// CookieModeStrict rejects invalid or unknown cookies.
	CookieModeStrict CookieMode = iota
	// CookieModeBrowser mints a fresh cookie when none resolves. The
	// browser path owns cookie issuance.
	CookieModeBrowser
	// CookieModeAPI trusts the remote caller to have generated the id
	// and interns unknown cookies as supplied.
	CookieModeAPI
)

const (
	cookieCacheSize    = 100
	userAgentCacheSize = 100
	domainCacheSize    = 50
	refererCacheSize   = 100
)

type Resolver struct {
	cookies     *store.Interner[string, model.Cookie]
	userAgents  *store.Interner[string, model.UserAgent]
	domains     *store.Interner[string, model.Domain]
	referers    *store.Interner[string, model.Referer]
	attribution *attribution.Resolver

	// Sentinel stored for empty user agents, never left null.
	blankUserAgentString string
}

func NewResolver(
	cookieBackend store.Backend[string, model.Cookie],
	userAgentBackend store.Backend[string, model.UserAgent],
	domainBackend store.Backend[string, model.Domain],
	refererBackend store.Backend[string, model.Referer],
	attributionResolver *attribution.Resolver,
	blankUserAgentString string) (*Resolver, error) {

	cookies, err := store.NewInterner("cookie", cookieBackend, cookieCacheSize)
	if err != nil {
		return nil, err
	}
	userAgents, err := store.NewInterner("user_agent", userAgentBackend, userAgentCacheSize)
	if err != nil {
		return nil, err
	}
	domains, err := store.NewInterner("domain", domainBackend, domainCacheSize)
	if err != nil {
		return nil, err
	}
	referers, err := store.NewInterner("referer", refererBackend, refererCacheSize)
	if err != nil {
		return nil, err
	}

	return &Resolver{
		cookies:              cookies,
		userAgents:           userAgents,
		domains:              domains,
		referers:             referers,
		attribution:          attributionResolver,
		blankUserAgentString: blankUserAgentString,
	}, nil
}

// EnsureCookie resolves the candidate cookie id per mode. An invalid
// format is treated as no cookie, never as an error. Returns nil
// without error when the cookie is rejected in strict mode.
func (r *Resolver) EnsureCookie(candidateID string, mode CookieMode) (*model.Cookie, error) {
	candidateID = strings.TrimSpace(candidateID)

	if !U.IsValidUUIDv4(candidateID) {
		if mode == CookieModeStrict {
			return nil, nil
		}
		return r.mintCookie()
	}

	cookie, err := r.cookies.Find(candidateID)
	if err == nil {
		return cookie, nil
	}
	if !store.IsNotFound(err) {
		return nil, err
	}

	switch mode {
	case CookieModeStrict:
		return nil, nil
	case CookieModeAPI:
		// The remote caller owns this id. Intern as supplied.
		return r.cookies.FindOrCreate(candidateID, &model.Cookie{ID: candidateID})
	default:
		return r.mintCookie()
	}
}

func (r *Resolver) mintCookie() (*model.Cookie, error) {
	id := U.GetUUID()
	return r.cookies.FindOrCreate(id, &model.Cookie{ID: id})
}

// ResolveUserAgent interns the raw user agent string. Blank input maps
// to the configured sentinel.
func (r *Resolver) ResolveUserAgent(rawUserAgent string) (*model.UserAgent, error) {
	value := strings.TrimSpace(rawUserAgent)
	if value == "" {
		value = r.blankUserAgentString
	}
	return r.userAgents.FindOrCreate(value, &model.UserAgent{ID: U.GetUUID(), Value: value})
}

// ResolveReferer normalizes and interns the referring URL. Empty or
// unparsable input yields no referer, never an error.
func (r *Resolver) ResolveReferer(rawReferer string) (*model.Referer, error) {
	rawReferer = strings.TrimSpace(rawReferer)
	if rawReferer == "" {
		return nil, nil
	}

	parsed, err := url.Parse(rawReferer)
	if err != nil || parsed.Host == "" {
		log.WithField("referer", rawReferer).Debug("Malformed referer. Treated as absent.")
		return nil, nil
	}

	// Avoid two referer rows for www.example.com vs example.com.
	host := strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	path := U.TrimTrailingSlash(parsed.Path)

	rawParams := make(map[string]string)
	for name, values := range parsed.Query() {
		if len(values) > 0 {
			rawParams[name] = values[0]
		}
	}

	attributionID := ""
	attributionRow, err := r.attribution.Resolve(rawParams)
	if err != nil {
		return nil, err
	}
	if attributionRow != nil {
		attributionID = attributionRow.ID
	}

	residual := url.Values{}
	for name, values := range parsed.Query() {
		if !attribution.IsTrackedKey(name) {
			residual[name] = values
		}
	}

	domain, err := r.domains.FindOrCreate(host, &model.Domain{ID: U.GetUUID(), Name: host})
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s|%s|%s|%s", host, path, residual.Encode(), attributionID)
	return r.referers.FindOrCreate(key, &model.Referer{
		ID:            U.GetUUID(),
		Key:           key,
		DomainID:      domain.ID,
		Path:          path,
		QueryString:   residual.Encode(),
		AttributionID: attributionID,
	})
}

// ResolveDomain interns a bare host name, used for the visit's own
// ingress domain.
func (r *Resolver) ResolveDomain(host string) (*model.Domain, error) {
	host = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(host)), "www.")
	if host == "" {
		return nil, nil
	}
	return r.domains.FindOrCreate(host, &model.Domain{ID: U.GetUUID(), Name: host})
}
