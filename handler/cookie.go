package handler

import (
	"crypto/sha256"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/securecookie"
	log "github.com/sirupsen/logrus"

	C "beacon/config"
)

const VisitorCookieName = "_beacon_visitor"

// Two years, the cookie outlives every visit it groups.
const visitorCookieMaxAge = 2 * 365 * 24 * 60 * 60

var cookieCodec *securecookie.SecureCookie

func initCookieCodec() {
	secret := C.GetConfig().CookieSecret
	var hashKey []byte
	if secret == "" {
		log.Warn("No cookie secret configured. Using an ephemeral key.")
		hashKey = securecookie.GenerateRandomKey(32)
	} else {
		sum := sha256.Sum256([]byte(secret))
		hashKey = sum[:]
	}
	cookieCodec = securecookie.New(hashKey, nil)
}

// readVisitorCookie returns the cookie id from the signed visitor
// cookie, empty when absent or tampered.
func readVisitorCookie(c *gin.Context) string {
	raw, err := c.Cookie(VisitorCookieName)
	if err != nil {
		return ""
	}

	var cookieID string
	if err := cookieCodec.Decode(VisitorCookieName, raw, &cookieID); err != nil {
		log.WithError(err).Debug("Failed to decode visitor cookie. Treated as absent.")
		return ""
	}
	return cookieID
}

func writeVisitorCookie(c *gin.Context, cookieID string) {
	encoded, err := cookieCodec.Encode(VisitorCookieName, cookieID)
	if err != nil {
		log.WithError(err).Error("Failed to encode visitor cookie.")
		return
	}

	http.SetCookie(c.Writer, &http.Cookie{
		Name:     VisitorCookieName,
		Value:    encoded,
		Path:     "/",
		MaxAge:   visitorCookieMaxAge,
		Secure:   C.IsSecureCookieEnabled(),
		HttpOnly: true,
	})
}
