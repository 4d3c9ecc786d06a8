package util

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/user_agent"
)

func GetUUID() string {
	return uuid.New().String()
}

func IsValidUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// IsValidUUIDv4 reports whether id is a well formed version 4 UUID.
// Cookie ids minted by the engine are always v4.
func IsValidUUIDv4(id string) bool {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return parsed.Version() == 4
}

func TimeNow() time.Time {
	return time.Now().UTC()
}

func IsBotUserAgent(userAgent string) bool {
	if userAgent == "" {
		return false
	}
	return user_agent.New(userAgent).Bot()
}

func ContainsStringInArray(array []string, value string) bool {
	for _, v := range array {
		if v == value {
			return true
		}
	}
	return false
}

// TrimTrailingSlash keeps the root path as is and strips the
// trailing slash everywhere else.
func TrimTrailingSlash(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	return strings.TrimSuffix(path, "/")
}
