package config

import (
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/postgres"
	"github.com/kelseyhightower/envconfig"
	"github.com/oschwald/geoip2-golang"
	log "github.com/sirupsen/logrus"
)

const DEVELOPMENT = "development"

// New visit reason names recognized on the new_visit_reasons config.
const (
	ReasonNoVisit            = "no_visit"
	ReasonCookieChanged      = "cookie_changed"
	ReasonVisitExpired       = "visit_expired"
	ReasonUserAgentChanged   = "user_agent_changed"
	ReasonAttributionChanged = "attribution_changed"
	ReasonRefererChanged     = "referer_changed"
)

// DefaultNewVisitReasons is the evaluation order used when
// new_visit_reasons is not configured.
var DefaultNewVisitReasons = []string{
	ReasonNoVisit,
	ReasonCookieChanged,
	ReasonVisitExpired,
	ReasonUserAgentChanged,
	ReasonAttributionChanged,
	ReasonRefererChanged,
}

const DefaultBlankUserAgentString = "(no user agent)"
const DefaultVisitTimeoutSecs = 1800

type DBConf struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// TrackingConf holds the engine level tracking options.
type TrackingConf struct {
	// Global kill-switch. All tracking becomes a no-op when false.
	Enabled bool `json:"enabled"`
	// Ordered predicate names, evaluated as OR on the browser protocol.
	NewVisitReasons      []string `json:"new_visit_reasons"`
	VisitTimeoutSecs     int64    `json:"visit_timeout_secs"`
	BlankUserAgentString string   `json:"blank_user_agent_string"`
	// Passed through to cookie transport, not used by the engine.
	SecureCookie bool `json:"secure_cookie"`
	// Skip tracking for bot user agents.
	ExcludeBot bool `json:"exclude_bot"`
}

type Configuration struct {
	AppName         string       `json:"app_name"`
	Env             string       `json:"env"`
	Port            int          `json:"port"`
	DBInfo          DBConf       `json:"db"`
	RedisHost       string       `json:"redis_host"`
	RedisPort       int          `json:"redis_port"`
	GeolocationFile string       `json:"geolocation_file"`
	CookieSecret    string       `json:"cookie_secret"`
	Tracking        TrackingConf `json:"tracking"`
}

type Services struct {
	Db          *gorm.DB
	Redis       *redis.Pool
	GeoLocation *geoip2.Reader
}

var configuration *Configuration = nil
var services *Services = nil

func initLogging(env string) {
	// Log as JSON instead of the default ASCII formatter.
	log.SetFormatter(&log.JSONFormatter{})

	if env == DEVELOPMENT {
		log.SetLevel(log.DebugLevel)
	}
}

// InitConf validates the given configuration, applies environment
// overrides with the BEACON prefix and makes it available process wide.
func InitConf(config *Configuration) error {
	if config == nil {
		return fmt.Errorf("nil configuration")
	}

	if err := envconfig.Process("beacon", config); err != nil {
		return err
	}

	if len(config.Tracking.NewVisitReasons) == 0 {
		config.Tracking.NewVisitReasons = DefaultNewVisitReasons
	}
	if config.Tracking.VisitTimeoutSecs <= 0 {
		config.Tracking.VisitTimeoutSecs = DefaultVisitTimeoutSecs
	}
	if config.Tracking.BlankUserAgentString == "" {
		config.Tracking.BlankUserAgentString = DefaultBlankUserAgentString
	}

	initLogging(config.Env)
	configuration = config
	return nil
}

func GetConfig() *Configuration {
	if configuration == nil {
		log.Fatal("Configuration not initialized. Call InitConf before GetConfig.")
	}
	return configuration
}

func IsDevelopment() bool {
	return GetConfig().Env == DEVELOPMENT
}

func initDB(conf DBConf) (*gorm.DB, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s dbname=%s password=%s sslmode=disable",
		conf.Host, conf.Port, conf.User, conf.Name, conf.Password)

	db, err := gorm.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	db.LogMode(IsDevelopment())
	return db, nil
}

func initRedis(host string, port int) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     20,
		MaxActive:   100,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
		},
	}
}

// InitServices connects the persistence collaborators. The geolocation
// reader is optional and skipped when no file is configured.
func InitServices(config *Configuration) error {
	db, err := initDB(config.DBInfo)
	if err != nil {
		log.WithError(err).Error("Failed to initialize db on init services.")
		return err
	}

	services = &Services{Db: db}
	services.Redis = initRedis(config.RedisHost, config.RedisPort)

	if config.GeolocationFile != "" {
		geoDb, err := geoip2.Open(config.GeolocationFile)
		if err != nil {
			log.WithError(err).Error("Failed to initialize geolocation service.")
			return err
		}
		services.GeoLocation = geoDb
	}

	return nil
}

func GetServices() *Services {
	if services == nil {
		log.Fatal("Services not initialized. Call InitServices before GetServices.")
	}
	return services
}

// SetServices overrides the services singleton. Used by tests.
func SetServices(s *Services) {
	services = s
}

// GetGeoLocation returns the optional geolocation reader. Nil when
// services are not initialized or no geolocation file was configured.
func GetGeoLocation() *geoip2.Reader {
	if services == nil {
		return nil
	}
	return services.GeoLocation
}

// GetRedis returns the redis pool. Nil when services are not initialized.
func GetRedis() *redis.Pool {
	if services == nil {
		return nil
	}
	return services.Redis
}

func IsTrackingEnabled() bool {
	return GetConfig().Tracking.Enabled
}

func GetNewVisitReasons() []string {
	return GetConfig().Tracking.NewVisitReasons
}

func GetVisitTimeout() time.Duration {
	return time.Duration(GetConfig().Tracking.VisitTimeoutSecs) * time.Second
}

func GetBlankUserAgentString() string {
	return GetConfig().Tracking.BlankUserAgentString
}

func IsSecureCookieEnabled() bool {
	return GetConfig().Tracking.SecureCookie
}

func IsExcludeBotEnabled() bool {
	return GetConfig().Tracking.ExcludeBot
}
