package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	C "beacon/config"
	H "beacon/handler"
	MW "beacon/middleware"
	"beacon/sdk"
)

func main() {
	env := flag.String("env", C.DEVELOPMENT, "")
	port := flag.Int("port", 8085, "")

	dbHost := flag.String("db_host", "localhost", "")
	dbPort := flag.Int("db_port", 5432, "")
	dbUser := flag.String("db_user", "autometa", "")
	dbName := flag.String("db_name", "autometa", "")
	dbPass := flag.String("db_pass", "", "")

	redisHost := flag.String("redis_host", "localhost", "")
	redisPort := flag.Int("redis_port", 6379, "")

	geoLocFilePath := flag.String("geo_loc_path", "", "Path to GeoLite2 city db. Disabled when empty.")
	cookieSecret := flag.String("cookie_secret", "", "Secret for signing the visitor cookie.")

	trackingEnabled := flag.Bool("tracking_enabled", true, "Global tracking kill-switch.")
	newVisitReasons := flag.String("new_visit_reasons", "",
		"Comma separated new visit reasons, evaluated in order as OR.")
	visitTimeoutSecs := flag.Int64("visit_timeout_secs", C.DefaultVisitTimeoutSecs,
		"Idle seconds after which the next browser request starts a new visit.")
	blankUserAgent := flag.String("blank_user_agent_string", C.DefaultBlankUserAgentString, "")
	secureCookie := flag.Bool("secure_cookie", false, "")
	excludeBot := flag.Bool("exclude_bot", true, "Skip tracking for bot user agents.")

	flag.Parse()

	appName := "sdk_server"
	config := &C.Configuration{
		AppName: appName,
		Env:     *env,
		Port:    *port,
		DBInfo: C.DBConf{
			Host:     *dbHost,
			Port:     *dbPort,
			User:     *dbUser,
			Name:     *dbName,
			Password: *dbPass,
		},
		RedisHost:       *redisHost,
		RedisPort:       *redisPort,
		GeolocationFile: *geoLocFilePath,
		CookieSecret:    *cookieSecret,
		Tracking: C.TrackingConf{
			Enabled:              *trackingEnabled,
			NewVisitReasons:      splitReasons(*newVisitReasons),
			VisitTimeoutSecs:     *visitTimeoutSecs,
			BlankUserAgentString: *blankUserAgent,
			SecureCookie:         *secureCookie,
			ExcludeBot:           *excludeBot,
		},
	}

	if err := C.InitConf(config); err != nil {
		log.WithError(err).Fatal("Failed to initialize config.")
	}
	if err := C.InitServices(config); err != nil {
		log.WithError(err).Fatal("Failed to initialize services.")
	}
	defer C.GetServices().Db.Close()

	processor, err := sdk.NewDefaultProcessor()
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize sdk processor.")
	}

	if !C.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), MW.RequestID(), MW.RequestLogger(), MW.CustomCors())
	H.InitAppRoutes(r, processor)

	log.WithFields(log.Fields{"app": appName, "port": *port}).Info("Starting sdk service.")
	if err := r.Run(fmt.Sprintf(":%d", *port)); err != nil {
		log.WithError(err).Fatal("Failed to run sdk service.")
	}
}

func splitReasons(reasons string) []string {
	if reasons == "" {
		return nil
	}

	split := make([]string, 0)
	for _, reason := range strings.Split(reasons, ",") {
		if r := strings.TrimSpace(reason); r != "" {
			split = append(split, r)
		}
	}
	return split
}
