// Package redis keeps small hot values, currently the per-visit
// last-observed timestamps used by the idle timeout predicate. The
// database remains the fallback when redis is unavailable.
package redis

import (
	"fmt"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"

	C "beacon/config"
)

var ErrNotAvailable = errors.New("redis not available")

func getConn() (redis.Conn, error) {
	pool := C.GetRedis()
	if pool == nil {
		return nil, ErrNotAvailable
	}
	return pool.Get(), nil
}

func key(parts ...interface{}) string {
	k := "beacon"
	for _, part := range parts {
		k = fmt.Sprintf("%s:%v", k, part)
	}
	return k
}

// GetIfExists returns the value for the key and whether it exists.
func GetIfExists(parts ...interface{}) (string, bool, error) {
	conn, err := getConn()
	if err != nil {
		return "", false, err
	}
	defer conn.Close()

	value, err := redis.String(conn.Do("GET", key(parts...)))
	if err == redis.ErrNil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redis get failed")
	}
	return value, true, nil
}

// SetWithExpiry writes the value with a ttl in seconds.
func SetWithExpiry(value string, expiryInSecs int64, parts ...interface{}) error {
	conn, err := getConn()
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("SET", key(parts...), value, "EX", expiryInSecs)
	if err != nil {
		return errors.Wrap(err, "redis set failed")
	}
	return nil
}
