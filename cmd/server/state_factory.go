package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/matst80/connexions/internal/obs"
)

// instanceName identifies this process in a shared unit directory.
func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "connexions"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), strconv.FormatInt(time.Now().Unix(), 36))
}

// newStateStore returns the Redis-backed unit directory when an address is
// configured and the in-memory one otherwise.
func newStateStore(c Config) (StateStore, error) {
	instance := instanceName()
	if c.RedisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory", "instance": instance})
		return newServerState(instance), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": c.RedisAddr, "db": c.RedisDB, "instance": instance})
	return newRedisStateStore(c.RedisAddr, c.RedisPassword, c.RedisDB, instance)
}
