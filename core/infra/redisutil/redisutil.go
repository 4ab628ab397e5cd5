package redisutil

import (
	"github.com/redis/go-redis/v9"

	"github.com/coffer-io/coffer/core/infra/envutil"
)

const (
	envRedisTLSPrefix    = "COFFER_REDIS_TLS"
	envRedisTLSCA        = envRedisTLSPrefix + "_CA"
	envRedisTLSCert      = envRedisTLSPrefix + "_CERT"
	envRedisTLSKey       = envRedisTLSPrefix + "_KEY"
	envRedisTLSInsecure  = envRedisTLSPrefix + "_INSECURE"
	envRedisClusterAddrs = "COFFER_REDIS_CLUSTER_ADDRS"
)

// NewClient creates a Redis universal client with optional TLS and clustering support.
func NewClient(url string) (redis.UniversalClient, error) {
	opts, err := ParseOptions(url)
	if err != nil {
		return nil, err
	}
	addrs := envutil.List(envRedisClusterAddrs)
	if len(addrs) == 0 {
		addrs = []string{opts.Addr}
	}
	uopts := &redis.UniversalOptions{
		Addrs:     addrs,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}
	return redis.NewUniversalClient(uopts), nil
}

// ParseOptions parses a Redis URL and applies TLS settings from the environment.
func ParseOptions(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	cfg, err := envutil.TLSConfig(envRedisTLSPrefix, opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		opts.TLSConfig = cfg
	}
	return opts, nil
}
