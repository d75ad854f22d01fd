// Package config loads the service configuration from a YAML file, an
// optional .env file and FETCHCACHE_* environment variables, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-fetchcache/pkg/cache"
	"github.com/illmade-knight/go-fetchcache/pkg/fetch"
	"github.com/illmade-knight/go-fetchcache/pkg/fetchcache"
	"github.com/illmade-knight/go-fetchcache/pkg/invalidation"
	"github.com/illmade-knight/go-fetchcache/pkg/microservice"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "FETCHCACHE_"

// Config is the complete service configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	HTTPPort  string `yaml:"http_port"`

	// TrustedProxies lists the CIDR ranges or addresses allowed to set
	// X-User-ID and X-Forwarded-For. Empty trusts every peer.
	TrustedProxies []string `yaml:"trusted_proxies"`

	Remote       fetch.HTTPConfig    `yaml:"remote"`
	Cache        cache.Config        `yaml:"cache"`
	Caching      fetchcache.Config   `yaml:"caching"`
	Invalidation invalidation.Config `yaml:"invalidation"`
}

// Error lists every problem found while validating a Config.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Kind classifies the failure for logging.ErrorLogger.
func (e *Error) Kind() fetch.Kind { return fetch.KindConfig }

// Defaults returns a Config with every optional field filled in.
func Defaults() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		HTTPPort:  ":8080",
		Remote: fetch.HTTPConfig{
			Timeout: 10 * time.Second,
		},
		Cache: cache.Config{
			Backend:    cache.BackendMemory,
			MaxEntries: 10000,
			Firestore: cache.FirestoreConfig{
				CollectionName: "fetch-cache",
			},
		},
		Caching: fetchcache.DefaultConfig(),
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// empty), the given .env files (".env" when none are named; missing files
// are ignored) and the environment. The result is validated.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString("LOG_LEVEL", &c.LogLevel)
	setString("LOG_FORMAT", &c.LogFormat)
	setString("HTTP_PORT", &c.HTTPPort)
	setList("TRUSTED_PROXIES", &c.TrustedProxies)

	setString("REMOTE_HOST", &c.Remote.Host)
	setString("REMOTE_USER", &c.Remote.User)
	setString("REMOTE_PASSWORD", &c.Remote.Password)

	setString("CACHE_BACKEND", &c.Cache.Backend)
	setString("CACHE_KEY_PREFIX", &c.Caching.KeyPrefix)
	setString("REDIS_ADDR", &c.Cache.Redis.Addr)
	setString("REDIS_PASSWORD", &c.Cache.Redis.Password)
	setString("FIRESTORE_PROJECT_ID", &c.Cache.Firestore.ProjectID)
	setString("FIRESTORE_COLLECTION", &c.Cache.Firestore.CollectionName)
	setString("GOOGLE_APPLICATION_CREDENTIALS", &c.Cache.Firestore.CredentialsFile)

	setString("PUBSUB_PROJECT_ID", &c.Invalidation.ProjectID)
	setString("PUBSUB_TOPIC_ID", &c.Invalidation.TopicID)
	setString("PUBSUB_SUBSCRIPTION_PREFIX", &c.Invalidation.SubscriptionPrefix)

	var errs []error
	errs = append(errs,
		setDuration("REMOTE_TIMEOUT", &c.Remote.Timeout),
		setDuration("CACHE_TTL", &c.Caching.DefaultTTL),
		setInt("CACHE_MAX_ENTRIES", &c.Cache.MaxEntries),
		setInt("REDIS_DB", &c.Cache.Redis.DB),
		setBool("INVALIDATION_ENABLED", &c.Invalidation.Enabled),
	)
	return errors.Join(errs...)
}

// Validate reports every missing or invalid field at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Remote.Host == "" {
		add("remote.host is required")
	}
	if c.Remote.Timeout < 0 {
		add("remote.timeout cannot be negative")
	}
	if c.Caching.DefaultTTL < 0 {
		add("caching.default_ttl cannot be negative")
	}
	if c.HTTPPort == "" {
		add("http_port is required")
	}
	if _, err := microservice.ParseTrustedProxies(c.TrustedProxies); err != nil {
		add("trusted_proxies: %v", err)
	}

	switch c.Cache.Backend {
	case "", cache.BackendMemory, cache.BackendTTL:
	case cache.BackendLRU:
		if c.Cache.MaxEntries <= 0 {
			add("cache.max_entries must be greater than 0 for the lru backend")
		}
	case cache.BackendRedis:
		if c.Cache.Redis.Addr == "" {
			add("cache.redis.addr is required for the redis backend")
		}
	case cache.BackendFirestore:
		if c.Cache.Firestore.ProjectID == "" {
			add("cache.firestore.project_id is required for the firestore backend")
		}
		if c.Cache.Firestore.CollectionName == "" {
			add("cache.firestore.collection_name is required for the firestore backend")
		}
	default:
		add("cache.backend %q is not supported", c.Cache.Backend)
	}

	if c.Invalidation.Enabled {
		if c.Invalidation.ProjectID == "" {
			add("invalidation.project_id is required when invalidation is enabled")
		}
		if c.Invalidation.TopicID == "" {
			add("invalidation.topic_id is required when invalidation is enabled")
		}
		if c.Invalidation.SubscriptionPrefix == "" {
			add("invalidation.subscription_prefix is required when invalidation is enabled")
		}
	}

	if len(problems) > 0 {
		return &Error{Problems: problems}
	}
	return nil
}

func setString(name string, dst *string) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		*dst = v
	}
}

// setList splits a comma separated value, dropping empty items.
func setList(name string, dst *[]string) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return
	}
	var items []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}

func setDuration(name string, dst *time.Duration) error {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, name, err)
	}
	*dst = d
	return nil
}

func setInt(name string, dst *int) error {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, name, err)
	}
	*dst = n
	return nil
}

func setBool(name string, dst *bool) error {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, name, err)
	}
	*dst = b
	return nil
}
