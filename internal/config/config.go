package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Host            string
	Port            int
	Semaphores      map[string]int64
	DefaultLeaseTTL time.Duration
	SweepInterval   time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	EventBuffer     int
	TLSCert         string
	TLSKey          string
	Debug           bool
	Version         bool
}

// semaphoreFlags collects repeated --semaphore name=capacity flags.
type semaphoreFlags map[string]int64

func (s semaphoreFlags) String() string {
	parts := make([]string, 0, len(s))
	for name, cap := range s {
		parts = append(parts, fmt.Sprintf("%s=%d", name, cap))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (s semaphoreFlags) Set(v string) error {
	name, capStr, ok := strings.Cut(v, "=")
	if !ok || name == "" {
		return fmt.Errorf("semaphore must be name=capacity, got %q", v)
	}
	capacity, err := strconv.ParseInt(capStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid capacity in %q: %w", v, err)
	}
	s[name] = capacity
	return nil
}

// envOrString returns the environment variable value, or the flag default if
// the env var is unset.
func envOrString(envKey string, flagVal string) string {
	v := os.Getenv(envKey)
	if v == "" {
		return flagVal
	}
	return v
}

// envOrInt returns the environment variable value parsed as int, or the flag
// default if the env var is unset or unparseable.
func envOrInt(envKey string, flagVal int) int {
	v := os.Getenv(envKey)
	if v == "" {
		return flagVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return flagVal
	}
	return n
}

// envOrBool returns the environment variable value parsed as bool, or the flag
// default if the env var is unset. Recognizes 1/yes/true as true and
// 0/no/false as false; unrecognized values fall back to the flag default.
func envOrBool(envKey string, flagVal bool) bool {
	v := os.Getenv(envKey)
	if v == "" {
		return flagVal
	}
	switch strings.ToLower(v) {
	case "1", "yes", "true":
		return true
	case "0", "no", "false":
		return false
	default:
		return flagVal
	}
}

// envOrDuration returns the environment variable value parsed with
// time.ParseDuration (e.g. "30s", "5m"), or the flag default if the env var
// is unset or unparseable.
func envOrDuration(envKey string, flagVal time.Duration) time.Duration {
	v := os.Getenv(envKey)
	if v == "" {
		return flagVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return flagVal
	}
	return d
}

// loadSemaphoresFile reads a JSON object mapping semaphore names to
// capacities, e.g. {"db": 2, "mail": 10}.
func loadSemaphoresFile(path string) (map[string]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading semaphores file %q: %w", path, err)
	}
	sems := make(map[string]int64)
	if err := json.Unmarshal(data, &sems); err != nil {
		return nil, fmt.Errorf("parsing semaphores file %q: %w", path, err)
	}
	return sems, nil
}

func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("throttled", flag.ContinueOnError)

	host := fs.String("host", "127.0.0.1", "Bind address")
	port := fs.Int("port", 8000, "Bind port")
	semsFile := fs.String("semaphores-file", "", "Path to JSON file mapping semaphore names to capacities")
	semFlags := make(semaphoreFlags)
	fs.Var(semFlags, "semaphore", "Semaphore definition name=capacity (repeatable, overrides file entries)")
	defaultLeaseTTL := fs.Duration("default-lease-ttl", 15*time.Minute, "Lease duration used when a request omits one")
	sweepInterval := fs.Duration("sweep-interval", 5*time.Minute, "Expired lease collection interval")
	readTimeout := fs.Duration("read-timeout", 5*time.Minute, "HTTP read header timeout")
	writeTimeout := fs.Duration("write-timeout", 0, "HTTP write timeout (0 = unlimited; must exceed the longest permitted wait)")
	shutdownTimeout := fs.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown drain timeout (0 = wait forever)")
	eventBuffer := fs.Int("event-buffer", 64, "Per-subscriber event channel buffer; slow consumers are dropped when full")
	tlsCert := fs.String("tls-cert", "", "Path to TLS certificate PEM file")
	tlsKey := fs.String("tls-key", "", "Path to TLS private key PEM file")
	debug := fs.Bool("debug", false, "Enable debug logging")
	version := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	semsPath := envOrString("THROTTLE_SEMAPHORES_FILE", *semsFile)
	sems := make(map[string]int64)
	if semsPath != "" {
		loaded, err := loadSemaphoresFile(semsPath)
		if err != nil {
			return nil, err
		}
		sems = loaded
	}
	for name, capacity := range semFlags {
		sems[name] = capacity
	}

	cfg := &Config{
		Host:            envOrString("THROTTLE_HOST", *host),
		Port:            envOrInt("THROTTLE_PORT", *port),
		Semaphores:      sems,
		DefaultLeaseTTL: envOrDuration("THROTTLE_DEFAULT_LEASE_TTL", *defaultLeaseTTL),
		SweepInterval:   envOrDuration("THROTTLE_SWEEP_INTERVAL", *sweepInterval),
		ReadTimeout:     envOrDuration("THROTTLE_READ_TIMEOUT", *readTimeout),
		WriteTimeout:    envOrDuration("THROTTLE_WRITE_TIMEOUT", *writeTimeout),
		ShutdownTimeout: envOrDuration("THROTTLE_SHUTDOWN_TIMEOUT", *shutdownTimeout),
		EventBuffer:     envOrInt("THROTTLE_EVENT_BUFFER", *eventBuffer),
		TLSCert:         envOrString("THROTTLE_TLS_CERT", *tlsCert),
		TLSKey:          envOrString("THROTTLE_TLS_KEY", *tlsKey),
		Debug:           envOrBool("THROTTLE_DEBUG", *debug),
		Version:         *version,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for name, capacity := range c.Semaphores {
		if name == "" {
			return fmt.Errorf("semaphore name must not be empty")
		}
		if capacity < 0 {
			return fmt.Errorf("semaphore %q capacity must be >= 0 (got %d)", name, capacity)
		}
	}
	if c.DefaultLeaseTTL <= 0 {
		return fmt.Errorf("--default-lease-ttl must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("--sweep-interval must be > 0")
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("--read-timeout must be > 0")
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("--write-timeout must be >= 0 (got %s)", c.WriteTimeout)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("--shutdown-timeout must be >= 0 (got %s)", c.ShutdownTimeout)
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("--event-buffer must be > 0 (got %d)", c.EventBuffer)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("--port must be 0-65535 (got %d)", c.Port)
	}
	if (c.TLSCert != "") != (c.TLSKey != "") {
		return fmt.Errorf("--tls-cert and --tls-key must be provided together")
	}
	return nil
}
