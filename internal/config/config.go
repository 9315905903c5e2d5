package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/QuotaGate/internal/broker"
	"github.com/AlexKimmel/QuotaGate/internal/ratelimit"
	"github.com/AlexKimmel/QuotaGate/internal/retry"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	QueueWaitMS    int    `yaml:"queue_wait_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type APIKey struct {
	ID       string            `yaml:"id"`
	Secret   string            `yaml:"secret"`
	Admin    bool              `yaml:"admin"`
	Metadata map[string]string `yaml:"metadata"`
}

type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
}

// Broker holds the quota of the upstream provider.
type Broker struct {
	MaxCallsPerMinute int    `yaml:"max_calls_per_minute"`
	MaxCallsPerDay    int    `yaml:"max_calls_per_day"`
	InitialDelayMS    int    `yaml:"initial_delay_ms"`
	MaxDelayMS        int    `yaml:"max_delay_ms"`
	MaxRetries        *int   `yaml:"max_retries"`
	WindowMS          int    `yaml:"window_ms"`
	CooldownMS        int    `yaml:"cooldown_ms"`
	DayBoundaryTZ     string `yaml:"day_boundary_tz"` // IANA name, default UTC
}

type Upstream struct {
	URL          string `yaml:"url"`
	APIKey       string `yaml:"api_key"`
	APIKeyEnv    string `yaml:"api_key_env"`
	APIKeyParam  string `yaml:"api_key_param"`
	TimeoutMS    int    `yaml:"timeout_ms"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type Cache struct {
	DefaultTTLMS int `yaml:"default_ttl_ms"`
}

type Routes struct {
	ID    string `yaml:"id"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Upstream struct {
		Path string `yaml:"path"`
	} `yaml:"upstream"`

	CacheTTLMS int `yaml:"cache_ttl_ms"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Broker        Broker        `yaml:"broker"`
	Upstream      Upstream      `yaml:"upstream"`
	Cache         Cache         `yaml:"cache"`
	Routes        []Routes      `yaml:"routes"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeout is the connection write deadline. It does not cancel the
// request, so it must outlast QueueWait or the 504 reply is lost.
func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 150 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// QueueWait is how long a request may wait on the broker before 504.
func (s Server) QueueWait() time.Duration { return ms(s.QueueWaitMS, 120*time.Second) }

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 1 << 20
	}
	return s.MaxBodyBytes
} // default 1MB

func ms(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func (b Broker) Location() (*time.Location, error) {
	if b.DayBoundaryTZ == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(b.DayBoundaryTZ)
	if err != nil {
		return nil, fmt.Errorf("broker.day_boundary_tz: %w", err)
	}
	return loc, nil
}

// Config converts the yaml section into broker settings with defaults.
func (b Broker) Config() (broker.Config, error) {
	loc, err := b.Location()
	if err != nil {
		return broker.Config{}, err
	}
	def := retry.DefaultPolicy()
	maxRetries := def.MaxRetries
	if b.MaxRetries != nil {
		maxRetries = *b.MaxRetries
	}
	return broker.Config{
		Budget: ratelimit.Policy{
			PerMinute: b.MaxCallsPerMinute,
			PerDay:    b.MaxCallsPerDay,
			Window:    ms(b.WindowMS, time.Minute),
			Cooldown:  ms(b.CooldownMS, time.Minute),
			Location:  loc,
		}.WithDefaults(),
		Retry: retry.Policy{
			InitialDelay: ms(b.InitialDelayMS, def.InitialDelay),
			MaxDelay:     ms(b.MaxDelayMS, def.MaxDelay),
			MaxRetries:   maxRetries,
		},
	}, nil
}

func (u Upstream) Timeout() time.Duration { return ms(u.TimeoutMS, 10*time.Second) }

// Key returns the api key, preferring the environment variable when set.
func (u Upstream) Key() string {
	if u.APIKeyEnv != "" {
		if v := os.Getenv(u.APIKeyEnv); v != "" {
			return v
		}
	}
	return u.APIKey
}

func (c Cache) DefaultTTL() time.Duration { return ms(c.DefaultTTLMS, 5*time.Minute) }

func (r Routes) CacheTTL(def time.Duration) time.Duration {
	if r.CacheTTLMS < 0 {
		return 0
	}
	return ms(r.CacheTTLMS, def)
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for i := range cfg.Routes {
		if len(cfg.Routes[i].Match.Methods) == 0 {
			cfg.Routes[i].Match.Methods = []string{"GET"}
		}
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	if cfg.Upstream.APIKeyParam == "" {
		cfg.Upstream.APIKeyParam = "apikey"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem found, joined.
func (c *Root) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Upstream.URL) == "" {
		errs = append(errs, errors.New("upstream.url is required"))
	}
	if c.Broker.MaxCallsPerMinute < 0 || c.Broker.MaxCallsPerDay < 0 {
		errs = append(errs, errors.New("broker limits must not be negative"))
	}
	if c.Broker.MaxRetries != nil && *c.Broker.MaxRetries < 0 {
		errs = append(errs, errors.New("broker.max_retries must not be negative"))
	}
	if c.Broker.MaxDelayMS > 0 && c.Broker.InitialDelayMS > c.Broker.MaxDelayMS {
		errs = append(errs, errors.New("broker.initial_delay_ms exceeds broker.max_delay_ms"))
	}
	if c.Server.QueueWaitMS < 0 {
		errs = append(errs, errors.New("server.queue_wait_ms must not be negative"))
	} else if c.Server.QueueWait() >= c.Server.WriteTimeout() {
		errs = append(errs, errors.New("server.queue_wait_ms must be shorter than server.write_timeout_ms"))
	}
	if _, err := c.Broker.Location(); err != nil {
		errs = append(errs, err)
	}
	seen := map[string]bool{}
	for i, r := range c.Routes {
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("routes[%d].id is required", i))
		} else if seen[r.ID] {
			errs = append(errs, fmt.Errorf("routes[%d].id %q is duplicated", i, r.ID))
		}
		seen[r.ID] = true
		if !strings.HasPrefix(r.Match.PathPrefix, "/") {
			errs = append(errs, fmt.Errorf("routes[%d].match.path_prefix must start with /", i))
		}
	}
	return errors.Join(errs...)
}
