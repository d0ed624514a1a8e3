// Package config loads and validates the connector configuration.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// VenueConfig configures the HitBTC request layer and report stream.
// Credentials never come from YAML; see EnvAPIKey and EnvAPISecret.
type VenueConfig struct {
	APIKey         string        `yaml:"-"`
	APISecret      string        `yaml:"-"`
	BaseURL        string        `yaml:"baseURL"`
	WebsocketURL   string        `yaml:"websocketURL"`
	HTTPTimeout    time.Duration `yaml:"httpTimeout"`
	RateLimit      float64       `yaml:"rateLimit"`
	RateBurst      int           `yaml:"rateBurst"`
	MaxOrderSize   string        `yaml:"maxOrderSize"`
	MessageTimeout time.Duration `yaml:"messageTimeout"`
	PingTimeout    time.Duration `yaml:"pingTimeout"`
}

// MaxOrderSizeDecimal parses MaxOrderSize; Validate guarantees it parses.
func (c VenueConfig) MaxOrderSizeDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(c.MaxOrderSize)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ConnectorConfig tunes the polling loop, stream listener and deadlines.
type ConnectorConfig struct {
	StatusPollInterval  time.Duration `yaml:"statusPollInterval"`
	RuleRefreshInterval time.Duration `yaml:"ruleRefreshInterval"`
	ShortPollInterval   time.Duration `yaml:"shortPollInterval"`
	LongPollInterval    time.Duration `yaml:"longPollInterval"`
	StreamSilence       time.Duration `yaml:"streamSilence"`
	BackoffInitial      time.Duration `yaml:"backoffInitial"`
	BackoffMax          time.Duration `yaml:"backoffMax"`
	RequestTimeout      time.Duration `yaml:"requestTimeout"`
	CancelAllTimeout    time.Duration `yaml:"cancelAllTimeout"`
	CheckpointInterval  time.Duration `yaml:"checkpointInterval"`
	StatusConcurrency   int           `yaml:"statusConcurrency"`
}

// FeesConfig sets the default maker and taker rates.
type FeesConfig struct {
	Maker string `yaml:"maker"`
	Taker string `yaml:"taker"`
}

// Rates returns the parsed maker and taker rates.
func (c FeesConfig) Rates() (decimal.Decimal, decimal.Decimal) {
	maker, _ := decimal.NewFromString(c.Maker)
	taker, _ := decimal.NewFromString(c.Taker)
	return maker, taker
}

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
)

// FanoutWorkerSetting accepts a positive integer or "auto" (one worker per CPU).
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto" and "default" values.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	text := ""
	if node != nil {
		text = strings.TrimSpace(node.Value)
	}
	switch normalizeToken(text) {
	case "", "default":
		*s = FanoutWorkerSetting{}
		return nil
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

// FanoutWorkerCount returns the resolved worker count.
func (c EventbusConfig) FanoutWorkerCount() int {
	switch c.FanoutWorkers.kind {
	case fanoutWorkerExplicit:
		return c.FanoutWorkers.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
	}
	return 4
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.MinConns < 0 {
		c.MinConns = 0
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if c.DSN == "" {
		return fmt.Errorf("dsn required (set %s or database.dsn)", EnvDatabaseURL)
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// PersistenceConfig selects and configures the snapshot store.
type PersistenceConfig struct {
	Driver    PersistenceDriver `yaml:"driver"`
	PebbleDir string            `yaml:"pebbleDir"`
	Database  DatabaseConfig    `yaml:"database"`
}

// AppConfig is the connector configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment Environment       `yaml:"environment"`
	Venue       VenueConfig       `yaml:"venue"`
	Connector   ConnectorConfig   `yaml:"connector"`
	Fees        FeesConfig        `yaml:"fees"`
	Eventbus    EventbusConfig    `yaml:"eventbus"`
	APIServer   APIServerConfig   `yaml:"apiServer"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// Load reads configPath, overlays credentials from the process environment
// and the optional dotenv files, then normalises and validates the result.
// Process variables take precedence over dotenv values. Missing dotenv files
// are ignored.
func Load(ctx context.Context, configPath string, envFiles ...string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	env, err := readEnv(envFiles)
	if err != nil {
		return AppConfig{}, err
	}
	cfg.applyEnv(env)

	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func readEnv(files []string) (lookupFunc, error) {
	merged := make(map[string]string)
	for _, file := range files {
		values, err := godotenv.Read(file)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read env file %s: %w", file, err)
		}
		for k, v := range values {
			if _, seen := merged[k]; !seen {
				merged[k] = v
			}
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := merged[key]
		return v, ok
	}, nil
}

func (c *AppConfig) applyEnv(lookup lookupFunc) {
	if v, ok := lookup(EnvAPIKey); ok {
		c.Venue.APIKey = v
	}
	if v, ok := lookup(EnvAPISecret); ok {
		c.Venue.APISecret = v
	}
	if v, ok := lookup(EnvDatabaseURL); ok && strings.TrimSpace(v) != "" {
		c.Persistence.Database.DSN = v
	}
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(normalizeToken(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Venue.APIKey = strings.TrimSpace(c.Venue.APIKey)
	c.Venue.APISecret = strings.TrimSpace(c.Venue.APISecret)
	c.Venue.BaseURL = strings.TrimRight(strings.TrimSpace(c.Venue.BaseURL), "/")
	c.Venue.WebsocketURL = strings.TrimSpace(c.Venue.WebsocketURL)
	c.Venue.MaxOrderSize = strings.TrimSpace(c.Venue.MaxOrderSize)
	if c.Venue.MaxOrderSize == "" {
		c.Venue.MaxOrderSize = "100000000"
	}

	c.Fees.Maker = strings.TrimSpace(c.Fees.Maker)
	c.Fees.Taker = strings.TrimSpace(c.Fees.Taker)
	if c.Fees.Maker == "" {
		c.Fees.Maker = "0.001"
	}
	if c.Fees.Taker == "" {
		c.Fees.Taker = "0.001"
	}

	if c.Eventbus.BufferSize == 0 {
		c.Eventbus.BufferSize = 256
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "orderlink"
	}

	c.Logging.Level = normalizeToken(c.Logging.Level)
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	c.Persistence.Driver = PersistenceDriver(normalizeToken(string(c.Persistence.Driver)))
	if c.Persistence.Driver == "" {
		c.Persistence.Driver = PersistencePebble
	}
	if dir := strings.TrimSpace(c.Persistence.PebbleDir); dir != "" {
		c.Persistence.PebbleDir = filepath.Clean(dir)
	} else {
		c.Persistence.PebbleDir = filepath.Join("data", "orders")
	}
	c.Persistence.Database.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Venue.APIKey == "" || c.Venue.APISecret == "" {
		return fmt.Errorf("venue credentials required: set %s and %s", EnvAPIKey, EnvAPISecret)
	}
	if c.Venue.RateLimit < 0 {
		return fmt.Errorf("venue rateLimit must be >= 0")
	}
	if c.Venue.RateBurst < 0 {
		return fmt.Errorf("venue rateBurst must be >= 0")
	}
	if limit, err := decimal.NewFromString(c.Venue.MaxOrderSize); err != nil || limit.Sign() <= 0 {
		return fmt.Errorf("venue maxOrderSize must be a positive decimal, got %q", c.Venue.MaxOrderSize)
	}
	for name, d := range map[string]time.Duration{
		"venue httpTimeout":             c.Venue.HTTPTimeout,
		"venue messageTimeout":          c.Venue.MessageTimeout,
		"venue pingTimeout":             c.Venue.PingTimeout,
		"connector statusPollInterval":  c.Connector.StatusPollInterval,
		"connector ruleRefreshInterval": c.Connector.RuleRefreshInterval,
		"connector shortPollInterval":   c.Connector.ShortPollInterval,
		"connector longPollInterval":    c.Connector.LongPollInterval,
		"connector requestTimeout":      c.Connector.RequestTimeout,
		"connector cancelAllTimeout":    c.Connector.CancelAllTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	if c.Connector.ShortPollInterval > 0 && c.Connector.LongPollInterval > 0 &&
		c.Connector.ShortPollInterval > c.Connector.LongPollInterval {
		return fmt.Errorf("connector shortPollInterval must be <= longPollInterval")
	}
	if c.Connector.StatusConcurrency < 0 {
		return fmt.Errorf("connector statusConcurrency must be >= 0")
	}

	for name, raw := range map[string]string{"maker": c.Fees.Maker, "taker": c.Fees.Taker} {
		rate, err := decimal.NewFromString(raw)
		if err != nil || rate.Sign() < 0 || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("fees %s must be a decimal in [0, 1), got %q", name, raw)
		}
	}

	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus bufferSize must be >0")
	}

	switch c.Persistence.Driver {
	case PersistenceNone:
	case PersistencePebble:
		if c.Persistence.PebbleDir == "" {
			return fmt.Errorf("persistence pebbleDir required")
		}
	case PersistencePostgres:
		if err := c.Persistence.Database.validate(); err != nil {
			return fmt.Errorf("persistence database: %w", err)
		}
	default:
		return fmt.Errorf("persistence driver must be one of none, pebble, postgres")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
