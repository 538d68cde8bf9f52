package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of the relay daemon.
//
// Values are layered: built-in defaults, then the YAML file named by
// --config (or RELAY_CONFIG), then RELAY_* environment variables, then
// command-line flags that were explicitly set.
type Config struct {
	Listen string `yaml:"listen"`

	Log       LogConfig       `yaml:"log"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Store     StoreConfig     `yaml:"store"`
	Sink      SinkConfig      `yaml:"sink"`
	Relay     RelayConfig     `yaml:"relay"`
	Retention RetentionConfig `yaml:"retention"`

	// Metrics is the column set. Empty means telemetry.DefaultMetrics.
	Metrics []string `yaml:"metrics"`
}

// LogConfig selects logrus level and formatter
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// MQTTConfig describes the broker connection
type MQTTConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Topic        string        `yaml:"topic"`
	ClientID     string        `yaml:"client_id"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	KeepAlive    time.Duration `yaml:"keep_alive"`
	ConnectRetry time.Duration `yaml:"connect_retry"`

	// AllowedTopics restricts which publishing topics are stored.
	// Empty accepts everything delivered under Topic.
	AllowedTopics []string `yaml:"allowed_topics"`
}

// StoreConfig selects and sizes the local store
type StoreConfig struct {
	Backend      string `yaml:"backend"` // badger, sqlite or memory
	DataDir      string `yaml:"data_dir"`
	SQLiteTable  string `yaml:"sqlite_table"`
	MaxMemoryMB  int64  `yaml:"max_memory_mb"`
	MaxStorageGB int64  `yaml:"max_storage_gb"`
}

// SinkConfig addresses the Timestream table
type SinkConfig struct {
	Profile        string        `yaml:"profile"`
	Region         string        `yaml:"region"`
	Database       string        `yaml:"database"`
	Table          string        `yaml:"table"`
	Hostname       string        `yaml:"hostname"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxConnections int           `yaml:"max_connections"`
	MaxCallsPerSec float64       `yaml:"max_calls_per_sec"`
	DisableUploads bool          `yaml:"disable_uploads"`
}

// RelayConfig controls the upload tick
type RelayConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Window    time.Duration `yaml:"window"` // 0 means Interval + RelayWindowOverlap
	BatchSize int           `yaml:"batch_size"`
}

// RetentionConfig controls the janitor tick
type RetentionConfig struct {
	Horizon        time.Duration `yaml:"horizon"`
	Interval       time.Duration `yaml:"interval"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio"`
}

// Default returns a configuration with every field at its built-in default
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Listen: DefaultListenAddr,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		MQTT: MQTTConfig{
			Host:         DefaultMQTTHost,
			Port:         DefaultMQTTPort,
			Topic:        DefaultMQTTTopic,
			ClientID:     DefaultMQTTClientID,
			KeepAlive:    DefaultMQTTKeepAlive,
			ConnectRetry: DefaultMQTTConnectRetry,
		},
		Store: StoreConfig{
			Backend:      DefaultStoreBackend,
			DataDir:      DefaultDataDir,
			SQLiteTable:  DefaultSQLiteTable,
			MaxMemoryMB:  DefaultMaxMemoryMB,
			MaxStorageGB: DefaultMaxStorageGB,
		},
		Sink: SinkConfig{
			Profile:        DefaultSinkProfile,
			Region:         DefaultSinkRegion,
			Database:       DefaultSinkDatabase,
			Table:          DefaultSinkTable,
			Hostname:       hostname,
			MaxAttempts:    DefaultSinkMaxAttempts,
			RequestTimeout: DefaultSinkRequestTimeout,
			MaxConnections: DefaultSinkMaxConns,
		},
		Relay: RelayConfig{
			Interval:  DefaultRelayInterval,
			BatchSize: DefaultBatchSize,
		},
		Retention: RetentionConfig{
			Horizon:        DefaultRetentionHorizon,
			Interval:       DefaultRetentionInterval,
			GCDiscardRatio: DefaultGCDiscardRatio,
		},
	}
}

// Load builds the configuration from args (without the program name).
// pflag.ErrHelp is returned unchanged when --help was requested.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("relayd", pflag.ContinueOnError)
	flags := registerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()

	path := flags.configPath
	if path == "" {
		path = os.Getenv("RELAY_CONFIG")
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	flags.apply(fs, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile merges a YAML file into c
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// lookupFunc matches os.LookupEnv so tests can supply their own environment
type lookupFunc func(string) (string, bool)

// applyEnv overrides c from RELAY_* variables. Every unparseable value is
// reported; the field keeps its previous value.
func (c *Config) applyEnv(lookup lookupFunc) error {
	e := &envReader{lookup: lookup}

	envString(e, "RELAY_LISTEN", &c.Listen)
	envString(e, "LOG_LEVEL", &c.Log.Level)
	envString(e, "LOG_FORMAT", &c.Log.Format)

	envString(e, "RELAY_MQTT_HOST", &c.MQTT.Host)
	envInt(e, "RELAY_MQTT_PORT", &c.MQTT.Port)
	envString(e, "RELAY_MQTT_TOPIC", &c.MQTT.Topic)
	envString(e, "RELAY_MQTT_CLIENT_ID", &c.MQTT.ClientID)
	envString(e, "RELAY_MQTT_USERNAME", &c.MQTT.Username)
	envString(e, "RELAY_MQTT_PASSWORD", &c.MQTT.Password)
	envDuration(e, "RELAY_MQTT_KEEPALIVE", &c.MQTT.KeepAlive)
	envDuration(e, "RELAY_MQTT_CONNECT_RETRY", &c.MQTT.ConnectRetry)
	envList(e, "RELAY_MQTT_ALLOWED_TOPICS", &c.MQTT.AllowedTopics)

	envString(e, "RELAY_STORE_BACKEND", &c.Store.Backend)
	envString(e, "RELAY_DATA_DIR", &c.Store.DataDir)
	envString(e, "RELAY_SQLITE_TABLE", &c.Store.SQLiteTable)
	envInt64(e, "RELAY_MAX_MEMORY_MB", &c.Store.MaxMemoryMB)
	envInt64(e, "RELAY_MAX_STORAGE_GB", &c.Store.MaxStorageGB)

	envString(e, "RELAY_SINK_PROFILE", &c.Sink.Profile)
	envString(e, "RELAY_SINK_REGION", &c.Sink.Region)
	envString(e, "RELAY_SINK_DATABASE", &c.Sink.Database)
	envString(e, "RELAY_SINK_TABLE", &c.Sink.Table)
	envString(e, "RELAY_SINK_HOSTNAME", &c.Sink.Hostname)
	envInt(e, "RELAY_SINK_MAX_ATTEMPTS", &c.Sink.MaxAttempts)
	envDuration(e, "RELAY_SINK_TIMEOUT", &c.Sink.RequestTimeout)
	envInt(e, "RELAY_SINK_MAX_CONNECTIONS", &c.Sink.MaxConnections)
	envFloat(e, "RELAY_MAX_CALLS_PER_SEC", &c.Sink.MaxCallsPerSec)
	envBool(e, "RELAY_DISABLE_UPLOADS", &c.Sink.DisableUploads)

	envDuration(e, "RELAY_INTERVAL", &c.Relay.Interval)
	envDuration(e, "RELAY_WINDOW", &c.Relay.Window)
	envInt(e, "RELAY_BATCH_SIZE", &c.Relay.BatchSize)

	envDuration(e, "RELAY_RETENTION_HORIZON", &c.Retention.Horizon)
	envDuration(e, "RELAY_RETENTION_INTERVAL", &c.Retention.Interval)

	envList(e, "RELAY_METRICS", &c.Metrics)

	return e.errs.ErrorOrNil()
}

// RelayWindow is the lookback re-sent on every relay tick
func (c *Config) RelayWindow() time.Duration {
	if c.Relay.Window > 0 {
		return c.Relay.Window
	}
	return c.Relay.Interval + RelayWindowOverlap
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if c.MQTT.Host == "" {
		errs = append(errs, fmt.Errorf("mqtt.host is required"))
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.port out of range: %d", c.MQTT.Port))
	}
	if c.MQTT.Topic == "" {
		errs = append(errs, fmt.Errorf("mqtt.topic is required"))
	}
	if c.MQTT.KeepAlive <= 0 {
		errs = append(errs, fmt.Errorf("mqtt.keep_alive must be positive"))
	}

	switch c.Store.Backend {
	case "badger", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.backend must be one of badger, sqlite, memory; got %q", c.Store.Backend))
	}
	if c.Store.Backend != "memory" && c.Store.DataDir == "" {
		errs = append(errs, fmt.Errorf("store.data_dir is required"))
	}

	if !c.Sink.DisableUploads {
		if c.Sink.Region == "" {
			errs = append(errs, fmt.Errorf("sink.region is required"))
		}
		if c.Sink.Database == "" || c.Sink.Table == "" {
			errs = append(errs, fmt.Errorf("sink.database and sink.table are required"))
		}
		if c.Sink.Hostname == "" {
			errs = append(errs, fmt.Errorf("sink.hostname is required"))
		}
	}
	if c.Sink.MaxCallsPerSec < 0 {
		errs = append(errs, fmt.Errorf("sink.max_calls_per_sec cannot be negative"))
	}

	if c.Relay.Interval < time.Second {
		errs = append(errs, fmt.Errorf("relay.interval must be at least 1s, got %s", c.Relay.Interval))
	}
	if c.Relay.Window < 0 {
		errs = append(errs, fmt.Errorf("relay.window cannot be negative"))
	}
	if c.Relay.BatchSize < 1 || c.Relay.BatchSize > MaxBatchSize {
		errs = append(errs, fmt.Errorf("relay.batch_size must be between 1 and %d, got %d", MaxBatchSize, c.Relay.BatchSize))
	}

	if c.Retention.Horizon < MinRetentionHorizon || c.Retention.Horizon > MaxRetentionHorizon {
		errs = append(errs, fmt.Errorf("retention.horizon must be between %s and %s, got %s",
			MinRetentionHorizon, MaxRetentionHorizon, c.Retention.Horizon))
	}
	if c.Retention.Interval < time.Second {
		errs = append(errs, fmt.Errorf("retention.interval must be at least 1s, got %s", c.Retention.Interval))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// flagValues holds the raw flag targets until we know which were set
type flagValues struct {
	configPath   string
	listen       string
	logLevel     string
	logFormat    string
	mqttHost     string
	mqttPort     int
	mqttTopic    string
	storeBackend string
	dataDir      string
	sinkRegion   string
	sinkProfile  string
	interval     time.Duration
	window       time.Duration
	batchSize    int
	horizon      time.Duration
	dryRun       bool
}

func registerFlags(fs *pflag.FlagSet) *flagValues {
	v := &flagValues{}
	fs.StringVarP(&v.configPath, "config", "c", "", "path to YAML config file")
	fs.StringVar(&v.listen, "listen", DefaultListenAddr, "HTTP listen address")
	fs.StringVar(&v.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.StringVar(&v.logFormat, "log-format", "text", "log format (text or json)")
	fs.StringVar(&v.mqttHost, "mqtt-host", DefaultMQTTHost, "MQTT broker host")
	fs.IntVar(&v.mqttPort, "mqtt-port", DefaultMQTTPort, "MQTT broker port")
	fs.StringVar(&v.mqttTopic, "mqtt-topic", DefaultMQTTTopic, "MQTT subscription filter")
	fs.StringVar(&v.storeBackend, "store", DefaultStoreBackend, "local store backend (badger, sqlite, memory)")
	fs.StringVar(&v.dataDir, "data-dir", DefaultDataDir, "directory for the local store")
	fs.StringVar(&v.sinkRegion, "region", DefaultSinkRegion, "AWS region of the Timestream database")
	fs.StringVar(&v.sinkProfile, "profile", DefaultSinkProfile, "AWS shared config profile")
	fs.DurationVar(&v.interval, "relay-interval", DefaultRelayInterval, "time between relay runs")
	fs.DurationVar(&v.window, "relay-window", 0, "lookback re-sent per relay run (0 = interval + overlap)")
	fs.IntVar(&v.batchSize, "batch-size", DefaultBatchSize, "records per WriteRecords call")
	fs.DurationVar(&v.horizon, "retention", DefaultRetentionHorizon, "age after which local records are deleted")
	fs.BoolVar(&v.dryRun, "dry-run", false, "store records locally but never upload")
	return v
}

func (v *flagValues) apply(fs *pflag.FlagSet, c *Config) {
	set := func(name string) bool { return fs.Changed(name) }

	if set("listen") {
		c.Listen = v.listen
	}
	if set("log-level") {
		c.Log.Level = v.logLevel
	}
	if set("log-format") {
		c.Log.Format = v.logFormat
	}
	if set("mqtt-host") {
		c.MQTT.Host = v.mqttHost
	}
	if set("mqtt-port") {
		c.MQTT.Port = v.mqttPort
	}
	if set("mqtt-topic") {
		c.MQTT.Topic = v.mqttTopic
	}
	if set("store") {
		c.Store.Backend = v.storeBackend
	}
	if set("data-dir") {
		c.Store.DataDir = v.dataDir
	}
	if set("region") {
		c.Sink.Region = v.sinkRegion
	}
	if set("profile") {
		c.Sink.Profile = v.sinkProfile
	}
	if set("relay-interval") {
		c.Relay.Interval = v.interval
	}
	if set("relay-window") {
		c.Relay.Window = v.window
	}
	if set("batch-size") {
		c.Relay.BatchSize = v.batchSize
	}
	if set("retention") {
		c.Retention.Horizon = v.horizon
	}
	if set("dry-run") {
		c.Sink.DisableUploads = v.dryRun
	}
}

// envReader collects parse failures across all variables
type envReader struct {
	lookup lookupFunc
	errs   *multierror.Error
}

func (e *envReader) get(key string) (string, bool) {
	val, ok := e.lookup(key)
	return val, ok && val != ""
}

func envParse[T any](e *envReader, key string, dst *T, parse func(string) (T, error)) {
	val, ok := e.get(key)
	if !ok {
		return
	}
	parsed, err := parse(val)
	if err != nil {
		e.errs = multierror.Append(e.errs, fmt.Errorf("invalid %s=%q: %w", key, val, err))
		return
	}
	*dst = parsed
}

func envString(e *envReader, key string, dst *string) {
	if val, ok := e.get(key); ok {
		*dst = val
	}
}

func envList(e *envReader, key string, dst *[]string) {
	val, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func envInt(e *envReader, key string, dst *int) {
	envParse(e, key, dst, strconv.Atoi)
}

func envInt64(e *envReader, key string, dst *int64) {
	envParse(e, key, dst, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
}

func envFloat(e *envReader, key string, dst *float64) {
	envParse(e, key, dst, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func envBool(e *envReader, key string, dst *bool) {
	envParse(e, key, dst, strconv.ParseBool)
}

func envDuration(e *envReader, key string, dst *time.Duration) {
	envParse(e, key, dst, time.ParseDuration)
}
