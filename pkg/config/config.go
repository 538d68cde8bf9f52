package config

import "time"

// Server defaults
const (
	DefaultListenAddr   = ":3000"
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
	ShutdownTimeout     = 30 * time.Second
)

// MQTT defaults
const (
	DefaultMQTTHost         = "localhost"
	DefaultMQTTPort         = 1883
	DefaultMQTTKeepAlive    = 60 * time.Second
	DefaultMQTTTopic        = "bedroom/#"
	DefaultMQTTClientID     = "tinyrelay"
	DefaultMQTTConnectRetry = 5 * time.Second
	DefaultMQTTConnectWait  = 10 * time.Second
	MQTTDisconnectQuiesceMs = 250
	IngestAppendTimeout     = 5 * time.Second
)

// Store defaults
const (
	DefaultStoreBackend = "badger"
	DefaultDataDir      = "./data"
	DefaultSQLiteFile   = "multisensors.db"
	DefaultSQLiteTable  = "multi_sensors_data"
)

// Sink defaults
const (
	DefaultSinkProfile        = ""
	DefaultSinkRegion         = "us-east-2"
	DefaultSinkDatabase       = "testsensors"
	DefaultSinkTable          = "multimetrics"
	DefaultSinkMaxAttempts    = 10
	DefaultSinkRequestTimeout = 20 * time.Second
	DefaultSinkMaxConns       = 64
)

// Relay defaults
const (
	DefaultBatchSize     = 100
	MaxBatchSize         = 100
	DefaultRelayInterval = 1 * time.Hour
	RelayWindowOverlap   = 5 * time.Minute
	RelayRunTimeout      = 10 * time.Minute
)

// Retention defaults. The horizon accepts 1 to 4 days.
const (
	DefaultRetentionHorizon  = 2 * 24 * time.Hour
	MinRetentionHorizon      = 24 * time.Hour
	MaxRetentionHorizon      = 4 * 24 * time.Hour
	DefaultRetentionInterval = 6 * time.Hour
	DefaultGCDiscardRatio    = 0.5
)

// Query timeouts and defaults
const (
	QueryTimeout       = 30 * time.Second
	QueryDefaultWindow = 1 * time.Hour
	QueryMaxWindow     = 4 * 24 * time.Hour
	StatsTimeout       = 5 * time.Second
)

// Export defaults and limits
const (
	DefaultExportWindow = 24 * time.Hour
	MaxExportWindow     = 4 * 24 * time.Hour
	MaxImportBytes      = 256 << 20 // request body limit for /v1/import
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSClientBuffer    = 64 // records queued per client before it is dropped
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Monitor intervals
const (
	StorageCheckInterval = 1 * time.Minute
)
