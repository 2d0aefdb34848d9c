package constants

// Default relay server configuration values
const (
	DefaultRelayPort          = 8090
	DefaultRetentionMinutes   = 60
	DefaultSweepIntervalMin   = 10
	DefaultLongPollTimeoutSec = 25
	DefaultSyncBatchLimit     = 500
)

// Default client configuration values
const (
	DefaultHeartbeatIntervalSec = 5
	DefaultLivenessTimeoutSec   = 15
	DefaultPollIntervalSec      = 3
	DefaultSinceSkewMs          = 100
	DefaultRetryBackoffMs       = 1000
	DefaultMaxBackoffMs         = 60000
	DefaultMaxAttempts          = 5
)

// Default timeout values
const (
	DefaultHTTPTimeoutSec        = 30
	DefaultDatabaseRetryAttempts = 3
	DefaultGracefulShutdownSec   = 30
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 35
	DefaultServerIdleTimeoutSec  = 60
	DefaultDialTimeoutSec        = 10
	DefaultBackoffInitialMs      = 500
)

// Envelope and chunking parameters
const (
	EnvelopeKeySize       = 32
	EnvelopeNonceSize     = 12
	EnvelopeKDFIterations = 100000
	ChunkThresholdBytes   = 64 * 1024
	ChunkSizeBytes        = 32 * 1024
	ChunkAssemblyTTLSec   = 120
)

// Delivery pipeline parameters
const (
	SeenIDCacheSize = 4096
)

// Privacy settings
const (
	DefaultIdentityMaskLength = 4
	DefaultMessageIDLength    = 8
)
