package models

// Config holds the client daemon configuration.
type Config struct {
	Identity  IdentityConfig  `json:"identity"`
	Relay     RelayConfig     `json:"relay"`
	Transport TransportConfig `json:"transport"`
	Vault     VaultConfig     `json:"vault"`
	Retry     RetryConfig     `json:"retry"`
	LogLevel  string          `json:"log_level"`
}

// IdentityConfig names the two parties of the conversation.
type IdentityConfig struct {
	MyID         string `json:"my_id"`
	PeerID       string `json:"peer_id"`
	SharedSecret string `json:"shared_secret"`
}

// RelayConfig holds the store-and-forward fallback settings.
type RelayConfig struct {
	BaseURL         string `json:"base_url"`
	PollIntervalSec int    `json:"pollIntervalSec"`
	LongPoll        bool   `json:"longPoll"`
	TimeoutSec      int    `json:"timeoutSec"`
}

// TransportConfig holds the direct transport settings.
type TransportConfig struct {
	RendezvousURL        string `json:"rendezvous_url"`
	HeartbeatIntervalSec int    `json:"heartbeatIntervalSec"`
	LivenessTimeoutSec   int    `json:"livenessTimeoutSec"`
	DialTimeoutSec       int    `json:"dialTimeoutSec"`
}

// VaultConfig points at the encrypted local state directory.
type VaultConfig struct {
	Dir string `json:"dir"`
}

// RetryConfig holds retry related configurations.
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// RelayServerConfig holds the relay server configuration.
type RelayServerConfig struct {
	Port               int           `json:"port"`
	DatabasePath       string        `json:"db_path"`
	RetentionMinutes   int           `json:"retentionMinutes"`
	SweepIntervalMin   int           `json:"sweepIntervalMinutes"`
	LongPollTimeoutSec int           `json:"longPollTimeoutSec"`
	LogLevel           string        `json:"log_level"`
	Tracing            TracingConfig `json:"tracing"`
}

// TracingConfig holds OpenTelemetry settings for the relay server.
type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	ServiceName  string  `json:"service_name"`
	Environment  string  `json:"environment"`
	OTLPEndpoint string  `json:"otlp_endpoint"`
	SampleRate   float64 `json:"sample_rate"`
	UseStdout    bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
