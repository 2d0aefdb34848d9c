package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"deaddrop/internal/constants"
	"deaddrop/internal/models"
	"deaddrop/internal/security"
)

var (
	ErrMissingMyID      = models.ConfigError{Message: "missing own identity id"}
	ErrMissingPeerID    = models.ConfigError{Message: "missing peer identity id"}
	ErrMissingSecret    = models.ConfigError{Message: "missing shared secret"}
	ErrMissingRelayURL  = models.ConfigError{Message: "missing relay base URL"}
	ErrMissingVaultDir  = models.ConfigError{Message: "missing vault directory"}
	ErrMissingDBPath    = models.ConfigError{Message: "missing database path"}
	ErrSameIdentity     = models.ConfigError{Message: "own and peer identity must differ"}
	ErrWeakSharedSecret = models.ConfigError{Message: "shared secret must be at least 16 characters long"}
)

// LoadConfig loads and validates the client daemon configuration.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Identity.MyID == "" {
		return ErrMissingMyID
	}
	if c.Identity.PeerID == "" {
		return ErrMissingPeerID
	}
	if c.Identity.MyID == c.Identity.PeerID {
		return ErrSameIdentity
	}
	if c.Identity.SharedSecret == "" {
		return ErrMissingSecret
	}
	if len(c.Identity.SharedSecret) < 16 {
		return ErrWeakSharedSecret
	}
	if c.Relay.BaseURL == "" {
		return ErrMissingRelayURL
	}
	if c.Vault.Dir == "" {
		return ErrMissingVaultDir
	}

	if c.Relay.PollIntervalSec <= 0 {
		c.Relay.PollIntervalSec = constants.DefaultPollIntervalSec
	}
	if c.Relay.TimeoutSec <= 0 {
		c.Relay.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.Transport.HeartbeatIntervalSec <= 0 {
		c.Transport.HeartbeatIntervalSec = constants.DefaultHeartbeatIntervalSec
	}
	if c.Transport.LivenessTimeoutSec <= 0 {
		c.Transport.LivenessTimeoutSec = constants.DefaultLivenessTimeoutSec
	}
	if c.Transport.DialTimeoutSec <= 0 {
		c.Transport.DialTimeoutSec = constants.DefaultDialTimeoutSec
	}
	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxAttempts
	}

	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if url := os.Getenv("RELAY_URL"); url != "" {
		c.Relay.BaseURL = url
	}
	// The shared secret should come from the environment, not the config
	// file on disk.
	if secret := os.Getenv("DEADDROP_SHARED_SECRET"); secret != "" {
		c.Identity.SharedSecret = secret
	}
	if url := os.Getenv("RENDEZVOUS_URL"); url != "" {
		c.Transport.RendezvousURL = url
	}
	if dir := os.Getenv("VAULT_DIR"); dir != "" {
		c.Vault.Dir = dir
	}
}

// LoadRelayServerConfig loads and validates the relay server configuration.
func LoadRelayServerConfig(path string) (*models.RelayServerConfig, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated above
	if err != nil {
		return nil, err
	}

	var config models.RelayServerConfig
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	if path := os.Getenv("DB_PATH"); path != "" {
		config.DatabasePath = path
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Port = p
		}
	}

	if config.DatabasePath == "" {
		return nil, ErrMissingDBPath
	}
	if config.Port <= 0 {
		config.Port = constants.DefaultRelayPort
	}
	if config.RetentionMinutes <= 0 {
		config.RetentionMinutes = constants.DefaultRetentionMinutes
	}
	if config.SweepIntervalMin <= 0 {
		config.SweepIntervalMin = constants.DefaultSweepIntervalMin
	}
	if config.LongPollTimeoutSec <= 0 {
		config.LongPollTimeoutSec = constants.DefaultLongPollTimeoutSec
	}

	return &config, nil
}
