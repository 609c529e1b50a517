package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration settings for a validator node.
type Config struct {
	Environment  string             `mapstructure:"environment"`
	LogLevel     string             `mapstructure:"log_level"`
	Database     DatabaseConfig     `mapstructure:"database"`
	P2P          P2PConfig          `mapstructure:"p2p"`
	Consensus    ConsensusConfig    `mapstructure:"consensus"`
	Arbitration  ArbitrationConfig  `mapstructure:"arbitration"`
	Fraud        FraudConfig        `mapstructure:"fraud"`
	Compensation CompensationConfig `mapstructure:"compensation"`
	Security     SecurityConfig     `mapstructure:"security"`
	API          APIConfig          `mapstructure:"api"`
	Scheduler    SchedConfig        `mapstructure:"scheduler"`
}

// DatabaseConfig holds persistence settings. When Embedded is set the node
// starts its own Postgres instance instead of connecting to URL.
type DatabaseConfig struct {
	URL      string        `mapstructure:"url"`
	Embedded bool          `mapstructure:"embedded"`
	Port     int           `mapstructure:"port"`
	MaxConns int           `mapstructure:"max_conns"`
	Timeout  time.Duration `mapstructure:"timeout"`
	SSLMode  string        `mapstructure:"ssl_mode"`
}

// P2PConfig holds network settings for the broadcast layer.
type P2PConfig struct {
	Port           int           `mapstructure:"port"`
	BootstrapPeers []string      `mapstructure:"bootstrap_peers"`
	MaxPeers       int           `mapstructure:"max_peers"`
	MinPeers       int           `mapstructure:"min_peers"`
	PeerTimeout    time.Duration `mapstructure:"peer_timeout"`
	KeyPath        string        `mapstructure:"key_path"`
}

// ConsensusConfig holds the challenge/response protocol parameters.
type ConsensusConfig struct {
	CommitteeSize        int           `mapstructure:"committee_size"`
	SessionTimeout       time.Duration `mapstructure:"session_timeout"`
	AgreementThreshold   float64       `mapstructure:"agreement_threshold"`
	WoTCoverageThreshold float64       `mapstructure:"wot_coverage_threshold"`
	ComponentTolerance   float64       `mapstructure:"component_tolerance"`
	WoTTolerance         float64       `mapstructure:"wot_tolerance"`
	FinalTolerance       float64       `mapstructure:"final_tolerance"`
	MinReputation        float64       `mapstructure:"min_reputation"`
	MinStake             float64       `mapstructure:"min_stake"`
	MaxInactiveBlocks    int64         `mapstructure:"max_inactive_blocks"`
	ChallengesPerMinute  float64       `mapstructure:"challenges_per_minute"`
	ChallengeBurst       int           `mapstructure:"challenge_burst"`
	RetentionWindow      time.Duration `mapstructure:"retention_window"`
}

// ArbitrationConfig holds dispute-escalation settings.
type ArbitrationConfig struct {
	RenotifyInterval time.Duration `mapstructure:"renotify_interval"`
}

// PenaltyTier maps a minimum score deviation to its penalties. Tiers are
// configuration, not constants: the cut points are a chosen contract.
type PenaltyTier struct {
	MinDeviation       float64 `mapstructure:"min_deviation"`
	ReputationPenalty  float64 `mapstructure:"reputation_penalty"`
	StakeSlashFraction float64 `mapstructure:"stake_slash_fraction"`
}

// FraudConfig holds fraud-detection settings.
type FraudConfig struct {
	Tiers []PenaltyTier `mapstructure:"tiers"`
}

// CompensationConfig holds the fee-split ratios.
type CompensationConfig struct {
	ProducerShare  float64 `mapstructure:"producer_share"`
	ValidatorShare float64 `mapstructure:"validator_share"`
}

// SecurityConfig holds key and token settings.
type SecurityConfig struct {
	KeyFile     string        `mapstructure:"key_file"`
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
}

// APIConfig holds the HTTP query surface settings.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// SchedConfig holds background job schedules (cron specs with seconds).
type SchedConfig struct {
	SessionPruneSpec    string `mapstructure:"session_prune_spec"`
	DisputeRenotifySpec string `mapstructure:"dispute_renotify_spec"`
}

// Load reads the configuration file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("REPCON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("database.embedded", false)
	v.SetDefault("database.port", 5433)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.timeout", "5s")
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("p2p.port", 9000)
	v.SetDefault("p2p.max_peers", 50)
	v.SetDefault("p2p.min_peers", 3)
	v.SetDefault("p2p.peer_timeout", "30s")
	v.SetDefault("p2p.key_path", "data/keys/node.key")

	v.SetDefault("consensus.committee_size", 10)
	v.SetDefault("consensus.session_timeout", "30s")
	v.SetDefault("consensus.agreement_threshold", 0.70)
	v.SetDefault("consensus.wot_coverage_threshold", 0.30)
	v.SetDefault("consensus.component_tolerance", 3)
	v.SetDefault("consensus.wot_tolerance", 5)
	v.SetDefault("consensus.final_tolerance", 8)
	v.SetDefault("consensus.min_reputation", 70)
	v.SetDefault("consensus.min_stake", 1)
	v.SetDefault("consensus.max_inactive_blocks", 1000)
	v.SetDefault("consensus.challenges_per_minute", 30)
	v.SetDefault("consensus.challenge_burst", 10)
	v.SetDefault("consensus.retention_window", "24h")

	v.SetDefault("arbitration.renotify_interval", "10m")

	v.SetDefault("fraud.tiers", []map[string]interface{}{
		{"min_deviation": 10, "reputation_penalty": 5, "stake_slash_fraction": 0},
		{"min_deviation": 30, "reputation_penalty": 15, "stake_slash_fraction": 0.05},
		{"min_deviation": 50, "reputation_penalty": 30, "stake_slash_fraction": 0.10},
	})

	v.SetDefault("compensation.producer_share", 0.70)
	v.SetDefault("compensation.validator_share", 0.30)

	v.SetDefault("security.key_file", "data/keys/validator.key")
	v.SetDefault("security.token_expiry", "24h")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")

	v.SetDefault("scheduler.session_prune_spec", "0 */5 * * * *")
	v.SetDefault("scheduler.dispute_renotify_spec", "0 */10 * * * *")
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Consensus.CommitteeSize <= 0 {
		return fmt.Errorf("committee size must be positive")
	}
	if c.Consensus.SessionTimeout <= 0 {
		return fmt.Errorf("session timeout must be positive")
	}
	if c.Consensus.AgreementThreshold <= 0.5 || c.Consensus.AgreementThreshold > 1 {
		return fmt.Errorf("agreement threshold must be in (0.5, 1]")
	}
	if c.Consensus.WoTCoverageThreshold < 0 || c.Consensus.WoTCoverageThreshold > 1 {
		return fmt.Errorf("wot coverage threshold must be in [0, 1]")
	}
	if c.Compensation.ProducerShare+c.Compensation.ValidatorShare != 1.0 {
		return fmt.Errorf("producer and validator shares must sum to 1")
	}
	for i := 1; i < len(c.Fraud.Tiers); i++ {
		if c.Fraud.Tiers[i].MinDeviation <= c.Fraud.Tiers[i-1].MinDeviation {
			return fmt.Errorf("fraud tiers must be ordered by ascending min deviation")
		}
	}
	if c.P2P.Port <= 0 || c.P2P.Port > 65535 {
		return fmt.Errorf("invalid p2p port: %d", c.P2P.Port)
	}
	return nil
}
