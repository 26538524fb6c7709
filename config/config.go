package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the broker configuration
type Config struct {
	Env        string `yaml:"env"`
	ServerPort string `yaml:"server_port"`

	// Database DSN. postgres:// URLs use lib/pq, anything else is a sqlite file.
	DatabaseURL string `yaml:"database_url"`

	// ProgramDir holds requester homes, working directories and the public cache.
	ProgramDir         string `yaml:"program_dir"`
	CheckpointPath     string `yaml:"checkpoint_path"`
	CheckpointAutoSeed bool   `yaml:"checkpoint_auto_seed"`
	LockPath           string `yaml:"lock_path"`

	Ledger LedgerConfig `yaml:"ledger"`
	Poll   PollConfig   `yaml:"poll"`
	Slurm  SlurmConfig  `yaml:"slurm"`
	IPFS   IPFSConfig   `yaml:"ipfs"`
	Share  ShareConfig  `yaml:"share"`
	VCS    VCSConfig    `yaml:"vcs"`
	GDrive GDriveConfig `yaml:"gdrive"`
	Redis  RedisConfig  `yaml:"redis"`
	OTel   OTelConfig   `yaml:"otel"`
}

type LedgerConfig struct {
	RPCURL          string `yaml:"rpc_url"`
	ContractAddress string `yaml:"contract_address"`
	ProviderAddress string `yaml:"provider_address"`
	GasLimit        uint64 `yaml:"gas_limit"`
}

type PollConfig struct {
	Interval         time.Duration `yaml:"interval"`
	BlockInterval    time.Duration `yaml:"block_interval"`
	CapacityInterval time.Duration `yaml:"capacity_interval"`
	MonitorInterval  time.Duration `yaml:"monitor_interval"`
}

type SlurmConfig struct {
	Account        string        `yaml:"account"`
	UseSudo        bool          `yaml:"use_sudo"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    float64       `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// SSHHost runs the Slurm commands on a login node instead of locally.
	SSHHost string `yaml:"ssh_host"`
	SSHUser string `yaml:"ssh_user"`
	SSHPort string `yaml:"ssh_port"`
}

type IPFSConfig struct {
	Binary      string `yaml:"binary"`
	GPGBinary   string `yaml:"gpg_binary"`
	StartDaemon bool   `yaml:"start_daemon"`
}

type ShareConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

type VCSConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

type GDriveConfig struct {
	Binary string `yaml:"binary"`
}

type RedisConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
}

type OTelConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Headers        string `yaml:"headers"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

// Load loads configuration from the environment. In development a .env file
// is read first. BROKER_CONFIG_FILE names an optional YAML file whose values
// override the environment.
func Load() (*Config, error) {
	if getEnv("BROKER_ENV", "development") == "development" {
		_ = godotenv.Load(".env")
	}

	programDir := getEnv("PROGRAM_DIR", filepath.Join(os.Getenv("HOME"), ".broker"))

	cfg := &Config{
		Env:                getEnv("BROKER_ENV", "development"),
		ServerPort:         getEnv("SERVER_PORT", "8080"),
		DatabaseURL:        getEnv("DATABASE_URL", filepath.Join(programDir, "broker.db")),
		ProgramDir:         programDir,
		CheckpointPath:     getEnv("CHECKPOINT_PATH", filepath.Join(programDir, "block_continue.txt")),
		CheckpointAutoSeed: getEnvBool("CHECKPOINT_AUTO_SEED", false),
		LockPath:           getEnv("LOCK_PATH", filepath.Join(programDir, "broker.lock")),
		Ledger: LedgerConfig{
			RPCURL:          getEnv("LEDGER_RPC_URL", "http://localhost:8545"),
			ContractAddress: getEnv("LEDGER_CONTRACT_ADDRESS", ""),
			ProviderAddress: getEnv("PROVIDER_ADDRESS", ""),
			GasLimit:        uint64(getEnvInt("LEDGER_GAS_LIMIT", 4500000)),
		},
		Poll: PollConfig{
			Interval:         getEnvDuration("POLL_INTERVAL", 2*time.Second),
			BlockInterval:    getEnvDuration("POLL_BLOCK_INTERVAL", 2*time.Second),
			CapacityInterval: getEnvDuration("POLL_CAPACITY_INTERVAL", 10*time.Second),
			MonitorInterval:  getEnvDuration("POLL_MONITOR_INTERVAL", 30*time.Second),
		},
		Slurm: SlurmConfig{
			Account:        getEnv("SLURM_ACCOUNT", "broker"),
			UseSudo:        getEnvBool("SLURM_USE_SUDO", true),
			MaxAttempts:    getEnvInt("SLURM_MAX_ATTEMPTS", 10),
			BackoffBase:    getEnvFloat("SLURM_BACKOFF_BASE", 2.0),
			BackoffMax:     getEnvDuration("SLURM_BACKOFF_MAX", 300*time.Second),
			CommandTimeout: getEnvDuration("SLURM_COMMAND_TIMEOUT", 60*time.Second),
			SSHHost:        getEnv("SLURM_SSH_HOST", ""),
			SSHUser:        getEnv("SLURM_SSH_USER", ""),
			SSHPort:        getEnv("SLURM_SSH_PORT", ""),
		},
		IPFS: IPFSConfig{
			Binary:      getEnv("IPFS_BINARY", "ipfs"),
			GPGBinary:   getEnv("GPG_BINARY", "gpg"),
			StartDaemon: getEnvBool("IPFS_START_DAEMON", false),
		},
		Share: ShareConfig{
			Bucket:   getEnv("SHARE_BUCKET", ""),
			Region:   getEnv("AWS_REGION", "us-east-1"),
			Endpoint: getEnv("SHARE_ENDPOINT", ""),
			Prefix:   getEnv("SHARE_PREFIX", ""),
		},
		VCS: VCSConfig{
			BaseURL: getEnv("VCS_BASE_URL", "https://gitlab.com"),
			Token:   getEnv("VCS_TOKEN", ""),
		},
		GDrive: GDriveConfig{
			Binary: getEnv("GDRIVE_BINARY", "gdrive"),
		},
		Redis: RedisConfig{
			URL:    getEnv("REDIS_URL", ""),
			Stream: getEnv("REDIS_STREAM", "broker_outcomes"),
		},
		OTel: OTelConfig{
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "compute-broker"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
		},
	}

	if path := getEnv("BROKER_CONFIG_FILE", ""); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.ProgramDir == "" {
		return fmt.Errorf("PROGRAM_DIR is required")
	}
	if c.Ledger.ProviderAddress == "" {
		return fmt.Errorf("PROVIDER_ADDRESS is required")
	}
	if c.Ledger.RPCURL == "" || c.Ledger.ContractAddress == "" {
		return fmt.Errorf("LEDGER_RPC_URL and LEDGER_CONTRACT_ADDRESS are required")
	}
	if c.Slurm.MaxAttempts <= 0 {
		return fmt.Errorf("SLURM_MAX_ATTEMPTS must be positive, got %d", c.Slurm.MaxAttempts)
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// PublicCacheDir is shared by all requesters.
func (c Config) PublicCacheDir() string {
	return filepath.Join(c.ProgramDir, "cache")
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

func (c ShareConfig) Enabled() bool {
	return c.Bucket != ""
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
