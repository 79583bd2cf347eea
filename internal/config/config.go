package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	ListenAddr      string   `env:"LISTEN_ADDR" envDefault:":8080"`
	DatabaseURL     string   `env:"DATABASE_URL"`
	JWTSecret       string   `env:"JWT_SECRET"`
	AdminKey        string   `env:"ADMIN_KEY"`
	DefaultRegion   string   `env:"DEFAULT_REGION" envDefault:"us-east-1"`
	SupportedRegion []string `env:"SUPPORTED_REGIONS" envDefault:"us-east-1,eu-west-1" envSeparator:","`
	TemplatesPath   string   `env:"TEMPLATES_PATH" envDefault:"templates.yaml"`
	Debug           bool     `env:"DEBUG"`

	VMProvider      string            `env:"VM_PROVIDER" envDefault:"fake"`
	FakeHostAddress string            `env:"FAKE_HOST_ADDRESS"`
	AWSAMIMap       map[string]string `env:"AWS_AMI_MAP" envSeparator:"," envKeyValSeparator:"="`
	AWSSubnetID     string            `env:"AWS_SUBNET_ID"`
	AWSSecurityIDs  []string          `env:"AWS_SECURITY_GROUP_IDS" envSeparator:","`
	AWSKeyName      string            `env:"AWS_KEY_NAME"`
	AWSInstanceType string            `env:"AWS_INSTANCE_TYPE" envDefault:"g4dn.xlarge"`

	// Streaming host pairing.
	DeviceName      string        `env:"DEVICE_NAME" envDefault:"aegis-play"`
	HostPairingPIN  string        `env:"HOST_PAIRING_PIN"`
	PairTimeout     time.Duration `env:"PAIR_TIMEOUT" envDefault:"5s"`
	LaunchTimeout   time.Duration `env:"LAUNCH_TIMEOUT" envDefault:"20s"`
	LaunchPoll      time.Duration `env:"LAUNCH_POLL_INTERVAL" envDefault:"500ms"`
	HostProbePeriod time.Duration `env:"HOST_PROBE_INTERVAL" envDefault:"2s"`
	BootTimeout     time.Duration `env:"BOOT_TIMEOUT" envDefault:"5m"`
	StartingTTL     time.Duration `env:"STARTING_TTL" envDefault:"2m"`

	// Internal media engine the public signaling endpoints forward to.
	MediaEngineURL string `env:"MEDIA_ENGINE_URL" envDefault:"http://127.0.0.1:8090"`
	MediaEngineKey string `env:"MEDIA_ENGINE_KEY"`

	// Background jobs. The api runs the in-memory ones unless disabled; the
	// jobs binary runs the database ones.
	InProcessJobs      bool          `env:"IN_PROCESS_JOBS" envDefault:"true"`
	ReconcileEvery     time.Duration `env:"POOL_RECONCILE_INTERVAL" envDefault:"30s"`
	Retention          time.Duration `env:"REGISTRY_RETENTION" envDefault:"1h"`
	VMHistoryRetention time.Duration `env:"VM_HISTORY_RETENTION" envDefault:"720h"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

const EnvPrefix = "AEGIS_"

func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("AEGIS_DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("AEGIS_JWT_SECRET is required")
	}
	if c.AdminKey == "" {
		return fmt.Errorf("AEGIS_ADMIN_KEY is required")
	}
	if c.MediaEngineKey == "" {
		return fmt.Errorf("AEGIS_MEDIA_ENGINE_KEY is required")
	}
	if c.VMProvider != "fake" && c.VMProvider != "aws" {
		return fmt.Errorf("AEGIS_VM_PROVIDER must be one of fake|aws")
	}
	if c.VMProvider == "aws" && len(c.AWSAMIMap) == 0 {
		return fmt.Errorf("AEGIS_AWS_AMI_MAP is required for aws vm provider")
	}
	if c.PairTimeout <= 0 || c.LaunchTimeout <= 0 {
		return fmt.Errorf("pair and launch timeouts must be positive")
	}
	return nil
}

// EngineConfig configures the media engine process.
type EngineConfig struct {
	ListenAddr   string `env:"LISTEN_ADDR" envDefault:":8090"`
	InternalKey  string `env:"INTERNAL_KEY"`
	Debug        bool   `env:"DEBUG"`
	PionLogLevel string `env:"PION_LOG_LEVEL" envDefault:"warn"`

	ICEServers    []string      `env:"ICE_SERVERS" envSeparator:","`
	ICEPortMin    uint16        `env:"ICE_PORT_MIN"`
	ICEPortMax    uint16        `env:"ICE_PORT_MAX"`
	NAT1To1IP     string        `env:"NAT_1TO1_IP"`
	RTPMTU        int           `env:"RTP_MTU" envDefault:"1200"`
	FrameQueue    int           `env:"FRAME_QUEUE" envDefault:"2"`
	GatherTimeout time.Duration `env:"ICE_GATHER_TIMEOUT" envDefault:"5s"`

	Capture     string `env:"CAPTURE" envDefault:"testsrc"`
	FFmpegPath  string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	X11Display  string `env:"X11_DISPLAY" envDefault:":0"`
	MaxRestarts int    `env:"PIPELINE_MAX_RESTARTS" envDefault:"5"`

	HLSEnabled         bool          `env:"HLS_ENABLED" envDefault:"true"`
	HLSDir             string        `env:"HLS_DIR" envDefault:"/tmp/aegis-hls"`
	HLSSegmentDuration time.Duration `env:"HLS_SEGMENT_DURATION" envDefault:"2s"`
	HLSWindow          int           `env:"HLS_WINDOW" envDefault:"6"`
}

const EngineEnvPrefix = "AEGIS_ENGINE_"

func LoadEngineFromEnv() (EngineConfig, error) {
	var cfg EngineConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EngineEnvPrefix}); err != nil {
		return EngineConfig{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.InternalKey == "" {
		return EngineConfig{}, fmt.Errorf("AEGIS_ENGINE_INTERNAL_KEY is required")
	}
	if cfg.RTPMTU < 200 {
		return EngineConfig{}, fmt.Errorf("AEGIS_ENGINE_RTP_MTU must be at least 200")
	}
	if cfg.FrameQueue <= 0 {
		cfg.FrameQueue = 1
	}
	if cfg.HLSWindow <= 0 {
		cfg.HLSWindow = 6
	}
	return cfg, nil
}

func (c EngineConfig) HasPortRange() bool { return c.ICEPortMin > 0 && c.ICEPortMax >= c.ICEPortMin }
