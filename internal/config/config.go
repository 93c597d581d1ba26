package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/utils/pathutil"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/utils/randutil"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	FilesystemLocal = "local"
	FilesystemS3    = "s3"
)

type Config struct {
	Port            int    `mapstructure:"port"`
	Host            string `mapstructure:"host"`
	Environment     string `mapstructure:"environment"`
	SchemasDir      string `mapstructure:"schemas_dir"`
	ExportsDir      string `mapstructure:"exports_dir"`
	PublicDir       string `mapstructure:"public_dir"`
	SecretsFile     string `mapstructure:"secrets_file"`
	DeviceID        string `mapstructure:"device_id"`
	DisableAPICache bool   `mapstructure:"disable_api_cache"`
	SecretKey       string `mapstructure:"secret_key"`
	CloudProvider   string `mapstructure:"cloud_provider"`
	Filesystem      string `mapstructure:"filesystem_type"`

	Backends *BackendsConfig `mapstructure:"backends"`
	VRAM     *VRAMConfig     `mapstructure:"vram"`
	DB       *DBConfig       `mapstructure:"db"`
	MQ       *MQConfig       `mapstructure:"mq"`
	Pulsar   *PulsarConfig   `mapstructure:"pulsar"`
	Archive  *ArchiveConfig  `mapstructure:"archive"`
	S3       *S3Config       `mapstructure:"s3"`
	Safety   *SafetyConfig   `mapstructure:"safety"`

	// Models overrides the model table: role -> mode -> tier key -> model.
	Models map[string]map[string]map[string]string `mapstructure:"models"`

	Secrets *Secrets `mapstructure:"-"`
}

type BackendsConfig struct {
	LocalLLMURL    string          `mapstructure:"local_llm_url"`
	CloudLLMURL    string          `mapstructure:"cloud_llm_url"`
	GPUServiceURL  string          `mapstructure:"gpu_service_url"`
	WorkflowURL    string          `mapstructure:"workflow_url"`
	DirectImageURL string          `mapstructure:"direct_image_url"`
	KeepAlive      string          `mapstructure:"keep_alive"`
	Timeouts       *TimeoutsConfig `mapstructure:"timeouts"`
}

// TimeoutsConfig holds the per backend kind call timeouts.
type TimeoutsConfig struct {
	Safety    time.Duration `mapstructure:"safety"`
	Transform time.Duration `mapstructure:"transform"`
	Image     time.Duration `mapstructure:"image"`
	Video     time.Duration `mapstructure:"video"`
	GPU       time.Duration `mapstructure:"gpu"`
	Download  time.Duration `mapstructure:"download"`
}

type VRAMConfig struct {
	ProbeURL   string  `mapstructure:"probe_url"`
	OverrideGB float64 `mapstructure:"override_gb"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type MQConfig struct {
	Type string `mapstructure:"type"`
}

type PulsarConfig struct {
	URL              string `mapstructure:"url"`
	OperationTimeout int    `mapstructure:"operation_timeout"`
	ConnectionTimout int    `mapstructure:"connection_timeout"`
}

type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Workers int    `mapstructure:"workers"`
	Dir     string `mapstructure:"dir"`
}

type S3Config struct {
	Folder      string `mapstructure:"folder"`
	Region      string `mapstructure:"region_name"`
	Bucket      string `mapstructure:"bucket_name"`
	AccessKey   string `mapstructure:"access_key"`
	SecretKey   string `mapstructure:"secret_key"`
	PublicURL   string `mapstructure:"public_url"`
	EndpointURL string `mapstructure:"endpoint_url"`
}

type SafetyConfig struct {
	Model       string `mapstructure:"model"`
	VisionModel string `mapstructure:"vision_model"`
	CloudModel  string `mapstructure:"cloud_model"`
}

// Secrets are provider credentials read once at startup.
type Secrets struct {
	OpenAI     string `json:"openai"`
	OpenRouter string `json:"openrouter"`
	Stability  string `json:"stability"`
}

var config *Config

// LoadEnvAndConfigFiles loads the optional .env and YAML config files,
// unmarshals the merged viper state and reads the secrets file.
func LoadEnvAndConfigFiles() error {
	envFile := viper.GetString("env_file")
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	SetDefaults()

	configFile := viper.GetString("config_file")
	if configFile != "" {
		path, err := pathutil.ExpandPath(configFile)
		if err != nil {
			return fmt.Errorf("failed to expand config file path: %w", err)
		}
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config: %w", err)
		}
	}

	return LoadConfig()
}

func loadEnvFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat env file: %w", err)
	}

	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// LoadConfig unmarshals the current viper state into the package config.
func LoadConfig() error {
	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return err
	}

	secrets, err := LoadSecrets(cfg.SecretsFile)
	if err != nil {
		return err
	}
	cfg.Secrets = secrets.withEnvFallbacks(
		viper.GetString("openai.api_key"),
		viper.GetString("openrouter.api_key"),
		viper.GetString("stability.api_key"),
	)

	config = cfg
	return nil
}

func GetConfig() (*Config, error) {
	if config == nil {
		return nil, ErrConfigNotLoaded
	}
	return config, nil
}

func MustGetConfig() *Config {
	if config == nil {
		panic("config not loaded")
	}

	return config
}

// SetConfig replaces the package config; used by tests and embedding programs.
func SetConfig(cfg *Config) {
	config = cfg
}

func (c *Config) normalize() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}

	var err error
	if c.SchemasDir, err = pathutil.ExpandPath(c.SchemasDir); err != nil {
		return fmt.Errorf("%w: schemas_dir: %v", ErrInvalidConfig, err)
	}
	if c.ExportsDir, err = pathutil.ExpandPath(c.ExportsDir); err != nil {
		return fmt.Errorf("%w: exports_dir: %v", ErrInvalidConfig, err)
	}
	if c.SecretsFile != "" {
		if c.SecretsFile, err = pathutil.ExpandPath(c.SecretsFile); err != nil {
			return fmt.Errorf("%w: secrets_file: %v", ErrInvalidConfig, err)
		}
	}

	if c.DeviceID == "" {
		c.DeviceID = DefaultDeviceID
	}
	if c.Backends == nil {
		c.Backends = &BackendsConfig{}
	}
	if c.Backends.Timeouts == nil {
		c.Backends.Timeouts = &TimeoutsConfig{}
	}
	c.Backends.Timeouts.fill()

	if c.Archive == nil {
		c.Archive = &ArchiveConfig{}
	}
	if c.Archive.Workers <= 0 {
		c.Archive.Workers = DefaultArchiveWorkers
	}
	if c.Archive.Dir == "" {
		c.Archive.Dir = DefaultArchiveDir
	}
	if c.Archive.Dir, err = pathutil.ExpandPath(c.Archive.Dir); err != nil {
		return fmt.Errorf("%w: archive.dir: %v", ErrInvalidConfig, err)
	}
	if c.Safety == nil {
		c.Safety = &SafetyConfig{}
	}

	switch c.Filesystem {
	case "", FilesystemLocal:
		c.Filesystem = FilesystemLocal
	case FilesystemS3:
		if c.S3 == nil || c.S3.Bucket == "" {
			return fmt.Errorf("%w: filesystem_type s3 requires s3.bucket_name", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown filesystem_type %q", ErrInvalidConfig, c.Filesystem)
	}

	c.Environment = strings.ToLower(c.Environment)
	return nil
}

func (t *TimeoutsConfig) fill() {
	if t.Safety <= 0 {
		t.Safety = DefaultSafetyTimeout
	}
	if t.Transform <= 0 {
		t.Transform = DefaultTransformTimeout
	}
	if t.Image <= 0 {
		t.Image = DefaultImageTimeout
	}
	if t.Video <= 0 {
		t.Video = DefaultVideoTimeout
	}
	if t.GPU <= 0 {
		t.GPU = DefaultGPUTimeout
	}
	if t.Download <= 0 {
		t.Download = DefaultDownloadTimeout
	}
}

// LoadSecrets reads the secrets file. A missing file yields empty secrets.
func LoadSecrets(path string) (*Secrets, error) {
	secrets := &Secrets{}
	if path == "" {
		return secrets, nil
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return secrets, nil
		}
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}

	if err := json.Unmarshal(data, secrets); err != nil {
		return nil, fmt.Errorf("%w: secrets file is not valid JSON: %v", ErrInvalidConfig, err)
	}
	return secrets, nil
}

func (s *Secrets) withEnvFallbacks(openai, openrouter, stability string) *Secrets {
	out := *s
	if out.OpenAI == "" {
		out.OpenAI = openai
	}
	if out.OpenRouter == "" {
		out.OpenRouter = openrouter
	}
	if out.Stability == "" {
		out.Stability = stability
	}
	return &out
}

// Masked names the credentials that are set, each with all but its ends
// hidden, for startup logging.
func (s *Secrets) Masked() map[string]string {
	out := map[string]string{}
	if s == nil {
		return out
	}
	for name, v := range map[string]string{"openai": s.OpenAI, "openrouter": s.OpenRouter, "stability": s.Stability} {
		if v != "" {
			out[name] = randutil.MaskString(v, 3, 3)
		}
	}
	return out
}

// CloudKey returns the bearer credential for the configured cloud provider.
func (c *Config) CloudKey() string {
	if c.Secrets == nil {
		return ""
	}
	switch c.CloudProvider {
	case ProviderOpenAI:
		return c.Secrets.OpenAI
	default:
		return c.Secrets.OpenRouter
	}
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
