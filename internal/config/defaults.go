package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvProd = "prod"
	EnvDev  = "dev"
	EnvTest = "test"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
)

const (
	DefaultPort           = 17802
	DefaultHost           = "0.0.0.0"
	DefaultEnvFile        = ".env"
	DefaultSchemasDir     = "./schemas"
	DefaultExportsDir     = "./exports"
	DefaultSecretsFile    = "./secrets.json"
	DefaultDeviceID       = "default"
	DefaultArchiveWorkers = 4
	DefaultArchiveDir     = "./archive"

	DefaultLocalLLMURL   = "http://localhost:11434"
	DefaultCloudLLMURL   = "https://openrouter.ai/api/v1"
	DefaultGPUServiceURL = "http://localhost:17803"
	DefaultWorkflowURL   = "http://localhost:7821"
	DefaultDirectURL     = "https://api.openai.com/v1/images/generations"

	DefaultSafetyModel       = "llama-guard3:1b"
	DefaultVisionModel       = "llama3.2-vision:latest"
	DefaultCloudSafetyModel  = "meta-llama/llama-guard-3-8b"
	DefaultDBDriver          = "sqlite"
	DefaultDBDSN             = "file:./data/runs.db"
	DefaultRunEventsTopicFmt = "devserver/runs/%s"
	DefaultVRAMProbePath     = "/api/health"
)

const (
	DefaultSafetyTimeout    = 60 * time.Second
	DefaultTransformTimeout = 120 * time.Second
	DefaultImageTimeout     = 300 * time.Second
	DefaultVideoTimeout     = 900 * time.Second
	DefaultGPUTimeout       = 600 * time.Second
	DefaultDownloadTimeout  = 60 * time.Second
)

var (
	ErrConfigNotLoaded = errors.New("config not loaded")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

// SetDefaults registers the default value of every config key with viper.
func SetDefaults() {
	viper.SetDefault("port", DefaultPort)
	viper.SetDefault("host", DefaultHost)
	viper.SetDefault("environment", EnvDev)
	viper.SetDefault("schemas_dir", DefaultSchemasDir)
	viper.SetDefault("exports_dir", DefaultExportsDir)
	viper.SetDefault("secrets_file", DefaultSecretsFile)
	viper.SetDefault("device_id", DefaultDeviceID)
	viper.SetDefault("cloud_provider", ProviderOpenRouter)
	viper.SetDefault("filesystem_type", FilesystemLocal)

	viper.SetDefault("backends.local_llm_url", DefaultLocalLLMURL)
	viper.SetDefault("backends.cloud_llm_url", DefaultCloudLLMURL)
	viper.SetDefault("backends.gpu_service_url", DefaultGPUServiceURL)
	viper.SetDefault("backends.workflow_url", DefaultWorkflowURL)
	viper.SetDefault("backends.direct_image_url", DefaultDirectURL)
	viper.SetDefault("backends.keep_alive", "5m")
	viper.SetDefault("backends.timeouts.safety", DefaultSafetyTimeout)
	viper.SetDefault("backends.timeouts.transform", DefaultTransformTimeout)
	viper.SetDefault("backends.timeouts.image", DefaultImageTimeout)
	viper.SetDefault("backends.timeouts.video", DefaultVideoTimeout)
	viper.SetDefault("backends.timeouts.gpu", DefaultGPUTimeout)
	viper.SetDefault("backends.timeouts.download", DefaultDownloadTimeout)

	viper.SetDefault("db.driver", DefaultDBDriver)
	viper.SetDefault("db.dsn", DefaultDBDSN)
	viper.SetDefault("mq.type", "inmemory")
	viper.SetDefault("archive.workers", DefaultArchiveWorkers)
	viper.SetDefault("archive.dir", DefaultArchiveDir)

	viper.SetDefault("safety.model", DefaultSafetyModel)
	viper.SetDefault("safety.vision_model", DefaultVisionModel)
	viper.SetDefault("safety.cloud_model", DefaultCloudSafetyModel)
}
