package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when no path is given.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/campaignmedia/config.yaml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration: defaults, then the YAML file at path (or the
// first default path found), then environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"server.cors_origins",
	"auth.api_keys",
}

// processSliceFields splits comma separated env values for slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var trimmed []string
		for _, p := range strings.Split(strVal, ",") {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var envMappings = map[string]string{
	"http_addr":                 "server.addr",
	"http_read_timeout":         "server.read_timeout",
	"http_write_timeout":        "server.write_timeout",
	"http_shutdown_timeout":     "server.shutdown_timeout",
	"max_request_bytes":         "server.max_request_bytes",
	"cors_origins":              "server.cors_origins",
	"admin_http_addr":           "admin.http_addr",
	"admin_grpc_addr":           "admin.grpc_addr",
	"staging_dir":               "staging.dir",
	"staging_max_age":           "staging.max_age",
	"upload_max_files":          "upload.max_files",
	"upload_max_image_bytes":    "upload.max_image_bytes",
	"upload_max_video_bytes":    "upload.max_video_bytes",
	"upload_max_concurrent":     "upload.max_concurrent",
	"upload_max_in_flight":      "upload.max_in_flight",
	"upload_folder_root":        "upload.folder_root",
	"gateway_driver":            "gateway.driver",
	"gateway_timeout_ms":        "gateway.timeout_ms",
	"gateway_rate_per_second":   "gateway.rate_per_second",
	"gateway_breaker_failures":  "gateway.breaker_failures",
	"gateway_breaker_cooldown":  "gateway.breaker_cooldown",
	"gateway_rollback_attempts": "gateway.rollback_attempts",
	"cloudinary_url":            "gateway.cloudinary.url",
	"cloudinary_cloud_name":     "gateway.cloudinary.cloud_name",
	"cloudinary_api_key":        "gateway.cloudinary.api_key",
	"cloudinary_api_secret":     "gateway.cloudinary.api_secret",
	"asset_dir":                 "gateway.disk.dir",
	"asset_base_url":            "gateway.disk.base_url",
	"database_url":              "database.url",
	"redis_addr":                "redis.addr",
	"redis_password":            "redis.password",
	"redis_db":                  "redis.db",
	"rate_limit_enabled":        "rate_limit.enabled",
	"rate_limit_window_ms":      "rate_limit.window_ms",
	"rate_limit_max":            "rate_limit.max",
	"rate_limit_key_strategy":   "rate_limit.key_strategy",
	"api_keys":                  "auth.api_keys",
	"log_level":                 "logging.level",
	"log_dev":                   "logging.dev",
	"log_file":                  "logging.file",
	"tracing_enabled":           "tracing.enabled",
	"tracing_output":            "tracing.output",
}

// envTransformFunc maps known environment variables to config paths and
// drops everything else.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
