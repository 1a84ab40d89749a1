package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Execution backends.
const (
	BackendProcess = "process"
	BackendDocker  = "docker"
)

// Staging collision policies.
const (
	CollisionOverwrite = "overwrite"
	CollisionFail      = "fail"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	JWTSecret              string
	MediaRoot              string
	LibsDir                string
	WorkspaceRoot          string
	ExecutionTimeout       time.Duration
	ExecutionWorkers       int
	ExecutionQueueSize     int
	ExecutionBackend       string
	CollisionPolicy        string
	OutputLimitBytes       int64
	DockerHost             string
	PythonImage            string
	JavaImage              string
	ScriptImage            string
	CodeRunMemoryMB        int
	CodeRunCPUShares       int
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	CourseworkCacheTTL     time.Duration
	EventsChannel          string
	CORSOrigins            string
	ExecutionRateLimit     int
	ExecutionRateWindow    time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("PEERTEST")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Peer Testing API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("media.root", "./media")
	v.SetDefault("libs.dir", "./libs")
	v.SetDefault("workspace.root", "")
	v.SetDefault("execution.timeout", "30s")
	v.SetDefault("execution.workers", 4)
	v.SetDefault("execution.queue_size", 64)
	v.SetDefault("execution.backend", BackendProcess)
	v.SetDefault("execution.collision_policy", CollisionOverwrite)
	v.SetDefault("execution.output_limit_kb", 1024)
	v.SetDefault("docker.python_image", "python:3.12-slim")
	v.SetDefault("docker.java_image", "eclipse-temurin:8-jdk")
	v.SetDefault("docker.script_image", "debian:bookworm-slim")
	v.SetDefault("code_run_memory_mb", 256)
	v.SetDefault("code_run_cpu_shares", 512)
	v.SetDefault("cloudinary.folder", "peer-testing/submissions")
	v.SetDefault("coursework.cache_ttl", "5m")
	v.SetDefault("events.channel", "peertest")
	v.SetDefault("ratelimit.executions", 30)
	v.SetDefault("ratelimit.window", "1m")

	timeout, err := parseDuration(v.GetString("execution.timeout"), 30*time.Second)
	if err != nil {
		return Config{}, fmt.Errorf("invalid execution timeout: %w", err)
	}

	ttl, err := parseDuration(v.GetString("coursework.cache_ttl"), 5*time.Minute)
	if err != nil {
		return Config{}, fmt.Errorf("invalid coursework cache ttl: %w", err)
	}

	rateWindow, err := parseDuration(v.GetString("ratelimit.window"), time.Minute)
	if err != nil {
		return Config{}, fmt.Errorf("invalid rate limit window: %w", err)
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		JWTSecret:              v.GetString("jwt.secret"),
		MediaRoot:              v.GetString("media.root"),
		LibsDir:                v.GetString("libs.dir"),
		WorkspaceRoot:          v.GetString("workspace.root"),
		ExecutionTimeout:       timeout,
		ExecutionWorkers:       v.GetInt("execution.workers"),
		ExecutionQueueSize:     v.GetInt("execution.queue_size"),
		ExecutionBackend:       strings.ToLower(v.GetString("execution.backend")),
		CollisionPolicy:        strings.ToLower(v.GetString("execution.collision_policy")),
		OutputLimitBytes:       v.GetInt64("execution.output_limit_kb") * 1024,
		DockerHost:             v.GetString("docker.host"),
		PythonImage:            v.GetString("docker.python_image"),
		JavaImage:              v.GetString("docker.java_image"),
		ScriptImage:            v.GetString("docker.script_image"),
		CodeRunMemoryMB:        v.GetInt("code_run_memory_mb"),
		CodeRunCPUShares:       v.GetInt("code_run_cpu_shares"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		CourseworkCacheTTL:     ttl,
		EventsChannel:          v.GetString("events.channel"),
		CORSOrigins:            v.GetString("cors.origins"),
		ExecutionRateLimit:     v.GetInt("ratelimit.executions"),
		ExecutionRateWindow:    rateWindow,
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	switch cfg.ExecutionBackend {
	case BackendProcess, BackendDocker:
	default:
		return Config{}, fmt.Errorf("unsupported execution backend %q", cfg.ExecutionBackend)
	}

	switch cfg.CollisionPolicy {
	case CollisionOverwrite, CollisionFail:
	default:
		return Config{}, fmt.Errorf("unsupported collision policy %q", cfg.CollisionPolicy)
	}

	if cfg.ExecutionWorkers <= 0 {
		cfg.ExecutionWorkers = 4
	}
	if cfg.ExecutionQueueSize <= 0 {
		cfg.ExecutionQueueSize = 64
	}
	if cfg.OutputLimitBytes <= 0 {
		cfg.OutputLimitBytes = 1024 * 1024
	}
	if cfg.CodeRunMemoryMB <= 0 {
		cfg.CodeRunMemoryMB = 256
	}
	if cfg.CodeRunCPUShares <= 0 {
		cfg.CodeRunCPUShares = 512
	}

	return cfg, nil
}

func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return fallback, nil
	}
	return d, nil
}
