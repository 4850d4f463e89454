// Package config loads the gateway's process-wide configuration from the
// environment, following the env-var contract this codebase uses everywhere:
// explicit values always win, AWS Secrets Manager (when configured) only
// fills in what isn't already set.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Config holds every environment-variable-driven setting the gateway needs.
type Config struct {
	Port      int
	AuthToken string // if empty, the caller falls back to the persisted token file (auth.LoadOrCreateToken)

	MinIdleWorkers      int
	MaxTotalWorkers     int
	WorkerCPU           float64
	WorkerRAMMB         int
	WorkerMaxDiskSizeMB int
	WorkerIdleTimeout   time.Duration
	RecyclingInterval   time.Duration
	MaxExecutionTimeout time.Duration
	MaxFileSizeMB       int

	InternalNetworkName string
	GatewayInternalIP   string

	SSRFProtectionEnabled bool
	CORSAllowedOrigins    []string

	VDisksBaseDir   string
	WorkerMountsDir string
	AuthTokenPath   string

	// SecretsARN, if set, causes Load to fetch a JSON secret from AWS
	// Secrets Manager and apply any keys not already present in the
	// environment before the rest of this struct is populated.
	SecretsARN string
}

// Load reads configuration from environment variables, applying the
// gateway's documented defaults for anything unset.
func Load() (*Config, error) {
	if arn := os.Getenv("SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		Port:      8080,
		AuthToken: os.Getenv("AUTH_TOKEN"),

		MinIdleWorkers:      envOrDefaultInt("MIN_IDLE_WORKERS", 20),
		MaxTotalWorkers:     envOrDefaultInt("MAX_TOTAL_WORKERS", 100),
		WorkerCPU:           envOrDefaultFloat("WORKER_CPU", 1.0),
		WorkerRAMMB:         envOrDefaultInt("WORKER_RAM_MB", 1024),
		WorkerMaxDiskSizeMB: envOrDefaultInt("WORKER_MAX_DISK_SIZE_MB", 500),
		WorkerIdleTimeout:   time.Duration(envOrDefaultInt("WORKER_IDLE_TIMEOUT", 3600)) * time.Second,
		RecyclingInterval:   time.Duration(envOrDefaultInt("RECYCLING_INTERVAL", 300)) * time.Second,
		MaxExecutionTimeout: time.Duration(envOrDefaultFloat("MAX_EXECUTION_TIMEOUT", 15.0) * float64(time.Second)),
		MaxFileSizeMB:       envOrDefaultInt("MAX_FILE_SIZE_MB", 100),

		InternalNetworkName: envOrDefault("INTERNAL_NETWORK_NAME", "gateway-internal"),
		GatewayInternalIP:   os.Getenv("GATEWAY_INTERNAL_IP"),

		SSRFProtectionEnabled: envOrDefault("SSRF_PROTECTION_ENABLED", "true") == "true",
		CORSAllowedOrigins:    splitCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),

		VDisksBaseDir:   envOrDefault("VDISKS_BASE_DIR", "/var/lib/gateway/vdisks"),
		WorkerMountsDir: envOrDefault("WORKER_MOUNTS_DIR", "/var/lib/gateway/worker_mounts"),
		AuthTokenPath:   envOrDefault("AUTH_TOKEN_PATH", "auth_token.txt"),

		SecretsARN: os.Getenv("SECRETS_ARN"),
	}

	if portStr := os.Getenv("PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	return cfg, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables (only if not already set, so explicit
// env vars always win). Uses the default AWS credential chain.
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}

	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, len(secrets))
	return nil
}
