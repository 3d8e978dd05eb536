package config

import "time"

// APIConfig holds runtime configuration for the control plane API.
type APIConfig struct {
	Environment          string
	Addr                 string
	LogLevel             string
	DatabaseURL          string
	MigrationsDir        string
	SuggestURL           string
	SuggestTimeout       time.Duration
	SnapshotBucket       string
	SnapshotRegion       string
	SnapshotEndpoint     string
	SnapshotAccessKey    string
	SnapshotSecretKey    string
	DockerHost           string
	SandboxImage         string
	SandboxDomainSuffix  string
	RunDefaultTTLMinutes int
	RunMaxTTLMinutes     int
	DeployTimeout        time.Duration
	ReconcileInterval    time.Duration
	ProviderStepDelay    time.Duration
	LeaseTTL             time.Duration
	EventBuffer          int
	RateLimitRedisAddr   string
	RateLimitRedisPass   string
	RateLimitRedisDB     int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	LoadDotenv()
	return APIConfig{
		Environment:          GetString("APP_ENV", "development"),
		Addr:                 GetString("API_ADDR", ":4000"),
		LogLevel:             GetString("LOG_LEVEL", "info"),
		DatabaseURL:          GetString("DATABASE_URL", "postgres://controlplane:controlplane@db:5432/controlplane?sslmode=disable"),
		MigrationsDir:        GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		SuggestURL:           GetString("SUGGEST_URL", ""),
		SuggestTimeout:       time.Duration(GetInt("SUGGEST_TIMEOUT_SECONDS", 5)) * time.Second,
		SnapshotBucket:       GetString("SNAPSHOT_BUCKET", "devflowhub-snapshots"),
		SnapshotRegion:       GetString("SNAPSHOT_REGION", "us-east-1"),
		SnapshotEndpoint:     GetString("SNAPSHOT_ENDPOINT", ""),
		SnapshotAccessKey:    GetString("SNAPSHOT_ACCESS_KEY_ID", ""),
		SnapshotSecretKey:    GetString("SNAPSHOT_SECRET_ACCESS_KEY", ""),
		DockerHost:           GetString("DOCKER_HOST_OVERRIDE", ""),
		SandboxImage:         GetString("SANDBOX_IMAGE", "devflowhub/sandbox:latest"),
		SandboxDomainSuffix:  GetString("SANDBOX_DOMAIN_SUFFIX", ".sandbox.devflowhub.dev"),
		RunDefaultTTLMinutes: GetInt("RUN_DEFAULT_TTL_MINUTES", 60),
		RunMaxTTLMinutes:     GetInt("RUN_MAX_TTL_MINUTES", 480),
		DeployTimeout:        time.Duration(GetInt("DEPLOY_TIMEOUT_SECONDS", 900)) * time.Second,
		ReconcileInterval:    time.Duration(GetInt("RECONCILE_INTERVAL_SECONDS", 30)) * time.Second,
		ProviderStepDelay:    time.Duration(GetInt("PROVIDER_STEP_DELAY_MS", 2000)) * time.Millisecond,
		LeaseTTL:             time.Duration(GetInt("DEPLOY_LEASE_TTL_SECONDS", 1800)) * time.Second,
		EventBuffer:          GetInt("WS_EVENT_BUFFER", 100),
		RateLimitRedisAddr:   GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:   GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:     GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
