package config

import "time"

// ProviderOAuth holds one provider's OAuth application credentials.
type ProviderOAuth struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	LogLevel      string

	SessionSecret string
	VaultKeyHex   string

	Vercel  ProviderOAuth
	Netlify ProviderOAuth
	Railway ProviderOAuth

	ScaffoldURL string

	DeployTimeout    time.Duration
	StaleDeployAfter time.Duration
	RateLimitMax     int
	RateLimitWindow  time.Duration

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":4000"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://launchkit:launchkit@db:5432/launchkit?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		LogLevel:      GetString("LOG_LEVEL", "info"),

		SessionSecret: GetString("SESSION_SECRET", "supersecuresecret"),
		VaultKeyHex:   GetString("VAULT_KEY", ""),

		Vercel: ProviderOAuth{
			ClientID:     GetString("VERCEL_CLIENT_ID", ""),
			ClientSecret: GetString("VERCEL_CLIENT_SECRET", ""),
			RedirectURI:  GetString("VERCEL_REDIRECT_URI", "http://localhost:4000/connect/vercel/callback"),
		},
		Netlify: ProviderOAuth{
			ClientID:     GetString("NETLIFY_CLIENT_ID", ""),
			ClientSecret: GetString("NETLIFY_CLIENT_SECRET", ""),
			RedirectURI:  GetString("NETLIFY_REDIRECT_URI", "http://localhost:4000/connect/netlify/callback"),
		},
		Railway: ProviderOAuth{
			ClientID:     GetString("RAILWAY_CLIENT_ID", ""),
			ClientSecret: GetString("RAILWAY_CLIENT_SECRET", ""),
			RedirectURI:  GetString("RAILWAY_REDIRECT_URI", "http://localhost:4000/connect/railway/callback"),
		},

		ScaffoldURL: GetString("SCAFFOLD_SERVICE_URL", ""),

		DeployTimeout:    time.Duration(GetInt("DEPLOY_TIMEOUT_SECONDS", 300)) * time.Second,
		StaleDeployAfter: time.Duration(GetInt("STALE_DEPLOY_AFTER_SECONDS", 600)) * time.Second,
		RateLimitMax:     GetInt("DEPLOY_RATE_LIMIT", 10),
		RateLimitWindow:  time.Duration(GetInt("DEPLOY_RATE_WINDOW_SECONDS", 3600)) * time.Second,

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
