package app

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config contains all runtime configuration, loaded from CRYPTOBANK_-prefixed
// environment variables (with an optional .env file for development).
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"` // json | pretty

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`

	DatabaseURL string `env:"DATABASE_URL"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"DB_MIN_CONNS" envDefault:"0"`
	DBSchema    string `env:"DB_SCHEMA" envDefault:"cryptobank"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `env:"READINESS_REQUIRE_DB"`

	CORSAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS"`
	CORSAllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"`
	CORSMaxAgeSeconds    int      `env:"CORS_MAX_AGE_SECONDS" envDefault:"600"`

	// TrustProxy enables X-Forwarded-For parsing; only set behind a proxy
	// that strips client-supplied forwarding headers.
	TrustProxy bool `env:"TRUST_PROXY"`

	// AdminEmail bootstraps the first administrator account at registration.
	AdminEmail string `env:"ADMIN_EMAIL"`

	// Refresh secrets at rest are HMAC-hashed when a key is present. With
	// RequireTokenHMAC the process refuses to start without one.
	TokenHMACKey     string `env:"TOKEN_HMAC_KEY,unset"`
	RequireTokenHMAC bool   `env:"REQUIRE_TOKEN_HMAC"`

	AuthIssuer             string        `env:"AUTH_ISSUER" envDefault:"cryptobank"`
	AuthAudience           string        `env:"AUTH_AUDIENCE" envDefault:"cryptobank-api"`
	AuthAccessTTL          time.Duration `env:"AUTH_ACCESS_TTL" envDefault:"15m"`
	AuthRefreshTTL         time.Duration `env:"AUTH_REFRESH_TTL" envDefault:"168h"`
	AuthClockSkew          time.Duration `env:"AUTH_CLOCK_SKEW" envDefault:"30s"`
	AuthRefreshSecretBytes int           `env:"AUTH_REFRESH_SECRET_BYTES" envDefault:"32"`
	AuthSigningKey         string        `env:"AUTH_SIGNING_KEY,unset"`

	Argon2MemoryKiB   uint32 `env:"ARGON2_MEMORY_KIB" envDefault:"65536"`
	Argon2Iterations  uint32 `env:"ARGON2_ITERATIONS" envDefault:"3"`
	Argon2Parallelism uint8  `env:"ARGON2_PARALLELISM" envDefault:"4"`

	LoginIPMax            int           `env:"LOGIN_IP_MAX" envDefault:"20"`
	LoginIPWindow         time.Duration `env:"LOGIN_IP_WINDOW" envDefault:"5m"`
	LoginIdentifierMax    int           `env:"LOGIN_IDENTIFIER_MAX" envDefault:"5"`
	LoginIdentifierWindow time.Duration `env:"LOGIN_IDENTIFIER_WINDOW" envDefault:"15m"`
}

// LoadConfig loads Config from the environment. A missing .env file is not an
// error; explicit environment variables always win over .env contents.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "CRYPTOBANK_"}); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
