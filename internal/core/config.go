package core

import (
	"os"
	"strings"
	"time"

	"github.com/zaziedlm/koiki-gofw/internal/saml"
)

// Config holds the application configuration
type Config struct {
	// Environment (development, production)
	Environment string

	// Server listening address
	ListenAddr string

	// Base URL for constructing absolute URLs
	BaseURL string

	// CORS allowed origins
	CORSOrigins []string

	// Enable debug logging
	Debug bool

	// Directory for the SQLite user database
	DataDir string

	// Session token lifetimes
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// SAML service provider configuration
	SAML saml.Config
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. An unknown certificate strategy is a fatal configuration error,
// never a silent fallback.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Environment:     getEnv("KOIKI_ENV", "development"),
		ListenAddr:      getEnv("KOIKI_LISTEN_ADDR", ":8080"),
		BaseURL:         getEnv("KOIKI_BASE_URL", "http://localhost:8080"),
		CORSOrigins:     getEnvList("KOIKI_CORS_ORIGINS", []string{"http://localhost:3000"}),
		Debug:           getEnvBool("KOIKI_DEBUG", false),
		DataDir:         getEnv("KOIKI_DATA_DIR", "./data"),
		AccessTokenTTL:  getEnvDuration("KOIKI_ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: getEnvDuration("KOIKI_REFRESH_TOKEN_TTL", 24*time.Hour),
	}

	strategy, err := saml.ParseCertificateStrategy(getEnv("KOIKI_SAML_CERT_STRATEGY", "auto"))
	if err != nil {
		return nil, err
	}

	cfg.SAML = saml.Config{
		EntityID:              getEnv("KOIKI_SAML_SP_ENTITY_ID", cfg.BaseURL+"/auth/saml/metadata"),
		ACSURL:                getEnv("KOIKI_SAML_ACS_URL", cfg.BaseURL+"/auth/saml/acs"),
		MetadataURL:           getEnv("KOIKI_SAML_SP_METADATA_URL", cfg.BaseURL+"/auth/saml/metadata"),
		CertFile:              getEnv("KOIKI_SAML_SP_CERT_FILE", ""),
		KeyFile:               getEnv("KOIKI_SAML_SP_KEY_FILE", ""),
		IdPEntityID:           getEnv("KOIKI_SAML_IDP_ENTITY_ID", ""),
		IdPSSOURL:             getEnv("KOIKI_SAML_IDP_SSO_URL", ""),
		IdPMetadataURL:        getEnv("KOIKI_SAML_IDP_METADATA_URL", ""),
		CertificateStrategy:   strategy,
		StaticCertificate:     getEnv("KOIKI_SAML_IDP_CERTIFICATE", ""),
		SigningKey:            getEnv("KOIKI_SAML_SIGNING_KEY", ""),
		EmailAttribute:        getEnv("KOIKI_SAML_EMAIL_ATTRIBUTE", "email"),
		NameAttribute:         getEnv("KOIKI_SAML_NAME_ATTRIBUTE", "displayName"),
		AllowedRedirectURLs:   getEnvList("KOIKI_SAML_ALLOWED_REDIRECTS", nil),
		DefaultRedirectURL:    getEnv("KOIKI_SAML_DEFAULT_REDIRECT", cfg.BaseURL+"/"),
		AllowedEmailDomains:   getEnvList("KOIKI_SAML_ALLOWED_DOMAINS", nil),
		MetadataCacheTTL:      getEnvDuration("KOIKI_SAML_METADATA_CACHE_TTL", time.Hour),
		MetadataTimeout:       getEnvDuration("KOIKI_SAML_METADATA_TIMEOUT", 10*time.Second),
		RelayStateTTL:         getEnvDuration("KOIKI_SAML_RELAY_STATE_TTL", 10*time.Minute),
		TicketTTL:             getEnvDuration("KOIKI_SAML_TICKET_TTL", 120*time.Second),
		ClockSkew:             getEnvDuration("KOIKI_SAML_CLOCK_SKEW", 2*time.Minute),
		AllowInsecureMetadata: cfg.IsDevelopment() && getEnvBool("KOIKI_SAML_ALLOW_HTTP_METADATA", false),
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return strings.ToLower(value) == "true" || value == "1"
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
