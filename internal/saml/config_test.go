package saml

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() Config {
	return Config{
		EntityID:            "https://sp.example.com/metadata",
		ACSURL:              "https://sp.example.com/auth/saml/acs",
		IdPMetadataURL:      "https://idp.example.com/metadata",
		CertificateStrategy: StrategyMetadata,
		SigningKey:          testSigningKey,
		DefaultRedirectURL:  "https://app.example.com/home",
	}
}

func TestParseCertificateStrategy(t *testing.T) {
	tests := []struct {
		input    string
		expected CertificateStrategy
		wantErr  bool
	}{
		{"metadata", StrategyMetadata, false},
		{"static", StrategyStatic, false},
		{"auto", StrategyAuto, false},
		{"hybrid", StrategyHybrid, false},
		{"", StrategyAuto, false},
		{"  Hybrid ", StrategyHybrid, false},
		{"METADATA", StrategyMetadata, false},
		{"bogus", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			strategy, err := ParseCertificateStrategy(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, strategy)
		})
	}
}

func TestConfig_SetDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	assert.Equal(t, StrategyAuto, cfg.CertificateStrategy)
	assert.Equal(t, "email", cfg.EmailAttribute)
	assert.Equal(t, 120*time.Second, cfg.TicketTTL)
	assert.Equal(t, 10*time.Minute, cfg.RelayStateTTL)
	assert.Equal(t, time.Hour, cfg.MetadataCacheTTL)
}

func TestConfig_RelayStateTTLCapped(t *testing.T) {
	cfg := Config{RelayStateTTL: time.Hour}
	cfg.SetDefaults()
	assert.Equal(t, 10*time.Minute, cfg.RelayStateTTL)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid metadata strategy", func(c *Config) {}, false},
		{"missing entity ID", func(c *Config) { c.EntityID = "" }, true},
		{"missing ACS URL", func(c *Config) { c.ACSURL = "" }, true},
		{"invalid ACS URL", func(c *Config) { c.ACSURL = "::notaurl" }, true},
		{"invalid SP metadata URL", func(c *Config) { c.MetadataURL = "::notaurl" }, true},
		{"missing signing key", func(c *Config) { c.SigningKey = "" }, true},
		{"short signing key", func(c *Config) { c.SigningKey = "short" }, true},
		{"missing default redirect", func(c *Config) { c.DefaultRedirectURL = "" }, true},
		{"metadata strategy without URL", func(c *Config) {
			c.IdPMetadataURL = ""
		}, true},
		{"http metadata URL", func(c *Config) {
			c.IdPMetadataURL = "http://idp.example.com/metadata"
		}, true},
		{"http metadata URL in dev mode", func(c *Config) {
			c.IdPMetadataURL = "http://idp.example.com/metadata"
			c.AllowInsecureMetadata = true
		}, false},
		{"static strategy without certificate", func(c *Config) {
			c.CertificateStrategy = StrategyStatic
			c.IdPSSOURL = "https://idp.example.com/sso"
		}, true},
		{"static strategy without SSO URL", func(c *Config) {
			c.CertificateStrategy = StrategyStatic
			c.StaticCertificate = "cert"
		}, true},
		{"static strategy complete", func(c *Config) {
			c.CertificateStrategy = StrategyStatic
			c.IdPMetadataURL = ""
			c.StaticCertificate = "cert"
			c.IdPSSOURL = "https://idp.example.com/sso"
		}, false},
		{"auto strategy with neither source", func(c *Config) {
			c.CertificateStrategy = StrategyAuto
			c.IdPMetadataURL = ""
		}, true},
		{"auto strategy with static only", func(c *Config) {
			c.CertificateStrategy = StrategyAuto
			c.IdPMetadataURL = ""
			c.StaticCertificate = "cert"
			c.IdPSSOURL = "https://idp.example.com/sso"
		}, false},
		{"hybrid strategy without static certificate", func(c *Config) {
			c.CertificateStrategy = StrategyHybrid
			c.IdPSSOURL = "https://idp.example.com/sso"
		}, true},
		{"hybrid strategy without SSO URL", func(c *Config) {
			c.CertificateStrategy = StrategyHybrid
			c.StaticCertificate = "cert"
		}, true},
		{"hybrid strategy complete", func(c *Config) {
			c.CertificateStrategy = StrategyHybrid
			c.StaticCertificate = "cert"
			c.IdPSSOURL = "https://idp.example.com/sso"
		}, false},
		{"invalid allowed redirect", func(c *Config) {
			c.AllowedRedirectURLs = []string{"::notaurl"}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(&cfg)
			cfg.SetDefaults()

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrConfiguration)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
