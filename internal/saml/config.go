package saml

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// CertificateStrategy selects how the IdP signing certificate is resolved.
type CertificateStrategy string

const (
	// StrategyMetadata resolves certificates exclusively from the IdP
	// metadata document.
	StrategyMetadata CertificateStrategy = "metadata"

	// StrategyStatic uses only the statically configured certificate.
	StrategyStatic CertificateStrategy = "static"

	// StrategyAuto prefers metadata and falls back to the static
	// certificate when the fetch fails.
	StrategyAuto CertificateStrategy = "auto"

	// StrategyHybrid validates with the static certificate first and
	// refetches metadata once when signature verification fails.
	StrategyHybrid CertificateStrategy = "hybrid"
)

// ParseCertificateStrategy parses a strategy name. Unknown names are a
// configuration error, not a silent default.
func ParseCertificateStrategy(s string) (CertificateStrategy, error) {
	switch CertificateStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyMetadata:
		return StrategyMetadata, nil
	case StrategyStatic:
		return StrategyStatic, nil
	case StrategyAuto, "":
		return StrategyAuto, nil
	case StrategyHybrid:
		return StrategyHybrid, nil
	default:
		return "", fmt.Errorf("%w: unknown certificate strategy %q", ErrConfiguration, s)
	}
}

// Config holds the SAML service provider configuration
type Config struct {
	// SP identity
	EntityID    string
	ACSURL      string
	MetadataURL string

	// SP signing material (optional, self-signed when absent)
	CertFile string
	KeyFile  string

	// IdP configuration
	IdPEntityID    string
	IdPSSOURL      string
	IdPMetadataURL string

	// Certificate resolution
	CertificateStrategy CertificateStrategy
	StaticCertificate   string // PEM, may contain multiple certificates

	// RelayState and ticket signing
	SigningKey string

	// Attribute mapping
	EmailAttribute string
	NameAttribute  string

	// Access control
	AllowedRedirectURLs []string
	DefaultRedirectURL  string
	AllowedEmailDomains []string

	// Timing
	MetadataCacheTTL time.Duration
	MetadataTimeout  time.Duration
	RelayStateTTL    time.Duration
	TicketTTL        time.Duration
	ClockSkew        time.Duration
	RequestIDTTL     time.Duration

	// AllowInsecureMetadata permits plain HTTP metadata URLs. Development
	// only, never in production.
	AllowInsecureMetadata bool
}

// SetDefaults applies defaults for unset optional fields.
func (c *Config) SetDefaults() {
	if c.CertificateStrategy == "" {
		c.CertificateStrategy = StrategyAuto
	}
	if c.EmailAttribute == "" {
		c.EmailAttribute = "email"
	}
	if c.NameAttribute == "" {
		c.NameAttribute = "displayName"
	}
	if c.MetadataCacheTTL <= 0 {
		c.MetadataCacheTTL = 1 * time.Hour
	}
	if c.MetadataTimeout <= 0 {
		c.MetadataTimeout = 10 * time.Second
	}
	if c.RelayStateTTL <= 0 || c.RelayStateTTL > 10*time.Minute {
		c.RelayStateTTL = 10 * time.Minute
	}
	if c.TicketTTL <= 0 {
		c.TicketTTL = 120 * time.Second
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = 2 * time.Minute
	}
	if c.RequestIDTTL <= 0 {
		c.RequestIDTTL = 10 * time.Minute
	}
}

// Validate checks the configuration for the selected certificate strategy.
// Strategies that can touch the static certificate require it to be present;
// strategies that can touch metadata require a metadata URL.
func (c *Config) Validate() error {
	if c.EntityID == "" {
		return fmt.Errorf("%w: SP entity ID is required", ErrConfiguration)
	}
	if c.ACSURL == "" {
		return fmt.Errorf("%w: ACS URL is required", ErrConfiguration)
	}
	if _, err := url.ParseRequestURI(c.ACSURL); err != nil {
		return fmt.Errorf("%w: invalid ACS URL: %v", ErrConfiguration, err)
	}
	if c.MetadataURL != "" {
		if _, err := url.ParseRequestURI(c.MetadataURL); err != nil {
			return fmt.Errorf("%w: invalid SP metadata URL: %v", ErrConfiguration, err)
		}
	}
	if c.SigningKey == "" {
		return fmt.Errorf("%w: relay state signing key is required", ErrConfiguration)
	}
	if len(c.SigningKey) < 32 {
		return fmt.Errorf("%w: relay state signing key must be at least 32 bytes", ErrConfiguration)
	}
	if c.DefaultRedirectURL == "" {
		return fmt.Errorf("%w: default redirect URL is required", ErrConfiguration)
	}

	switch c.CertificateStrategy {
	case StrategyMetadata:
		if c.IdPMetadataURL == "" {
			return fmt.Errorf("%w: metadata strategy requires an IdP metadata URL", ErrConfiguration)
		}
	case StrategyStatic:
		if c.StaticCertificate == "" {
			return fmt.Errorf("%w: static strategy requires an IdP certificate", ErrConfiguration)
		}
		if c.IdPSSOURL == "" {
			return fmt.Errorf("%w: static strategy requires an IdP SSO URL", ErrConfiguration)
		}
	case StrategyAuto:
		if c.IdPMetadataURL == "" && c.StaticCertificate == "" {
			return fmt.Errorf("%w: auto strategy requires an IdP metadata URL or a static certificate", ErrConfiguration)
		}
		if c.IdPMetadataURL == "" && c.IdPSSOURL == "" {
			return fmt.Errorf("%w: auto strategy without metadata requires an IdP SSO URL", ErrConfiguration)
		}
	case StrategyHybrid:
		if c.IdPMetadataURL == "" {
			return fmt.Errorf("%w: hybrid strategy requires an IdP metadata URL", ErrConfiguration)
		}
		if c.StaticCertificate == "" {
			return fmt.Errorf("%w: hybrid strategy requires an IdP certificate", ErrConfiguration)
		}
		if c.IdPSSOURL == "" {
			return fmt.Errorf("%w: hybrid strategy requires an IdP SSO URL", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown certificate strategy %q", ErrConfiguration, c.CertificateStrategy)
	}

	if c.IdPMetadataURL != "" && !c.AllowInsecureMetadata {
		u, err := url.Parse(c.IdPMetadataURL)
		if err != nil {
			return fmt.Errorf("%w: invalid IdP metadata URL: %v", ErrConfiguration, err)
		}
		if u.Scheme != "https" {
			return fmt.Errorf("%w: IdP metadata URL must use https", ErrConfiguration)
		}
	}

	for _, raw := range c.AllowedRedirectURLs {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return fmt.Errorf("%w: invalid allowed redirect URL %q: %v", ErrConfiguration, raw, err)
		}
	}

	return nil
}
