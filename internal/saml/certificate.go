package saml

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// CertificateSource identifies where a candidate certificate set came from.
type CertificateSource string

const (
	SourceStatic   CertificateSource = "static"
	SourceMetadata CertificateSource = "metadata"
)

// Certificates is a candidate set for signature validation. Multiple
// certificates are expected during IdP key rollover.
type Certificates struct {
	Certs     []*x509.Certificate
	Source    CertificateSource
	FetchedAt time.Time
}

// CertificateManager resolves IdP signing certificates under the configured
// strategy. It is safe for concurrent use; a refresh swaps the cached set
// atomically so readers never observe a partially updated state.
type CertificateManager struct {
	strategy CertificateStrategy
	static   []*x509.Certificate
	loader   *MetadataLoader
	cacheTTL time.Duration
	clock    clockwork.Clock

	mu        sync.RWMutex
	refreshed *Certificates // metadata certs obtained by a hybrid refresh
}

// NewCertificateManager parses the static certificate material and wires the
// metadata loader for the strategies that use it.
func NewCertificateManager(cfg *Config, loader *MetadataLoader, clock clockwork.Clock) (*CertificateManager, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	m := &CertificateManager{
		strategy: cfg.CertificateStrategy,
		loader:   loader,
		cacheTTL: cfg.MetadataCacheTTL,
		clock:    clock,
	}

	if cfg.StaticCertificate != "" {
		certs, err := ParsePEMCertificates([]byte(cfg.StaticCertificate))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid static IdP certificate: %v", ErrConfiguration, err)
		}
		m.static = certs
	}

	switch m.strategy {
	case StrategyStatic:
		if len(m.static) == 0 {
			return nil, fmt.Errorf("%w: static strategy requires a certificate", ErrConfiguration)
		}
	case StrategyMetadata, StrategyHybrid:
		if loader == nil {
			return nil, fmt.Errorf("%w: %s strategy requires a metadata URL", ErrConfiguration, m.strategy)
		}
		if m.strategy == StrategyHybrid && len(m.static) == 0 {
			return nil, fmt.Errorf("%w: hybrid strategy requires a certificate", ErrConfiguration)
		}
	case StrategyAuto:
		if loader == nil && len(m.static) == 0 {
			return nil, fmt.Errorf("%w: auto strategy requires a metadata URL or a certificate", ErrConfiguration)
		}
	default:
		return nil, fmt.Errorf("%w: unknown certificate strategy %q", ErrConfiguration, m.strategy)
	}

	return m, nil
}

// Strategy returns the configured strategy.
func (m *CertificateManager) Strategy() CertificateStrategy {
	return m.strategy
}

// SigningCertificates returns the candidate set for the fast path of
// signature validation.
func (m *CertificateManager) SigningCertificates(ctx context.Context) (*Certificates, error) {
	switch m.strategy {
	case StrategyStatic:
		return m.staticCertificates()

	case StrategyMetadata:
		return m.metadataCertificates(ctx)

	case StrategyAuto:
		certs, err := m.metadataCertificates(ctx)
		if err == nil {
			return certs, nil
		}
		if len(m.static) > 0 {
			log.Warn().Err(err).Msg("metadata certificates unavailable, falling back to static certificate")
			return m.staticCertificates()
		}
		return nil, err

	case StrategyHybrid:
		// Use metadata certs from a previous refresh while they are fresh,
		// otherwise the static certificate.
		m.mu.RLock()
		refreshed := m.refreshed
		m.mu.RUnlock()
		if refreshed != nil && m.clock.Now().Sub(refreshed.FetchedAt) < m.cacheTTL {
			return refreshed, nil
		}
		return m.staticCertificates()
	}

	return nil, fmt.Errorf("%w: unknown certificate strategy %q", ErrConfiguration, m.strategy)
}

// RefreshOnVerificationFailure resolves an alternate candidate set after a
// signature failure. Strategies without an alternate source report
// ErrCertificateUnavailable so the caller does not retry pointlessly.
func (m *CertificateManager) RefreshOnVerificationFailure(ctx context.Context) (*Certificates, error) {
	switch m.strategy {
	case StrategyStatic:
		return nil, fmt.Errorf("%w: static strategy has no refresh source", ErrCertificateUnavailable)

	case StrategyMetadata, StrategyAuto:
		md, err := m.loaderRefresh(ctx)
		if err != nil {
			if m.strategy == StrategyAuto && len(m.static) > 0 {
				log.Warn().Err(err).Msg("metadata refresh failed, falling back to static certificate")
				return m.staticCertificates()
			}
			return nil, err
		}
		return md, nil

	case StrategyHybrid:
		md, err := m.loaderRefresh(ctx)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.refreshed = md
		m.mu.Unlock()
		log.Info().
			Int("certificates", len(md.Certs)).
			Msg("hybrid strategy refreshed IdP certificates from metadata")
		return md, nil
	}

	return nil, fmt.Errorf("%w: unknown certificate strategy %q", ErrConfiguration, m.strategy)
}

func (m *CertificateManager) staticCertificates() (*Certificates, error) {
	if len(m.static) == 0 {
		return nil, fmt.Errorf("%w: no static certificate configured", ErrCertificateUnavailable)
	}
	return &Certificates{
		Certs:     m.static,
		Source:    SourceStatic,
		FetchedAt: m.clock.Now(),
	}, nil
}

func (m *CertificateManager) metadataCertificates(ctx context.Context) (*Certificates, error) {
	if m.loader == nil {
		return nil, fmt.Errorf("%w: no metadata URL configured", ErrCertificateUnavailable)
	}
	md, err := m.loader.Metadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateUnavailable, err)
	}
	if len(md.Certificates) == 0 {
		return nil, fmt.Errorf("%w: metadata contains no signing certificates", ErrCertificateUnavailable)
	}
	return &Certificates{
		Certs:     md.Certificates,
		Source:    SourceMetadata,
		FetchedAt: md.FetchedAt,
	}, nil
}

func (m *CertificateManager) loaderRefresh(ctx context.Context) (*Certificates, error) {
	if m.loader == nil {
		return nil, fmt.Errorf("%w: no metadata URL configured", ErrCertificateUnavailable)
	}
	md, err := m.loader.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateUnavailable, err)
	}
	if len(md.Certificates) == 0 {
		return nil, fmt.Errorf("%w: refreshed metadata contains no signing certificates", ErrCertificateUnavailable)
	}
	return &Certificates{
		Certs:     md.Certificates,
		Source:    SourceMetadata,
		FetchedAt: md.FetchedAt,
	}, nil
}

// ParsePEMCertificates parses one or more concatenated PEM certificate
// blocks, as published by IdPs during key rollover.
func ParsePEMCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}
		data = rest
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates found in PEM data")
	}
	return certs, nil
}
