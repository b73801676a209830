package saml

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/crewjam/saml"
	"github.com/crewjam/saml/samlsp"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Metadata is the subset of the IdP metadata document the engine needs.
type Metadata struct {
	EntityID     string
	SSOURL       string
	SSOBinding   string
	Certificates []*x509.Certificate
	Descriptor   *saml.EntityDescriptor
	FetchedAt    time.Time
}

// MetadataLoader fetches and caches the IdP metadata document. Reads within
// the cache TTL are served from memory; Refresh bypasses the cache for the
// signature-failure recovery path.
type MetadataLoader struct {
	metadataURL   string
	client        *http.Client
	cacheTTL      time.Duration
	allowInsecure bool
	clock         clockwork.Clock

	mu     sync.RWMutex
	cached *Metadata
}

// NewMetadataLoader creates a loader for the given metadata URL.
func NewMetadataLoader(metadataURL string, timeout, cacheTTL time.Duration, allowInsecure bool, clock clockwork.Clock) *MetadataLoader {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MetadataLoader{
		metadataURL:   metadataURL,
		client:        &http.Client{Timeout: timeout},
		cacheTTL:      cacheTTL,
		allowInsecure: allowInsecure,
		clock:         clock,
	}
}

// Metadata returns the cached document, fetching when the cache is cold or
// stale. Concurrent callers during a cold fetch each fetch; last write wins,
// which is harmless because the document is the same.
func (l *MetadataLoader) Metadata(ctx context.Context) (*Metadata, error) {
	l.mu.RLock()
	cached := l.cached
	l.mu.RUnlock()

	if cached != nil && l.clock.Now().Sub(cached.FetchedAt) < l.cacheTTL {
		return cached, nil
	}
	return l.Refresh(ctx)
}

// Refresh fetches the metadata document unconditionally and replaces the
// cache on success. A failed refresh leaves any previous cache intact.
func (l *MetadataLoader) Refresh(ctx context.Context) (*Metadata, error) {
	if l.metadataURL == "" {
		return nil, fmt.Errorf("%w: no metadata URL configured", ErrMetadataFetch)
	}

	target, err := url.Parse(l.metadataURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid metadata URL: %v", ErrMetadataFetch, err)
	}
	if target.Scheme != "https" && !l.allowInsecure {
		return nil, fmt.Errorf("%w: metadata URL must use https", ErrMetadataFetch)
	}

	descriptor, err := samlsp.FetchMetadata(ctx, l.client, *target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadataFetch, err)
	}

	md, err := l.extract(descriptor)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cached = md
	l.mu.Unlock()

	log.Info().
		Str("entity_id", md.EntityID).
		Str("sso_url", md.SSOURL).
		Int("certificates", len(md.Certificates)).
		Msg("IdP metadata loaded")

	return md, nil
}

// Cached returns the current cache entry without fetching. Used by the
// health endpoint to report staleness without side effects.
func (l *MetadataLoader) Cached() *Metadata {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cached
}

func (l *MetadataLoader) extract(descriptor *saml.EntityDescriptor) (*Metadata, error) {
	if len(descriptor.IDPSSODescriptors) == 0 {
		return nil, fmt.Errorf("%w: metadata has no IDPSSODescriptor", ErrMetadataFetch)
	}
	idp := descriptor.IDPSSODescriptors[0]

	md := &Metadata{
		EntityID:   descriptor.EntityID,
		Descriptor: descriptor,
		FetchedAt:  l.clock.Now(),
	}

	// Prefer the redirect binding endpoint, fall back to whatever is first.
	for _, sso := range idp.SingleSignOnServices {
		if sso.Binding == saml.HTTPRedirectBinding {
			md.SSOURL = sso.Location
			md.SSOBinding = sso.Binding
			break
		}
	}
	if md.SSOURL == "" && len(idp.SingleSignOnServices) > 0 {
		md.SSOURL = idp.SingleSignOnServices[0].Location
		md.SSOBinding = idp.SingleSignOnServices[0].Binding
	}

	// Collect every signing certificate so validation keeps working across
	// IdP key rollover windows where old and new keys are both published.
	for _, keyDesc := range idp.KeyDescriptors {
		if keyDesc.Use != "signing" && keyDesc.Use != "" {
			continue
		}
		for _, x509Cert := range keyDesc.KeyInfo.X509Data.X509Certificates {
			der, err := base64.StdEncoding.DecodeString(normalizeBase64(x509Cert.Data))
			if err != nil {
				continue
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				continue
			}
			md.Certificates = append(md.Certificates, cert)
		}
	}

	return md, nil
}

// normalizeBase64 strips the whitespace IdPs commonly embed in metadata
// certificate blobs.
func normalizeBase64(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
