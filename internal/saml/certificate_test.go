package saml

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCertificateManager_StaticStrategy(t *testing.T) {
	_, cert := newTestKeyPair(t, "idp.example.com")

	cfg := &Config{
		CertificateStrategy: StrategyStatic,
		StaticCertificate:   certToPEM(t, cert),
		MetadataCacheTTL:    time.Hour,
	}
	manager, err := NewCertificateManager(cfg, nil, nil)
	require.NoError(t, err)

	certs, err := manager.SigningCertificates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceStatic, certs.Source)
	require.Len(t, certs.Certs, 1)
	assert.Equal(t, cert.Raw, certs.Certs[0].Raw)

	// Static has nowhere to refresh from.
	_, err = manager.RefreshOnVerificationFailure(context.Background())
	assert.ErrorIs(t, err, ErrCertificateUnavailable)
}

func TestCertificateManager_StaticStrategyMultipleCerts(t *testing.T) {
	_, certA := newTestKeyPair(t, "idp-old.example.com")
	_, certB := newTestKeyPair(t, "idp-new.example.com")

	cfg := &Config{
		CertificateStrategy: StrategyStatic,
		StaticCertificate:   certToPEM(t, certA) + certToPEM(t, certB),
		MetadataCacheTTL:    time.Hour,
	}
	manager, err := NewCertificateManager(cfg, nil, nil)
	require.NoError(t, err)

	certs, err := manager.SigningCertificates(context.Background())
	require.NoError(t, err)
	assert.Len(t, certs.Certs, 2)
}

func TestCertificateManager_MetadataStrategy(t *testing.T) {
	_, cert := newTestKeyPair(t, "idp.example.com")
	server := newMetadataServer(t, metadataDocument(t,
		"https://idp.example.com/metadata", "https://idp.example.com/sso", cert))

	loader := NewMetadataLoader(server.URL, 5*time.Second, time.Hour, true, nil)
	cfg := &Config{
		CertificateStrategy: StrategyMetadata,
		MetadataCacheTTL:    time.Hour,
	}
	manager, err := NewCertificateManager(cfg, loader, nil)
	require.NoError(t, err)

	certs, err := manager.SigningCertificates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceMetadata, certs.Source)
	require.Len(t, certs.Certs, 1)
	assert.Equal(t, cert.Raw, certs.Certs[0].Raw)
}

func TestCertificateManager_MetadataStrategyFetchFailure(t *testing.T) {
	loader := NewMetadataLoader("https://127.0.0.1:1/metadata", time.Second, time.Hour, false, nil)
	cfg := &Config{
		CertificateStrategy: StrategyMetadata,
		MetadataCacheTTL:    time.Hour,
	}
	manager, err := NewCertificateManager(cfg, loader, nil)
	require.NoError(t, err)

	// No static fallback under the metadata strategy.
	_, err = manager.SigningCertificates(context.Background())
	assert.ErrorIs(t, err, ErrCertificateUnavailable)
}

func TestCertificateManager_AutoFallsBackToStatic(t *testing.T) {
	_, staticCert := newTestKeyPair(t, "static.example.com")

	loader := NewMetadataLoader("https://127.0.0.1:1/metadata", time.Second, time.Hour, false, nil)
	cfg := &Config{
		CertificateStrategy: StrategyAuto,
		StaticCertificate:   certToPEM(t, staticCert),
		MetadataCacheTTL:    time.Hour,
	}
	manager, err := NewCertificateManager(cfg, loader, nil)
	require.NoError(t, err)

	certs, err := manager.SigningCertificates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceStatic, certs.Source)
}

func TestCertificateManager_AutoRefreshFallsBackToStatic(t *testing.T) {
	_, staticCert := newTestKeyPair(t, "static.example.com")

	loader := NewMetadataLoader("https://127.0.0.1:1/metadata", time.Second, time.Hour, false, nil)
	cfg := &Config{
		CertificateStrategy: StrategyAuto,
		StaticCertificate:   certToPEM(t, staticCert),
		MetadataCacheTTL:    time.Hour,
	}
	manager, err := NewCertificateManager(cfg, loader, nil)
	require.NoError(t, err)

	// With metadata unreachable, the static certificate is still an untried
	// candidate for the post-failure retry.
	certs, err := manager.RefreshOnVerificationFailure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceStatic, certs.Source)
	assert.Equal(t, staticCert.Raw, certs.Certs[0].Raw)
}

func TestCertificateManager_AutoPrefersMetadata(t *testing.T) {
	_, metadataCert := newTestKeyPair(t, "metadata.example.com")
	_, staticCert := newTestKeyPair(t, "static.example.com")
	server := newMetadataServer(t, metadataDocument(t,
		"https://idp.example.com/metadata", "https://idp.example.com/sso", metadataCert))

	loader := NewMetadataLoader(server.URL, 5*time.Second, time.Hour, true, nil)
	cfg := &Config{
		CertificateStrategy: StrategyAuto,
		StaticCertificate:   certToPEM(t, staticCert),
		MetadataCacheTTL:    time.Hour,
	}
	manager, err := NewCertificateManager(cfg, loader, nil)
	require.NoError(t, err)

	certs, err := manager.SigningCertificates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceMetadata, certs.Source)
	assert.Equal(t, metadataCert.Raw, certs.Certs[0].Raw)
}

func TestCertificateManager_HybridUsesStaticFirst(t *testing.T) {
	_, metadataCert := newTestKeyPair(t, "metadata.example.com")
	_, staticCert := newTestKeyPair(t, "static.example.com")
	server := newMetadataServer(t, metadataDocument(t,
		"https://idp.example.com/metadata", "https://idp.example.com/sso", metadataCert))

	loader := NewMetadataLoader(server.URL, 5*time.Second, time.Hour, true, nil)
	cfg := &Config{
		CertificateStrategy: StrategyHybrid,
		StaticCertificate:   certToPEM(t, staticCert),
		MetadataCacheTTL:    time.Hour,
	}
	manager, err := NewCertificateManager(cfg, loader, nil)
	require.NoError(t, err)

	ctx := context.Background()

	certs, err := manager.SigningCertificates(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceStatic, certs.Source)
	assert.Equal(t, int64(0), server.Fetches(), "hybrid must not touch metadata before a failure")

	// A signature failure triggers the metadata refresh.
	refreshed, err := manager.RefreshOnVerificationFailure(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceMetadata, refreshed.Source)
	assert.Equal(t, metadataCert.Raw, refreshed.Certs[0].Raw)
	assert.Equal(t, int64(1), server.Fetches())

	// The refreshed certificates now serve the fast path.
	certs, err = manager.SigningCertificates(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceMetadata, certs.Source)
	assert.Equal(t, int64(1), server.Fetches(), "fast path must reuse the refreshed set")
}

func TestCertificateManager_HybridRefreshedSetExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	_, metadataCert := newTestKeyPair(t, "metadata.example.com")
	_, staticCert := newTestKeyPair(t, "static.example.com")
	server := newMetadataServer(t, metadataDocument(t,
		"https://idp.example.com/metadata", "https://idp.example.com/sso", metadataCert))

	loader := NewMetadataLoader(server.URL, 5*time.Second, time.Hour, true, clock)
	cfg := &Config{
		CertificateStrategy: StrategyHybrid,
		StaticCertificate:   certToPEM(t, staticCert),
		MetadataCacheTTL:    time.Hour,
	}
	manager, err := NewCertificateManager(cfg, loader, clock)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = manager.RefreshOnVerificationFailure(ctx)
	require.NoError(t, err)

	certs, err := manager.SigningCertificates(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceMetadata, certs.Source)

	clock.Advance(2 * time.Hour)

	certs, err = manager.SigningCertificates(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceStatic, certs.Source, "stale refreshed set must fall back to static")
}

func TestCertificateManager_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"static without certificate", &Config{CertificateStrategy: StrategyStatic}},
		{"metadata without loader", &Config{CertificateStrategy: StrategyMetadata}},
		{"hybrid without loader", &Config{CertificateStrategy: StrategyHybrid}},
		{"auto with neither source", &Config{CertificateStrategy: StrategyAuto}},
		{"unknown strategy", &Config{CertificateStrategy: "bogus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCertificateManager(tt.cfg, nil, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestParsePEMCertificates(t *testing.T) {
	_, cert := newTestKeyPair(t, "idp.example.com")

	certs, err := ParsePEMCertificates([]byte(certToPEM(t, cert)))
	require.NoError(t, err)
	assert.Len(t, certs, 1)

	_, err = ParsePEMCertificates([]byte("not pem"))
	assert.Error(t, err)
}
