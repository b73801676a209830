package saml

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crewjam/saml"
	"github.com/stretchr/testify/require"

	"github.com/zaziedlm/koiki-gofw/pkg/models"
)

const testSigningKey = "0123456789abcdef0123456789abcdef0123456789abcdef"

// newTestKeyPair generates a self-signed RSA key pair for test IdPs.
func newTestKeyPair(t *testing.T, commonName string) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

func certToPEM(t *testing.T, cert *x509.Certificate) string {
	t.Helper()
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

// metadataDocument builds an IdP metadata XML document advertising the given
// signing certificates.
func metadataDocument(t *testing.T, entityID, ssoURL string, certs ...*x509.Certificate) []byte {
	t.Helper()

	keyDescriptors := make([]saml.KeyDescriptor, 0, len(certs))
	for _, cert := range certs {
		keyDescriptors = append(keyDescriptors, saml.KeyDescriptor{
			Use: "signing",
			KeyInfo: saml.KeyInfo{
				X509Data: saml.X509Data{
					X509Certificates: []saml.X509Certificate{
						{Data: base64.StdEncoding.EncodeToString(cert.Raw)},
					},
				},
			},
		})
	}

	idpDescriptor := saml.IDPSSODescriptor{
		SingleSignOnServices: []saml.Endpoint{
			{Binding: saml.HTTPRedirectBinding, Location: ssoURL},
			{Binding: saml.HTTPPostBinding, Location: ssoURL},
		},
	}
	idpDescriptor.KeyDescriptors = keyDescriptors
	idpDescriptor.ProtocolSupportEnumeration = "urn:oasis:names:tc:SAML:2.0:protocol"

	descriptor := saml.EntityDescriptor{
		EntityID:          entityID,
		IDPSSODescriptors: []saml.IDPSSODescriptor{idpDescriptor},
	}

	out, err := xml.Marshal(descriptor)
	require.NoError(t, err)
	return append([]byte(xml.Header), out...)
}

// metadataServer serves IdP metadata over HTTP and counts fetches. The
// served document can be swapped to simulate key rollover.
type metadataServer struct {
	*httptest.Server
	doc     atomic.Value // []byte
	fetches atomic.Int64
}

func newMetadataServer(t *testing.T, doc []byte) *metadataServer {
	t.Helper()

	ms := &metadataServer{}
	ms.doc.Store(doc)
	ms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ms.fetches.Add(1)
		w.Header().Set("Content-Type", "application/samlmetadata+xml")
		w.Write(ms.doc.Load().([]byte))
	}))
	t.Cleanup(ms.Close)
	return ms
}

func (ms *metadataServer) SetDocument(doc []byte) {
	ms.doc.Store(doc)
}

func (ms *metadataServer) Fetches() int64 {
	return ms.fetches.Load()
}

// testIdP forges signed SAML responses the way a real IdP would.
type testIdP struct {
	idp  *saml.IdentityProvider
	key  *rsa.PrivateKey
	cert *x509.Certificate
}

func newTestIdP(t *testing.T, entityID, ssoURL string) *testIdP {
	t.Helper()

	key, cert := newTestKeyPair(t, "idp.example.com")

	metadataURL, err := url.Parse(entityID)
	require.NoError(t, err)
	sso, err := url.Parse(ssoURL)
	require.NoError(t, err)

	return &testIdP{
		idp: &saml.IdentityProvider{
			Key:         key,
			Certificate: cert,
			MetadataURL: *metadataURL,
			SSOURL:      *sso,
		},
		key:  key,
		cert: cert,
	}
}

// SignedResponse builds a signed SAML response for the given request ID and
// subject, targeted at the SP's ACS endpoint.
func (ti *testIdP) SignedResponse(t *testing.T, spEntityID, acsURL, requestID, email string) string {
	t.Helper()

	spMetadata := &saml.EntityDescriptor{
		EntityID: spEntityID,
		SPSSODescriptors: []saml.SPSSODescriptor{
			{
				AssertionConsumerServices: []saml.IndexedEndpoint{
					{Binding: saml.HTTPPostBinding, Location: acsURL, Index: 1},
				},
			},
		},
	}
	spSSO := &spMetadata.SPSSODescriptors[0]
	acsEndpoint := &spSSO.AssertionConsumerServices[0]

	now := time.Now()
	httpReq, err := http.NewRequest(http.MethodPost, acsURL, nil)
	require.NoError(t, err)
	httpReq.RemoteAddr = "127.0.0.1:12345"

	authnReq := saml.IdpAuthnRequest{
		IDP:         ti.idp,
		HTTPRequest: httpReq,
		Request: saml.AuthnRequest{
			ID:           requestID,
			IssueInstant: now.Add(-1 * time.Minute),
			Version:      "2.0",
		},
		ServiceProviderMetadata: spMetadata,
		SPSSODescriptor:         spSSO,
		ACSEndpoint:             acsEndpoint,
		Now:                     now,
	}

	session := &saml.Session{
		ID:             "session-" + requestID,
		CreateTime:     now.Add(-5 * time.Minute),
		ExpireTime:     now.Add(time.Hour),
		NameID:         email,
		NameIDFormat:   string(saml.EmailAddressNameIDFormat),
		UserEmail:      email,
		UserCommonName: "Test User",
	}

	err = (saml.DefaultAssertionMaker{}).MakeAssertion(&authnReq, session)
	require.NoError(t, err)

	form, err := authnReq.PostBinding()
	require.NoError(t, err)
	require.NotEmpty(t, form.SAMLResponse)

	return form.SAMLResponse
}

// memoryUsers is an in-memory UserRepository for engine tests.
type memoryUsers struct {
	byEmail map[string]*models.User
	byID    map[string]*models.User
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{
		byEmail: make(map[string]*models.User),
		byID:    make(map[string]*models.User),
	}
}

func (m *memoryUsers) FindOrCreateByEmail(_ context.Context, email, name, nameID string) (*models.User, error) {
	if user, ok := m.byEmail[email]; ok {
		return user, nil
	}
	user := &models.User{
		ID:        "user-" + email,
		Email:     email,
		Name:      name,
		NameID:    nameID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	m.byEmail[email] = user
	m.byID[user.ID] = user
	return user, nil
}

func (m *memoryUsers) FindByID(_ context.Context, id string) (*models.User, error) {
	user, ok := m.byID[id]
	if !ok {
		return nil, errors.New("user not found")
	}
	return user, nil
}

// staticTokens is a TokenIssuer stub.
type staticTokens struct{}

func (staticTokens) IssueTokens(_ context.Context, user *models.User) (*models.TokenResponse, error) {
	return &models.TokenResponse{
		AccessToken: "access-" + user.ID,
		TokenType:   "Bearer",
		ExpiresIn:   900,
	}, nil
}
