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
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/saml"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/zaziedlm/koiki-gofw/pkg/models"
)

// UserRepository provisions and resolves accounts for authenticated subjects.
type UserRepository interface {
	FindOrCreateByEmail(ctx context.Context, email, name, nameID string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// TokenIssuer mints session tokens for a user after a successful ticket
// exchange.
type TokenIssuer interface {
	IssueTokens(ctx context.Context, user *models.User) (*models.TokenResponse, error)
}

// Authorization is the result of starting an SP-initiated login.
type Authorization struct {
	SSOURL      string    `json:"sso_url"`
	SSOBinding  string    `json:"sso_binding"`
	SAMLRequest string    `json:"saml_request"`
	RelayState  string    `json:"relay_state"`
	RedirectURL string    `json:"redirect_url"`
	RequestID   string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// HealthStatus reports the readiness of the SAML subsystem.
type HealthStatus struct {
	Status       string `json:"status"`
	Strategy     string `json:"certificate_strategy"`
	Source       string `json:"certificate_source,omitempty"`
	Certificates int    `json:"certificates,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// Engine implements the SAML SP authentication flow: AuthnRequest issuance,
// assertion consumption, and the single-use ticket exchange.
type Engine struct {
	cfg      *Config
	certs    *CertificateManager
	metadata *MetadataLoader
	codec    *Codec
	tickets  TicketStore
	guard    *RedirectGuard
	users    UserRepository
	tokens   TokenIssuer
	requests *requestTracker
	clock    clockwork.Clock

	spKey  *rsa.PrivateKey
	spCert *x509.Certificate
}

// NewEngine wires the engine from validated configuration. The metadata
// loader is nil when no metadata URL is configured (pure static strategy).
func NewEngine(cfg *Config, users UserRepository, tokens TokenIssuer, clock clockwork.Clock) (*Engine, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var loader *MetadataLoader
	if cfg.IdPMetadataURL != "" {
		loader = NewMetadataLoader(cfg.IdPMetadataURL, cfg.MetadataTimeout, cfg.MetadataCacheTTL, cfg.AllowInsecureMetadata, clock)
	}

	certs, err := NewCertificateManager(cfg, loader, clock)
	if err != nil {
		return nil, err
	}

	codec, err := NewCodec([]byte(cfg.SigningKey), clock)
	if err != nil {
		return nil, err
	}

	spKey, spCert, err := loadSPKeyPair(cfg)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:      cfg,
		certs:    certs,
		metadata: loader,
		codec:    codec,
		tickets:  NewMemoryTicketStore(clock, time.Minute),
		guard:    NewRedirectGuard(cfg.AllowedRedirectURLs, cfg.DefaultRedirectURL),
		users:    users,
		tokens:   tokens,
		requests: newRequestTracker(clock, cfg.RequestIDTTL),
		clock:    clock,
		spKey:    spKey,
		spCert:   spCert,
	}, nil
}

// Close stops background goroutines.
func (e *Engine) Close() {
	e.tickets.Close()
	e.requests.Stop()
}

// StartAuthorization builds a signed relay state and the IdP redirect for an
// SP-initiated login. A return URL failing the allowlist is replaced by the
// default redirect rather than rejected, so the login still completes.
func (e *Engine) StartAuthorization(ctx context.Context, returnTo string) (*Authorization, error) {
	safeReturn, substituted := e.guard.Resolve(returnTo)
	if substituted && returnTo != "" {
		log.Warn().
			Str("return_to", returnTo).
			Str("substituted", safeReturn).
			Msg("return URL not on allowlist, using default redirect")
	}

	descriptor, ssoURL, err := e.idpDescriptor(ctx)
	if err != nil {
		return nil, err
	}

	sp := e.serviceProvider(descriptor)
	authnReq, err := sp.MakeAuthenticationRequest(ssoURL, saml.HTTPRedirectBinding, saml.HTTPPostBinding)
	if err != nil {
		return nil, fmt.Errorf("failed to create AuthnRequest: %w", err)
	}

	relayState, err := e.codec.Encode(Payload{
		RequestID: authnReq.ID,
		ReturnTo:  safeReturn,
	}, PurposeAuthn, e.cfg.RelayStateTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign relay state: %w", err)
	}

	e.requests.Track(authnReq.ID)

	redirectURL, err := authnReq.Redirect(relayState, sp)
	if err != nil {
		return nil, fmt.Errorf("failed to build redirect URL: %w", err)
	}

	log.Info().
		Str("request_id", authnReq.ID).
		Str("idp_sso_url", ssoURL).
		Str("sp_entity_id", e.cfg.EntityID).
		Msg("SAML authentication request initiated")

	return &Authorization{
		SSOURL:      ssoURL,
		SSOBinding:  saml.HTTPRedirectBinding,
		SAMLRequest: redirectURL.Query().Get("SAMLRequest"),
		RelayState:  relayState,
		RedirectURL: redirectURL.String(),
		RequestID:   authnReq.ID,
		ExpiresAt:   e.clock.Now().Add(e.cfg.RelayStateTTL),
	}, nil
}

// HandleAssertionConsumerPost validates an IdP response posted to the ACS
// endpoint and returns the redirect URL carrying the single-use login
// ticket. samlResponse is the base64 form field as posted by the IdP.
func (e *Engine) HandleAssertionConsumerPost(ctx context.Context, samlResponse, relayState string) (string, error) {
	payload, err := e.codec.Decode(relayState, PurposeAuthn)
	if err != nil {
		return "", err
	}

	// The request ID must be one we issued and not yet consumed. This makes
	// InResponseTo mandatory and blocks response replay at the flow level.
	if !e.requests.ValidateAndConsume(payload.RequestID) {
		log.Warn().
			Str("request_id", payload.RequestID).
			Msg("SAML response references an unknown or already consumed request ID")
		return "", fmt.Errorf("%w: unknown request ID", ErrRelayStateInvalid)
	}

	responseXML, err := base64.StdEncoding.DecodeString(samlResponse)
	if err != nil {
		return "", fmt.Errorf("%w: malformed response encoding", ErrAssertionInvalid)
	}

	assertion, source, err := e.validateResponse(ctx, responseXML, payload.RequestID)
	if err != nil {
		return "", err
	}

	if err := e.validateAssertionConditions(assertion); err != nil {
		return "", err
	}

	email, name, err := e.extractIdentity(assertion)
	if err != nil {
		return "", err
	}

	if !e.emailDomainAllowed(email) {
		log.Warn().
			Str("request_id", payload.RequestID).
			Str("email_domain", domainOf(email)).
			Msg("SAML authentication rejected: email domain not allowed")
		return "", fmt.Errorf("%w: email domain not allowed", ErrAssertionInvalid)
	}

	nameID := ""
	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		nameID = assertion.Subject.NameID.Value
	}

	user, err := e.users.FindOrCreateByEmail(ctx, email, name, nameID)
	if err != nil {
		return "", fmt.Errorf("failed to provision user: %w", err)
	}

	ticketID := uuid.NewString()
	ticket, err := e.codec.Encode(Payload{
		RequestID: ticketID,
		ReturnTo:  payload.ReturnTo,
		UserRef:   user.ID,
	}, PurposeTicket, e.cfg.TicketTTL)
	if err != nil {
		return "", fmt.Errorf("failed to sign login ticket: %w", err)
	}
	e.tickets.Put(ticketID, user.ID, e.cfg.TicketTTL)

	// The relay state already passed the allowlist when issued, but the
	// allowlist may have changed while the login was in flight.
	redirectBase, _ := e.guard.Resolve(payload.ReturnTo)
	redirect, err := appendQueryParam(redirectBase, "saml_ticket", ticket)
	if err != nil {
		return "", fmt.Errorf("failed to build redirect: %w", err)
	}

	log.Info().
		Str("request_id", payload.RequestID).
		Str("assertion_id", assertion.ID).
		Str("user_id", user.ID).
		Str("certificate_source", string(source)).
		Msg("SAML authentication successful")

	return redirect, nil
}

// ExchangeTicket redeems a login ticket for session tokens. Expiry is
// checked on the signed payload before the store is consulted, so expired
// tickets never consume store state.
func (e *Engine) ExchangeTicket(ctx context.Context, ticket string) (*models.TokenResponse, error) {
	payload, err := e.codec.Decode(ticket, PurposeTicket)
	if err != nil {
		return nil, err
	}

	userRef, ok := e.tickets.ConsumeIfPresent(payload.RequestID)
	if !ok {
		log.Warn().
			Str("ticket_id", payload.RequestID).
			Msg("login ticket not found or already consumed")
		return nil, ErrTicketInvalid
	}
	if userRef != payload.UserRef {
		return nil, ErrTicketInvalid
	}

	user, err := e.users.FindByID(ctx, userRef)
	if err != nil {
		return nil, fmt.Errorf("%w: user lookup failed", ErrTicketInvalid)
	}

	tokens, err := e.tokens.IssueTokens(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	log.Info().
		Str("ticket_id", payload.RequestID).
		Str("user_id", user.ID).
		Msg("login ticket exchanged")

	return tokens, nil
}

// Health reports whether a signing certificate can currently be resolved.
func (e *Engine) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:   "ok",
		Strategy: string(e.certs.Strategy()),
	}

	certs, err := e.certs.SigningCertificates(ctx)
	if err != nil {
		status.Status = "degraded"
		status.Detail = PublicMessage(err)
		return status
	}

	status.Source = string(certs.Source)
	status.Certificates = len(certs.Certs)
	return status
}

// SPMetadata renders this service provider's metadata document.
func (e *Engine) SPMetadata() ([]byte, error) {
	sp := e.serviceProvider(nil)
	md, err := xml.MarshalIndent(sp.Metadata(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SP metadata: %w", err)
	}
	return append([]byte(xml.Header), md...), nil
}

// validateResponse verifies the response against the current candidate
// certificates and, when the strategy has a refresh source, retries exactly
// once with refreshed certificates after a signature failure.
func (e *Engine) validateResponse(ctx context.Context, responseXML []byte, requestID string) (*saml.Assertion, CertificateSource, error) {
	certs, err := e.certs.SigningCertificates(ctx)
	if err != nil {
		return nil, "", err
	}

	assertion, parseErr := e.parseWithCertificates(ctx, responseXML, requestID, certs)
	if parseErr == nil {
		return assertion, certs.Source, nil
	}

	if isSignatureFailure(parseErr) {
		refreshed, refreshErr := e.certs.RefreshOnVerificationFailure(ctx)
		if refreshErr == nil {
			log.Info().
				Str("request_id", requestID).
				Str("strategy", string(e.certs.Strategy())).
				Msg("retrying response validation with refreshed certificates")
			assertion, retryErr := e.parseWithCertificates(ctx, responseXML, requestID, refreshed)
			if retryErr == nil {
				return assertion, refreshed.Source, nil
			}
			parseErr = retryErr
		} else if !errors.Is(refreshErr, ErrCertificateUnavailable) {
			log.Warn().Err(refreshErr).Msg("certificate refresh after signature failure did not succeed")
		}
	}

	log.Error().
		Err(parseErr).
		Str("request_id", requestID).
		Msg("SAML response validation failed")
	return nil, "", fmt.Errorf("%w: %v", ErrSignatureValidation, privateDetail(parseErr))
}

func (e *Engine) parseWithCertificates(ctx context.Context, responseXML []byte, requestID string, certs *Certificates) (*saml.Assertion, error) {
	descriptor, _, err := e.idpDescriptorWith(ctx, certs)
	if err != nil {
		return nil, err
	}
	// The library checks the response Destination against sp.AcsURL itself.
	sp := e.serviceProvider(descriptor)
	return sp.ParseXMLResponse(responseXML, []string{requestID})
}

// validateAssertionConditions applies the NotBefore/NotOnOrAfter window with
// the configured clock skew. The library checks these too, but against its
// own clock and skew; this keeps the policy explicit and testable.
func (e *Engine) validateAssertionConditions(assertion *saml.Assertion) error {
	now := e.clock.Now()
	skew := e.cfg.ClockSkew

	if c := assertion.Conditions; c != nil {
		if !c.NotBefore.IsZero() && now.Before(c.NotBefore.Add(-skew)) {
			return fmt.Errorf("%w: assertion not yet valid", ErrAssertionInvalid)
		}
		if !c.NotOnOrAfter.IsZero() && now.After(c.NotOnOrAfter.Add(skew)) {
			return fmt.Errorf("%w: assertion expired", ErrAssertionInvalid)
		}
	}
	return nil
}

func (e *Engine) extractIdentity(assertion *saml.Assertion) (email, name string, err error) {
	// Index by both Name and FriendlyName: IdPs disagree on which one
	// carries the human-readable attribute name.
	attributes := make(map[string][]string)
	for _, statement := range assertion.AttributeStatements {
		for _, attr := range statement.Attributes {
			for _, val := range attr.Values {
				if attr.Name != "" {
					attributes[attr.Name] = append(attributes[attr.Name], val.Value)
				}
				if attr.FriendlyName != "" && attr.FriendlyName != attr.Name {
					attributes[attr.FriendlyName] = append(attributes[attr.FriendlyName], val.Value)
				}
			}
		}
	}

	email = firstAttribute(attributes, e.cfg.EmailAttribute, "email", "mail", "emailAddress",
		"eduPersonPrincipalName", "urn:oid:0.9.2342.19200300.100.1.3")
	if email == "" {
		return "", "", fmt.Errorf("%w: email attribute missing", ErrAssertionInvalid)
	}

	name = firstAttribute(attributes, e.cfg.NameAttribute, "displayName", "name", "cn", "givenName")
	if name == "" {
		name = email
	}
	return email, name, nil
}

func (e *Engine) emailDomainAllowed(email string) bool {
	if len(e.cfg.AllowedEmailDomains) == 0 {
		return true
	}
	domain := domainOf(email)
	for _, allowed := range e.cfg.AllowedEmailDomains {
		if strings.EqualFold(domain, allowed) {
			return true
		}
	}
	return false
}

// idpDescriptor resolves the IdP descriptor used for AuthnRequest creation.
func (e *Engine) idpDescriptor(ctx context.Context) (*saml.EntityDescriptor, string, error) {
	certs, err := e.certs.SigningCertificates(ctx)
	if err != nil {
		return nil, "", err
	}
	return e.idpDescriptorWith(ctx, certs)
}

// idpDescriptorWith assembles the descriptor the library validates against.
// When metadata is available its document is used directly; otherwise a
// descriptor is constructed from direct configuration, with the candidate
// certificates installed either way.
func (e *Engine) idpDescriptorWith(ctx context.Context, certs *Certificates) (*saml.EntityDescriptor, string, error) {
	entityID := e.cfg.IdPEntityID
	ssoURL := e.cfg.IdPSSOURL

	if e.metadata != nil {
		if md := e.metadata.Cached(); md != nil {
			if md.EntityID != "" {
				entityID = md.EntityID
			}
			if md.SSOURL != "" {
				ssoURL = md.SSOURL
			}
		} else if certs.Source == SourceMetadata {
			// Metadata certs imply the loader has fetched at least once.
			if md, err := e.metadata.Metadata(ctx); err == nil {
				if md.EntityID != "" {
					entityID = md.EntityID
				}
				if md.SSOURL != "" {
					ssoURL = md.SSOURL
				}
			}
		}
	}

	if ssoURL == "" {
		return nil, "", fmt.Errorf("%w: no IdP SSO URL available", ErrConfiguration)
	}

	keyDescriptors := make([]saml.KeyDescriptor, 0, len(certs.Certs))
	for _, cert := range certs.Certs {
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

	descriptor := &saml.EntityDescriptor{
		EntityID:          entityID,
		IDPSSODescriptors: []saml.IDPSSODescriptor{idpDescriptor},
	}
	return descriptor, ssoURL, nil
}

func (e *Engine) serviceProvider(idp *saml.EntityDescriptor) *saml.ServiceProvider {
	acsURL, _ := url.Parse(e.cfg.ACSURL)
	metadataURL, _ := url.Parse(e.cfg.MetadataURL)
	return &saml.ServiceProvider{
		EntityID:    e.cfg.EntityID,
		Key:         e.spKey,
		Certificate: e.spCert,
		IDPMetadata: idp,
		AcsURL:      *acsURL,
		MetadataURL: *metadataURL,
	}
}

// requestTracker records issued AuthnRequest IDs so each SAML response can
// be correlated and consumed exactly once.
type requestTracker struct {
	mu        sync.Mutex
	issued    map[string]time.Time
	ttl       time.Duration
	clock     clockwork.Clock
	stopSweep chan struct{}
	stopOnce  sync.Once
}

func newRequestTracker(clock clockwork.Clock, ttl time.Duration) *requestTracker {
	rt := &requestTracker{
		issued:    make(map[string]time.Time),
		ttl:       ttl,
		clock:     clock,
		stopSweep: make(chan struct{}),
	}
	go rt.sweep()
	return rt
}

func (rt *requestTracker) Track(requestID string) {
	if requestID == "" {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.issued[requestID] = rt.clock.Now()
}

func (rt *requestTracker) ValidateAndConsume(requestID string) bool {
	if requestID == "" {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	issuedAt, ok := rt.issued[requestID]
	if !ok {
		return false
	}
	delete(rt.issued, requestID)
	return rt.clock.Now().Sub(issuedAt) <= rt.ttl
}

func (rt *requestTracker) Stop() {
	rt.stopOnce.Do(func() {
		close(rt.stopSweep)
	})
}

func (rt *requestTracker) sweep() {
	ticker := rt.clock.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			now := rt.clock.Now()
			rt.mu.Lock()
			for id, issuedAt := range rt.issued {
				if now.Sub(issuedAt) > rt.ttl {
					delete(rt.issued, id)
				}
			}
			rt.mu.Unlock()
		case <-rt.stopSweep:
			return
		}
	}
}

// loadSPKeyPair loads the SP signing material from files, or generates a
// self-signed pair for development deployments without one.
func loadSPKeyPair(cfg *Config) (*rsa.PrivateKey, *x509.Certificate, error) {
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		certData, err := os.ReadFile(cfg.CertFile)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: failed to read SP certificate: %v", ErrConfiguration, err)
		}
		certs, err := ParsePEMCertificates(certData)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: invalid SP certificate: %v", ErrConfiguration, err)
		}

		keyData, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: failed to read SP private key: %v", ErrConfiguration, err)
		}
		key, err := parsePEMPrivateKey(keyData)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: invalid SP private key: %v", ErrConfiguration, err)
		}
		return key, certs[0], nil
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate SP key: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cfg.EntityID},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SP certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse SP certificate: %w", err)
	}
	return key, cert, nil
}

func parsePEMPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not an RSA key")
	}
	return key, nil
}

// isSignatureFailure reports whether the library error is a signature or
// certificate mismatch, the only failures worth a certificate refresh.
func isSignatureFailure(err error) bool {
	var invalid *saml.InvalidResponseError
	if !errors.As(err, &invalid) || invalid.PrivateErr == nil {
		return false
	}
	msg := strings.ToLower(invalid.PrivateErr.Error())
	return strings.Contains(msg, "signature") || strings.Contains(msg, "certificate") ||
		strings.Contains(msg, "cert")
}

// privateDetail unwraps the library's private error for server-side logs.
func privateDetail(err error) string {
	var invalid *saml.InvalidResponseError
	if errors.As(err, &invalid) && invalid.PrivateErr != nil {
		return invalid.PrivateErr.Error()
	}
	return err.Error()
}

func firstAttribute(attributes map[string][]string, names ...string) string {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if values, ok := attributes[name]; ok && len(values) > 0 && values[0] != "" {
			return values[0]
		}
	}
	return ""
}

func domainOf(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return ""
	}
	return email[at+1:]
}

func appendQueryParam(rawURL, key, value string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
