package saml

import (
	"errors"
	"net/http"
)

// Sentinel errors for the SAML subsystem. Callers match with errors.Is and
// must never surface the wrapped detail to HTTP clients.
var (
	// ErrConfiguration indicates the provider configuration is incomplete or
	// inconsistent for the selected certificate strategy.
	ErrConfiguration = errors.New("invalid SAML configuration")

	// ErrMetadataFetch indicates the IdP metadata document could not be
	// fetched or parsed.
	ErrMetadataFetch = errors.New("failed to fetch IdP metadata")

	// ErrCertificateUnavailable indicates no IdP signing certificate could be
	// resolved under the configured strategy.
	ErrCertificateUnavailable = errors.New("no IdP signing certificate available")

	// ErrSignatureValidation indicates the SAML response signature did not
	// verify against any candidate certificate.
	ErrSignatureValidation = errors.New("SAML response validation failed")

	// ErrAssertionInvalid indicates the assertion was rejected after
	// signature verification (conditions, audience, missing attributes).
	ErrAssertionInvalid = errors.New("SAML assertion rejected")

	// ErrRelayStateInvalid indicates the RelayState token failed integrity,
	// expiry, or purpose checks. The reason is deliberately not disclosed.
	ErrRelayStateInvalid = errors.New("invalid relay state")

	// ErrTicketInvalid indicates the login ticket failed integrity or expiry
	// checks, or was already consumed. The reason is deliberately not disclosed.
	ErrTicketInvalid = errors.New("invalid or expired login ticket")

	// ErrRedirectNotAllowed indicates the requested return URL is not on the
	// configured allowlist.
	ErrRedirectNotAllowed = errors.New("redirect target not allowed")
)

// PublicMessage returns the client-safe message for an error. Internal
// details (metadata URLs, certificate subjects, signature internals) stay in
// the server logs only.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrRelayStateInvalid):
		return "authentication failed: invalid or expired relay state"
	case errors.Is(err, ErrTicketInvalid):
		return "authentication failed: invalid or expired ticket"
	case errors.Is(err, ErrSignatureValidation),
		errors.Is(err, ErrAssertionInvalid):
		return "authentication failed: SAML response could not be validated"
	case errors.Is(err, ErrCertificateUnavailable),
		errors.Is(err, ErrMetadataFetch):
		return "authentication service temporarily unavailable"
	case errors.Is(err, ErrRedirectNotAllowed):
		return "redirect target not allowed"
	case errors.Is(err, ErrConfiguration):
		return "authentication service misconfigured"
	default:
		return "authentication failed"
	}
}

// HTTPStatus maps an error to the response status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrRelayStateInvalid),
		errors.Is(err, ErrTicketInvalid),
		errors.Is(err, ErrSignatureValidation),
		errors.Is(err, ErrAssertionInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, ErrRedirectNotAllowed):
		return http.StatusBadRequest
	case errors.Is(err, ErrCertificateUnavailable),
		errors.Is(err, ErrMetadataFetch):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrConfiguration):
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}
