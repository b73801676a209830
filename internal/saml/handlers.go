package saml

import (
	"encoding/json"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Handler exposes the SAML SP flow over HTTP.
type Handler struct {
	engine *Engine
}

// NewHandler creates the HTTP handler for the engine.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes mounts the SAML endpoints on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/authorization", h.handleAuthorization)
	r.Post("/acs", h.handleACS)
	r.Post("/login", h.handleLogin)
	r.Get("/metadata", h.handleMetadata)
	r.Get("/health", h.handleHealth)
}

// handleAuthorization starts an SP-initiated login and returns the redirect
// material as JSON so browser and non-browser clients can both drive it.
func (h *Handler) handleAuthorization(w http.ResponseWriter, r *http.Request) {
	returnTo := r.URL.Query().Get("redirect_uri")

	authz, err := h.engine.StartAuthorization(r.Context(), returnTo)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("redirect") == "true" {
		http.Redirect(w, r, authz.RedirectURL, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, authz)
}

// handleACS consumes the IdP response posted to the assertion consumer
// service and redirects the browser with the single-use login ticket.
func (h *Handler) handleACS(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}

	samlResponse := r.PostFormValue("SAMLResponse")
	relayState := r.PostFormValue("RelayState")
	if samlResponse == "" {
		writeError(w, http.StatusBadRequest, "SAMLResponse is required")
		return
	}

	redirect, err := h.engine.HandleAssertionConsumerPost(r.Context(), samlResponse, relayState)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

type loginRequest struct {
	Ticket string `json:"login_ticket"`
}

// handleLogin exchanges a login ticket for session tokens. The ticket is
// accepted as JSON or as a form field.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var ticket string

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/json":
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		ticket = req.Ticket
	default:
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "malformed form body")
			return
		}
		ticket = r.PostFormValue("login_ticket")
	}

	if ticket == "" {
		writeError(w, http.StatusBadRequest, "login_ticket is required")
		return
	}

	tokens, err := h.engine.ExchangeTicket(r.Context(), ticket)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	md, err := h.engine.SPMetadata()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.WriteHeader(http.StatusOK)
	w.Write(md)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.engine.Health(r.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// writeError maps an engine error to a generic client response. Details stay
// in the server log, keyed by the request ID for correlation.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	log.Error().
		Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("path", r.URL.Path).
		Msg("SAML request failed")
	writeError(w, HTTPStatus(err), PublicMessage(err))
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
