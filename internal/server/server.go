// Package server exposes the session context over HTTP for the portal
// frontend. It is a thin gateway: all identity decisions happen in the
// resolution core.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"golang.org/x/crypto/bcrypt"

	"github.com/brightpath/sessiond/internal/authz"
	"github.com/brightpath/sessiond/internal/config"
	"github.com/brightpath/sessiond/internal/identity"
	"github.com/brightpath/sessiond/internal/session"
)

// Server bundles the gateway dependencies.
type Server struct {
	sessions *session.Context
	enforcer *authz.Enforcer
	demo     config.DemoConfig
}

// New creates the gateway over a started session context.
func New(sessions *session.Context, enforcer *authz.Enforcer, demo config.DemoConfig) *Server {
	return &Server{
		sessions: sessions,
		enforcer: enforcer,
		demo:     demo,
	}
}

// Routes builds the chi router with CORS for browser clients.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/session", s.handleSession)
		r.Post("/session/signin", s.handleSignIn)
		r.Post("/session/signup", s.handleSignUp)
		r.Post("/session/signout", s.handleSignOut)
		r.Post("/session/demo", s.handleDemoSignIn)
		r.Get("/authz", s.handleAuthz)
		r.Get("/can", s.handleCan)
	})

	return r
}

// identityPayload is the wire shape of a resolved identity.
type identityPayload struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Role        string `json:"role"`
	Source      string `json:"source"`
	Degraded    bool   `json:"degraded,omitempty"`
}

// sessionPayload is the read model returned by GET /v1/session.
type sessionPayload struct {
	Identity *identityPayload `json:"identity"`
	Loading  bool             `json:"loading"`
	Error    string           `json:"error,omitempty"`
}

func toPayload(res *identity.Resolved) *identityPayload {
	if res == nil {
		return nil
	}
	return &identityPayload{
		ID:          res.ID,
		Email:       res.Email,
		DisplayName: res.DisplayName,
		AvatarURL:   res.AvatarURL,
		Role:        string(res.Role),
		Source:      string(res.Source),
		Degraded:    res.Degraded,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	snapshot := s.sessions.Snapshot()
	payload := sessionPayload{
		Identity: toPayload(snapshot.Identity),
		Loading:  snapshot.Loading,
	}
	if snapshot.Err != nil {
		payload.Error = snapshot.Err.Error()
	}
	writeJSON(w, http.StatusOK, payload)
}

type credentialsRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := s.sessions.SignIn(r.Context(), req.Email, req.Password)
	switch {
	case err == nil:
		s.handleSession(w, r)
	case errors.Is(err, identity.ErrInvalidCredential):
		http.Error(w, "invalid email or password", http.StatusUnauthorized)
	case errors.Is(err, identity.ErrNetworkTimeout):
		http.Error(w, "identity provider unreachable", http.StatusGatewayTimeout)
	default:
		log.Printf("ERROR: sign-in failed: %v", err)
		http.Error(w, "sign-in failed", http.StatusInternalServerError)
	}
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := s.sessions.SignUp(r.Context(), req.Email, req.Password, req.DisplayName)
	switch {
	case err == nil:
		s.handleSession(w, r)
	case errors.Is(err, identity.ErrInvalidCredential):
		http.Error(w, "sign-up rejected", http.StatusUnprocessableEntity)
	case errors.Is(err, identity.ErrNetworkTimeout):
		http.Error(w, "identity provider unreachable", http.StatusGatewayTimeout)
	default:
		log.Printf("ERROR: sign-up failed: %v", err)
		http.Error(w, "sign-up failed", http.StatusInternalServerError)
	}
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.SignOut(r.Context()); err != nil {
		// Local state is already cleared; remote revocation failure is
		// logged, not surfaced.
		log.Printf("INFO: sign-out completed with remote error: %v", err)
	}
	s.handleSession(w, r)
}

type demoRequest struct {
	Secret string `json:"secret"`
}

func (s *Server) handleDemoSignIn(w http.ResponseWriter, r *http.Request) {
	if !s.demo.Enabled() {
		http.Error(w, "demo sign-in not configured", http.StatusNotFound)
		return
	}

	var req demoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(s.demo.SecretHash), []byte(req.Secret)); err != nil {
		http.Error(w, "invalid demo secret", http.StatusUnauthorized)
		return
	}

	s.sessions.DemoSignIn(identity.NewDemoIdentity(s.demo.Email, s.demo.Name, identity.NormalizeRole(s.demo.Role)))
	s.handleSession(w, r)
}

func (s *Server) handleAuthz(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		http.Error(w, "email query parameter required", http.StatusBadRequest)
		return
	}

	authorized, err := s.sessions.IsAuthorized(r.Context(), email)
	if err != nil {
		log.Printf("ERROR: authorization check failed for %s: %v", email, err)
		http.Error(w, "authorization check unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"authorized": authorized})
}

func (s *Server) handleCan(w http.ResponseWriter, r *http.Request) {
	object := r.URL.Query().Get("object")
	action := r.URL.Query().Get("action")
	if object == "" || action == "" {
		http.Error(w, "object and action query parameters required", http.StatusBadRequest)
		return
	}

	allowed := s.enforcer.Can(s.sessions.Identity(), object, action)
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("ERROR: encode response: %v", err)
	}
}
