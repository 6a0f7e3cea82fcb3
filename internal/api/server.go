// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/jimaku-ai/jimaku/internal/auth"
	"github.com/jimaku-ai/jimaku/internal/billing"
	"github.com/jimaku-ai/jimaku/internal/config"
	"github.com/jimaku-ai/jimaku/internal/store"
	"github.com/jimaku-ai/jimaku/internal/subtitle"
	"github.com/jimaku-ai/jimaku/internal/transcribe"
)

// Server is the HTTP API server.
type Server struct {
	store          store.Store
	authProvider   auth.Provider
	loginProvider  auth.LoginProvider
	billing        billing.Service
	gateway        *transcribe.Gateway
	logger         *slog.Logger
	mux            *chi.Mux
	startTime      time.Time
	maxBodyBytes   int64
	maxUploadBytes int64
	freeMinutes    float64
	previewWSURL   string // upstream streaming ASR endpoint proxied at /asr
	loginRL        *rateLimiter
	rl             *rateLimiter
}

// NewServer creates a new API server. billingSvc may be nil when billing is
// disabled; the billing routes are not registered in that case.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, gw *transcribe.Gateway, billingSvc billing.Service, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:          s,
		authProvider:   ap,
		loginProvider:  lp,
		billing:        billingSvc,
		gateway:        gw,
		logger:         logger.With("component", "api"),
		startTime:      time.Now(),
		maxBodyBytes:   cfg.Server.MaxBodyBytes,
		maxUploadBytes: cfg.Server.MaxUploadBytes,
		freeMinutes:    cfg.Quota.FreeMinutes,
		previewWSURL:   cfg.Worker.PreviewWSURL,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login and register only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/register", srv.handleRegister)
	}

	// Stripe calls this route; signature verification happens inside.
	if billingSvc != nil {
		mux.Post("/api/billing/webhook", srv.handleBillingWebhook)
	}
	mux.Get("/api/billing/plans", srv.handleBillingPlans)

	// Streaming ASR preview proxy (auth via ?token= query param).
	if srv.previewWSURL != "" {
		mux.Get("/asr", srv.handlePreviewProxy)
	}

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))
		r.Use(srv.entitlementMiddleware)

		r.Post("/api/transcribe", srv.handleTranscribe)
		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/transcriptions", srv.handleListTranscriptions)

		if billingSvc != nil {
			r.Post("/api/billing/checkout", srv.handleBillingCheckout)
			r.Post("/api/billing/portal", srv.handleBillingPortal)
		}
		r.Get("/api/billing/subscription", srv.handleBillingSubscription)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/admin/audit", srv.handleAdminListAuditEvents)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":        s.authProvider.Name(),
		"billing_enabled": s.billing != nil,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
			ID: uuid.New().String(), Action: "login.failed",
			Detail: json.RawMessage(fmt.Sprintf(`{"username":%q}`, req.Username)), CreatedAt: time.Now(),
		}); err != nil {
			s.logger.Warn("failed to log audit event", "action", "login.failed", "error", err)
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	// Look up user for audit event.
	user, _ := s.store.GetUser(r.Context(), req.Username)
	userID := ""
	if user != nil {
		userID = user.ID
	}
	if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
		ID: uuid.New().String(), Action: "login.success", UserID: userID, CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", "login.success", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}
	if req.Email != "" && !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "invalid email")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Email, req.Password, "user")
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
		ID: uuid.New().String(), Action: "user.register", UserID: user.ID, CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", "user.register", "error", err)
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sign in new user")
		return
	}

	user.PasswordHash = ""
	writeJSON(w, http.StatusCreated, map[string]any{"user": user, "token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	ent, err := s.store.GetEntitlement(r.Context(), identity.UserID)
	if err != nil || ent == nil {
		writeError(w, http.StatusInternalServerError, "failed to load entitlement")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":            identity.UserID,
		"username":      identity.Username,
		"email":         identity.Email,
		"role":          identity.Role,
		"plan":          ent.Plan,
		"minutes_used":  ent.MinutesUsed,
		"minutes_limit": ent.MinutesLimit,
	})
}

// --- Transcription handlers ---

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	identity := getIdentityFromContext(r.Context())

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer func() { _ = file.Close() }()

	maxChars := subtitle.DefaultLineChars
	if v := r.FormValue("max_chars"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "max_chars must be an integer")
			return
		}
		maxChars = subtitle.ClampLineChars(n)
	}

	result, err := s.gateway.Perform(r.Context(), identity.UserID, transcribe.Input{
		Filename: header.Filename,
		Audio:    file,
		Model:    r.FormValue("model"),
		MaxChars: maxChars,
	})
	if err != nil {
		switch {
		case errors.Is(err, transcribe.ErrQuotaExhausted):
			writeError(w, http.StatusForbidden, "free minutes exhausted, upgrade to continue")
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "transcription timed out")
		case errors.Is(err, transcribe.ErrWorker):
			s.logger.Warn("transcription worker error", "user", identity.UserID, "error", err)
			writeError(w, http.StatusBadGateway, "transcription service unavailable")
		default:
			s.logger.Error("transcription failed", "user", identity.UserID, "error", err)
			writeError(w, http.StatusInternalServerError, "transcription failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListTranscriptions(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	items, err := s.store.ListTranscriptions(r.Context(), identity.UserID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list transcriptions")
		return
	}
	if items == nil {
		items = []store.Transcription{}
	}
	writeJSON(w, http.StatusOK, items)
}

// --- Billing handlers ---

func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	s.billing.HandleWebhook(w, r)
}

func (s *Server) handleBillingPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, billing.Plans(s.freeMinutes))
}

func (s *Server) handleBillingCheckout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		SuccessURL string `json:"success_url"`
		CancelURL  string `json:"cancel_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		writeError(w, http.StatusBadRequest, "success_url and cancel_url are required")
		return
	}

	url, err := s.billing.CreateCheckoutSession(r.Context(), identity.UserID, identity.Email, req.SuccessURL, req.CancelURL)
	if err != nil {
		s.logger.Error("checkout session failed", "user", identity.UserID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to create checkout session")
		return
	}

	if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
		ID: uuid.New().String(), Action: "billing.checkout_created", UserID: identity.UserID, CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", "billing.checkout_created", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleBillingPortal(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		ReturnURL string `json:"return_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ReturnURL == "" {
		writeError(w, http.StatusBadRequest, "return_url is required")
		return
	}

	url, err := s.billing.CreatePortalSession(r.Context(), identity.UserID, req.ReturnURL)
	if err != nil {
		s.logger.Error("portal session failed", "user", identity.UserID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to create portal session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleBillingSubscription(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	ent, err := s.store.GetEntitlement(r.Context(), identity.UserID)
	if err != nil || ent == nil {
		writeError(w, http.StatusInternalServerError, "failed to load entitlement")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"plan":             ent.Plan,
		"minutes_used":     ent.MinutesUsed,
		"minutes_limit":    ent.MinutesLimit,
		"has_subscription": ent.StripeSubscriptionID != "",
	})
}

// --- Admin handlers ---

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
