package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bloodbank/internal/app"
	"bloodbank/internal/ratelimit"
	"bloodbank/internal/security"
	"bloodbank/internal/util"
	"bloodbank/pkg/domain"
)

const serviceName = "bloodbank"

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                      *app.App
	Redis                    *redis.Client
	AllowedOrigins           []string
	TrustedProxies           *util.TrustedProxies
	SignupRateLimitPerMinute int
	LoginRateLimitPerMinute  int
	EmailRateLimitPerMinute  int
}

// Server exposes the blood bank HTTP API.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	allowedOrigins []string
	trusted        *util.TrustedProxies
	signupLimiter  *ratelimit.FixedWindowLimiter
	loginLimiter   *ratelimit.FixedWindowLimiter
	emailLimiter   *ratelimit.FixedWindowLimiter
	alerter        *security.AuditAlerter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	signupLimit := cfg.SignupRateLimitPerMinute
	if signupLimit <= 0 {
		signupLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	emailLimit := cfg.EmailRateLimitPerMinute
	if emailLimit <= 0 {
		emailLimit = 20
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, "", name, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	signupLimiter, err := newLimiter("signup", signupLimit)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	emailLimiter, err := newLimiter("email", emailLimit)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		allowedOrigins: cfg.AllowedOrigins,
		trusted:        cfg.TrustedProxies,
		signupLimiter:  signupLimiter,
		loginLimiter:   loginLimiter,
		emailLimiter:   emailLimiter,
		alerter:        security.NewAuditAlerter(cfg.Redis, ""),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(
		util.WithRequestLog(serviceName,
			util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/register", s.handleRegister)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.Handle("/api/users/me", s.authenticated(s.handleMe))
	s.mux.Handle("/api/users/me/availability", s.withRoles(s.handleAvailability, domain.RoleDonor))

	// directory
	s.mux.Handle("/api/donors", s.authenticated(s.handleDonors))
	s.mux.Handle("/api/hospitals", s.authenticated(s.handleHospitals))

	// inventory & donations
	s.mux.Handle("/api/inventory", s.authenticated(s.handleInventory))
	s.mux.Handle("/api/donations", s.withRoles(s.handleRecordDonation, domain.RoleDonor))
	s.mux.Handle("/api/donations/me", s.withRoles(s.handleMyDonations, domain.RoleDonor))

	// requests
	s.mux.Handle("/api/requests", s.authenticated(s.handleRequests))
	s.mux.Handle("/api/requests/", s.authenticated(s.handleRequestSubtree))

	// admin
	s.mux.Handle("/api/admin/inventory/adjust", s.adminOnly(s.handleAdjustInventory))
	s.mux.Handle("/api/admin/inventory/init", s.adminOnly(s.handleInitInventory))
	s.mux.Handle("/api/admin/donations", s.adminOnly(s.handleAdminDonations))
	s.mux.Handle("/api/admin/users", s.adminOnly(s.handleAdminUsers))
	s.mux.Handle("/api/admin/users/", s.adminOnly(s.handleAdminUserByID))
	s.mux.Handle("/api/admin/email/verify", s.adminOnly(s.handleVerifyEmail))
	s.mux.Handle("/api/admin/email/test", s.adminOnly(s.handleTestEmail))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			s.audit(r, "auth.authorize", "fail")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) withRoles(next authHandler, roles ...domain.UserRole) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if !hasRole(user, roles...) {
			s.audit(r, "auth.role", "fail", "user_id", user.ID, "role", user.Role)
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) adminOnly(next authHandler) http.Handler {
	return s.withRoles(next, domain.RoleAdmin)
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.User{}, false
	}
	return s.app.UserFromToken(token)
}

func hasRole(user domain.User, roles ...domain.UserRole) bool {
	for _, role := range roles {
		if user.Role == role {
			return true
		}
	}
	return false
}

// auth handlers
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signupLimiter, "too many registration attempts") {
		s.audit(r, "auth.register", "rate_limited")
		return
	}
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, token, err := s.app.Register(app.RegisterInput{
		Name:         req.Name,
		Email:        req.Email,
		Password:     req.Password,
		Role:         req.Role,
		BloodGroup:   req.BloodGroup,
		Age:          req.Age,
		HospitalName: req.HospitalName,
		City:         req.City,
		Contact:      req.Contact,
	})
	if err != nil {
		s.audit(r, "auth.register", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.register", "success", "user_id", user.ID, "role", user.Role)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "auth.login", "rate_limited")
		return
	}
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, token, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail")
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(token); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, user)
	case http.MethodPatch:
		var req updateMeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		updated, err := s.app.UpdateProfile(user, app.ProfilePatch{
			Name:         req.Name,
			Age:          req.Age,
			HospitalName: req.HospitalName,
			City:         req.City,
			Contact:      req.Contact,
		})
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPatch {
		methodNotAllowed(w)
		return
	}
	var req availabilityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Available == nil {
		writeError(w, http.StatusBadRequest, "availability is required")
		return
	}
	updated, err := s.app.SetAvailability(user, *req.Available)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// directory handlers
func (s *Server) handleDonors(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	donors, err := s.app.SearchDonors(app.DonorSearch{
		BloodGroup:    q.Get("bloodGroup"),
		City:          q.Get("city"),
		AvailableOnly: q.Get("available") == "true",
		Limit:         queryInt(r, "limit"),
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeItems(w, donors)
}

func (s *Server) handleHospitals(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	hospitals, err := s.app.ListHospitals()
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeItems(w, hospitals)
}

// inventory & donation handlers
func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	units, err := s.app.ListInventory(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeItems(w, units)
}

func (s *Server) handleAdjustInventory(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req adjustInventoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	unit, err := s.app.AdjustInventory(r.Context(), req.BloodGroup, req.Delta)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "inventory.adjust", "success", "user_id", user.ID, "blood_group", unit.BloodGroup, "delta", req.Delta)
	writeJSON(w, http.StatusOK, unit)
}

func (s *Server) handleInitInventory(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	created, err := s.app.InitializeInventory(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"created": created})
}

func (s *Server) handleRecordDonation(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req donationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	date, err := parseDate(req.DonationDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "donationDate must be YYYY-MM-DD or RFC 3339")
		return
	}
	donation, unit, err := s.app.RecordDonation(r.Context(), user.ID, app.DonationInput{
		BloodGroup:   req.BloodGroup,
		UnitsDonated: req.UnitsDonated,
		HospitalID:   req.HospitalID,
		HospitalName: req.HospitalName,
		DonationDate: date,
		Restock:      req.RestockAssistance,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, donationResponse{Donation: donation, Inventory: unit})
}

func (s *Server) handleMyDonations(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	donations, err := s.app.MyDonations(r.Context(), user.ID, queryInt(r, "limit"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeItems(w, donations)
}

func (s *Server) handleAdminDonations(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	donations, err := s.app.ListDonations(r.Context(), queryInt(r, "limit"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeItems(w, donations)
}

// request handlers
func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		if user.Role != domain.RoleAdmin {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		q := r.URL.Query()
		requests, err := s.app.ListRequests(r.Context(), app.RequestQuery{
			Status:     q.Get("status"),
			BloodGroup: q.Get("bloodGroup"),
			Limit:      queryInt(r, "limit"),
		})
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeItems(w, requests)
	case http.MethodPost:
		if !hasRole(user, domain.RoleHospital, domain.RoleAdmin) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		var req bloodRequestRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		created, err := s.app.CreateRequest(r.Context(), user, req.input(user))
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleRequestSubtree(w http.ResponseWriter, r *http.Request, user domain.User) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/requests/"), "/")
	switch rest {
	case "":
		http.NotFound(w, r)
		return
	case "mine":
		s.handleMyRequests(w, r, user)
		return
	case "stats":
		s.handleStats(w, r, user)
		return
	case "send-to-donor":
		s.handleSendToDonor(w, r, user)
		return
	case "send-bulk":
		s.handleSendBulk(w, r, user)
		return
	}
	id, action, _ := strings.Cut(rest, "/")
	switch action {
	case "":
		s.handleGetRequest(w, r, user, id)
	case "status":
		s.handleUpdateStatus(w, r, user, id)
	case "email-status":
		s.handleEmailStatus(w, r, user, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleMyRequests(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !hasRole(user, domain.RoleHospital, domain.RoleAdmin) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	requests, err := s.app.MyRequests(r.Context(), user.ID, queryInt(r, "limit"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeItems(w, requests)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !hasRole(user, domain.RoleHospital, domain.RoleAdmin) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	stats, err := s.app.Stats(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSendToDonor(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !hasRole(user, domain.RoleHospital, domain.RoleAdmin) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if !s.allowRate(w, r, s.emailLimiter, "too many email requests") {
		s.audit(r, "request.send_to_donor", "rate_limited", "user_id", user.ID)
		return
	}
	var req sendToDonorRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := s.app.SendToDonor(r.Context(), user, app.SendInput{
		RequestInput: req.input(user),
		DonorID:      req.DonorID,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"request":      out.Request,
		"donor":        out.Resolution.Donor,
		"resolution":   out.Resolution.Kind,
		"messageId":    out.Delivery.MessageID,
		"sentAt":       out.Delivery.DeliveredAt,
		"persisted":    out.Persisted,
		"deduplicated": out.Deduplicated,
	})
}

func (s *Server) handleSendBulk(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !hasRole(user, domain.RoleHospital, domain.RoleAdmin) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if !s.allowRate(w, r, s.emailLimiter, "too many email requests") {
		s.audit(r, "request.send_bulk", "rate_limited", "user_id", user.ID)
		return
	}
	var req sendBulkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := s.app.SendBulk(r.Context(), user, app.BulkInput{
		RequestInput: req.input(user),
		DonorIDs:     req.DonorIDs,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	req, err := s.app.GetRequest(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if !canView(user, req) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodPatch {
		methodNotAllowed(w)
		return
	}
	if !hasRole(user, domain.RoleHospital, domain.RoleAdmin) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	var req statusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	updated, err := s.app.UpdateStatus(r.Context(), user, id, req.Status)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleEmailStatus(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	req, err := s.app.GetRequest(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if !canView(user, req) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	view, err := s.app.EmailStatus(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func canView(user domain.User, req domain.BloodRequest) bool {
	switch user.Role {
	case domain.RoleAdmin:
		return true
	case domain.RoleHospital:
		return req.HospitalID == user.ID
	default:
		return req.DonorID != "" && req.DonorID == user.ID
	}
}

// admin handlers
func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	users, err := s.app.AdminListUsers(r.URL.Query().Get("role"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeItems(w, users)
}

func (s *Server) handleAdminUserByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/api/admin/users/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodPatch:
		var req adminUserUpdateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		var role *domain.UserRole
		if req.Role != "" {
			parsed := domain.UserRole(strings.ToLower(strings.TrimSpace(req.Role)))
			role = &parsed
		}
		var status *domain.UserStatus
		if req.Status != "" {
			parsed := domain.UserStatus(strings.ToLower(strings.TrimSpace(req.Status)))
			status = &parsed
		}
		if role == nil && status == nil {
			writeError(w, http.StatusBadRequest, "role or status is required")
			return
		}
		updated, err := s.app.AdminUpdateUser(r.Context(), user, id, role, status)
		if err != nil {
			s.audit(r, "admin.user.update", "fail", "user_id", user.ID, "target_id", id)
			s.writeAppError(w, r, err)
			return
		}
		s.audit(r, "admin.user.update", "success", "user_id", user.ID, "target_id", id)
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.app.AdminDeleteUser(r.Context(), user, id); err != nil {
			s.audit(r, "admin.user.delete", "fail", "user_id", user.ID, "target_id", id)
			s.writeAppError(w, r, err)
			return
		}
		s.audit(r, "admin.user.delete", "success", "user_id", user.ID, "target_id", id)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if err := s.app.VerifyMail(r.Context()); err != nil {
		util.LoggerFromContext(r.Context()).Warn("mail verification failed", "err", err)
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTestEmail(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.emailLimiter, "too many email requests") {
		return
	}
	var req testEmailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.app.SendTestEmail(r.Context(), req.Email)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "admin.email.test", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, res)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeItems[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *app.ValidationError
	var de *app.DeliveryError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.As(err, &de):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"success":    false,
			"error":      "email delivery failed",
			"code":       de.Code,
			"reason":     de.Reason,
			"donor":      de.Donor,
			"resolution": de.Resolution,
		})
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrInsufficientUnits):
		writeError(w, http.StatusConflict, app.ErrInsufficientUnits.Error())
	case errors.Is(err, app.ErrEmailAlreadyExists):
		writeError(w, http.StatusConflict, app.ErrEmailAlreadyExists.Error())
	case errors.Is(err, app.ErrInvalidCredentials), errors.Is(err, app.ErrUserDisabled):
		writeError(w, http.StatusUnauthorized, app.ErrInvalidCredentials.Error())
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrCannotModifySelf):
		writeError(w, http.StatusBadRequest, app.ErrCannotModifySelf.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.trusted)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)

	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security alert counter failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", result.Count,
			"window", result.Window.String(),
		)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(limiter.Window().Seconds())))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
