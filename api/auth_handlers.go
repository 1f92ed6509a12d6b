package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/azisaba/commander/auth"
)

// Index handles GET /.
func (a *API) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Server is Online!"))
}

// Login handles POST /login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.limiters.loginGlobal.check(); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.limiters.loginIP.check(clientIP); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter)
		return
	}

	req, ok := decodeJSON[LoginRequest](w, r)
	if !ok {
		return
	}

	// Unknown usernames are keyed exactly like real ones.
	accountKey := auth.NormalizeUsername(req.Username)
	if blocked, retryAfter := a.limiters.loginAccount.check(accountKey); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "account rate limited")
		writeRateLimited(w, retryAfter)
		return
	}

	a.metrics.activeRequests.Inc()
	defer a.metrics.activeRequests.Dec()
	start := time.Now()

	attemptID := uuid.NewString()
	res, err := a.svc.Login(r.Context(), auth.LoginRequest{
		Username:      req.Username,
		Password:      req.Password,
		SourceAddress: clientIP,
		AttemptID:     attemptID,
	})
	if err != nil {
		attempt := slog.String("attempt_id", attemptID)
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			a.limiters.loginAccount.recordFailure(accountKey)
			a.limiters.loginIP.recordFailure(clientIP)
			a.limiters.loginGlobal.record()
			a.metrics.observeLogin("invalid_credentials", time.Since(start))
			a.audit.logFailure(AuditLoginFailure, r, "invalid credentials", attempt)
		case errors.Is(err, auth.ErrIncompleteAccount):
			a.metrics.observeLogin("incomplete_user", time.Since(start))
			a.audit.logFailure(AuditLoginFailure, r, "account under review", attempt)
		case errors.Is(err, auth.ErrTimeout):
			a.metrics.observeLogin("timeout", time.Since(start))
			a.audit.logFailure(AuditLoginTimeout, r, "token generation timed out", attempt)
		default:
			a.metrics.observeLogin("error", time.Since(start))
		}
		a.mapError(w, r, err)
		return
	}

	a.limiters.loginAccount.recordSuccess(accountKey)
	a.limiters.loginIP.recordSuccess(clientIP)
	a.metrics.observeLogin("success", time.Since(start))
	a.audit.logEvent(AuditLoginSuccess, r, res.User.ID,
		slog.String("attempt_id", attemptID),
		slog.Bool("wait_2fa", res.WaitTwoFactor))

	writeSessionCookie(w, r, res.Token, res.Session.ExpiresAt)
	writeJSON(w, http.StatusOK, LoginResponse{
		State:         res.Token,
		Message:       "logged_in",
		WaitTwoFactor: res.WaitTwoFactor,
	})
}

// Register handles POST /register. New accounts are placed in the
// under-review group and cannot log in until an operator moves them.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	// Rate-limit registration before any expensive work.
	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.limiters.registerAll.check(); blocked {
		a.audit.logFailure(AuditRegisterRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.limiters.registerIP.check(clientIP); blocked {
		a.audit.logFailure(AuditRegisterRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter)
		return
	}

	req, ok := decodeJSON[RegisterRequest](w, r)
	if !ok {
		return
	}

	// Every attempt costs a bcrypt hash, so every attempt counts.
	a.limiters.registerIP.recordFailure(clientIP)
	a.limiters.registerAll.record()

	user, err := a.svc.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	a.audit.logEvent(AuditRegister, r, user.ID)
	writeJSON(w, http.StatusCreated, RegisterResponse{Message: "registered", ID: user.ID})
}

// Logout handles POST /logout. It succeeds whether or not the request
// carries a live session.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	token := sessionToken(r)
	if token != "" {
		if session, err := a.svc.Authenticate(r.Context(), token); err == nil {
			a.audit.logEvent(AuditLogout, r, session.UserID)
		}
		if err := a.svc.Logout(r.Context(), token); err != nil {
			a.mapError(w, r, err)
			return
		}
	}
	clearSessionCookie(w, r)
	writeJSON(w, http.StatusOK, MessageResponse{Message: "logged_out"})
}

// TwoFactor handles POST /2fa.
func (a *API) TwoFactor(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	token := tokenFromContext(r.Context())

	req, ok := decodeJSON[TwoFactorRequest](w, r)
	if !ok {
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, tagInvalidParams)
		return
	}

	err := a.svc.VerifySecondFactor(r.Context(), token, req.Token)
	switch {
	case err == nil:
		a.audit.logEvent(AuditTwoFactorSuccess, r, session.UserID)
		writeJSON(w, http.StatusOK, MessageResponse{Message: "authorized"})
		return
	case errors.Is(err, auth.ErrInvalidSecondFactor):
		a.audit.logEvent(AuditTwoFactorFailure, r, session.UserID)
	case errors.Is(err, auth.ErrTooManyAttempts):
		a.audit.logEvent(AuditTwoFactorLocked, r, session.UserID)
		clearSessionCookie(w, r)
	}
	a.mapError(w, r, err)
}

// Me handles GET /me.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	user, err := a.svc.GetUser(r.Context(), session.UserID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			// The account was removed underneath a live session.
			err = auth.ErrUnauthorized
		}
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MeResponse{
		UserResponse:     toUserResponse(user),
		SessionExpiresAt: session.ExpiresAt,
	})
}
