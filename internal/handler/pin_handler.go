package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"kiosk-auth/internal/identity"
	"kiosk-auth/internal/service"
	"kiosk-auth/internal/util"
)

// Error codes surfaced to the kiosk UI
const (
	codeInvalidRequest  = "invalid_request"
	codeIdentityMissing = "phone_or_email_required"
	codeMissingSession  = "missing_session"
	codeInvalidSession  = "invalid_or_expired"
	codeConsumed        = "consumed"
	codeForbidden       = "forbidden"
	codeStorageFailure  = "storage_failure"
)

// PinHandler handles HTTP requests for PIN and session operations
type PinHandler struct {
	pinService *service.PinService
	logger     *zap.Logger
}

func NewPinHandler(pinService *service.PinService, logger *zap.Logger) *PinHandler {
	return &PinHandler{
		pinService: pinService,
		logger:     logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(code, message string, detail interface{}) Response {
	return Response{
		Success: false,
		Data:    detail,
		Error:   code,
		Message: message,
	}
}

type pinRequest struct {
	Phone string `json:"phone"`
	Email string `json:"email"`
	Pin   string `json:"pin"`
}

// RegisterRoutes registers all PIN and session routes
func (h *PinHandler) RegisterRoutes(router chi.Router) {
	router.Route("/pin", func(r chi.Router) {
		r.Post("/status", h.PinStatus)
		r.Post("/set", h.SetPin)
		r.Post("/verify", h.VerifyPin)
	})

	router.Route("/session", func(r chi.Router) {
		r.Get("/", h.CheckSession)
		r.Post("/consume", h.ConsumeSession)
		r.Post("/revoke", h.RevokeSession)
	})

	router.Route("/admin", func(r chi.Router) {
		r.Post("/reset-pin", h.AdminResetPin)
	})
}

// PinStatus reports whether a PIN exists, the lock state and whether a
// presented session token is still live; it never fails on policy grounds
func (h *PinHandler) PinStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ident, ok := h.decodeIdentity(w, r)
	if !ok {
		return
	}

	status, err := h.pinService.PinStatus(ctx, ident, bearerToken(r))
	if err != nil {
		h.respondStorageFault(w, err, "Failed to read PIN status")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"pin_set":                  status.PinSet,
		"locked":                   status.Locked,
		"locked_minutes_remaining": status.LockedMinutesRemaining,
		"attempts":                 status.Attempts,
		"attempts_remaining":       status.AttemptsRemaining,
		"session_active":           status.SessionActive,
	}, ""))
}

func (h *PinHandler) SetPin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid request body", nil)
		return
	}

	ident, err := identity.New(req.Phone, req.Email)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, codeIdentityMissing, "Provide a phone number or an email", nil)
		return
	}

	result, err := h.pinService.SetPin(ctx, ident, req.Pin, r.RemoteAddr)
	if err != nil {
		h.respondStorageFault(w, err, "Failed to set PIN")
		return
	}

	switch result.Outcome {
	case service.OutcomeOK:
		h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
			"session_token": result.SessionToken,
			"expires_in_ms": result.ExpiresInMs,
		}, "PIN set"))
		h.logger.Info("PIN set via HTTP",
			util.String("identity", ident.Redacted()),
			util.Duration("duration", time.Since(startTime)),
		)
	case service.OutcomeInvalidFormat:
		h.respondWithError(w, http.StatusBadRequest, string(result.Outcome), "PIN must be 4 to 6 digits", nil)
	case service.OutcomeAlreadySet:
		h.respondWithError(w, http.StatusConflict, string(result.Outcome), "A PIN is already set for this identity", nil)
	case service.OutcomeConflict:
		h.respondWithError(w, http.StatusConflict, string(result.Outcome), "Phone and email belong to different accounts", nil)
	default:
		h.respondStorageFault(w, errors.New("unexpected outcome "+string(result.Outcome)), "Failed to set PIN")
	}
}

func (h *PinHandler) VerifyPin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid request body", nil)
		return
	}

	ident, err := identity.New(req.Phone, req.Email)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, codeIdentityMissing, "Provide a phone number or an email", nil)
		return
	}

	result, err := h.pinService.VerifyPin(ctx, ident, req.Pin, r.RemoteAddr)
	if err != nil {
		h.respondStorageFault(w, err, "Failed to verify PIN")
		return
	}

	switch result.Outcome {
	case service.OutcomeOK:
		h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
			"session_token": result.SessionToken,
			"expires_in_ms": result.ExpiresInMs,
		}, "PIN verified"))
		h.logger.Info("PIN verified via HTTP",
			util.String("identity", ident.Redacted()),
			util.Duration("duration", time.Since(startTime)),
		)
	case service.OutcomeRateLimited:
		h.respondWithError(w, http.StatusTooManyRequests, string(result.Outcome), "Too many attempts, slow down", map[string]interface{}{
			"retry_after_seconds": int(result.RetryAfter.Seconds()) + 1,
		})
	case service.OutcomeNotSet:
		h.respondWithError(w, http.StatusNotFound, string(result.Outcome), "No PIN is set for this identity", nil)
	case service.OutcomeLocked:
		h.respondWithError(w, http.StatusLocked, string(result.Outcome), "PIN entry is temporarily locked", map[string]interface{}{
			"locked_until": result.LockedUntil,
		})
	case service.OutcomeBadPin:
		detail := map[string]interface{}{
			"attempts_remaining": result.AttemptsRemaining,
			"locked":             result.Locked,
		}
		if result.LockedUntil != nil {
			detail["locked_until"] = result.LockedUntil
		}
		h.respondWithError(w, http.StatusUnauthorized, string(result.Outcome), "Incorrect PIN", detail)
	default:
		h.respondStorageFault(w, errors.New("unexpected outcome "+string(result.Outcome)), "Failed to verify PIN")
	}
}

// CheckSession validates a bearer token without consuming it
func (h *PinHandler) CheckSession(w http.ResponseWriter, r *http.Request) {
	token, ok := h.requireBearer(w, r)
	if !ok {
		return
	}

	sess := h.pinService.CheckSession(token)
	if sess == nil {
		h.respondWithError(w, http.StatusUnauthorized, codeInvalidSession, "Session is invalid or expired", nil)
		return
	}
	if sess.SingleUse && sess.Used {
		h.respondWithError(w, http.StatusUnauthorized, codeConsumed, "Session has already been used", nil)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"phone":      sess.Identity.Phone,
		"email":      sess.Identity.Email,
		"expires_at": sess.ExpiresAt,
		"single_use": sess.SingleUse,
		"used":       sess.Used,
	}, ""))
}

// ConsumeSession spends a single-use token; only the first caller succeeds
func (h *PinHandler) ConsumeSession(w http.ResponseWriter, r *http.Request) {
	token, ok := h.requireBearer(w, r)
	if !ok {
		return
	}

	if h.pinService.ConsumeSession(token) {
		h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{"ok": true}, ""))
		return
	}

	// Distinguish a spent token from a dead one
	if sess := h.pinService.CheckSession(token); sess != nil && sess.SingleUse && sess.Used {
		h.respondWithError(w, http.StatusConflict, codeConsumed, "Session has already been used", nil)
		return
	}
	h.respondWithError(w, http.StatusUnauthorized, codeInvalidSession, "Session is invalid or expired", nil)
}

// RevokeSession deletes a token; revoking twice is fine
func (h *PinHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	token, ok := h.requireBearer(w, r)
	if !ok {
		return
	}

	h.pinService.RevokeSession(token)
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{"ok": true}, ""))
}

// AdminResetPin wipes a PIN for re-enrollment; gated on the X-Admin-Key header
func (h *PinHandler) AdminResetPin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ident, ok := h.decodeIdentity(w, r)
	if !ok {
		return
	}

	result, err := h.pinService.AdminResetPin(ctx, ident, r.Header.Get("X-Admin-Key"), r.RemoteAddr)
	if err != nil {
		h.respondStorageFault(w, err, "Failed to reset PIN")
		return
	}

	if !result.Authorized {
		h.respondWithError(w, http.StatusForbidden, codeForbidden, "Admin key rejected", nil)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"ok":            true,
		"rows_affected": result.RowsAffected,
	}, "PIN reset"))
}

func (h *PinHandler) decodeIdentity(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid request body", nil)
		return identity.Identity{}, false
	}

	ident, err := identity.New(req.Phone, req.Email)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, codeIdentityMissing, "Provide a phone number or an email", nil)
		return identity.Identity{}, false
	}
	return ident, true
}

func (h *PinHandler) requireBearer(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		h.respondWithError(w, http.StatusUnauthorized, codeMissingSession, "Authorization bearer token required", nil)
		return "", false
	}
	return token, true
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func (h *PinHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *PinHandler) respondWithError(w http.ResponseWriter, statusCode int, code, message string, detail interface{}) {
	h.logger.Debug("HTTP error response",
		util.String("code", code),
		util.Int("status_code", statusCode),
	)
	h.respondWithJSON(w, statusCode, errorResponse(code, message, detail))
}

// respondStorageFault hides internals from the caller; the detail stays in
// the server log only
func (h *PinHandler) respondStorageFault(w http.ResponseWriter, err error, message string) {
	h.logger.Error("HTTP request failed on storage",
		util.ErrorField(err),
		util.String("message", message),
	)
	h.respondWithJSON(w, http.StatusInternalServerError, errorResponse(codeStorageFailure, message, nil))
}
