package account

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-bridge/pkg/utilities"
)

// Handler exposes the account operations over HTTP.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, logger: logger}
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type RevokeRequest struct {
	RefreshToken string `json:"refresh_token"`
	Reason       string `json:"reason,omitempty"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type SetPasswordRequest struct {
	NewPassword string `json:"new_password"`
}

type UpdateEmailRequest struct {
	Email string `json:"email"`
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return false
	}
	return true
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Login(r.Context(), req.Email, req.Password, utilities.ClientIP(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.RefreshToken(r.Context(), req.RefreshToken, utilities.ClientIP(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.RevokeToken(r.Context(), req.RefreshToken, utilities.ClientIP(r), req.Reason); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	var req ChangePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	ok, err := h.svc.ChangePassword(r.Context(), p.UserID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (h *Handler) UpdateEmail(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	var req UpdateEmailRequest
	if !h.decode(w, r, &req) {
		return
	}
	ok, err := h.svc.UpdateEmail(r.Context(), p.UserID, req.Email)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (h *Handler) AdminSetPassword(w http.ResponseWriter, r *http.Request) {
	var req SetPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	ok, err := h.svc.ChangePasswordByID(r.Context(), chi.URLParam(r, "id"), req.NewPassword)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (h *Handler) AdminDeactivate(w http.ResponseWriter, r *http.Request) {
	ok, err := h.svc.Deactivate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

// StatusFor maps the account error taxonomy to an HTTP status and a public
// message.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ErrTokenInvalid), errors.Is(err, ErrTokenInactive):
		return http.StatusUnauthorized, "invalid refresh token"
	case errors.Is(err, ErrAccountInactive):
		return http.StatusForbidden, "account inactive"
	case errors.Is(err, ErrEmailConflict):
		return http.StatusConflict, "email already in use"
	case errors.Is(err, ErrUserNotFound):
		return http.StatusNotFound, "user not found"
	case errors.Is(err, ErrPasswordPolicy), errors.Is(err, ErrInvalidEmail):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "service unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Errorw("request failed", "path", r.URL.Path, "err", err)
	} else {
		h.logger.Debugw("request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
