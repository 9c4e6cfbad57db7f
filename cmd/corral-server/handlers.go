// Package main implements the Corral device authorization and
// entitlement server.
package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/corralhq/corral/internal/auth"
	"github.com/corralhq/corral/internal/deviceflow"
	"github.com/corralhq/corral/internal/entitle"
	"github.com/corralhq/corral/internal/token"
)

func (s *server) handleHealth() http.HandlerFunc {
	type healthResponse struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Version: Version}
		status := http.StatusOK
		if err := s.checkHealth(r.Context()); err != nil {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

// Device grant: start a new authorization. No auth required.
func (s *server) handleDeviceAuthorize() http.HandlerFunc {
	type request struct {
		ClientID string `json:"clientId"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		authz, err := s.flow.Authorize(r.Context(), req.ClientID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, authz)
	}
}

// Device grant: the human approves or denies a user code from an
// authenticated browser session.
func (s *server) handleDeviceVerify() http.HandlerFunc {
	type request struct {
		UserCode string `json:"userCode"`
		Action   string `json:"action"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		user := s.requireUser(w, r)
		if user == nil {
			return
		}

		var req request
		if err := decodeJSON(r, &req); err != nil || req.UserCode == "" {
			writeError(w, http.StatusBadRequest, "missing userCode")
			return
		}
		if req.Action != "approve" && req.Action != "deny" {
			writeError(w, http.StatusBadRequest, "action must be approve or deny")
			return
		}

		err := s.flow.Verify(r.Context(), req.UserCode, user.ID, req.Action == "approve")
		switch {
		case errors.Is(err, deviceflow.ErrInvalidUserCode):
			writeError(w, http.StatusNotFound, "invalid or expired code")
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		if req.Action == "approve" {
			writeJSON(w, http.StatusOK, map[string]bool{"approved": true})
		} else {
			writeJSON(w, http.StatusOK, map[string]bool{"denied": true})
		}
	}
}

// Device grant: the polling endpoint. The device code is the credential.
func (s *server) handleDeviceToken() http.HandlerFunc {
	type request struct {
		DeviceCode string `json:"deviceCode"`
	}
	type response struct {
		AccessToken  string    `json:"accessToken"`
		RefreshToken string    `json:"refreshToken"`
		ExpiresAt    time.Time `json:"expiresAt"`
		TokenType    string    `json:"tokenType"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil || req.DeviceCode == "" {
			writeError(w, http.StatusBadRequest, "missing deviceCode")
			return
		}

		userID, err := s.flow.Exchange(r.Context(), req.DeviceCode)
		switch {
		case errors.Is(err, deviceflow.ErrAuthorizationPending):
			// Not an error from the client's point of view: keep polling.
			writeError(w, http.StatusAccepted, "authorization_pending")
			return
		case errors.Is(err, deviceflow.ErrExpiredCode):
			writeError(w, http.StatusGone, "expired_token")
			return
		case errors.Is(err, deviceflow.ErrAccessDenied):
			writeError(w, http.StatusForbidden, "access_denied")
			return
		case errors.Is(err, deviceflow.ErrInvalidDeviceCode):
			writeError(w, http.StatusBadRequest, "invalid_grant")
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		pair, err := s.tokens.Issue(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, response{
			AccessToken:  pair.Token,
			RefreshToken: pair.RefreshToken,
			ExpiresAt:    pair.ExpiresAt,
			TokenType:    "Bearer",
		})
	}
}

// Device grant: rotate a token pair. The refresh token is the credential.
func (s *server) handleDeviceRefresh() http.HandlerFunc {
	type request struct {
		RefreshToken string `json:"refreshToken"`
	}
	type response struct {
		AccessToken  string    `json:"accessToken"`
		RefreshToken string    `json:"refreshToken"`
		ExpiresAt    time.Time `json:"expiresAt"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
			writeError(w, http.StatusBadRequest, "missing refreshToken")
			return
		}

		pair, err := s.tokens.Rotate(r.Context(), req.RefreshToken)
		switch {
		case errors.Is(err, token.ErrInvalidRefreshToken):
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, response{
			AccessToken:  pair.Token,
			RefreshToken: pair.RefreshToken,
			ExpiresAt:    pair.ExpiresAt,
		})
	}
}

func (s *server) handleCreateAPIKey() http.HandlerFunc {
	type request struct {
		Name        string `json:"name"`
		Permissions string `json:"permissions"`
	}
	type response struct {
		ID     string `json:"id"`
		Key    string `json:"key"`
		Prefix string `json:"prefix"`
		Name   string `json:"name"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		user := s.requireUser(w, r)
		if user == nil {
			return
		}

		var req request
		if err := decodeJSON(r, &req); err != nil || req.Name == "" {
			writeError(w, http.StatusBadRequest, "missing name")
			return
		}

		key, err := s.tokens.CreateAPIKey(r.Context(), user.ID, req.Name, req.Permissions)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		// The only response that ever carries the full key.
		writeJSON(w, http.StatusOK, response{
			ID:     key.ID,
			Key:    key.Key,
			Prefix: key.Prefix,
			Name:   key.Name,
		})
	}
}

func (s *server) handleListAPIKeys() http.HandlerFunc {
	type item struct {
		ID        string    `json:"id"`
		Prefix    string    `json:"prefix"`
		Name      string    `json:"name"`
		LastUsed  time.Time `json:"lastUsed"`
		CreatedAt time.Time `json:"createdAt"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		user := s.requireUser(w, r)
		if user == nil {
			return
		}

		keys, err := s.tokens.ListAPIKeys(r.Context(), user.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		out := make([]item, 0, len(keys))
		for _, k := range keys {
			out = append(out, item{
				ID:        k.ID,
				Prefix:    k.Prefix,
				Name:      k.Name,
				LastUsed:  k.LastUsed,
				CreatedAt: k.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *server) handleRevokeAPIKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := s.requireUser(w, r)
		if user == nil {
			return
		}

		err := s.tokens.RevokeAPIKey(r.Context(), chi.URLParam(r, "id"), user.ID)
		switch {
		case errors.Is(err, token.ErrKeyNotFound):
			writeError(w, http.StatusNotFound, "not found")
			return
		case errors.Is(err, token.ErrNotKeyOwner):
			writeError(w, http.StatusForbidden, "forbidden")
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
	}
}

func (s *server) handleUsageTrack() http.HandlerFunc {
	type request struct {
		MeterID string `json:"meterId"`
		Count   int64  `json:"count"`
	}
	type response struct {
		Tracked bool   `json:"tracked"`
		MeterID string `json:"meterId"`
		Count   int64  `json:"count"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		user := s.requireUser(w, r)
		if user == nil {
			return
		}

		var req request
		if err := decodeJSON(r, &req); err != nil || req.MeterID == "" {
			writeError(w, http.StatusBadRequest, "missing meterId")
			return
		}

		count, err := s.meter.Track(r.Context(), user.ID, req.MeterID, req.Count)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, response{Tracked: true, MeterID: req.MeterID, Count: count})
	}
}

func (s *server) handleUsageGet() http.HandlerFunc {
	type response struct {
		MeterID   string    `json:"meterId"`
		Used      int64     `json:"used"`
		Limit     int64     `json:"limit"`
		Remaining int64     `json:"remaining"`
		ResetAt   time.Time `json:"resetAt"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		user := s.requireUser(w, r)
		if user == nil {
			return
		}

		meterID := chi.URLParam(r, "meterId")
		status, err := s.meter.CheckLimit(r.Context(), user.ID, user.Plan, meterID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, response{
			MeterID:   meterID,
			Used:      status.Current,
			Limit:     status.Limit,
			Remaining: status.Remaining,
			ResetAt:   status.ResetAt,
		})
	}
}

// Prior-period cleanup; admin only.
func (s *server) handleUsageReset() http.HandlerFunc {
	type request struct {
		MeterID string `json:"meterId"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		user := s.requireUser(w, r)
		if user == nil {
			return
		}
		if !user.IsAdmin() {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}

		var req request
		if err := decodeJSON(r, &req); err != nil || req.MeterID == "" {
			writeError(w, http.StatusBadRequest, "missing meterId")
			return
		}

		if err := s.meter.Reset(r.Context(), req.MeterID); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
	}
}

// Entitlement decision for a feature. Auth optional: anonymous callers
// get the anonymous decision.
func (s *server) handleEntitlement() http.HandlerFunc {
	type response struct {
		FeatureID string `json:"featureId"`
		entitle.Decision
	}

	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.authenticate(r)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		access := entitle.Access{}
		if user != nil {
			access.Authenticated = true
			access.Admin = user.IsAdmin()
			access.PlanID = user.Plan
		}

		featureID := chi.URLParam(r, "featureId")
		writeJSON(w, http.StatusOK, response{
			FeatureID: featureID,
			Decision:  s.catalog.Resolve(featureID, access),
		})
	}
}

// authenticate resolves the caller's identity: the external session
// first (cookie, then the Authorization header as a session token),
// then the Authorization header as a bearer credential minted here.
func (s *server) authenticate(r *http.Request) (*auth.User, error) {
	ctx := r.Context()

	if c, err := r.Cookie(auth.SessionCookieName); err == nil && c.Value != "" {
		user, err := s.sessions.ValidateSession(ctx, c.Value)
		if err == nil && user != nil {
			return user, nil
		}
	}

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, nil
	}
	credential := strings.TrimPrefix(header, "Bearer ")

	if user, err := s.sessions.ValidateSession(ctx, credential); err == nil && user != nil {
		return user, nil
	}

	userID, err := s.tokens.Validate(ctx, credential)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, nil
	}
	return s.users.GetUser(ctx, userID)
}

// requireUser authenticates the request or writes the uniform 401. The
// body never reveals whether a credential was expired, revoked, or
// never issued.
func (s *server) requireUser(w http.ResponseWriter, r *http.Request) *auth.User {
	user, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil
	}
	return user
}

// decodeJSON decodes a JSON request body. An empty body decodes to the
// zero value so optional-body endpoints accept it.
func decodeJSON(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "error encoding response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
