package apisdk

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ============================================================================
// Internal Response Types (used for JSON unmarshaling)
// ============================================================================

// errorResponse covers the error bodies the backend and the ML service emit.
// The backend answers {"message": ...}, the ML service {"detail": ...} and a
// few legacy routes {"error": ...}.
type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Detail  string `json:"detail"`
}

func (e errorResponse) text() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Detail != "":
		return e.Detail
	default:
		return e.Error
	}
}

// ============================================================================
// Auth Types
// ============================================================================

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned from POST /auth/login.
type LoginResponse struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken"`
	User         *UserInfo `json:"usuario,omitempty"`
}

// UserInfo is the user summary embedded in the login response.
type UserInfo struct {
	ID     FlexibleID `json:"id"`
	Email  string     `json:"email,omitempty"`
	Nombre string     `json:"nombre,omitempty"`
	Rol    string     `json:"rol,omitempty"`
}

// RefreshTokenRequest is the body of POST /auth/refresh-token.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// TokenPair is returned from POST /auth/refresh-token.
type TokenPair struct {
	// Token is the new access token
	Token string `json:"token"`

	// RefreshToken is the rotated refresh token. Empty means the server kept
	// the previous one valid.
	RefreshToken string `json:"refreshToken"`
}

// FlexibleID accepts both numeric and string JSON ids and keeps the string form.
type FlexibleID string

func (id *FlexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexibleID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = FlexibleID(n.String())
	return nil
}

// ============================================================================
// Recommendation Types
// ============================================================================

// RecommendRequest is the body of POST /ml/recomendar.
type RecommendRequest struct {
	RequestID int64 `json:"id_solicitud"`
}

// Recommendation is one ranked technician for a service request.
type Recommendation struct {
	TechnicianID int64   `json:"id_tecnico"`
	Name         string  `json:"nombre,omitempty"`
	Score        float64 `json:"score"`
	Rank         int     `json:"ranking,omitempty"`
}

// RecommendResponse is returned from POST /ml/recomendar. Technicians keeps
// the order the service ranked them in.
type RecommendResponse struct {
	RequestID   int64            `json:"id_solicitud"`
	Technicians []Recommendation `json:"tecnicos_recomendados"`
	Total       int              `json:"total"`
}

// ============================================================================
// Health Types
// ============================================================================

// HealthResponse is the raw body of GET /ml/health.
type HealthResponse struct {
	Status         string `json:"status"`
	ModelLoaded    bool   `json:"modelo_cargado"`
	ScalerLoaded   bool   `json:"scaler_cargado"`
	ModelAvailable bool   `json:"modelo_disponible"`
}

// HealthStatus is the normalised view callers act on.
type HealthStatus struct {
	// Available is true when the service answered and reported itself healthy.
	Available bool `json:"available"`

	// ModelReady is true when the model and its scaler are loaded and usable.
	ModelReady bool `json:"modelReady"`
}

// Degraded is the conservative status reported whenever the probe fails.
var Degraded = HealthStatus{}

func (h HealthResponse) status() HealthStatus {
	available := isHealthyStatus(h.Status)
	return HealthStatus{
		Available:  available,
		ModelReady: available && h.ModelLoaded && h.ScalerLoaded && h.ModelAvailable,
	}
}

func isHealthyStatus(s string) bool {
	switch s {
	case "ok", "OK", "healthy", "up", "UP":
		return true
	default:
		return false
	}
}
