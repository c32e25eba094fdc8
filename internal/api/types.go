// Package api provides the HTTP client for the Manim animation backend.
// It attaches the session credential to outgoing calls, unwraps JSON payloads
// and normalizes every failure into an *Error.
package api

import "encoding/json"

// Video statuses reported by the backend.
const (
	StatusPending    = "pending"
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// User is the profile record returned by the auth and profile endpoints.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is returned by login and register.
// Either field may be missing in a malformed response.
type AuthResponse struct {
	Token string `json:"token"`
	User  *User  `json:"user"`
}

// CreateVideoRequest is the body of POST /videos.
type CreateVideoRequest struct {
	Prompt string `json:"prompt"`
	Code   string `json:"code,omitempty"`
	Title  string `json:"title"`
}

// Video is a render job as seen by the backend.
type Video struct {
	ID           int64  `json:"id"`
	Title        string `json:"title,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
	ManimCode    string `json:"manim_code,omitempty"`
	Status       string `json:"status"`
	VideoURL     string `json:"video_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// UnmarshalJSON accepts the field spellings used by different backend
// versions: manim_code/manimCode, video_url/video_path and
// error_message/error_msg.
func (v *Video) UnmarshalJSON(data []byte) error {
	type plain Video
	var aux struct {
		plain
		ManimCodeCamel string `json:"manimCode"`
		VideoPath      string `json:"video_path"`
		ErrorMsg       string `json:"error_msg"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*v = Video(aux.plain)
	if v.ManimCode == "" {
		v.ManimCode = aux.ManimCodeCamel
	}
	if v.VideoURL == "" {
		v.VideoURL = aux.VideoPath
	}
	if v.ErrorMessage == "" {
		v.ErrorMessage = aux.ErrorMsg
	}
	return nil
}

// VideoList is the response of GET /videos.
type VideoList struct {
	Videos   []Video `json:"videos"`
	Total    int64   `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
}

// validateRequest is the body of POST /ai/validate.
type validateRequest struct {
	Code string `json:"code"`
}

// validateResponse is the response of POST /ai/validate.
type validateResponse struct {
	Code    string `json:"code"`
	IsValid bool   `json:"is_valid"`
	Message string `json:"message,omitempty"`
}

// HealthStatus is the response of GET /health.
type HealthStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// errorPayload covers the error bodies the backend writes.
type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
