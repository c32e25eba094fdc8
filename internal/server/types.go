// Package server provides the local HTTP surface of the Manim studio client.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/maauso/manimstudio/internal/api"
	"github.com/maauso/manimstudio/internal/generation"
	"github.com/maauso/manimstudio/internal/job"
)

// LoginRequest is the HTTP request body for logging in.
// Field rules are enforced by the session manager.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterRequest is the HTTP request body for creating an account.
type RegisterRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password,omitempty"`
}

// GenerateRequest is the HTTP request body for submitting a prompt.
type GenerateRequest struct {
	// Prompt describes the animation to generate.
	Prompt string `json:"prompt" validate:"required,max=4000"`
}

// RenderRequest is the HTTP request body for rendering code.
type RenderRequest struct {
	// Code is the Manim code to render. When empty, the last generated code is used.
	Code string `json:"code,omitempty" validate:"max=200000"`
}

// SessionResponse describes the current session.
type SessionResponse struct {
	Authenticated bool      `json:"authenticated"`
	Loading       bool      `json:"loading"`
	User          *api.User `json:"user,omitempty"`
}

// JobResponse is the HTTP representation of a generation job.
type JobResponse struct {
	// ID is the backend job identifier.
	ID     int64  `json:"id"`
	Prompt string `json:"prompt,omitempty"`
	Title  string `json:"title,omitempty"`
	Code   string `json:"code,omitempty"`
	// Status is one of pending, queued, processing, completed or failed.
	Status string `json:"status"`
	// VideoURL is where the rendered video can be fetched once completed.
	VideoURL    string     `json:"video_url,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GenerationResponse describes the orchestrator state.
type GenerationResponse struct {
	State  string       `json:"state"`
	Busy   bool         `json:"busy"`
	Prompt string       `json:"prompt,omitempty"`
	Code   string       `json:"code,omitempty"`
	Error  string       `json:"error,omitempty"`
	Job    *JobResponse `json:"job,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
	// Backend is "ok" when the render backend answered, "unreachable" otherwise.
	Backend string `json:"backend"`
}

func newJobResponse(j *job.Job) *JobResponse {
	if j == nil {
		return nil
	}
	resp := &JobResponse{
		ID:        j.ID,
		Prompt:    j.Prompt,
		Title:     j.Title,
		Code:      j.Code,
		Status:    string(j.Status),
		VideoURL:  j.VideoLocator,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	if !j.CompletedAt.IsZero() {
		completed := j.CompletedAt
		resp.CompletedAt = &completed
	}
	return resp
}

func newGenerationResponse(s generation.Snapshot) GenerationResponse {
	return GenerationResponse{
		State:  string(s.State),
		Busy:   s.Busy,
		Prompt: s.Prompt,
		Code:   s.Code,
		Error:  s.Error,
		Job:    newJobResponse(s.Job),
	}
}
