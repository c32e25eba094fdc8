// Package job provides the GenerationJob aggregate tracked by the client.
// It includes the Job entity with forward-only state transitions aligned with
// the backend's render statuses, as well as repository interfaces for
// keeping the jobs created during a process lifetime.
package job

import (
	"errors"
	"sync"
	"time"
)

// Status represents the current state of a Job.
// States are aligned with the backend video statuses.
type Status string

const (
	// StatusPending indicates the backend accepted the job but has not queued it.
	StatusPending Status = "pending"
	// StatusQueued indicates the job is waiting for a render slot.
	StatusQueued Status = "queued"
	// StatusProcessing indicates the job is being rendered.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the render finished and a video is available.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the render failed.
	StatusFailed Status = "failed"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrUnknownStatus is returned when a status string is not a known Status.
var ErrUnknownStatus = errors.New("unknown job status")

// validTransitions defines which state transitions are allowed.
// Transitions only move forward; nothing re-enters pending.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusQueued, StatusProcessing, StatusCompleted, StatusFailed},
	StatusQueued:     {StatusProcessing, StatusCompleted, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// ParseStatus converts a backend status string into a Status.
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if _, ok := validTransitions[status]; !ok {
		return "", ErrUnknownStatus
	}
	return status, nil
}

// IsTerminal returns true if the status is completed or failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job represents a single prompt-to-video render tracked by the client.
type Job struct {
	mu sync.RWMutex

	// ID is the backend-assigned identifier.
	ID int64
	// Prompt is the user prompt the job was created from.
	Prompt string
	// Title is the title sent with the creation request.
	Title string
	// Code is the Manim code the backend generated or the user supplied.
	Code string
	// Status is the current job state.
	Status Status
	// VideoLocator is where the rendered video can be fetched once completed.
	VideoLocator string
	// Error contains the failure message if the job failed.
	Error string
	// CreatedAt is when the client first saw the job.
	CreatedAt time.Time
	// UpdatedAt is when the job was last updated.
	UpdatedAt time.Time
	// CompletedAt is when the job reached a terminal state.
	CompletedAt time.Time
}

// New creates a Job for a backend-assigned id. An unknown initial status is
// treated as pending.
func New(id int64, prompt, title string, status Status) *Job {
	if _, ok := validTransitions[status]; !ok {
		status = StatusPending
	}
	now := time.Now()
	j := &Job{
		ID:        id,
		Prompt:    prompt,
		Title:     title,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if status.IsTerminal() {
		j.CompletedAt = now
	}
	return j
}

// TransitionTo attempts to change the job status to the specified state.
// Moving to the current status is a no-op.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(status)
}

func (j *Job) transitionLocked(status Status) error {
	if j.Status == status {
		return nil
	}
	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = time.Now()
	if status.IsTerminal() {
		j.CompletedAt = j.UpdatedAt
	}
	return nil
}

// Complete transitions the job to completed and records the video locator.
func (j *Job) Complete(locator string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusCompleted); err != nil {
		return err
	}
	j.VideoLocator = locator
	return nil
}

// Fail transitions the job to failed with an error message.
func (j *Job) Fail(errMsg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusFailed); err != nil {
		return err
	}
	j.Error = errMsg
	return nil
}

// SetCode records the Manim code associated with the job.
func (j *Job) SetCode(code string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Code = code
	j.UpdatedAt = time.Now()
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status.IsTerminal()
}

// Clone creates a copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return &Job{
		ID:           j.ID,
		Prompt:       j.Prompt,
		Title:        j.Title,
		Code:         j.Code,
		Status:       j.Status,
		VideoLocator: j.VideoLocator,
		Error:        j.Error,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		CompletedAt:  j.CompletedAt,
	}
}
