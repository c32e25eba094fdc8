package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maauso/manimstudio/internal/api"
	"github.com/maauso/manimstudio/internal/clock"
)

// Terminal errors carried by an Outcome.
var (
	// ErrJobFailed is returned when the backend reports the job as failed.
	ErrJobFailed = errors.New("video generation failed")
	// ErrTimedOut is returned when the attempt budget runs out while the job is still running.
	ErrTimedOut = errors.New("video generation timed out, check your videos later")
	// ErrStatusUnavailable is returned when the budget runs out because status requests kept failing.
	ErrStatusUnavailable = errors.New("could not fetch video status, please check your network connection")
	// ErrCancelled is returned when polling was cancelled before a terminal status.
	ErrCancelled = errors.New("polling cancelled")
)

// Kind classifies how polling ended.
type Kind int

const (
	// KindCompleted means the backend reported the job completed.
	KindCompleted Kind = iota
	// KindFailed means the backend reported failure, or the session expired.
	KindFailed
	// KindTimedOut means the attempt budget was exhausted.
	KindTimedOut
	// KindCancelled means the poll was cancelled by the caller.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	case KindTimedOut:
		return "timed_out"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Fetcher reads the current state of a job.
type Fetcher interface {
	VideoDetail(ctx context.Context, id int64) (api.Video, error)
}

// State is the per-job bookkeeping carried across rounds.
type State struct {
	JobID       int64
	Attempts    int
	LastErrorAt time.Time
}

// Outcome is the single terminal result of polling one job.
type Outcome struct {
	Kind  Kind
	JobID int64
	// Video is the last status payload received, if any.
	Video api.Video
	// Err is nil only for KindCompleted.
	Err error
	// Message is a user-facing description of Err.
	Message string
	// Rounds is the number of status requests issued.
	Rounds int
	// Attempts is the attempt count when polling stopped.
	Attempts int
}

// Scheduler runs poll tasks, at most one per job id.
type Scheduler struct {
	fetcher Fetcher
	clock   clock.Clock
	policy  Policy
	logger  *slog.Logger

	mu    sync.Mutex
	seq   uint64
	tasks map[int64]*task
}

type task struct {
	seq    uint64
	cancel context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithPolicy overrides the default schedule.
func WithPolicy(p Policy) Option {
	return func(s *Scheduler) {
		s.policy = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler creates a Scheduler reading job status from fetcher.
func NewScheduler(fetcher Fetcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		fetcher: fetcher,
		clock:   clock.Real(),
		policy:  DefaultPolicy(),
		logger:  slog.Default(),
		tasks:   make(map[int64]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the schedule in use.
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// Start polls jobID in the background. A task already running for the same
// id is cancelled first. onProgress, when non-nil, receives every
// non-terminal status. onDone is called exactly once with the outcome,
// including KindCancelled when the returned cancel function or ctx stops
// the task.
func (s *Scheduler) Start(ctx context.Context, jobID int64, onProgress func(api.Video), onDone func(Outcome)) context.CancelFunc {
	taskCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if prev, ok := s.tasks[jobID]; ok {
		prev.cancel()
	}
	s.seq++
	t := &task{seq: s.seq, cancel: cancel}
	s.tasks[jobID] = t
	s.mu.Unlock()

	go func() {
		out := s.Run(taskCtx, jobID, onProgress)

		s.mu.Lock()
		if cur, ok := s.tasks[jobID]; ok && cur.seq == t.seq {
			delete(s.tasks, jobID)
		}
		s.mu.Unlock()
		cancel()

		if onDone != nil {
			onDone(out)
		}
	}()

	return cancel
}

// Active reports whether a task is running for jobID.
func (s *Scheduler) Active(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[jobID]
	return ok
}

// Stop cancels the task for jobID, if any.
func (s *Scheduler) Stop(jobID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[jobID]; ok {
		t.cancel()
	}
}

// Run polls jobID until a terminal outcome and returns it. Rounds are
// strictly sequential: the next request is only issued after the previous
// one has resolved and the delay has elapsed.
func (s *Scheduler) Run(ctx context.Context, jobID int64, onProgress func(api.Video)) Outcome {
	p := s.policy
	state := State{JobID: jobID}
	out := Outcome{JobID: jobID}

	finish := func(kind Kind, err error, msg string) Outcome {
		out.Kind = kind
		out.Err = err
		out.Message = msg
		out.Attempts = state.Attempts
		return out
	}
	cancelled := func() Outcome {
		return finish(KindCancelled, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx)), ErrCancelled.Error())
	}

	for {
		if ctx.Err() != nil {
			return cancelled()
		}

		out.Rounds++
		video, err := s.fetcher.VideoDetail(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled()
			}
			if api.IsUnauthorized(err) {
				s.logger.Warn("session rejected while polling",
					slog.Int64("job_id", jobID),
					slog.Int("round", out.Rounds),
				)
				return finish(KindFailed, err, api.Message(err, "session expired"))
			}

			now := s.clock.Now()
			if !state.LastErrorAt.IsZero() && now.Sub(state.LastErrorAt) < p.ErrorWindow {
				state.Attempts += p.ErrorPenalty
			}
			state.LastErrorAt = now
			state.Attempts++

			s.logger.Warn("poll round failed",
				slog.Int64("job_id", jobID),
				slog.Int("round", out.Rounds),
				slog.Int("attempts", state.Attempts),
				slog.String("error", err.Error()),
			)

			if state.Attempts >= p.MaxAttempts {
				return finish(KindTimedOut, fmt.Errorf("%w: %w", ErrStatusUnavailable, err), ErrStatusUnavailable.Error())
			}
			if !s.wait(ctx, p.ErrorDelay) {
				return cancelled()
			}
			continue
		}

		out.Video = video
		switch video.Status {
		case api.StatusCompleted:
			s.logger.Info("video completed",
				slog.Int64("job_id", jobID),
				slog.Int("rounds", out.Rounds),
			)
			return finish(KindCompleted, nil, "")
		case api.StatusFailed:
			msg := video.ErrorMessage
			if msg == "" {
				msg = ErrJobFailed.Error()
			}
			s.logger.Info("video failed",
				slog.Int64("job_id", jobID),
				slog.Int("rounds", out.Rounds),
				slog.String("error", msg),
			)
			return finish(KindFailed, fmt.Errorf("%w: %s", ErrJobFailed, msg), msg)
		}

		if onProgress != nil {
			onProgress(video)
		}

		interval := p.Interval(state.Attempts)
		state.Attempts++
		if state.Attempts >= p.MaxAttempts {
			s.logger.Warn("poll budget exhausted",
				slog.Int64("job_id", jobID),
				slog.Int("rounds", out.Rounds),
			)
			return finish(KindTimedOut, ErrTimedOut, ErrTimedOut.Error())
		}

		s.logger.Debug("video still rendering",
			slog.Int64("job_id", jobID),
			slog.String("status", video.Status),
			slog.Int("attempts", state.Attempts),
			slog.Duration("next_in", interval),
		)
		if !s.wait(ctx, interval) {
			return cancelled()
		}
	}
}

// wait blocks for d and reports false if ctx ended first.
func (s *Scheduler) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(d):
		return true
	}
}
