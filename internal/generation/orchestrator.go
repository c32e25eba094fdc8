// Package generation drives a prompt through code generation, job creation
// and render tracking, delivering the terminal job exactly once.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/maauso/manimstudio/internal/api"
	"github.com/maauso/manimstudio/internal/job"
	"github.com/maauso/manimstudio/internal/poll"
)

// Validation errors are rejected before any network call, except
// ErrInvalidCode which is the backend's verdict on submitted code.
var (
	// ErrValidation is the base of every input validation error.
	ErrValidation = errors.New("generation: invalid input")
	// ErrEmptyPrompt is returned when the prompt is empty or whitespace-only.
	ErrEmptyPrompt = fmt.Errorf("%w: prompt is required", ErrValidation)
	// ErrNoCode is returned when rendering is requested before any code exists.
	ErrNoCode = fmt.Errorf("%w: generate code first", ErrValidation)
	// ErrInvalidCode is returned when the backend rejects the code.
	ErrInvalidCode = fmt.Errorf("%w: code is invalid", ErrValidation)
)

var (
	// ErrBusy is returned when a submission is still outstanding.
	ErrBusy = errors.New("generation: a submission is already in progress")
	// ErrDiscarded is returned when Reset ran while a submission was in flight.
	ErrDiscarded = errors.New("generation: submission discarded by reset")
	// ErrMalformedJob is returned when the backend answers without a job id.
	ErrMalformedJob = errors.New("generation: backend returned no job id")
)

const titlePrefixRunes = 30

// State is the orchestrator lifecycle position.
type State string

const (
	StateIdle               State = "idle"
	StateSubmitting         State = "submitting"
	StateAwaitingCompletion State = "awaiting_completion"
	StateDelivered          State = "delivered"
	StateFailed             State = "failed"
)

// Backend is the part of the backend the orchestrator calls directly.
type Backend interface {
	ValidateCode(ctx context.Context, code string) error
	CreateVideo(ctx context.Context, req api.CreateVideoRequest) (api.Video, error)
}

// Poller tracks a job in the background. poll.Scheduler implements it.
type Poller interface {
	Start(ctx context.Context, jobID int64, onProgress func(api.Video), onDone func(poll.Outcome)) context.CancelFunc
}

// Delivery is the terminal result of one job.
type Delivery struct {
	Job     *job.Job
	Kind    poll.Kind
	Err     error
	Message string
}

// Snapshot is a point-in-time copy of the orchestrator state.
type Snapshot struct {
	State  State    `json:"state"`
	Busy   bool     `json:"busy"`
	Prompt string   `json:"prompt,omitempty"`
	Code   string   `json:"code,omitempty"`
	Error  string   `json:"error,omitempty"`
	Job    *job.Job `json:"-"`
}

// Orchestrator owns the current generation and its poll task.
type Orchestrator struct {
	backend   Backend
	poller    Poller
	repo      job.Repository
	logger    *slog.Logger
	onDeliver func(Delivery)

	mu         sync.Mutex
	state      State
	busy       bool
	epoch      uint64
	prompt     string
	code       string
	lastErr    string
	current    *job.Job
	cancelPoll context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRepository sets where created jobs are recorded.
func WithRepository(repo job.Repository) Option {
	return func(o *Orchestrator) {
		o.repo = repo
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDeliveryHandler registers fn to receive each terminal job. fn runs on
// the poll goroutine without the orchestrator lock held.
func WithDeliveryHandler(fn func(Delivery)) Option {
	return func(o *Orchestrator) {
		o.onDeliver = fn
	}
}

// NewOrchestrator creates an idle Orchestrator.
func NewOrchestrator(backend Backend, poller Poller, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend: backend,
		poller:  poller,
		repo:    job.NewMemoryRepository(),
		logger:  slog.Default(),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Busy reports whether a submission is outstanding, from submit until the
// job is delivered, fails or is reset.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Snapshot{
		State:  o.state,
		Busy:   o.busy,
		Prompt: o.prompt,
		Code:   o.code,
		Error:  o.lastErr,
	}
	if o.current != nil {
		s.Job = o.current.Clone()
	}
	return s
}

// Job returns a previously created job by id.
func (o *Orchestrator) Job(ctx context.Context, id int64) (*job.Job, error) {
	return o.repo.FindByID(ctx, id)
}

// History returns the jobs created in this process, newest first.
func (o *Orchestrator) History(ctx context.Context) ([]*job.Job, error) {
	return o.repo.List(ctx)
}

// Forget drops a job from the history. It is not an error if the job was
// never recorded.
func (o *Orchestrator) Forget(ctx context.Context, id int64) error {
	if err := o.repo.Delete(ctx, id); err != nil && !errors.Is(err, job.ErrJobNotFound) {
		return err
	}
	return nil
}

// Clear resets the orchestrator and empties the history. A poll round that
// resolves afterwards does not write to the history again.
func (o *Orchestrator) Clear(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.resetLocked()

	jobs, err := o.repo.List(ctx)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if err := o.Forget(ctx, j.ID); err != nil {
			return err
		}
	}
	return nil
}

// SubmitPrompt asks the backend to generate code for prompt and render it.
func (o *Orchestrator) SubmitPrompt(ctx context.Context, prompt string) (*job.Job, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	epoch, err := o.begin(prompt, "")
	if err != nil {
		return nil, err
	}

	req := api.CreateVideoRequest{
		Prompt: prompt,
		Title:  Title(prompt),
	}
	video, err := o.backend.CreateVideo(ctx, req)
	return o.accept(ctx, epoch, req, video, err, "code generation failed")
}

// SubmitWithCode validates code with the backend and renders it. An empty
// code falls back to the code generated by the last SubmitPrompt.
func (o *Orchestrator) SubmitWithCode(ctx context.Context, code string) (*job.Job, error) {
	o.mu.Lock()
	if strings.TrimSpace(code) == "" {
		code = o.code
	}
	prompt := o.prompt
	o.mu.Unlock()

	if strings.TrimSpace(code) == "" {
		return nil, ErrNoCode
	}

	epoch, err := o.begin(prompt, code)
	if err != nil {
		return nil, err
	}

	if err := o.backend.ValidateCode(ctx, code); err != nil {
		if errors.Is(err, api.ErrInvalidCode) {
			err = fmt.Errorf("%w: %s", ErrInvalidCode, api.Message(err, "code is invalid"))
		}
		return o.accept(ctx, epoch, api.CreateVideoRequest{}, api.Video{}, err, "video creation failed")
	}

	req := api.CreateVideoRequest{
		Prompt: prompt,
		Code:   code,
		Title:  Title(prompt),
	}
	video, err := o.backend.CreateVideo(ctx, req)
	return o.accept(ctx, epoch, req, video, err, "video creation failed")
}

// Reset discards the current job and code and stops tracking its poll.
// A poll round that resolves afterwards is ignored.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetLocked()
}

func (o *Orchestrator) resetLocked() {
	o.epoch++
	o.stopPollLocked()
	o.state = StateIdle
	o.busy = false
	o.prompt = ""
	o.code = ""
	o.lastErr = ""
	o.current = nil
}

// begin claims the busy flag and moves to Submitting.
func (o *Orchestrator) begin(prompt, code string) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.busy {
		return 0, ErrBusy
	}
	o.busy = true
	o.epoch++
	o.stopPollLocked()
	o.state = StateSubmitting
	o.prompt = prompt
	o.code = code
	o.lastErr = ""
	o.current = nil
	return o.epoch, nil
}

// accept records the result of a creation request and starts polling.
func (o *Orchestrator) accept(ctx context.Context, epoch uint64, req api.CreateVideoRequest, video api.Video, err error, failPrefix string) (*job.Job, error) {
	if err == nil && video.ID <= 0 {
		err = ErrMalformedJob
	}

	o.mu.Lock()
	if epoch != o.epoch {
		o.mu.Unlock()
		return nil, ErrDiscarded
	}

	if err != nil {
		msg := failPrefix + ": " + userMessage(err)
		o.state = StateFailed
		o.busy = false
		o.lastErr = msg
		o.mu.Unlock()

		o.logger.Warn("submission failed",
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	status, perr := job.ParseStatus(video.Status)
	if perr != nil {
		status = job.StatusPending
	}
	j := job.New(video.ID, req.Prompt, req.Title, status)
	code := video.ManimCode
	if code == "" {
		code = req.Code
	}
	j.SetCode(code)

	o.current = j
	o.code = code
	o.state = StateAwaitingCompletion
	o.recordLocked(ctx, j)
	o.mu.Unlock()

	o.logger.Info("job created",
		slog.Int64("job_id", j.ID),
		slog.String("status", string(status)),
	)

	// Callers see the job as created, not whatever the first poll round made of it.
	created := j.Clone()

	// The poll outlives the request that started it.
	cancel := o.poller.Start(context.WithoutCancel(ctx), j.ID, o.progressFn(epoch, j.ID), o.doneFn(epoch, j.ID))

	o.mu.Lock()
	if epoch != o.epoch {
		o.mu.Unlock()
		cancel()
		return created, nil
	}
	o.cancelPoll = cancel
	o.mu.Unlock()

	return created, nil
}

func (o *Orchestrator) progressFn(epoch uint64, id int64) func(api.Video) {
	return func(video api.Video) {
		status, err := job.ParseStatus(video.Status)
		if err != nil {
			return
		}

		o.mu.Lock()
		defer o.mu.Unlock()
		if o.staleLocked(epoch, id) {
			return
		}
		if err := o.current.TransitionTo(status); err != nil {
			return
		}
		o.recordLocked(context.Background(), o.current)
	}
}

func (o *Orchestrator) doneFn(epoch uint64, id int64) func(poll.Outcome) {
	return func(out poll.Outcome) {
		o.mu.Lock()
		if o.staleLocked(epoch, id) {
			o.mu.Unlock()
			o.logger.Debug("discarding stale poll outcome",
				slog.Int64("job_id", id),
				slog.String("kind", out.Kind.String()),
			)
			return
		}

		cur := o.current
		switch out.Kind {
		case poll.KindCompleted:
			_ = cur.Complete(out.Video.VideoURL)
			o.state = StateDelivered
		default:
			_ = cur.Fail(out.Message)
			o.state = StateFailed
			o.lastErr = out.Message
		}
		o.busy = false
		o.cancelPoll = nil
		// Bump the epoch so nothing else from this round is accepted.
		o.epoch++
		o.recordLocked(context.Background(), cur)
		o.mu.Unlock()

		o.logger.Info("job delivered",
			slog.Int64("job_id", id),
			slog.String("kind", out.Kind.String()),
			slog.Int("rounds", out.Rounds),
		)

		if o.onDeliver != nil {
			o.onDeliver(Delivery{
				Job:     cur.Clone(),
				Kind:    out.Kind,
				Err:     out.Err,
				Message: out.Message,
			})
		}
	}
}

// recordLocked writes j to the history. Holding o.mu orders it against Clear.
func (o *Orchestrator) recordLocked(ctx context.Context, j *job.Job) {
	if err := o.repo.Save(ctx, j); err != nil {
		o.logger.Error("failed to record job",
			slog.Int64("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) staleLocked(epoch uint64, id int64) bool {
	return epoch != o.epoch || o.current == nil || o.current.ID != id
}

func (o *Orchestrator) stopPollLocked() {
	if o.cancelPoll != nil {
		o.cancelPoll()
		o.cancelPoll = nil
	}
}

// Title derives the job title from the first 30 characters of prompt.
func Title(prompt string) string {
	r := []rune(prompt)
	if len(r) > titlePrefixRunes {
		r = r[:titlePrefixRunes]
	}
	return "Animation - " + string(r) + "..."
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrMalformedJob):
		return strings.TrimPrefix(err.Error(), "generation: ")
	default:
		return api.Message(err, "unknown error")
	}
}
