package generation

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/manimstudio/internal/api"
	"github.com/maauso/manimstudio/internal/clock"
	"github.com/maauso/manimstudio/internal/job"
	"github.com/maauso/manimstudio/internal/poll"
)

// fakeBackend records creation and validation requests.
type fakeBackend struct {
	mu          sync.Mutex
	created     []api.CreateVideoRequest
	validated   []string
	video       api.Video
	createErr   error
	validateErr error
}

func (f *fakeBackend) ValidateCode(_ context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validated = append(f.validated, code)
	return f.validateErr
}

func (f *fakeBackend) CreateVideo(_ context.Context, req api.CreateVideoRequest) (api.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	if f.createErr != nil {
		return api.Video{}, f.createErr
	}
	return f.video, nil
}

func (f *fakeBackend) calls() (created, validated int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created), len(f.validated)
}

// scriptedStatuses answers status requests from a fixed list.
type scriptedStatuses struct {
	mu       sync.Mutex
	statuses []api.Video
	rounds   int
}

func (s *scriptedStatuses) VideoDetail(_ context.Context, id int64) (api.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.statuses[min(s.rounds, len(s.statuses)-1)]
	v.ID = id
	s.rounds++
	return v, nil
}

func (s *scriptedStatuses) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rounds
}

// gatedStatuses blocks every status request until a result is sent.
type gatedStatuses struct {
	requests chan struct{}
	results  chan api.Video
}

func newGatedStatuses() *gatedStatuses {
	return &gatedStatuses{requests: make(chan struct{}, 16), results: make(chan api.Video)}
}

func (g *gatedStatuses) VideoDetail(ctx context.Context, id int64) (api.Video, error) {
	g.requests <- struct{}{}
	select {
	case <-ctx.Done():
		return api.Video{}, ctx.Err()
	case v := <-g.results:
		v.ID = id
		return v, nil
	}
}

type harness struct {
	backend    *fakeBackend
	clock      *clock.Fake
	repo       *job.MemoryRepository
	orch       *Orchestrator
	deliveries chan Delivery
}

func newHarness(t *testing.T, fetcher poll.Fetcher, video api.Video) *harness {
	t.Helper()
	h := &harness{
		backend:    &fakeBackend{video: video},
		clock:      clock.NewFake(time.Unix(0, 0)),
		repo:       job.NewMemoryRepository(),
		deliveries: make(chan Delivery, 4),
	}
	scheduler := poll.NewScheduler(fetcher, poll.WithClock(h.clock))
	h.orch = NewOrchestrator(h.backend, scheduler,
		WithRepository(h.repo),
		WithDeliveryHandler(func(d Delivery) { h.deliveries <- d }),
	)
	return h
}

func (h *harness) awaitDelivery(t *testing.T) Delivery {
	t.Helper()
	select {
	case d := <-h.deliveries:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
		return Delivery{}
	}
}

func (h *harness) assertNoDelivery(t *testing.T) {
	t.Helper()
	select {
	case d := <-h.deliveries:
		t.Fatalf("unexpected delivery for job %d (%s)", d.Job.ID, d.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubmitPrompt_EmptyPromptMakesNoCall(t *testing.T) {
	for _, prompt := range []string{"", "   ", "\n\t "} {
		h := newHarness(t, &scriptedStatuses{statuses: []api.Video{{Status: "completed"}}}, api.Video{ID: 1})

		j, err := h.orch.SubmitPrompt(context.Background(), prompt)

		assert.Nil(t, j)
		assert.ErrorIs(t, err, ErrEmptyPrompt)
		assert.ErrorIs(t, err, ErrValidation)
		created, validated := h.backend.calls()
		assert.Zero(t, created)
		assert.Zero(t, validated)
		assert.Equal(t, StateIdle, h.orch.Snapshot().State)
		assert.False(t, h.orch.Busy())
	}
}

func TestSubmitPrompt_DeliversAfterThreeRounds(t *testing.T) {
	statuses := &scriptedStatuses{statuses: []api.Video{
		{Status: "processing"},
		{Status: "processing"},
		{Status: "completed", VideoURL: "/videos/42.mp4"},
	}}
	h := newHarness(t, statuses, api.Video{ID: 42, Status: "processing", ManimCode: "class Circle(Scene): ..."})

	j, err := h.orch.SubmitPrompt(context.Background(), "draw a circle")
	require.NoError(t, err)
	assert.Equal(t, int64(42), j.ID)
	assert.Equal(t, job.StatusProcessing, j.Status)
	assert.Equal(t, "class Circle(Scene): ...", j.Code)

	d := h.awaitDelivery(t)
	assert.Equal(t, poll.KindCompleted, d.Kind)
	assert.NoError(t, d.Err)
	assert.Equal(t, int64(42), d.Job.ID)
	assert.Equal(t, job.StatusCompleted, d.Job.Status)
	assert.Equal(t, "/videos/42.mp4", d.Job.VideoLocator)

	assert.Equal(t, 3, statuses.count())
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.clock.Waits())

	snap := h.orch.Snapshot()
	assert.Equal(t, StateDelivered, snap.State)
	assert.False(t, snap.Busy)
	assert.Equal(t, "class Circle(Scene): ...", snap.Code)

	stored, err := h.orch.Job(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, stored.Status)

	h.assertNoDelivery(t)
}

func TestSubmitPrompt_SendsTitle(t *testing.T) {
	h := newHarness(t, &scriptedStatuses{statuses: []api.Video{{Status: "completed"}}}, api.Video{ID: 7, Status: "pending"})

	_, err := h.orch.SubmitPrompt(context.Background(), "  draw a circle  ")
	require.NoError(t, err)
	h.awaitDelivery(t)

	require.Len(t, h.backend.created, 1)
	assert.Equal(t, api.CreateVideoRequest{Prompt: "draw a circle", Title: "Animation - draw a circle..."}, h.backend.created[0])
}

func TestSubmitPrompt_CreationFails(t *testing.T) {
	statuses := &scriptedStatuses{statuses: []api.Video{{Status: "completed"}}}
	h := newHarness(t, statuses, api.Video{})
	h.backend.createErr = &api.Error{Message: "quota exceeded", Status: http.StatusBadRequest, Err: api.ErrRequestFailed}

	j, err := h.orch.SubmitPrompt(context.Background(), "draw a circle")

	assert.Nil(t, j)
	assert.ErrorIs(t, err, api.ErrRequestFailed)
	snap := h.orch.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, "code generation failed: quota exceeded", snap.Error)
	assert.False(t, snap.Busy)
	assert.Zero(t, statuses.count())
}

func TestSubmitPrompt_MissingJobID(t *testing.T) {
	h := newHarness(t, &scriptedStatuses{statuses: []api.Video{{Status: "completed"}}}, api.Video{Status: "pending"})

	_, err := h.orch.SubmitPrompt(context.Background(), "draw a circle")

	assert.ErrorIs(t, err, ErrMalformedJob)
	assert.Equal(t, StateFailed, h.orch.Snapshot().State)
}

func TestSubmitPrompt_FailedStatus(t *testing.T) {
	statuses := &scriptedStatuses{statuses: []api.Video{
		{Status: "failed", ErrorMessage: "LaTeX error"},
	}}
	h := newHarness(t, statuses, api.Video{ID: 5, Status: "pending"})

	_, err := h.orch.SubmitPrompt(context.Background(), "draw a circle")
	require.NoError(t, err)

	d := h.awaitDelivery(t)
	assert.Equal(t, poll.KindFailed, d.Kind)
	assert.ErrorIs(t, d.Err, poll.ErrJobFailed)
	assert.Equal(t, "LaTeX error", d.Message)
	assert.Equal(t, job.StatusFailed, d.Job.Status)
	assert.Equal(t, "LaTeX error", d.Job.Error)

	snap := h.orch.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, "LaTeX error", snap.Error)
}

func TestSubmitPrompt_Busy(t *testing.T) {
	statuses := newGatedStatuses()
	h := newHarness(t, statuses, api.Video{ID: 9, Status: "pending", ManimCode: "class A(Scene): pass"})

	_, err := h.orch.SubmitPrompt(context.Background(), "draw a circle")
	require.NoError(t, err)
	<-statuses.requests
	assert.True(t, h.orch.Busy())

	_, err = h.orch.SubmitPrompt(context.Background(), "draw a square")
	assert.ErrorIs(t, err, ErrBusy)
	_, err = h.orch.SubmitWithCode(context.Background(), "")
	assert.ErrorIs(t, err, ErrBusy)

	statuses.results <- api.Video{Status: "completed"}
	h.awaitDelivery(t)
	assert.False(t, h.orch.Busy())
}

func TestSubmitPrompt_ProgressMovesStatusForward(t *testing.T) {
	statuses := newGatedStatuses()
	h := newHarness(t, statuses, api.Video{ID: 3, Status: "pending"})

	_, err := h.orch.SubmitPrompt(context.Background(), "draw a circle")
	require.NoError(t, err)

	<-statuses.requests
	statuses.results <- api.Video{Status: "queued"}
	<-statuses.requests
	assert.Equal(t, job.StatusQueued, h.orch.Snapshot().Job.Status)

	statuses.results <- api.Video{Status: "processing"}
	<-statuses.requests
	assert.Equal(t, job.StatusProcessing, h.orch.Snapshot().Job.Status)

	// A stale "queued" never moves the job backwards.
	statuses.results <- api.Video{Status: "queued"}
	<-statuses.requests
	assert.Equal(t, job.StatusProcessing, h.orch.Snapshot().Job.Status)

	statuses.results <- api.Video{Status: "completed"}
	h.awaitDelivery(t)
}

func TestReset_DiscardsInFlightRound(t *testing.T) {
	statuses := newGatedStatuses()
	h := newHarness(t, statuses, api.Video{ID: 11, Status: "processing"})

	_, err := h.orch.SubmitPrompt(context.Background(), "draw a circle")
	require.NoError(t, err)
	<-statuses.requests

	h.orch.Reset()

	snap := h.orch.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.False(t, snap.Busy)
	assert.Nil(t, snap.Job)
	assert.Empty(t, snap.Code)
	h.assertNoDelivery(t)

	// Nothing is left polling, and the orchestrator accepts new work.
	_, err = h.orch.SubmitPrompt(context.Background(), "draw a square")
	require.NoError(t, err)
	<-statuses.requests
	statuses.results <- api.Video{Status: "completed"}
	d := h.awaitDelivery(t)
	assert.Equal(t, "draw a square", d.Job.Prompt)
}

// gatedRepository pauses the save that records a completed job.
type gatedRepository struct {
	*job.MemoryRepository
	saving  chan struct{}
	proceed chan struct{}
}

func (g *gatedRepository) Save(ctx context.Context, j *job.Job) error {
	if j.Status == job.StatusCompleted {
		g.saving <- struct{}{}
		<-g.proceed
	}
	return g.MemoryRepository.Save(ctx, j)
}

func TestClear_CompletedJobDoesNotReturnToHistory(t *testing.T) {
	repo := &gatedRepository{
		MemoryRepository: job.NewMemoryRepository(),
		saving:           make(chan struct{}, 1),
		proceed:          make(chan struct{}),
	}
	scheduler := poll.NewScheduler(&scriptedStatuses{statuses: []api.Video{{Status: "completed"}}},
		poll.WithClock(clock.NewFake(time.Unix(0, 0))))
	delivered := make(chan Delivery, 1)
	orch := NewOrchestrator(&fakeBackend{video: api.Video{ID: 5, Status: "processing"}}, scheduler,
		WithRepository(repo),
		WithDeliveryHandler(func(d Delivery) { delivered <- d }),
	)
	ctx := context.Background()

	_, err := orch.SubmitPrompt(ctx, "draw a circle")
	require.NoError(t, err)
	<-repo.saving

	cleared := make(chan error, 1)
	go func() { cleared <- orch.Clear(ctx) }()

	select {
	case <-cleared:
		t.Fatal("Clear finished while the completed job was still being recorded")
	case <-time.After(50 * time.Millisecond):
	}
	close(repo.proceed)

	require.NoError(t, <-cleared)
	<-delivered
	assert.Zero(t, repo.Len())
	assert.Equal(t, StateIdle, orch.Snapshot().State)
}

func TestHistory_ForgetAndClear(t *testing.T) {
	h := newHarness(t, &scriptedStatuses{statuses: []api.Video{{Status: "completed"}}}, api.Video{ID: 1, Status: "pending"})
	ctx := context.Background()

	_, err := h.orch.SubmitPrompt(ctx, "first")
	require.NoError(t, err)
	h.awaitDelivery(t)

	h.backend.mu.Lock()
	h.backend.video = api.Video{ID: 2, Status: "pending"}
	h.backend.mu.Unlock()
	_, err = h.orch.SubmitPrompt(ctx, "second")
	require.NoError(t, err)
	h.awaitDelivery(t)

	history, err := h.orch.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)

	require.NoError(t, h.orch.Forget(ctx, 1))
	require.NoError(t, h.orch.Forget(ctx, 99))
	_, err = h.orch.Job(ctx, 1)
	assert.ErrorIs(t, err, job.ErrJobNotFound)

	require.NoError(t, h.orch.Clear(ctx))
	assert.Zero(t, h.repo.Len())
	assert.Equal(t, StateIdle, h.orch.Snapshot().State)
}

func TestSubmitWithCode_RequiresCode(t *testing.T) {
	h := newHarness(t, &scriptedStatuses{statuses: []api.Video{{Status: "completed"}}}, api.Video{ID: 1})

	_, err := h.orch.SubmitWithCode(context.Background(), "  ")

	assert.ErrorIs(t, err, ErrNoCode)
	assert.ErrorIs(t, err, ErrValidation)
	created, validated := h.backend.calls()
	assert.Zero(t, created)
	assert.Zero(t, validated)
}

func TestSubmitWithCode_InvalidCode(t *testing.T) {
	h := newHarness(t, &scriptedStatuses{statuses: []api.Video{{Status: "completed"}}}, api.Video{ID: 1})
	h.backend.validateErr = &api.Error{Message: "code is invalid: missing Scene", Status: http.StatusOK, Err: api.ErrInvalidCode}

	_, err := h.orch.SubmitWithCode(context.Background(), "print('hi')")

	assert.ErrorIs(t, err, ErrInvalidCode)
	assert.ErrorIs(t, err, ErrValidation)
	created, validated := h.backend.calls()
	assert.Zero(t, created)
	assert.Equal(t, 1, validated)

	snap := h.orch.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Contains(t, snap.Error, "missing Scene")
	assert.False(t, snap.Busy)
}

func TestSubmitWithCode_ValidationTransportError(t *testing.T) {
	h := newHarness(t, &scriptedStatuses{statuses: []api.Video{{Status: "completed"}}}, api.Video{ID: 1})
	h.backend.validateErr = &api.Error{Message: "network error, please check your connection", Err: api.ErrNetwork}

	_, err := h.orch.SubmitWithCode(context.Background(), "class A(Scene): pass")

	assert.ErrorIs(t, err, api.ErrNetwork)
	assert.False(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "video creation failed: network error, please check your connection", h.orch.Snapshot().Error)
}

func TestSubmitWithCode_ReusesGeneratedCode(t *testing.T) {
	statuses := &scriptedStatuses{statuses: []api.Video{{Status: "completed", VideoURL: "/v.mp4"}}}
	h := newHarness(t, statuses, api.Video{ID: 20, Status: "processing", ManimCode: "class Gen(Scene): ..."})

	_, err := h.orch.SubmitPrompt(context.Background(), "draw a circle")
	require.NoError(t, err)
	h.awaitDelivery(t)

	h.backend.video = api.Video{ID: 21, Status: "pending"}
	j, err := h.orch.SubmitWithCode(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(21), j.ID)
	assert.Equal(t, "class Gen(Scene): ...", j.Code)
	h.awaitDelivery(t)

	require.Len(t, h.backend.validated, 1)
	assert.Equal(t, "class Gen(Scene): ...", h.backend.validated[0])
	require.Len(t, h.backend.created, 2)
	assert.Equal(t, api.CreateVideoRequest{
		Prompt: "draw a circle",
		Code:   "class Gen(Scene): ...",
		Title:  "Animation - draw a circle...",
	}, h.backend.created[1])
}

func TestTitle(t *testing.T) {
	tests := []struct {
		prompt string
		want   string
	}{
		{prompt: "circle", want: "Animation - circle..."},
		{prompt: "abcdefghijklmnopqrstuvwxyz0123456789", want: "Animation - abcdefghijklmnopqrstuvwxyz0123..."},
		{prompt: "画一个圆形然后让它沿着正弦曲线移动并且逐渐改变颜色直到变成红色为止好吗", want: "Animation - 画一个圆形然后让它沿着正弦曲线移动并且逐渐改变颜色直到变成红..."},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Title(tt.prompt))
	}
}
