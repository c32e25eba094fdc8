package job

import (
	"context"
	"sort"
	"sync"
)

// DefaultCapacity is the number of jobs a MemoryRepository keeps by default.
const DefaultCapacity = 100

// Compile-time check that MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-memory implementation of Repository.
// Once it holds more jobs than its capacity, the oldest are evicted.
type MemoryRepository struct {
	mu       sync.RWMutex
	jobs     map[int64]*Job
	capacity int
}

// MemoryOption configures a MemoryRepository.
type MemoryOption func(*MemoryRepository)

// WithCapacity caps the number of kept jobs. n <= 0 means unbounded.
func WithCapacity(n int) MemoryOption {
	return func(r *MemoryRepository) {
		r.capacity = n
	}
}

// NewMemoryRepository creates a new in-memory job repository.
func NewMemoryRepository(opts ...MemoryOption) *MemoryRepository {
	r := &MemoryRepository{
		jobs:     make(map[int64]*Job),
		capacity: DefaultCapacity,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Save stores a clone of job to avoid external mutations.
func (r *MemoryRepository) Save(_ context.Context, job *Job) error {
	clone := job.Clone()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[clone.ID] = clone
	r.evictLocked()
	return nil
}

// FindByID retrieves a job by its ID.
// Returns a clone to prevent external mutations.
func (r *MemoryRepository) FindByID(_ context.Context, id int64) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns clones of all jobs, newest first.
func (r *MemoryRepository) List(_ context.Context) ([]*Job, error) {
	r.mu.RLock()
	result := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		result = append(result, job.Clone())
	}
	r.mu.RUnlock()

	sortNewestFirst(result)
	return result, nil
}

// Delete removes a job.
func (r *MemoryRepository) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(r.jobs, id)
	return nil
}

// Len returns the number of kept jobs.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

func (r *MemoryRepository) evictLocked() {
	if r.capacity <= 0 || len(r.jobs) <= r.capacity {
		return
	}

	all := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		all = append(all, job)
	}
	sortNewestFirst(all)
	for _, job := range all[r.capacity:] {
		delete(r.jobs, job.ID)
	}
}

// sortNewestFirst orders by creation time, then by id, descending.
func sortNewestFirst(jobs []*Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID > jobs[k].ID
		}
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
}
