package job

import (
	"context"
	"sync"
)

// Repository provides persistence for jobs.
type Repository interface {
	// Create stores a new job.
	Create(ctx context.Context, j *Job) error
	// Get retrieves a job by ID.
	Get(ctx context.Context, id string) (*Job, error)
	// Update replaces an existing job.
	Update(ctx context.Context, j *Job) error
	// List returns jobs matching f in creation order.
	List(ctx context.Context, f Filter) ([]*Job, error)
}

// MemoryRepository is an in-memory Repository. It is safe for concurrent
// use and suitable for single-instance deployments.
type MemoryRepository struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string
	// Index for user lookups
	byUser map[string][]string // userID -> []jobID
	// Index for status lookups
	byStatus map[Status]map[string]struct{}
}

// NewMemoryRepository creates a new in-memory job repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs:     make(map[string]*Job),
		byUser:   make(map[string][]string),
		byStatus: make(map[Status]map[string]struct{}),
	}
}

// Create stores a new job.
func (r *MemoryRepository) Create(_ context.Context, j *Job) error {
	if j.ID == "" {
		return ErrEmptyJobID
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[j.ID]; exists {
		return ErrJobExists
	}
	r.jobs[j.ID] = j.Clone()
	r.order = append(r.order, j.ID)
	r.byUser[j.UserID] = append(r.byUser[j.UserID], j.ID)
	r.indexStatus("", j.Status, j.ID)
	return nil
}

// Get retrieves a job by ID.
func (r *MemoryRepository) Get(_ context.Context, id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, exists := r.jobs[id]
	if !exists {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

// Update replaces an existing job.
func (r *MemoryRepository) Update(_ context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.jobs[j.ID]
	if !exists {
		return ErrJobNotFound
	}
	r.indexStatus(old.Status, j.Status, j.ID)
	r.jobs[j.ID] = j.Clone()
	return nil
}

// List returns jobs matching f in creation order.
func (r *MemoryRepository) List(_ context.Context, f Filter) ([]*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.order
	if f.UserID != "" {
		ids = r.byUser[f.UserID]
	}
	var statusSet map[string]struct{}
	if f.Status != "" {
		statusSet = r.byStatus[f.Status]
	}

	result := make([]*Job, 0)
	for _, id := range ids {
		if statusSet != nil {
			if _, ok := statusSet[id]; !ok {
				continue
			}
		}
		j := r.jobs[id]
		if !f.matches(j) {
			continue
		}
		result = append(result, j.Clone())
		if f.Limit > 0 && len(result) == f.Limit {
			break
		}
	}
	return result, nil
}

// CountByStatus returns the number of jobs in status s.
func (r *MemoryRepository) CountByStatus(s Status) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byStatus[s])
}

func (r *MemoryRepository) indexStatus(from, to Status, id string) {
	if from == to && from != "" {
		return
	}
	if set := r.byStatus[from]; set != nil {
		delete(set, id)
	}
	set := r.byStatus[to]
	if set == nil {
		set = make(map[string]struct{})
		r.byStatus[to] = set
	}
	set[id] = struct{}{}
}
