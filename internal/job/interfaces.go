package job

import "context"

// Runner executes one attempt of a job while the manager holds the
// repository lease. It must return promptly once ctx is cancelled.
type Runner interface {
	Run(ctx context.Context, j *Job) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, j *Job) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, j *Job) error {
	return f(ctx, j)
}

// Publisher receives committed status changes. Implementations must not
// block the caller.
type Publisher interface {
	PublishStatus(ctx context.Context, ev StatusChange)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev StatusChange)

// PublishStatus implements Publisher.
func (f PublisherFunc) PublishStatus(ctx context.Context, ev StatusChange) {
	f(ctx, ev)
}

// MultiPublisher fans a status change out to every publisher in order.
type MultiPublisher []Publisher

// PublishStatus implements Publisher.
func (m MultiPublisher) PublishStatus(ctx context.Context, ev StatusChange) {
	for _, p := range m {
		p.PublishStatus(ctx, ev)
	}
}
