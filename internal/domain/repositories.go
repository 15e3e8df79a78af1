package domain

import "context"

// JobRepository defines the interface for analysis job persistence
type JobRepository interface {
	// Create stores a new job
	Create(ctx context.Context, job *AnalysisJob) error

	// GetByID retrieves a job with its stage results
	GetByID(ctx context.Context, id string) (*AnalysisJob, error)

	// Delete deletes a job by ID
	Delete(ctx context.Context, id string) error

	// List retrieves job summaries, newest first
	List(ctx context.Context, params PaginationParams) (*PaginatedJobs, error)
}

// HealthChecker defines the interface for health checks
type HealthChecker interface {
	// CheckConnection checks if the database connection is healthy
	CheckConnection(ctx context.Context) error

	// EnsureCollections ensures that required collections/namespaces exist
	EnsureCollections(ctx context.Context) error
}
