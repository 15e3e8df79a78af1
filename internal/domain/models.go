package domain

import "time"

// Detection is the detector stage output for one source image
type Detection struct {
	AnnotatedImage []byte                 `json:"annotated_image"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// OCR is the text-extraction stage output for one source image
type OCR struct {
	AnnotatedImage []byte   `json:"annotated_image"`
	Texts          []string `json:"texts"`
}

// StageResult holds both pipeline stage outputs for a single source image
type StageResult struct {
	SourceID  string     `json:"source_id,omitempty"`
	Detection *Detection `json:"detection"`
	OCR       *OCR       `json:"ocr"`
}

// AnalysisJob is a submitted set of stage results waiting to be reported on
type AnalysisJob struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Template  string        `json:"template"`
	CreatedAt time.Time     `json:"created_at"`
	Results   []StageResult `json:"results"`
}

// PaginationParams represents pagination parameters
type PaginationParams struct {
	Limit  int
	Offset int
}

// JobSummary is the listing view of a job, without image payloads
type JobSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Template  string    `json:"template"`
	Sources   int       `json:"sources"`
	CreatedAt time.Time `json:"created_at"`
}

// PaginatedJobs represents a paginated job listing
type PaginatedJobs struct {
	Items   []JobSummary
	Total   int
	Limit   int
	Offset  int
	HasMore bool
}
