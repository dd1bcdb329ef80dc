package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobType enumerates the kinds of ingestion work.
type JobType string

const (
	JobParsePost      JobType = "parse_post"
	JobGeocodeListing JobType = "geocode_listing"
)

// JobStatus enumerates the states of the job state machine:
// PENDING -> PROCESSING -> {COMPLETED | FAILED}, with FAILED looping back
// to PENDING until the attempt budget is spent.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// ParseJob is one queued unit of ingestion work. Key deduplicates live
// jobs per (Type, Key); RunAfter carries the backoff schedule so retries
// never block a worker.
type ParseJob struct {
	ID          uuid.UUID
	Type        JobType
	Key         string
	Payload     json.RawMessage
	Result      json.RawMessage
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	LastError   *string
	RunAfter    time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Terminal reports whether the job will never run again.
func (j *ParseJob) Terminal() bool {
	return j.Status == JobCompleted ||
		(j.Status == JobFailed && j.Attempts >= j.MaxAttempts)
}

// ParsePostPayload is the payload of a JobParsePost job.
type ParsePostPayload struct {
	PostID int64 `json:"post_id"`
}

// GeocodeListingPayload is the payload of a JobGeocodeListing job.
type GeocodeListingPayload struct {
	ListingID int64  `json:"listing_id"`
	Address   string `json:"address"`
}
