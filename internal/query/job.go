package query

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is an asynchronously processed page query. The extension polls it by
// id while the worker runs the orchestrator.
type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	SessionID   string `gorm:"size:64;index;not null;index:uniq_query_job_idempo,unique,priority:1"`
	SessionKind string `gorm:"type:varchar(8);not null"`

	PageURL     string `gorm:"type:text;not null"`
	PageContent string `gorm:"type:mediumtext"`
	Question    string `gorm:"type:text;not null"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_query_job_idempo,unique,priority:2" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	Response *string `gorm:"type:text"`
	Model    *string `gorm:"type:varchar(64)"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "query_jobs" }
