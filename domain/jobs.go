package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobType string

const (
	JobBroadcast JobType = "broadcast"
	JobUnicast   JobType = "unicast"
	JobFetch     JobType = "fetch"
	JobFollow    JobType = "follow"
	JobRefresh   JobType = "refresh"
)

var JobTypes = []JobType{JobBroadcast, JobUnicast, JobFetch, JobFollow, JobRefresh}

type JobState string

const (
	JobEnqueued  JobState = "enqueued"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// JobPayload is stored as JSON alongside the job row.
type JobPayload struct {
	Body           json.RawMessage `json:"body,omitempty"`
	SigningActorId *uuid.UUID      `json:"signingActorId,omitempty"`
	// URI of the Follow activity for follow jobs.
	FollowURI string `json:"followUri,omitempty"`
}

// DeliveryJob is one unit of outbound federation work.
type DeliveryJob struct {
	Id            uuid.UUID
	Type          JobType
	State         JobState
	Payload       JobPayload
	Targets       []string
	Attempts      int
	MaxAttempts   int
	TTL           time.Duration
	CreatedAt     time.Time
	NextAttemptAt time.Time
	LastError     string
}

// Expired reports whether the job outlived its TTL. An expired job is never
// attempted again, whatever its remaining attempts. A zero TTL never expires.
func (j *DeliveryJob) Expired(now time.Time) bool {
	return j.TTL > 0 && now.Sub(j.CreatedAt) > j.TTL
}

func (j *DeliveryJob) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

func (j *DeliveryJob) Terminal() bool {
	return j.State == JobCompleted || j.State == JobFailed
}
