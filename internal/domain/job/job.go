// Package job defines the Job entity shared by the Queue, the Worker
// Pool and the Control Plane. A Job never outlives the key-value
// store: there is no relational table backing it (see internal/queue).
package job

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusActive    Status = "ACTIVE"
	StatusDelayed   Status = "DELAYED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ErrorCode is the closed set a job handler may return, per the
// worker/handler contract. The Worker Pool maps every code to a
// retriable/terminal decision; it never invents new codes.
type ErrorCode string

const (
	ErrLoginRequired    ErrorCode = "LOGIN_REQUIRED"
	ErrPermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrEditorLoadFail   ErrorCode = "EDITOR_LOAD_FAIL"
	ErrImageUploadFail  ErrorCode = "IMAGE_UPLOAD_FAIL"
	ErrNetworkError     ErrorCode = "NETWORK_ERROR"
	ErrCafeNotFound     ErrorCode = "CAFE_NOT_FOUND"
	ErrRateLimited      ErrorCode = "RATE_LIMITED"
	ErrChallengeRequired ErrorCode = "CHALLENGE_REQUIRED"
	ErrAuthExpired      ErrorCode = "AUTH_EXPIRED"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrUnknown          ErrorCode = "UNKNOWN"
)

// Retriable reports whether the Worker Pool should schedule a backoff
// retry for this code, per spec §4.3's translation table.
func (c ErrorCode) Retriable() bool {
	switch c {
	case ErrNetworkError, ErrImageUploadFail, ErrRateLimited, ErrTimeout:
		return true
	default:
		return false
	}
}

// SessionFatal reports whether this code means the owning user's
// session must stop being dispatched until re-authentication (§7).
func (c ErrorCode) SessionFatal() bool {
	switch c {
	case ErrAuthExpired, ErrChallengeRequired:
		return true
	default:
		return false
	}
}

var ErrNotFound = errors.New("job: not found")
var ErrNotReservable = errors.New("job: not in a reservable state")
var ErrAlreadyTerminal = errors.New("job: already in a terminal state")
var ErrUnavailable = errors.New("job: QUEUE_UNAVAILABLE")

// Job is one unit of queued work. It lives entirely in the key-value
// store; ScheduleRunID/SequenceNumber tie it back to a ScheduleRun by
// plain id only (no in-memory object graph, per the one-way ownership
// design in DESIGN.md).
type Job struct {
	ID             string          `json:"id"`
	QueueName      string          `json:"queueName"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	UserID         *string         `json:"userId,omitempty"`
	ScheduleRunID  *string         `json:"scheduleRunId,omitempty"`
	SequenceNumber *int            `json:"sequenceNumber,omitempty"`
	Status         Status          `json:"status"`
	Priority       int             `json:"priority"`
	AttemptsMade   int             `json:"attemptsMade"`
	MaxAttempts    int             `json:"maxAttempts"`
	ErrorCode      *ErrorCode      `json:"errorCode,omitempty"`
	ErrorMessage   *string         `json:"errorMessage,omitempty"`
	ReturnValue    json.RawMessage `json:"returnValue,omitempty"`
	RemoveOnComplete int           `json:"removeOnComplete,omitempty"`
	RemoveOnFail     int           `json:"removeOnFail,omitempty"`
	RepeatJobID      string        `json:"repeatJobId,omitempty"`
	CancelRequested  bool          `json:"cancelRequested,omitempty"`
	VisibleAt      time.Time       `json:"visibleAt"`
	LockedBy       *string         `json:"lockedBy,omitempty"`
	LockExpiresAt  *time.Time      `json:"lockExpiresAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

const DefaultMaxAttempts = 3

// CreatePostPayload is the payload shape for the one job type the
// core dispatches into the plug-in job handler (§1, §6). Template
// authoring, image upload etc. all live on the other side of that
// seam; this is the denormalized slice the dashboard needs without a
// join.
type CreatePostPayload struct {
	ScheduleID       string `json:"scheduleId"`
	TemplateID       string `json:"templateId"`
	ScheduleName     string `json:"scheduleName"`
	TemplateName     string `json:"templateName"`
	CafeName         string `json:"cafeName"`
	BoardName        string `json:"boardName"`
	TotalExecutions  int    `json:"totalExecutions"`
}

const TypeCreatePost = "CREATE_POST"
const TypeSnapshotCollector = "stats-snapshot-collector"
