package work

import (
	"time"
)

// WorkTimeout is the default watchdog window for one attempt
const WorkTimeout = 7 * time.Minute

// MaxAttempts is the default number of attempts per task
const MaxAttempts = 3

// KindRebalance executes one rebalance request
const KindRebalance = "rebalance:execute"

// TaskStatus is the queue state of a task
type TaskStatus string

const (
	TaskQueued  TaskStatus = "queued"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Task is one persisted unit of work
type Task struct {
	ID                 string     `json:"id"`
	RebalanceRequestID string     `json:"rebalanceRequestId"`
	Kind               string     `json:"kind"`
	Payload            []byte     `json:"-"`
	Status             TaskStatus `json:"status"`
	Attempts           int        `json:"attempts"`
	MaxAttempts        int        `json:"maxAttempts"`
	NextRunAt          time.Time  `json:"nextRunAt"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	LastError          string     `json:"lastError,omitempty"`
	LastErrorCategory  string     `json:"lastErrorCategory,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// CanRetry reports whether another attempt is allowed
func (t *Task) CanRetry() bool {
	return t.Attempts < t.MaxAttempts
}

// RetryInfo describes the attempt state returned to API callers
type RetryInfo struct {
	Attempt     int  `json:"attempt"`
	MaxAttempts int  `json:"maxAttempts"`
	WillRetry   bool `json:"willRetry"`
}

// Info returns the retry view of a task
func (t *Task) Info() RetryInfo {
	return RetryInfo{
		Attempt:     t.Attempts,
		MaxAttempts: t.MaxAttempts,
		WillRetry:   t.Status == TaskQueued && t.Attempts > 0,
	}
}
