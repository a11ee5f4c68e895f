package ws

import (
	"time"

	"mobwatch/internal/pipeline"
)

// Message types sent to job subscribers
const (
	TypeStatus    = "status"
	TypeProgress  = "progress"
	TypeCompleted = "completed"
	TypeFailed    = "failed"
)

// StatusMessage is sent once when a client connects
type StatusMessage struct {
	Type      string              `json:"type"` // "status"
	JobID     string              `json:"job_id"`
	Timestamp time.Time           `json:"timestamp"`
	Status    *pipeline.JobStatus `json:"status"`
}

// ProgressMessage is sent after every processed frame
type ProgressMessage struct {
	Type         string                `json:"type"` // "progress"
	JobID        string                `json:"job_id"`
	Timestamp    time.Time             `json:"timestamp"`
	CurrentFrame int                   `json:"current_frame"`
	TotalFrames  int                   `json:"total_frames"`
	Progress     float64               `json:"progress"` // 0.0-1.0, 0 when the total is unknown
	Record       *pipeline.FrameRecord `json:"record,omitempty"`
}

// ResultMessage is sent when a job reaches a terminal state
type ResultMessage struct {
	Type      string              `json:"type"` // "completed" or "failed"
	JobID     string              `json:"job_id"`
	Timestamp time.Time           `json:"timestamp"`
	Status    *pipeline.JobStatus `json:"status"`
}

// NewStatusMessage creates a status message. A nil status reports the job as unknown.
func NewStatusMessage(jobID string, status *pipeline.JobStatus) *StatusMessage {
	if status == nil {
		status = &pipeline.JobStatus{ID: jobID, Status: pipeline.JobUnknown}
	}
	return &StatusMessage{
		Type:      TypeStatus,
		JobID:     jobID,
		Timestamp: time.Now(),
		Status:    status,
	}
}

// NewProgressMessage creates a progress message from a frame event
func NewProgressMessage(event *pipeline.Event) *ProgressMessage {
	return &ProgressMessage{
		Type:         TypeProgress,
		JobID:        event.JobID,
		Timestamp:    time.Now(),
		CurrentFrame: event.Status.CurrentFrame,
		TotalFrames:  event.Status.TotalFrames,
		Progress:     event.Status.Progress(),
		Record:       event.Record,
	}
}

// NewResultMessage creates a result message from a terminal event
func NewResultMessage(event *pipeline.Event) *ResultMessage {
	msgType := TypeCompleted
	if event.Type == pipeline.EventFailed {
		msgType = TypeFailed
	}
	status := event.Status
	return &ResultMessage{
		Type:      msgType,
		JobID:     event.JobID,
		Timestamp: time.Now(),
		Status:    &status,
	}
}
