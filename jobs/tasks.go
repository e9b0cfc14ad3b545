package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReportWarmup pre-computes period withholding reports into the cache.
	TaskReportWarmup = "withholding:report_warmup"
)

// ReportWarmupPayload selects the period to warm. An empty period warms the
// previous calendar month.
type ReportWarmupPayload struct {
	Period string `json:"period,omitempty"` // "2006-01"
}

// NewReportWarmupTask constructs an Asynq task.
func NewReportWarmupTask(payload ReportWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReportWarmup, data), nil
}
