package tasks

// Task types
const (
	TypeAnalyzeFile    = "analysis:process"
	TypeHealthCheck    = "health:check"
	TypeConnectionTest = "connection:test"
)

// TaskPriority defines priority levels for tasks
const (
	PriorityLow      = "low"
	PriorityDefault  = "default"
	PriorityCritical = "critical"
)

// AnalyzePayload is the payload for an analysis task. The job record holds
// everything else; only the id crosses the queue.
type AnalyzePayload struct {
	JobID string `json:"job_id"`
}
