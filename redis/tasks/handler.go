// Package tasks provides the queue-side task handlers for analysis jobs.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Processor runs one analysis job to its terminal state. Satisfied by
// analysis.Orchestrator.
type Processor interface {
	ProcessJob(ctx context.Context, jobID string) error
}

// TaskHandler handles processing of queue tasks.
type TaskHandler interface {
	ProcessTask(ctx context.Context, task *asynq.Task) error
}

// Handler implements TaskHandler for analysis tasks.
type Handler struct {
	processor   Processor
	taskTimeout time.Duration
}

// HandlerOption is a function that configures a Handler.
type HandlerOption func(*Handler)

// WithTaskTimeout sets the timeout for task processing.
func WithTaskTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) {
		h.taskTimeout = timeout
	}
}

// NewHandler creates a new task handler around the given processor.
func NewHandler(processor Processor, opts ...HandlerOption) *Handler {
	h := &Handler{
		processor:   processor,
		taskTimeout: 10 * time.Minute,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// CreateAnalyzeTask creates a queue task for the given job id.
func CreateAnalyzeTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(AnalyzePayload{JobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analyze payload: %w", err)
	}

	return asynq.NewTask(TypeAnalyzeFile, data), nil
}

// ProcessTask processes a task based on its type.
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	ctx, cancel := context.WithTimeout(ctx, h.taskTimeout)
	defer cancel()

	switch task.Type() {
	case TypeAnalyzeFile:
		return h.processAnalyzeTask(ctx, task)
	case TypeHealthCheck:
		return nil // Health check task always succeeds
	case TypeConnectionTest:
		return nil // Connection test task always succeeds
	default:
		return fmt.Errorf("unknown task type: %s", task.Type())
	}
}

func (h *Handler) processAnalyzeTask(ctx context.Context, task *asynq.Task) error {
	var payload AnalyzePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal analyze payload: %w", err)
	}

	if payload.JobID == "" {
		return fmt.Errorf("missing job id")
	}

	return h.processor.ProcessJob(ctx, payload.JobID)
}
